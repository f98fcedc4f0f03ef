// Package events carries node events (readings, broker and link state
// changes, firmware uploads) from the components that produce them to
// live subscribers such as the websocket feeds. The bus is nil-safe:
// Publish and Emit on a nil *Bus are no-ops.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceSampler = "sampler"
	SourceMQTT    = "mqtt"
	SourceLink    = "link"
	SourceUpdate  = "update"
)

// Kinds.
const (
	// KindReading is a valid reading.
	// Data: temperature, humidity, outcome.
	KindReading = "reading"
	// KindSensorFailed is an acquisition with a NaN component.
	// Data: temperature_nan, humidity_nan.
	KindSensorFailed = "sensor_failed"
	// KindState is a broker connection state change. Data: state.
	KindState = "state"
	// KindLinkChange is a connwatch transition. Data: link, up, error.
	KindLinkChange = "link_change"
	// KindUpload is a firmware upload attempt. Data: result.
	KindUpload = "upload"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Filter selects the events a subscriber receives. A nil Filter
// accepts everything.
type Filter func(Event) bool

// KindFilter accepts events of the given kinds.
func KindFilter(kinds ...string) Filter {
	return func(e Event) bool {
		for _, k := range kinds {
			if e.Kind == k {
				return true
			}
		}
		return false
	}
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is
// full misses events; publishers never wait.
type Bus struct {
	now func() time.Time

	mu   sync.RWMutex
	subs map[chan Event]Filter
	// recvToSend maps the receive-only channel handed to the caller
	// back to the channel held in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a Bus.
func New() *Bus {
	return &Bus{
		now:        time.Now,
		subs:       make(map[chan Event]Filter),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber whose filter accepts it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter(e) {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: b.now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving events accepted by filter. The
// caller must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int, filter Filter) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = filter
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
