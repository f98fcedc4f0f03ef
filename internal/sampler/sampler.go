// Package sampler runs the sense-and-publish cycle: read the sensor,
// drop invalid readings, make sure the broker connection is up, and
// publish the reading payload.
package sampler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/climate-node/internal/config"
	"github.com/nugget/climate-node/internal/sensor"
)

// State is where the loop currently is within an iteration.
type State int

const (
	Idle State = iota
	Sampling
	Publishing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sampling:
		return "sampling"
	case Publishing:
		return "publishing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Outcome is the result of one iteration.
type Outcome int

const (
	// Skipped means the reading was invalid and nothing was published.
	Skipped Outcome = iota
	// Throttled means the reading was valid but the previous publish
	// was too recent.
	Throttled
	// Published means the payload was handed to the broker connection.
	Published
	// PublishFailed means a publish was attempted and did not go out.
	PublishFailed
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Throttled:
		return "throttled"
	case Published:
		return "published"
	case PublishFailed:
		return "publish_failed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Reader acquires one reading. *sensor.Reader satisfies it.
type Reader interface {
	Read(ctx context.Context) sensor.Reading
}

// Publisher is the broker connection as the loop sees it.
// *mqtt.Client satisfies it.
type Publisher interface {
	IsConnected() bool
	// Reconnect blocks until connected or ctx is done.
	Reconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) bool
}

// Result describes one finished iteration for observers.
type Result struct {
	Reading sensor.Reading
	Outcome Outcome
	Payload []byte // nil unless a publish was attempted
}

// Observer is notified after every iteration. Observe runs on the
// loop goroutine and must not block for long.
type Observer interface {
	Observe(ctx context.Context, res Result)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, res Result)

// Observe implements [Observer].
func (f ObserverFunc) Observe(ctx context.Context, res Result) { f(ctx, res) }

// Config controls topic and timing.
type Config struct {
	Topic string
	// CycleDelay is slept after every iteration whatever its outcome.
	CycleDelay time.Duration
	// MinPublishInterval must be exceeded between publishes.
	MinPublishInterval time.Duration
}

// Snapshot is a point-in-time view of the loop for status pages.
type Snapshot struct {
	State       string          `json:"state"`
	LastReading *sensor.Reading `json:"last_reading,omitempty"`
	LastPublish time.Time       `json:"last_publish,omitzero"`
	Iterations  uint64          `json:"iterations"`
	Published   uint64          `json:"published"`
	Skipped     uint64          `json:"skipped"`
}

// Loop is the sample loop. Step and Run must not be called
// concurrently; State and Snapshot are safe from any goroutine.
type Loop struct {
	cfg       Config
	reader    Reader
	pub       Publisher
	observers []Observer
	logger    *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	mu          sync.Mutex
	state       State
	lastPublish time.Time
	lastValid   *sensor.Reading
	iterations  uint64
	published   uint64
	skipped     uint64
}

// New creates a Loop.
func New(cfg Config, reader Reader, pub Publisher, logger *slog.Logger, observers ...Observer) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg,
		reader:    reader,
		pub:       pub,
		observers: observers,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// State returns the loop's current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Snapshot returns the loop's status.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		State:       l.state.String(),
		LastPublish: l.lastPublish,
		Iterations:  l.iterations,
		Published:   l.published,
		Skipped:     l.skipped,
	}
	if l.lastValid != nil {
		r := *l.lastValid
		s.LastReading = &r
	}
	return s
}

// Restore seeds the last valid reading, typically from operational
// state at startup. Invalid readings are ignored, and a reading the loop
// has already taken is kept. It reports whether r was installed.
func (l *Loop) Restore(r sensor.Reading) bool {
	if !r.Valid {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastValid != nil {
		return false
	}
	l.lastValid = &r
	return true
}

// Step performs one iteration. An error is returned only when the
// broker reconnect was abandoned (ctx cancelled or retry policy
// exhausted); sensor failures are an ordinary Skipped outcome.
func (l *Loop) Step(ctx context.Context) (Outcome, error) {
	l.setState(Sampling)
	defer l.setState(Idle)

	reading := l.reader.Read(ctx)
	if err := ctx.Err(); err != nil {
		return Skipped, err
	}

	l.mu.Lock()
	l.iterations++
	if !reading.Valid {
		l.skipped++
	} else {
		r := reading
		l.lastValid = &r
	}
	last := l.lastPublish
	l.mu.Unlock()

	if !reading.Valid {
		l.notify(ctx, Result{Reading: reading, Outcome: Skipped})
		return Skipped, nil
	}

	now := l.now()
	if !last.IsZero() && now.Sub(last) <= l.cfg.MinPublishInterval {
		l.logger.Debug("publish throttled",
			"since_last", now.Sub(last).Round(time.Millisecond),
			"min_interval", l.cfg.MinPublishInterval,
		)
		l.notify(ctx, Result{Reading: reading, Outcome: Throttled})
		return Throttled, nil
	}

	l.setState(Publishing)
	if !l.pub.IsConnected() {
		if err := l.pub.Reconnect(ctx); err != nil {
			l.notify(ctx, Result{Reading: reading, Outcome: PublishFailed})
			return PublishFailed, err
		}
	}

	payload, err := FormatPayload(reading)
	if err != nil {
		// Unreachable: validity was checked above.
		return Skipped, err
	}

	l.logger.Info("publish message", "topic", l.cfg.Topic, "payload", string(payload))
	ok := l.pub.Publish(ctx, l.cfg.Topic, payload)

	l.mu.Lock()
	l.lastPublish = now
	if ok {
		l.published++
	}
	l.mu.Unlock()

	outcome := Published
	if !ok {
		outcome = PublishFailed
	}
	l.notify(ctx, Result{Reading: reading, Outcome: outcome, Payload: payload})
	return outcome, nil
}

// Run calls Step forever, sleeping CycleDelay after each iteration.
// It returns nil when ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("sample loop started",
		"topic", l.cfg.Topic,
		"cycle_delay", l.cfg.CycleDelay,
		"min_publish_interval", l.cfg.MinPublishInterval,
	)
	for {
		outcome, err := l.Step(ctx)
		if ctx.Err() != nil {
			l.logger.Info("sample loop stopped")
			return nil
		}
		if err != nil {
			l.logger.Error("broker reconnect abandoned", "error", err)
		} else {
			l.logger.Log(ctx, config.LevelTrace, "iteration complete", "outcome", outcome.String())
		}

		if !l.sleep(ctx, l.cfg.CycleDelay) {
			l.logger.Info("sample loop stopped")
			return nil
		}
	}
}

func (l *Loop) notify(ctx context.Context, res Result) {
	for _, o := range l.observers {
		o.Observe(ctx, res)
	}
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
