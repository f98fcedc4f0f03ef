package mqtt

import (
	"context"

	"github.com/nugget/climate-node/internal/config"
)

// Message is a single outbound or inbound MQTT message.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// SessionConfig carries everything a Session needs for one connection
// attempt.
type SessionConfig struct {
	ClientID  string
	Address   string // host:port
	TLS       bool
	Username  string
	Password  string
	KeepAlive uint16 // seconds
	Will      *Message

	// OnMessage receives inbound publishes. Must be safe for
	// concurrent use.
	OnMessage func(topic string, payload []byte)
	// OnLost is called at most once when an established connection
	// ends without Disconnect being called.
	OnLost func(err error)
}

// Session is one broker connection. A Session is used for a single
// connection attempt and discarded afterwards.
type Session interface {
	// Connect dials the broker and performs the protocol handshake.
	Connect(ctx context.Context, cfg SessionConfig) error
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, subs []config.SubscriptionConfig) error
	// Disconnect closes the connection cleanly.
	Disconnect(ctx context.Context) error
}

// SessionFactory creates a fresh, unconnected Session for a protocol
// version ("5" or "3.1.1").
type SessionFactory func(protocol string) Session

// NewSession is the default SessionFactory.
func NewSession(protocol string) Session {
	if protocol == "3.1.1" {
		return &v311Session{}
	}
	return &v5Session{}
}
