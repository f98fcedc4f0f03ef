package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	pahov3 "github.com/eclipse/paho.mqtt.golang"

	"github.com/nugget/climate-node/internal/config"
)

// v311Session speaks MQTT v3.1.1, the protocol level of the
// PubSubClient firmware this node replaces. Auto-reconnect is turned
// off; reconnection is the Client's job.
type v311Session struct {
	client pahov3.Client

	mu      sync.Mutex
	closing bool
}

func (s *v311Session) Connect(ctx context.Context, cfg SessionConfig) error {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}

	opts := pahov3.NewClientOptions().
		AddBroker(scheme + "://" + cfg.Address).
		SetClientID(cfg.ClientID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(time.Duration(cfg.KeepAlive) * time.Second).
		SetOrderMatters(false)

	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}
	if cfg.TLS {
		host, _, _ := net.SplitHostPort(cfg.Address)
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12, ServerName: host})
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.Will != nil {
		opts.SetBinaryWill(cfg.Will.Topic, cfg.Will.Payload, cfg.Will.QoS, cfg.Will.Retain)
	}
	if cfg.OnMessage != nil {
		opts.SetDefaultPublishHandler(func(_ pahov3.Client, m pahov3.Message) {
			cfg.OnMessage(m.Topic(), m.Payload())
		})
	}
	opts.SetConnectionLostHandler(func(_ pahov3.Client, err error) {
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if !closing && cfg.OnLost != nil {
			cfg.OnLost(err)
		}
	})

	s.client = pahov3.NewClient(opts)
	if err := wait(ctx, s.client.Connect()); err != nil {
		// Stop the half-open client so abandoned attempts do not pile up.
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.client.Disconnect(0)
		return fmt.Errorf("mqtt v3.1.1 connect: %w", err)
	}
	return nil
}

func (s *v311Session) Publish(ctx context.Context, msg Message) error {
	if s.client == nil {
		return ErrNotConnected
	}
	if !s.client.IsConnectionOpen() {
		return errSessionClosed
	}
	return wait(ctx, s.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload))
}

func (s *v311Session) Subscribe(ctx context.Context, subs []config.SubscriptionConfig) error {
	if s.client == nil {
		return ErrNotConnected
	}
	if len(subs) == 0 {
		return nil
	}
	filters := make(map[string]byte, len(subs))
	for _, sub := range subs {
		filters[sub.Topic] = sub.QoS
	}
	// nil callback routes messages to the default publish handler.
	return wait(ctx, s.client.SubscribeMultiple(filters, nil))
}

func (s *v311Session) Disconnect(context.Context) error {
	if s.client == nil {
		return nil
	}
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.client.Disconnect(250)
	return nil
}

// wait blocks until tok completes or ctx is done.
func wait(ctx context.Context, tok pahov3.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Session = (*v311Session)(nil)
