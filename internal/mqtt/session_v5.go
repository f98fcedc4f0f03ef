package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/climate-node/internal/config"
)

// v5Session speaks MQTT v5 through the low-level paho client. The
// client does not reconnect by itself, which is exactly what the
// explicit Reconnect loop wants.
type v5Session struct {
	client   *paho.Client
	lostOnce sync.Once
	closing  bool
	mu       sync.Mutex
}

func (s *v5Session) Connect(ctx context.Context, cfg SessionConfig) error {
	conn, err := dial(ctx, cfg.Address, cfg.TLS)
	if err != nil {
		return err
	}

	lost := func(err error) {
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		if closing || cfg.OnLost == nil {
			return
		}
		s.lostOnce.Do(func() { cfg.OnLost(err) })
	}

	s.client = paho.NewClient(paho.ClientConfig{
		ClientID: cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if cfg.OnMessage != nil {
					cfg.OnMessage(pr.Packet.Topic, pr.Packet.Payload)
				}
				return true, nil
			},
		},
		OnClientError: lost,
		OnServerDisconnect: func(d *paho.Disconnect) {
			lost(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   cfg.ClientID,
		KeepAlive:  cfg.KeepAlive,
		CleanStart: true,
	}
	if cfg.Username != "" {
		cp.Username = cfg.Username
		cp.UsernameFlag = true
	}
	if cfg.Password != "" {
		cp.Password = []byte(cfg.Password)
		cp.PasswordFlag = true
	}
	if cfg.Will != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   cfg.Will.Topic,
			Payload: cfg.Will.Payload,
			QoS:     cfg.Will.QoS,
			Retain:  cfg.Will.Retain,
		}
	}

	ca, err := s.client.Connect(ctx, cp)
	if err != nil {
		_ = conn.Close()
		if ca != nil {
			return fmt.Errorf("mqtt v5 connect rc=%d: %w", ca.ReasonCode, err)
		}
		return fmt.Errorf("mqtt v5 connect: %w", err)
	}
	if ca.ReasonCode != 0 {
		_ = conn.Close()
		return fmt.Errorf("mqtt v5 connect refused, rc=%d", ca.ReasonCode)
	}
	return nil
}

func (s *v5Session) Publish(ctx context.Context, msg Message) error {
	if s.client == nil {
		return ErrNotConnected
	}
	_, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
	})
	return err
}

func (s *v5Session) Subscribe(ctx context.Context, subs []config.SubscriptionConfig) error {
	if s.client == nil {
		return ErrNotConnected
	}
	if len(subs) == 0 {
		return nil
	}
	opts := make([]paho.SubscribeOptions, 0, len(subs))
	for _, sub := range subs {
		opts = append(opts, paho.SubscribeOptions{Topic: sub.Topic, QoS: sub.QoS})
	}
	_, err := s.client.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts})
	return err
}

func (s *v5Session) Disconnect(context.Context) error {
	if s.client == nil {
		return nil
	}
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	return s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

// dial opens the transport connection to the broker.
func dial(ctx context.Context, addr string, useTLS bool) (net.Conn, error) {
	if useTLS {
		host, _, _ := net.SplitHostPort(addr)
		d := &tls.Dialer{Config: &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: host,
		}}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s (tls): %w", addr, err)
		}
		return conn, nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

var _ Session = (*v5Session)(nil)
