package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nugget/climate-node/internal/config"
	"github.com/nugget/climate-node/internal/retry"
)

// ErrNotConnected is returned when an operation needs a live session
// and there is none.
var ErrNotConnected = errors.New("mqtt client not connected")

// errSessionClosed reports a publish on a session whose connection has
// already gone away.
var errSessionClosed = errors.New("mqtt session closed")

// State is the broker connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Hooks lets other components observe the connection without the
// client knowing about them. Callbacks run synchronously and must be
// quick.
type Hooks struct {
	// OnState is called on every state change.
	OnState func(State)
	// OnAttempt is called after every connection attempt; err is nil
	// on success.
	OnAttempt func(clientID string, err error)
}

// Client is the node's broker connection. It is safe for concurrent
// use.
type Client struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	policy     retry.Policy
	logger     *slog.Logger

	newSession SessionFactory
	randID     func() uint16
	handler    MessageHandler
	limiter    *messageRateLimiter
	hooks      Hooks

	// connectMu serialises Reconnect callers.
	connectMu sync.Mutex

	mu    sync.Mutex
	sess  Session
	state State
	gen   uint64
	// lostGen is set when the session of that generation ended before
	// it was committed as connected.
	lostGen uint64
	lostErr error
}

// New creates a Client but does not connect. policy spaces connection
// attempts; handler receives inbound messages and may be nil to log
// them at debug level.
func New(cfg config.MQTTConfig, instanceID string, policy retry.Policy, handler MessageHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if handler == nil {
		handler = defaultMessageHandler(logger)
	}
	return &Client{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		policy:     policy,
		logger:     logger,
		newSession: NewSession,
		randID:     func() uint16 { return uint16(rand.UintN(0x10000)) },
		handler:    handler,
		limiter:    newMessageRateLimiter(cfg.RateLimitPerMinute, time.Minute, logger),
	}
}

// SetHooks installs observers. Call before Reconnect.
func (c *Client) SetHooks(h Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a session is live.
func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Probe returns nil when connected. Suitable as a connwatch probe.
func (c *Client) Probe(context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Reconnect blocks until the client is connected, ctx is cancelled, or
// the retry policy gives up. Each attempt uses a new client ID and
// attempts are spaced by the policy interval. Returns immediately if
// already connected.
func (c *Client) Reconnect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.IsConnected() {
		return nil
	}

	addr, err := c.cfg.Address()
	if err != nil {
		return err
	}

	c.setState(Connecting)
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		return c.attempt(ctx, addr)
	}, func(attempt int, err error, next time.Duration) {
		c.logger.Warn("mqtt connect failed",
			"broker", c.cfg.Broker,
			"attempt", attempt,
			"error", err,
			"retry_in", next,
		)
	})
	if err != nil {
		c.setState(Disconnected)
		return fmt.Errorf("mqtt reconnect: %w", err)
	}
	return nil
}

// attempt performs one connection attempt with a fresh client ID.
func (c *Client) attempt(ctx context.Context, addr string) error {
	clientID := fmt.Sprintf("%s%x", c.cfg.ClientPrefix, c.randID())
	c.logger.Info("attempting mqtt connection",
		"broker", c.cfg.Broker,
		"protocol", c.cfg.Protocol,
		"client_id", clientID,
	)

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	sess := c.newSession(c.cfg.Protocol)

	connCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	err := sess.Connect(connCtx, SessionConfig{
		ClientID:  clientID,
		Address:   addr,
		TLS:       c.cfg.TLS(),
		Username:  c.cfg.Username,
		Password:  c.cfg.Password,
		KeepAlive: c.cfg.KeepAlive,
		Will: &Message{
			Topic:   c.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnMessage: c.deliver,
		OnLost:    func(err error) { c.lost(gen, err) },
	})
	if err == nil {
		if err = c.commit(gen, sess); err != nil {
			_ = sess.Disconnect(ctx)
		}
	}
	c.notifyAttempt(clientID, err)
	if err != nil {
		return err
	}

	c.logger.Info("mqtt connected", "broker", c.cfg.Broker, "client_id", clientID)
	c.announce(ctx, sess)
	return nil
}

// commit installs sess as the live session unless its connection was
// reported lost during the handshake. The state change happens under
// the same lock as the check so a later loss is never missed.
func (c *Client) commit(gen uint64, sess Session) error {
	c.mu.Lock()
	if c.lostGen == gen {
		err := c.lostErr
		c.mu.Unlock()
		return fmt.Errorf("connection lost during handshake: %w", err)
	}
	changed := c.state != Connected
	c.sess = sess
	c.state = Connected
	hook := c.hooks.OnState
	c.mu.Unlock()

	if changed && hook != nil {
		hook(Connected)
	}
	return nil
}

// announce runs the per-connection setup: birth message, discovery and
// subscriptions. Failures are logged; the connection stays usable.
func (c *Client) announce(ctx context.Context, sess Session) {
	if err := sess.Publish(ctx, Message{
		Topic:   c.availabilityTopic(),
		Payload: []byte("online"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed", "status", "online", "error", err)
	}

	subs := c.cfg.Subscriptions
	if c.cfg.Discovery {
		c.publishDiscovery(ctx, sess)
		subs = append(subs[:len(subs):len(subs)], config.SubscriptionConfig{Topic: c.haStatusTopic(), QoS: 1})
	}

	if len(subs) > 0 {
		if err := sess.Subscribe(ctx, subs); err != nil {
			c.logger.Warn("mqtt subscribe failed", "topics", len(subs), "error", err)
		} else {
			c.logger.Debug("mqtt subscribed", "topics", len(subs))
		}
	}
}

func (c *Client) publishDiscovery(ctx context.Context, sess Session) {
	for _, s := range c.sensorDefinitions() {
		topic := c.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			c.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if err := sess.Publish(ctx, Message{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			c.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
			continue
		}
		c.logger.Debug("mqtt discovery published", "entity", s.entity, "topic", topic)
	}
}

// Send publishes msg on the live session. It returns ErrNotConnected
// without touching the wire when there is none. A failed publish drops
// the session so the next Reconnect builds a new one.
func (c *Client) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	sess, state := c.sess, c.state
	c.mu.Unlock()

	if state != Connected || sess == nil {
		return ErrNotConnected
	}
	err := sess.Publish(ctx, msg)
	if err != nil && ctx.Err() == nil {
		c.drop(sess, err)
	}
	return err
}

// drop abandons sess after a failed publish. Loss callbacks from it are
// ignored afterwards.
func (c *Client) drop(sess Session, err error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.gen++
	c.mu.Unlock()

	c.logger.Warn("mqtt session dropped after publish failure", "broker", c.cfg.Broker, "error", err)
	c.setState(Disconnected)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = sess.Disconnect(ctx)
}

// Publish sends a reading payload (QoS 0, not retained) and reports
// whether it was handed to the broker connection.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) bool {
	err := c.Send(ctx, Message{Topic: topic, Payload: payload})
	switch {
	case err == nil:
		c.logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", topic, "bytes", len(payload))
		return true
	case errors.Is(err, ErrNotConnected):
		c.logger.Debug("mqtt publish skipped, not connected", "topic", topic)
	default:
		c.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
	}
	return false
}

// Run services the inbound side until ctx is cancelled, then publishes
// "offline" and disconnects.
func (c *Client) Run(ctx context.Context) error {
	c.limiter.start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return c.Close(shutdownCtx)
}

// Close marks the node offline and closes the session.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.gen++
	c.mu.Unlock()

	if sess == nil {
		c.setState(Disconnected)
		return nil
	}

	if err := sess.Publish(ctx, Message{
		Topic:   c.availabilityTopic(),
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt availability publish failed", "status", "offline", "error", err)
	}
	c.setState(Disconnected)
	return sess.Disconnect(ctx)
}

// deliver routes one inbound message.
func (c *Client) deliver(topic string, payload []byte) {
	if !c.limiter.allow() {
		return
	}
	if c.cfg.Discovery && topic == c.haStatusTopic() {
		if string(payload) == "online" {
			c.logger.Info("home assistant came online, re-sending discovery")
			c.mu.Lock()
			sess := c.sess
			c.mu.Unlock()
			if sess != nil {
				// Not on the receive path: the session may be waiting on us.
				go c.publishDiscovery(context.Background(), sess)
			}
		}
		return
	}
	c.handler(topic, payload)
}

// lost handles the end of the session created in generation gen.
// Callbacks from a superseded session are ignored. A loss while the
// attempt is still connecting is recorded for commit to see.
func (c *Client) lost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.state == Connecting {
		c.lostGen = gen
		c.lostErr = err
		c.mu.Unlock()
		return
	}
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.mu.Unlock()

	c.logger.Warn("mqtt connection lost", "broker", c.cfg.Broker, "error", err)
	c.setState(Disconnected)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	hook := c.hooks.OnState
	c.mu.Unlock()

	if changed && hook != nil {
		hook(s)
	}
}

func (c *Client) notifyAttempt(clientID string, err error) {
	c.mu.Lock()
	hook := c.hooks.OnAttempt
	c.mu.Unlock()
	if hook != nil {
		hook(clientID, err)
	}
}
