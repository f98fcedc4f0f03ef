// Package connwatch tracks the health of the node's links (the Wi-Fi
// station and the broker session) for the /health endpoint and the
// connectivity gauges.
//
// A watcher does not repair anything. Reconnection belongs to the
// owners of the links; connwatch only observes them in two phases:
//  1. Startup: probes on an exponential schedule (1s, 2s, 4s, ... capped
//     at 30s) until the link first comes up or the attempts run out.
//  2. Background: a probe every PollInterval, reporting transitions.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ProbeFunc checks whether a link is up. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls the startup probe schedule and background polling.
type Schedule struct {
	// Initial is the delay after the first failed startup probe.
	Initial time.Duration
	// Max caps the startup delay growth.
	Max time.Duration
	// Attempts is the number of startup probes before falling back
	// to background polling.
	Attempts int
	// PollInterval is the background probe interval.
	PollInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultSchedule returns the schedule used for the node's links.
func DefaultSchedule() Schedule {
	return Schedule{
		Initial:      time.Second,
		Max:          30 * time.Second,
		Attempts:     8,
		PollInterval: 15 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultSchedule.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Initial <= 0 {
		s.Initial = d.Initial
	}
	if s.Max <= 0 {
		s.Max = d.Max
	}
	if s.Attempts <= 0 {
		s.Attempts = d.Attempts
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

func (s Schedule) startup(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.Initial
	b.MaxInterval = s.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.Attempts-1)), ctx)
}

// Config configures a single link watcher.
type Config struct {
	// Name identifies the link ("network", "mqtt").
	Name     string
	Probe    ProbeFunc
	Schedule Schedule

	// OnChange is called synchronously whenever the link state
	// changes, starting with the outcome of the first probe. Must not
	// block.
	OnChange func(up bool, err error)

	Logger *slog.Logger
}

// Status is the health of a watched link as served by /health.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	Since     time.Time `json:"since,omitzero"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one link.
type Watcher struct {
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time

	mu        sync.Mutex
	up        bool
	since     time.Time
	lastErr   error
	lastCheck time.Time
}

// IsUp reports whether the link was up at the last probe.
func (w *Watcher) IsUp() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.up
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current link status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.cfg.Name,
		Up:        w.up,
		Since:     w.since,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	sched := w.cfg.Schedule
	logger := w.cfg.Logger

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return w.check(ctx)
	}, sched.startup(ctx), func(err error, next time.Duration) {
		logger.Debug("link probe failed during startup",
			"link", w.cfg.Name,
			"attempt", attempts,
			"next_delay", next,
			"error", err,
		)
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		logger.Info("link not up after startup probes, polling in background",
			"link", w.cfg.Name,
			"attempts", attempts,
			"error", err,
		)
	}

	ticker := time.NewTicker(sched.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil {
				logger.Debug("link still down", "link", w.cfg.Name, "error", err)
			}
		}
	}
}

// check runs one probe and records the outcome.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.Schedule.ProbeTimeout)
	defer cancel()

	err := w.cfg.Probe(probeCtx)
	w.record(err)
	return err
}

func (w *Watcher) record(err error) {
	now := w.now()
	up := err == nil

	w.mu.Lock()
	changed := up != w.up || w.since.IsZero()
	w.lastErr = err
	w.lastCheck = now
	if changed {
		w.up = up
		w.since = now
	}
	w.mu.Unlock()

	if !changed {
		return
	}
	if up {
		w.cfg.Logger.Info("link up", "link", w.cfg.Name)
	} else {
		w.cfg.Logger.Warn("link down", "link", w.cfg.Name, "error", err)
	}
	if w.cfg.OnChange != nil {
		w.cfg.OnChange(up, err)
	}
}

// Manager owns the watchers for all links.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher that runs until ctx is cancelled or Stop is
// called. It panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Schedule = cfg.Schedule.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		cfg:    cfg,
		cancel: cancel,
		done:   make(chan struct{}),
		now:    time.Now,
	}

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(watchCtx)
	return w
}

// Status returns the status of every watched link keyed by name.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Healthy reports whether every watched link is up.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.IsUp() {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
