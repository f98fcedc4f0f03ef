package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testSchedule() Schedule {
	return Schedule{
		Initial:      time.Millisecond,
		Max:          5 * time.Millisecond,
		Attempts:     5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// changes records OnChange calls.
type changes struct {
	mu sync.Mutex
	up []bool
}

func (c *changes) record(up bool, _ error) {
	c.mu.Lock()
	c.up = append(c.up, up)
	c.mu.Unlock()
}

func (c *changes) get() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.up...)
}

func TestDefaultSchedule(t *testing.T) {
	s := Schedule{}.withDefaults()
	if s != DefaultSchedule() {
		t.Errorf("withDefaults() = %+v, want %+v", s, DefaultSchedule())
	}

	custom := Schedule{Initial: time.Millisecond}.withDefaults()
	if custom.Initial != time.Millisecond || custom.PollInterval != DefaultSchedule().PollInterval {
		t.Errorf("partial schedule = %+v", custom)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	var ch changes

	m := NewManager(slog.New(slog.DiscardHandler))
	w := m.Watch(t.Context(), Config{
		Name:     "network",
		Probe:    func(context.Context) error { return nil },
		Schedule: testSchedule(),
		OnChange: ch.record,
	})

	eventually(t, w.IsUp, "link never came up")
	if w.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", w.LastError())
	}
	// Further successful polls must not report again.
	time.Sleep(30 * time.Millisecond)
	if got := ch.get(); len(got) != 1 || !got[0] {
		t.Errorf("changes = %v, want [true]", got)
	}
}

func TestWatcher_StartupBackoffThenUp(t *testing.T) {
	t.Parallel()
	errDown := errors.New("no route to broker")
	var attempts atomic.Int32
	var ch changes

	m := NewManager(slog.New(slog.DiscardHandler))
	w := m.Watch(t.Context(), Config{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if attempts.Add(1) <= 3 {
				return errDown
			}
			return nil
		},
		Schedule: testSchedule(),
		OnChange: ch.record,
	})

	eventually(t, w.IsUp, "link never came up")
	if n := attempts.Load(); n < 4 {
		t.Errorf("attempts = %d, want >= 4", n)
	}
	if got := ch.get(); len(got) != 2 || got[0] || !got[1] {
		t.Errorf("changes = %v, want [false true]", got)
	}
}

func TestWatcher_DownThenPolling(t *testing.T) {
	t.Parallel()
	errDown := errors.New("always down")
	var attempts atomic.Int32

	m := NewManager(slog.New(slog.DiscardHandler))
	w := m.Watch(t.Context(), Config{
		Name:     "mqtt",
		Probe:    func(context.Context) error { attempts.Add(1); return errDown },
		Schedule: testSchedule(),
	})

	// Background polling keeps probing after the startup attempts.
	eventually(t, func() bool { return attempts.Load() > 7 }, "polling never continued past startup")
	if w.IsUp() {
		t.Error("IsUp() = true for a failing probe")
	}
	if !errors.Is(w.LastError(), errDown) {
		t.Errorf("LastError() = %v, want errDown", w.LastError())
	}
	if s := w.Status(); s.LastError != "always down" || s.Up || s.LastCheck.IsZero() {
		t.Errorf("Status() = %+v", s)
	}
}

func TestWatcher_Transitions(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	healthy.Store(true)
	var ch changes

	m := NewManager(slog.New(slog.DiscardHandler))
	w := m.Watch(t.Context(), Config{
		Name: "network",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("wifi link lost")
		},
		Schedule: testSchedule(),
		OnChange: ch.record,
	})

	eventually(t, w.IsUp, "link never came up")
	since := w.Status().Since

	healthy.Store(false)
	eventually(t, func() bool { return !w.IsUp() }, "link never went down")
	if !w.Status().Since.After(since) {
		t.Error("Since not advanced on transition")
	}

	healthy.Store(true)
	eventually(t, w.IsUp, "link never recovered")

	got := ch.get()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("changes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("changes = %v, want %v", got, want)
			break
		}
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	sched := testSchedule()
	sched.ProbeTimeout = 5 * time.Millisecond

	m := NewManager(slog.New(slog.DiscardHandler))
	w := m.Watch(t.Context(), Config{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Schedule: sched,
	})

	eventually(t, func() bool { return w.LastError() != nil }, "probe never timed out")
	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError() = %v, want DeadlineExceeded", w.LastError())
	}
	w.Stop()
}

func TestWatcher_StopAndCancel(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	w := m.Watch(t.Context(), Config{
		Name:     "a",
		Probe:    func(context.Context) error { return nil },
		Schedule: testSchedule(),
		Logger:   slog.New(slog.DiscardHandler),
	})
	w.Stop()

	ctx, cancel := context.WithCancel(t.Context())
	w2 := m.Watch(ctx, Config{
		Name:     "b",
		Probe:    func(context.Context) error { return errors.New("down") },
		Schedule: testSchedule(),
		Logger:   slog.New(slog.DiscardHandler),
	})
	cancel()

	done := make(chan struct{})
	go func() { w2.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
}

func TestManager_StatusAndHealthy(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.New(slog.DiscardHandler))
	defer m.Stop()

	var mqttUp atomic.Bool
	m.Watch(t.Context(), Config{
		Name:     "network",
		Probe:    func(context.Context) error { return nil },
		Schedule: testSchedule(),
	})
	m.Watch(t.Context(), Config{
		Name: "mqtt",
		Probe: func(context.Context) error {
			if mqttUp.Load() {
				return nil
			}
			return errors.New("not connected")
		},
		Schedule: testSchedule(),
	})

	eventually(t, func() bool { return m.Status()["network"].Up }, "network never came up")
	if m.Healthy() {
		t.Error("Healthy() = true with mqtt down")
	}
	status := m.Status()
	if len(status) != 2 || status["mqtt"].LastError != "not connected" {
		t.Errorf("Status() = %+v", status)
	}

	mqttUp.Store(true)
	eventually(t, m.Healthy, "manager never became healthy")
}

func TestManager_WatchPanics(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty name", Config{Probe: func(context.Context) error { return nil }}},
		{"nil probe", Config{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch did not panic")
				}
			}()
			NewManager(nil).Watch(t.Context(), tt.cfg)
		})
	}
}
