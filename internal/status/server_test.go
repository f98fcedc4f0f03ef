package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/climate-node/internal/config"
	"github.com/nugget/climate-node/internal/connwatch"
	"github.com/nugget/climate-node/internal/events"
	"github.com/nugget/climate-node/internal/metrics"
	"github.com/nugget/climate-node/internal/ota"
	"github.com/nugget/climate-node/internal/sampler"
	"github.com/nugget/climate-node/internal/sensor"
)

type fakeLinks struct {
	status  map[string]connwatch.Status
	healthy bool
	panics  bool
}

func (f *fakeLinks) Status() map[string]connwatch.Status {
	if f.panics {
		panic("link table corrupted")
	}
	return f.status
}

func (f *fakeLinks) Healthy() bool { return f.healthy }

type fakeSampler struct{ snap sampler.Snapshot }

func (f fakeSampler) Snapshot() sampler.Snapshot { return f.snap }

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestRoot(t *testing.T) {
	h := New(config.ListenConfig{}, Deps{}, quietLogger()).Handler()

	rec := get(t, h, "/")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	if rec.Body.String() != "IT IS ON" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "IT IS ON")
	}

	if rec := get(t, h, "/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	reading := sensor.NewReading(21.3, 48.2, time.Unix(1700000000, 0).UTC())
	snap := sampler.Snapshot{State: "idle", LastReading: &reading, Iterations: 7, Published: 5, Skipped: 2}

	tests := []struct {
		name       string
		healthy    bool
		wantCode   int
		wantStatus string
	}{
		{"all links up", true, http.StatusOK, "ok"},
		{"mqtt down", false, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := &fakeLinks{
				healthy: tt.healthy,
				status: map[string]connwatch.Status{
					"network": {Name: "network", Up: true},
					"mqtt":    {Name: "mqtt", Up: tt.healthy},
				},
			}
			h := New(config.ListenConfig{}, Deps{Links: links, Sampler: fakeSampler{snap}}, quietLogger()).Handler()

			rec := get(t, h, "/health")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}

			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if len(resp.Links) != 2 || resp.Links["mqtt"].Up != tt.healthy {
				t.Errorf("Links = %+v", resp.Links)
			}
			if resp.Sampler == nil || resp.Sampler.Published != 5 || resp.Sampler.LastReading.Temperature != 21.3 {
				t.Errorf("Sampler = %+v", resp.Sampler)
			}
			if resp.Build["version"] == "" {
				t.Errorf("Build = %v, want version", resp.Build)
			}
		})
	}
}

func TestHealth_NoDeps(t *testing.T) {
	h := New(config.ListenConfig{}, Deps{}, quietLogger()).Handler()
	rec := get(t, h, "/health")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("status %d body %s", rec.Code, rec.Body)
	}
}

type fakeState struct{ err error }

func (f fakeState) Ping() error { return f.err }

type fakeBreaker string

func (f fakeBreaker) BreakerState() string { return string(f) }

func TestHealth_StateStoreAndFeeds(t *testing.T) {
	tests := []struct {
		name      string
		pingErr   error
		wantCode  int
		wantState string
	}{
		{"store ok", nil, http.StatusOK, "ok"},
		{"store down", errors.New("database is closed"), http.StatusServiceUnavailable, "database is closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := Deps{
				State:   fakeState{tt.pingErr},
				History: fakeBreaker("open"),
				Hub:     NewHub(events.New(), quietLogger()),
			}
			rec := get(t, New(config.ListenConfig{}, deps, quietLogger()).Handler(), "/health")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.State != tt.wantState {
				t.Errorf("State = %q, want %q", resp.State, tt.wantState)
			}
			if resp.HistoryBreaker != "open" {
				t.Errorf("HistoryBreaker = %q, want open", resp.HistoryBreaker)
			}
			if resp.FeedClients == nil || *resp.FeedClients != 0 {
				t.Errorf("FeedClients = %v, want 0", resp.FeedClients)
			}
		})
	}
}

func TestPanicRecovered(t *testing.T) {
	h := New(config.ListenConfig{}, Deps{Links: &fakeLinks{panics: true}}, quietLogger()).Handler()

	rec := get(t, h, "/health")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	// The server keeps serving.
	if rec := get(t, h, "/"); rec.Code != http.StatusOK {
		t.Errorf("root after panic = %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	h := New(config.ListenConfig{}, Deps{Metrics: m}, quietLogger()).Handler()

	get(t, h, "/")
	get(t, h, "/missing")

	body := get(t, h, "/metrics").Body.String()
	for _, want := range []string{
		`climate_node_http_requests_total{route="GET /{$}",status="200"} 1`,
		`climate_node_http_requests_total{route="unmatched",status="404"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestQRCode(t *testing.T) {
	tests := []struct {
		name      string
		advertise func() string
	}{
		{"request host", nil},
		{"advertised address", func() string { return "192.168.4.20" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(config.ListenConfig{Port: 8080}, Deps{Advertise: tt.advertise}, quietLogger()).Handler()
			rec := get(t, h, "/qr.png")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
				t.Errorf("Content-Type = %q", ct)
			}
			if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
				t.Error("body is not a PNG")
			}
		})
	}
}

func TestUpdateRoutesMounted(t *testing.T) {
	svc := ota.New(config.UpdateConfig{MaxBytes: 1024}, t.TempDir(), nil, quietLogger())
	h := New(config.ListenConfig{}, Deps{Update: svc}, quietLogger()).Handler()

	rec := get(t, h, "/update/status")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"staged":false`) {
		t.Errorf("status %d body %s", rec.Code, rec.Body)
	}
	if rec := get(t, h, "/update"); rec.Code != http.StatusOK {
		t.Errorf("form status = %d", rec.Code)
	}
}

func dialFeed(t *testing.T, hub *Hub, base, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Clients() = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e events.Event
	if err := json.Unmarshal(data, &e); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return e
}

func TestEventFeeds(t *testing.T) {
	bus := events.New()
	hub := NewHub(bus, quietLogger())
	srv := httptest.NewServer(New(config.ListenConfig{}, Deps{Hub: hub}, quietLogger()).Handler())
	defer srv.Close()
	defer hub.Close()

	readings := dialFeed(t, hub, srv.URL, "/ws/readings")
	all := dialFeed(t, hub, srv.URL, "/ws/events")
	waitClients(t, hub, 2)
	if got := bus.SubscriberCount(); got != 2 {
		t.Errorf("SubscriberCount() = %d, want 2", got)
	}

	bus.Emit(events.SourceMQTT, events.KindState, map[string]any{"state": "connected"})
	bus.Emit(events.SourceSampler, events.KindReading, map[string]any{
		"temperature": 20.0,
		"humidity":    40.0,
		"outcome":     "published",
	})

	e := readEvent(t, readings)
	if e.Kind != events.KindReading || e.Data["temperature"] != 20.0 || e.Data["outcome"] != "published" {
		t.Errorf("reading feed got %+v", e)
	}

	if e := readEvent(t, all); e.Kind != events.KindState || e.Data["state"] != "connected" {
		t.Errorf("first event = %+v, want state", e)
	}
	if e := readEvent(t, all); e.Kind != events.KindReading {
		t.Errorf("second event = %+v, want reading", e)
	}

	hub.Close()
	if hub.Clients() != 0 {
		t.Errorf("Clients() after Close = %d", hub.Clients())
	}
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() after Close = %d", got)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	bus := events.New()
	hub := NewHub(bus, quietLogger())
	srv := httptest.NewServer(New(config.ListenConfig{}, Deps{Hub: hub}, quietLogger()).Handler())
	defer srv.Close()
	defer hub.Close()

	conn := dialFeed(t, hub, srv.URL, "/ws/events")
	waitClients(t, hub, 1)

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitClients(t, hub, 0)
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
}

func TestHub_RejectsPlainHTTP(t *testing.T) {
	bus := events.New()
	hub := NewHub(bus, quietLogger())
	h := New(config.ListenConfig{}, Deps{Hub: hub}, quietLogger()).Handler()
	for _, path := range []string{"/ws/readings", "/ws/events"} {
		if rec := get(t, h, path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", path, rec.Code)
		}
	}
	if hub.Clients() != 0 || bus.SubscriberCount() != 0 {
		t.Error("plain request registered a client")
	}
}

func TestServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := New(config.ListenConfig{MaxConns: 2}, Deps{Hub: NewHub(events.New(), quietLogger())}, quietLogger())

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(t.Context(), ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "IT IS ON" {
		t.Errorf("body = %q", body)
	}

	if err := s.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}
