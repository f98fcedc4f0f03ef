package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/climate-node/internal/sampler"
	"github.com/nugget/climate-node/internal/sensor"
)

func TestObserve(t *testing.T) {
	m := New()
	at := time.Unix(1700000000, 0)

	m.Observe(t.Context(), sampler.Result{Reading: sensor.NewReading(21.5, 44, at), Outcome: sampler.Published})
	m.Observe(t.Context(), sampler.Result{Reading: sensor.Reading{}, Outcome: sampler.Skipped})
	m.Observe(t.Context(), sampler.Result{Reading: sensor.NewReading(22, 45, at), Outcome: sampler.Throttled})

	if got := testutil.ToFloat64(m.iterations.WithLabelValues("published")); got != 1 {
		t.Errorf("published = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.iterations.WithLabelValues("skipped")); got != 1 {
		t.Errorf("skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.temperature); got != 22 {
		t.Errorf("temperature = %v, want 22", got)
	}
	if got := testutil.ToFloat64(m.humidity); got != 45 {
		t.Errorf("humidity = %v, want 45", got)
	}
	if got := testutil.ToFloat64(m.lastReading); got != 1700000000 {
		t.Errorf("last reading = %v", got)
	}
}

func TestConnectionMetrics(t *testing.T) {
	m := New()
	m.ConnectAttempt(errors.New("refused"))
	m.ConnectAttempt(errors.New("refused"))
	m.ConnectAttempt(nil)
	m.SetMQTTConnected(true)
	m.SetWiFiConnected(false)

	if got := testutil.ToFloat64(m.connectAttempts.WithLabelValues("error")); got != 2 {
		t.Errorf("failed attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.mqttConnected); got != 1 {
		t.Errorf("mqtt_connected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.wifiConnected); got != 0 {
		t.Errorf("wifi_connected = %v, want 0", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveHTTP("/", 200, 3*time.Millisecond)
	m.SetBreakerState("influx", 2)
	m.HistoryWrite(nil)
	m.FirmwareUpload("staged")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`climate_node_http_requests_total{route="/",status="200"} 1`,
		`climate_node_circuit_breaker_state{target="influx"} 2`,
		`climate_node_history_writes_total{result="ok"} 1`,
		`climate_node_firmware_uploads_total{result="staged"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestTrackEventSubscribers(t *testing.T) {
	m := New()
	n := 3
	m.TrackEventSubscribers(func() int { return n })

	want := "# HELP climate_node_event_subscribers Live event feed subscribers.\n" +
		"# TYPE climate_node_event_subscribers gauge\n" +
		"climate_node_event_subscribers 3\n"
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "climate_node_event_subscribers"); err != nil {
		t.Error(err)
	}
}
