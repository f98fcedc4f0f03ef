// Package metrics exposes the node's Prometheus metrics on a private
// registry.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/climate-node/internal/sampler"
)

const namespace = "climate_node"

// Metrics holds every collector the node exports.
type Metrics struct {
	registry *prometheus.Registry

	iterations      *prometheus.CounterVec
	temperature     prometheus.Gauge
	humidity        prometheus.Gauge
	lastReading     prometheus.Gauge
	connectAttempts *prometheus.CounterVec
	mqttConnected   prometheus.Gauge
	wifiConnected   prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	historyWrites   *prometheus.CounterVec
	updatesStaged   *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_iterations_total",
			Help:      "Sample loop iterations by outcome.",
		}, []string{"outcome"}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Last valid temperature reading.",
		}),
		humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "humidity_percent",
			Help:      "Last valid relative humidity reading.",
		}),
		lastReading: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reading_timestamp_seconds",
			Help:      "Unix time of the last valid reading.",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_connect_attempts_total",
			Help:      "MQTT connection attempts by result.",
		}, []string{"result"}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mqtt_connected",
			Help:      "1 while the broker session is up.",
		}),
		wifiConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wifi_connected",
			Help:      "1 while the network link is up.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"target"}),
		historyWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_writes_total",
			Help:      "History sink writes by result.",
		}, []string{"result"}),
		updatesStaged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firmware_uploads_total",
			Help:      "Firmware uploads by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.iterations,
		m.temperature,
		m.humidity,
		m.lastReading,
		m.connectAttempts,
		m.mqttConnected,
		m.wifiConnected,
		m.httpRequests,
		m.httpDuration,
		m.breakerState,
		m.historyWrites,
		m.updatesStaged,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe implements sampler.Observer.
func (m *Metrics) Observe(_ context.Context, res sampler.Result) {
	m.iterations.WithLabelValues(res.Outcome.String()).Inc()
	if res.Reading.Valid {
		m.temperature.Set(res.Reading.Temperature)
		m.humidity.Set(res.Reading.Humidity)
		m.lastReading.Set(float64(res.Reading.Time.Unix()))
	}
}

// ConnectAttempt counts one MQTT connection attempt.
func (m *Metrics) ConnectAttempt(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

// SetMQTTConnected records the broker session state.
func (m *Metrics) SetMQTTConnected(up bool) { m.mqttConnected.Set(boolFloat(up)) }

// SetWiFiConnected records the network link state.
func (m *Metrics) SetWiFiConnected(up bool) { m.wifiConnected.Set(boolFloat(up)) }

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// SetBreakerState records a circuit breaker's state for target.
func (m *Metrics) SetBreakerState(target string, state int) {
	m.breakerState.WithLabelValues(target).Set(float64(state))
}

// HistoryWrite counts one history sink write.
func (m *Metrics) HistoryWrite(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.historyWrites.WithLabelValues(result).Inc()
}

// FirmwareUpload counts one upload attempt; result is "staged",
// "rejected" or "error".
func (m *Metrics) FirmwareUpload(result string) {
	m.updatesStaged.WithLabelValues(result).Inc()
}

// TrackEventSubscribers exports count as the live event feed
// subscriber gauge. Call once.
func (m *Metrics) TrackEventSubscribers(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_subscribers",
		Help:      "Live event feed subscribers.",
	}, func() float64 { return float64(count()) }))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
