// Package history writes valid readings to InfluxDB v2. Writes go
// through a circuit breaker: after a run of failures the sink stops
// trying for a while, so an unreachable database costs the sample loop
// nothing.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/nugget/climate-node/internal/config"
	"github.com/nugget/climate-node/internal/httpkit"
	"github.com/nugget/climate-node/internal/sampler"
)

// Breaker tuning.
const (
	breakerFailures = 3
	breakerOpen     = 60 * time.Second
	breakerInterval = 5 * time.Minute
)

// pointWriter is the slice of api.WriteAPIBlocking the sink uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Hooks receives write results and breaker transitions. Either may be
// nil.
type Hooks struct {
	OnWrite func(err error)
	// OnBreaker receives 0 closed, 1 half-open, 2 open.
	OnBreaker func(state int)
}

// Sink is a sampler.Observer that records readings.
type Sink struct {
	writer      pointWriter
	client      influxdb2.Client
	breaker     *gobreaker.CircuitBreaker
	measurement string
	tags        map[string]string
	timeout     time.Duration
	hooks       Hooks
	logger      *slog.Logger
}

// New connects a Sink to the InfluxDB described by cfg. device is
// recorded as a tag on every point.
func New(cfg config.InfluxConfig, device string, hooks Hooks, logger *slog.Logger) *Sink {
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(cfg.Timeout),
		httpkit.WithRetry(1, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)
	opts := influxdb2.DefaultOptions().
		SetHTTPClient(httpClient).
		SetHTTPRequestTimeout(uint(cfg.Timeout / time.Second))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	s := newSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement, device, cfg.Timeout, hooks, logger)
	s.client = client
	return s
}

func newSink(w pointWriter, measurement, device string, timeout time.Duration, hooks Hooks, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		writer:      w,
		measurement: measurement,
		tags:        map[string]string{"device": device},
		timeout:     timeout,
		hooks:       hooks,
		logger:      logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "influx",
		Interval: breakerInterval,
		Timeout:  breakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("history circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
			if s.hooks.OnBreaker != nil {
				s.hooks.OnBreaker(int(to))
			}
		},
	})
	return s
}

// Observe implements sampler.Observer. Only valid readings are
// written, whatever happened to the publish.
func (s *Sink) Observe(ctx context.Context, res sampler.Result) {
	if !res.Reading.Valid {
		return
	}

	at := res.Reading.Time
	if at.IsZero() {
		at = time.Now()
	}
	point := influxdb2.NewPoint(s.measurement, s.tags, map[string]any{
		"temperature": res.Reading.Temperature,
		"humidity":    res.Reading.Humidity,
		"published":   res.Outcome == sampler.Published,
	}, at)

	err := s.Write(ctx, point)
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		s.logger.Debug("history write skipped, breaker open")
		return
	default:
		s.logger.Warn("history write failed", "error", err)
	}
	if s.hooks.OnWrite != nil {
		s.hooks.OnWrite(err)
	}
}

// Write sends points through the breaker with the sink's timeout.
func (s *Sink) Write(ctx context.Context, points ...*write.Point) error {
	_, err := s.breaker.Execute(func() (any, error) {
		wctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return nil, s.writer.WritePoint(wctx, points...)
	})
	return err
}

// BreakerState returns the breaker state name.
func (s *Sink) BreakerState() string {
	return s.breaker.State().String()
}

// Close releases the InfluxDB client.
func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
