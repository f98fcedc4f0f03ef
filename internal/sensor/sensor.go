// Package sensor reads temperature and humidity from a DHT-family
// sensor. A [Driver] performs raw acquisitions; a [Reader] combines
// them into a [Reading] and enforces the sensor's minimum sampling
// interval. No retry happens here: a failed read is reported as an
// invalid Reading and the caller tries again on its next cycle.
package sensor

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/nugget/climate-node/internal/config"
)

// Reading is one temperature/humidity sample. It is invalid when
// either component failed to acquire (NaN).
type Reading struct {
	Temperature float64   `json:"temperature"` // °C
	Humidity    float64   `json:"humidity"`    // %RH
	Valid       bool      `json:"valid"`
	Time        time.Time `json:"time"`
}

// NewReading builds a Reading and derives Valid from the values.
func NewReading(temperature, humidity float64, at time.Time) Reading {
	return Reading{
		Temperature: temperature,
		Humidity:    humidity,
		Valid:       !math.IsNaN(temperature) && !math.IsNaN(humidity),
		Time:        at,
	}
}

// Driver performs single acquisitions from the hardware. A failed
// acquisition returns NaN rather than an error; DHT sensors fail
// routinely and the only sensible reaction is to try again later.
type Driver interface {
	Temperature(ctx context.Context) float64
	Humidity(ctx context.Context) float64
	// Name identifies the driver in logs.
	Name() string
}

// Reader turns driver acquisitions into Readings.
type Reader struct {
	driver      Driver
	minInterval time.Duration
	logger      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewReader creates a Reader. minInterval is the shortest time the
// sensor tolerates between acquisitions (2s for a DHT11).
func NewReader(driver Driver, minInterval time.Duration, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		driver:      driver,
		minInterval: minInterval,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Read sleeps for the minimum sampling interval, then acquires
// humidity and temperature. The delay is unconditional so the sensor
// always gets its settle time whatever the caller did in between. A
// cancelled ctx yields an invalid Reading.
func (r *Reader) Read(ctx context.Context) Reading {
	if r.minInterval > 0 && !r.sleep(ctx, r.minInterval) {
		return NewReading(math.NaN(), math.NaN(), r.now())
	}

	h := r.driver.Humidity(ctx)
	t := r.driver.Temperature(ctx)

	reading := NewReading(t, h, r.now())
	if reading.Valid {
		r.logger.Log(ctx, config.LevelTrace, "sensor acquisition",
			"driver", r.driver.Name(), "temperature", t, "humidity", h)
	} else {
		r.logger.Warn("failed to read from sensor",
			"driver", r.driver.Name(),
			"temperature_nan", math.IsNaN(t),
			"humidity_nan", math.IsNaN(h),
		)
	}
	return reading
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
