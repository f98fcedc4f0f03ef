package sensor

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
)

// SimDriver is a bench driver producing a bounded random walk around
// room conditions. FailureRate in [0,1] makes a fraction of
// acquisitions return NaN, mimicking a flaky DHT wire.
type SimDriver struct {
	FailureRate float64

	mu   sync.Mutex
	rng  *rand.Rand
	temp float64
	hum  float64
}

// NewSimDriver creates a SimDriver seeded with seed. The same seed
// yields the same sequence.
func NewSimDriver(seed uint64, failureRate float64) *SimDriver {
	return &SimDriver{
		FailureRate: failureRate,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		temp:        21.0,
		hum:         45.0,
	}
}

// Name implements [Driver].
func (d *SimDriver) Name() string { return "sim" }

// Temperature implements [Driver]. Values stay within the DHT11 range
// of 0..50 °C.
func (d *SimDriver) Temperature(context.Context) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail() {
		return math.NaN()
	}
	d.temp = clamp(d.temp+d.rng.Float64()-0.5, 0, 50)
	return d.temp
}

// Humidity implements [Driver]. Values stay within 20..90 %RH.
func (d *SimDriver) Humidity(context.Context) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail() {
		return math.NaN()
	}
	d.hum = clamp(d.hum+2*d.rng.Float64()-1, 20, 90)
	return d.hum
}

func (d *SimDriver) fail() bool {
	return d.FailureRate > 0 && d.rng.Float64() < d.FailureRate
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
