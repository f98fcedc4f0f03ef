package main

import (
	"context"
	"log/slog"

	"github.com/nugget/climate-node/internal/opstate"
	"github.com/nugget/climate-node/internal/sampler"
	"github.com/nugget/climate-node/internal/sensor"
)

// lastReadingKey holds the most recent valid reading in the sensor
// namespace. It is restored into the sample loop at startup so /health
// has a reading before the first acquisition.
const lastReadingKey = "last_reading"

// stateWriter is the subset of *opstate.Store the recorder needs.
type stateWriter interface {
	SetJSON(namespace, key string, v any) error
}

// lastReadingRecorder is a sampler.Observer that mirrors every valid
// reading into operational state.
type lastReadingRecorder struct {
	store  stateWriter
	logger *slog.Logger
}

func (r *lastReadingRecorder) Observe(_ context.Context, res sampler.Result) {
	if !res.Reading.Valid {
		return
	}
	if err := r.store.SetJSON(opstate.NamespaceSensor, lastReadingKey, res.Reading); err != nil {
		r.logger.Warn("failed to persist last reading", "error", err)
	}
}

// stateReader is the subset of *opstate.Store used at startup.
type stateReader interface {
	GetJSON(namespace, key string, v any) (bool, error)
	Delete(namespace, key string) error
}

// restoreLastReading seeds loop with the reading saved by the previous
// run. An unreadable entry is deleted so it does not fail every start.
func restoreLastReading(store stateReader, loop *sampler.Loop, logger *slog.Logger) {
	var r sensor.Reading
	ok, err := store.GetJSON(opstate.NamespaceSensor, lastReadingKey, &r)
	if err != nil {
		logger.Warn("discarding unreadable last reading", "error", err)
		if err := store.Delete(opstate.NamespaceSensor, lastReadingKey); err != nil {
			logger.Warn("failed to delete last reading", "error", err)
		}
		return
	}
	if ok && loop.Restore(r) {
		logger.Info("restored last reading",
			"temperature", r.Temperature,
			"humidity", r.Humidity,
			"taken", r.Time,
		)
	}
}
