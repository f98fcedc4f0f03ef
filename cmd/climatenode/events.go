package main

import (
	"context"
	"math"

	"github.com/nugget/climate-node/internal/events"
	"github.com/nugget/climate-node/internal/mqtt"
	"github.com/nugget/climate-node/internal/sampler"
)

// readingEvents is a sampler.Observer that announces each iteration on
// the event bus.
type readingEvents struct {
	bus *events.Bus
}

func (r readingEvents) Observe(_ context.Context, res sampler.Result) {
	if !res.Reading.Valid {
		r.bus.Emit(events.SourceSampler, events.KindSensorFailed, map[string]any{
			"temperature_nan": math.IsNaN(res.Reading.Temperature),
			"humidity_nan":    math.IsNaN(res.Reading.Humidity),
		})
		return
	}
	r.bus.Emit(events.SourceSampler, events.KindReading, map[string]any{
		"temperature": res.Reading.Temperature,
		"humidity":    res.Reading.Humidity,
		"time":        res.Reading.Time,
		"outcome":     res.Outcome.String(),
	})
}

func emitBrokerState(bus *events.Bus, s mqtt.State) {
	bus.Emit(events.SourceMQTT, events.KindState, map[string]any{"state": s.String()})
}

func emitLinkChange(bus *events.Bus, link string, up bool, err error) {
	data := map[string]any{"link": link, "up": up}
	if err != nil {
		data["error"] = err.Error()
	}
	bus.Emit(events.SourceLink, events.KindLinkChange, data)
}

func emitUpload(bus *events.Bus, result string) {
	bus.Emit(events.SourceUpdate, events.KindUpload, map[string]any{"result": result})
}
