package sampler

import (
	"errors"
	"fmt"

	"github.com/nugget/climate-node/internal/sensor"
)

// ErrInvalidReading is returned when a payload is requested for a
// reading with a missing component.
var ErrInvalidReading = errors.New("reading is not valid")

// FormatPayload renders a valid reading as the node's wire payload.
// Each value has one decimal and a minimum width of four, so a
// single-digit value carries a leading space (" 5.0"). Subscribers
// parse it as JSON; the spacing is kept for byte compatibility with
// existing consumers.
func FormatPayload(r sensor.Reading) ([]byte, error) {
	if !r.Valid {
		return nil, ErrInvalidReading
	}
	return fmt.Appendf(nil, `{"temperature": %4.1f, "humidity": %4.1f}`, r.Temperature, r.Humidity), nil
}
