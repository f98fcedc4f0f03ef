package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"
)

// MessageHandler is called for each message received on a subscribed
// topic. Implementations must be safe for concurrent use.
type MessageHandler func(topic string, payload []byte)

// maxLoggedPayload caps how much of a printable payload is logged.
const maxLoggedPayload = 256

// defaultMessageHandler logs inbound messages at debug level. Short
// printable payloads are logged verbatim. A JSON payload carrying a
// temperature or humidity field (another climate node) has those
// fields extracted.
func defaultMessageHandler(logger *slog.Logger) MessageHandler {
	return func(topic string, payload []byte) {
		if !logger.Enabled(context.Background(), slog.LevelDebug) {
			return
		}

		fields := []any{
			"topic", topic,
			"payload_size", len(payload),
		}

		if printable(payload) {
			fields = append(fields, "payload", string(payload))
		}

		var reading map[string]any
		if err := json.Unmarshal(payload, &reading); err == nil {
			if v, ok := reading["temperature"]; ok {
				fields = append(fields, "temperature", v)
			}
			if v, ok := reading["humidity"]; ok {
				fields = append(fields, "humidity", v)
			}
		}

		logger.Debug("mqtt message received", fields...)
	}
}

// printable reports whether p is short UTF-8 text without control
// characters.
func printable(p []byte) bool {
	if len(p) == 0 || len(p) > maxLoggedPayload || !utf8.Valid(p) {
		return false
	}
	for _, r := range string(p) {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return false
		}
	}
	return true
}

// messageRateLimiter drops inbound messages beyond limit per interval.
// Counters are atomic; the delivery path never takes a lock.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counters every interval until ctx is cancelled and
// reports what was dropped in the window that just ended.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			if dropped := r.dropped.Swap(0); dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow counts a message and reports whether it fits in the window.
// A non-positive limit disables limiting.
func (r *messageRateLimiter) allow() bool {
	if r.count.Add(1) > r.limit && r.limit > 0 {
		r.dropped.Add(1)
		return false
	}
	return true
}
