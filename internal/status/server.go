// Package status serves the node's local HTTP surface: the liveness
// page, health and metrics endpoints, live event feeds, and the
// firmware update routes.
package status

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/skip2/go-qrcode"
	"golang.org/x/net/netutil"

	"github.com/nugget/climate-node/internal/buildinfo"
	"github.com/nugget/climate-node/internal/config"
	"github.com/nugget/climate-node/internal/connwatch"
	"github.com/nugget/climate-node/internal/events"
	"github.com/nugget/climate-node/internal/metrics"
	"github.com/nugget/climate-node/internal/ota"
	"github.com/nugget/climate-node/internal/sampler"
)

// RootBody is the liveness response served at /.
const RootBody = "IT IS ON"

// LinkStatus reports link health. *connwatch.Manager satisfies it.
type LinkStatus interface {
	Status() map[string]connwatch.Status
	Healthy() bool
}

// SnapshotSource reports the sample loop state. *sampler.Loop
// satisfies it.
type SnapshotSource interface {
	Snapshot() sampler.Snapshot
}

// StatePinger checks the operational state store. *opstate.Store
// satisfies it.
type StatePinger interface {
	Ping() error
}

// BreakerReporter reports a circuit breaker state. *history.Sink
// satisfies it.
type BreakerReporter interface {
	BreakerState() string
}

// Deps are the components the server reports on. All are optional.
type Deps struct {
	Links   LinkStatus
	Sampler SnapshotSource
	State   StatePinger
	History BreakerReporter
	Metrics *metrics.Metrics
	Hub     *Hub
	Update  *ota.Service
	// Advertise returns the host the QR code should point at. The
	// request's Host header is used when nil or empty.
	Advertise func() string
}

// Server is the status HTTP server.
type Server struct {
	cfg    config.ListenConfig
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// New creates a status server.
func New(cfg config.ListenConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, logger: logger}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /qr.png", s.handleQR)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	if s.deps.Hub != nil {
		mux.Handle("GET /ws/events", s.deps.Hub.Feed(nil))
		mux.Handle("GET /ws/readings", s.deps.Hub.Feed(events.KindFilter(events.KindReading)))
	}
	if s.deps.Update != nil {
		s.deps.Update.Register(mux)
	}

	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
	)(mux)
	return s.withLogging(recovered)
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Firmware uploads can be slow over Wi-Fi.
		ReadTimeout: 5 * time.Minute,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("starting status server", "address", ln.Addr().String(), "max_conns", s.cfg.MaxConns)
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and disconnects websocket
// clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(RootBody))
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status  string                      `json:"status"` // ok or degraded
	Links   map[string]connwatch.Status `json:"links,omitempty"`
	Sampler *sampler.Snapshot           `json:"sampler,omitempty"`
	Update  *ota.Record                 `json:"update,omitempty"`
	// State is "ok" or the store error.
	State          string            `json:"state,omitempty"`
	HistoryBreaker string            `json:"history_breaker,omitempty"`
	FeedClients    *int              `json:"feed_clients,omitempty"`
	Build          map[string]string `json:"build"`
}

// handleHealth answers 503 while any watched link is down or the state
// store is unreachable so simple HTTP monitors can alert on it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Build:  buildinfo.RuntimeInfo(),
	}
	code := http.StatusOK

	if s.deps.Links != nil {
		resp.Links = s.deps.Links.Status()
		if !s.deps.Links.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.Sampler != nil {
		snap := s.deps.Sampler.Snapshot()
		resp.Sampler = &snap
	}
	if s.deps.Update != nil {
		resp.Update = s.deps.Update.Last()
	}
	if s.deps.State != nil {
		resp.State = "ok"
		if err := s.deps.State.Ping(); err != nil {
			resp.State = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.History != nil {
		resp.HistoryBreaker = s.deps.History.BreakerState()
	}
	if s.deps.Hub != nil {
		n := s.deps.Hub.Clients()
		resp.FeedClients = &n
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleQR renders a QR code of the node's status URL for labelling
// and provisioning.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if s.deps.Advertise != nil {
		if a := s.deps.Advertise(); a != "" {
			host = a
			if s.cfg.Port != 80 {
				host = net.JoinHostPort(a, strconv.Itoa(s.cfg.Port))
			}
		}
	}

	png, err := qrcode.Encode("http://"+host+"/", qrcode.Medium, 256)
	if err != nil {
		s.logger.Error("failed to render QR code", "error", err)
		http.Error(w, "failed to render QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// statusRecorder captures the response code for logging.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController and the websocket upgrader
// reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes through to the underlying writer for websocket
// upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		// ServeMux stores the matched pattern on the request.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveHTTP(route, rec.code, elapsed)
		}
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", elapsed,
		)
	})
}

// recoveryLogger adapts slog to gorilla/handlers' recovery logger.
type recoveryLogger struct {
	logger *slog.Logger
}

func (l recoveryLogger) Println(v ...any) {
	l.logger.Error("panic in HTTP handler", "panic", fmt.Sprint(v...))
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}
