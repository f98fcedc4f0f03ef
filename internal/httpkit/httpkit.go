// Package httpkit builds the outbound HTTP client used for the
// history sink. It sets explicit dial, TLS and header timeouts, adds
// the node's User-Agent, and can retry the dial-level failures that
// show up for a few seconds after a Wi-Fi reassociation (no route to
// host, network unreachable, connection refused).
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/climate-node/internal/buildinfo"
	"github.com/nugget/climate-node/internal/retry"
)

// Transport defaults. A sensor node talks to one or two hosts, so the
// idle pool is small.
const (
	DefaultDialTimeout         = 5 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 5 * time.Second
	DefaultResponseHeader      = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConns        = 4
	DefaultMaxIdleConnsPerHost = 2
)

// ClientOption configures a Client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithRetry retries transient dial failures up to count more times,
// delay apart. Requests with a body are only retried when the body can
// be rewound.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport creates an http.Transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client on a fresh transport.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   10 * time.Second,
		userAgent: buildinfo.UserAgent(),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(cfg)
	}

	var rt http.RoundTripper = &userAgentTransport{base: NewTransport(), ua: cfg.userAgent}
	if cfg.retryCount > 0 {
		rt = &retryTransport{
			base:   rt,
			policy: retry.Bounded(cfg.retryDelay, cfg.retryCount+1),
			logger: cfg.logger,
		}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

// userAgentTransport sets User-Agent unless the request already has one.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// retryTransport retries transient dial failures on a fixed schedule.
type retryTransport struct {
	base   http.RoundTripper
	policy retry.Policy
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	var resp *http.Response
	attempt := 0
	err := t.policy.Do(req.Context(), func(ctx context.Context) error {
		attempt++
		r := req
		if attempt > 1 {
			r = req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return retry.Permanent(fmt.Errorf("rewind body: %w", err))
				}
				r.Body = body
			}
		}

		var err error
		resp, err = t.base.RoundTrip(r)
		if err == nil {
			return nil
		}
		if !isRetryableError(err) || !rewindable {
			return retry.Permanent(err)
		}
		return err
	}, func(n int, err error, next time.Duration) {
		t.logger.Debug("retrying request after transient error",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"attempt", n,
			"next", next,
			"error", err,
		)
	})
	if err != nil {
		return nil, err
	}
	if attempt > 1 {
		t.logger.Info("request succeeded after retry",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"attempts", attempt,
		)
	}
	return resp, nil
}

// isRetryableError reports dial-level errors that happen before any
// byte reaches the server. ECONNRESET is excluded: the server may
// already have processed the request.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ECONNREFUSED:
		return true
	}
	return false
}
