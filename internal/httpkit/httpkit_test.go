package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/climate-node/internal/buildinfo"
	"github.com/nugget/climate-node/internal/retry"
)

func TestNewClient_Timeouts(t *testing.T) {
	if c := NewClient(); c.Timeout != 10*time.Second {
		t.Errorf("default timeout = %v, want 10s", c.Timeout)
	}
	if c := NewClient(WithTimeout(3 * time.Second)); c.Timeout != 3*time.Second {
		t.Errorf("custom timeout = %v, want 3s", c.Timeout)
	}
}

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func getBody(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := echoUserAgent(t)

	tests := []struct {
		name   string
		opts   []ClientOption
		header string
		want   string
	}{
		{"default", nil, "", buildinfo.UserAgent()},
		{"override", []ClientOption{WithUserAgent("probe/1.0")}, "", "probe/1.0"},
		{"request wins", nil, "custom/2.0", "custom/2.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("GET", srv.URL, nil)
			if tt.header != "" {
				req.Header.Set("User-Agent", tt.header)
			}
			if got := getBody(t, NewClient(tt.opts...), req); got != tt.want {
				t.Errorf("User-Agent = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewTransport_HasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout != DefaultTLSHandshakeTimeout {
		t.Errorf("TLSHandshakeTimeout = %v", tr.TLSHandshakeTimeout)
	}
	if tr.ResponseHeaderTimeout != DefaultResponseHeader {
		t.Errorf("ResponseHeaderTimeout = %v", tr.ResponseHeaderTimeout)
	}
	if tr.MaxIdleConnsPerHost != DefaultMaxIdleConnsPerHost {
		t.Errorf("MaxIdleConnsPerHost = %d", tr.MaxIdleConnsPerHost)
	}
}

func TestDrainAndClose(t *testing.T) {
	DrainAndClose(nil, 10)

	rc := &countingCloser{Reader: strings.NewReader(strings.Repeat("x", 100))}
	DrainAndClose(rc, 10)
	if !rc.closed {
		t.Error("body not closed")
	}
	if rc.read > 10 {
		t.Errorf("read %d bytes, want <= 10", rc.read)
	}
}

type countingCloser struct {
	io.Reader
	read   int
	closed bool
}

func (c *countingCloser) Read(p []byte) (int, error) {
	n, err := c.Reader.Read(p)
	c.read += n
	return n, err
}

func (c *countingCloser) Close() error { c.closed = true; return nil }

// failingRoundTripper fails with EHOSTUNREACH, then succeeds.
type failingRoundTripper struct {
	failures int
	calls    int
}

func (f *failingRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.EHOSTUNREACH},
		}
	}
	return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("ok"))}, nil
}

func newRetry(base http.RoundTripper, count int, delay time.Duration) *retryTransport {
	return &retryTransport{
		base:   base,
		policy: retry.Bounded(delay, count+1),
		logger: slog.New(slog.DiscardHandler),
	}
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		count     int
		wantErr   bool
		wantCalls int
	}{
		{"no failure", 0, 2, false, 1},
		{"recovers", 1, 2, false, 2},
		{"exhausts", 10, 2, true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures}
			req, _ := http.NewRequest("GET", "http://influx.lan:8086/ping", nil)

			resp, err := newRetry(ft, tt.count, time.Millisecond).RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RoundTrip() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && resp.StatusCode != 200 {
				t.Errorf("status = %d", resp.StatusCode)
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_ContextCancellation(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	ctx, cancel := context.WithCancel(t.Context())
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://influx.lan:8086", nil)

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := newRetry(ft, 5, 5*time.Second).RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

type nonRetryableRoundTripper struct{ calls int }

func (f *nonRetryableRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	return nil, fmt.Errorf("tls: bad certificate")
}

func TestRetryTransport_NonRetryableError(t *testing.T) {
	ft := &nonRetryableRoundTripper{}
	req, _ := http.NewRequest("GET", "http://influx.lan", nil)

	if _, err := newRetry(ft, 2, time.Millisecond).RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if ft.calls != 1 {
		t.Errorf("calls = %d, want 1", ft.calls)
	}
}

func TestRetryTransport_Body(t *testing.T) {
	t.Run("rewindable body is retried", func(t *testing.T) {
		ft := &failingRoundTripper{failures: 1}
		req, _ := http.NewRequest("POST", "http://influx.lan/api/v2/write", strings.NewReader("climate temperature=21"))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader("climate temperature=21")), nil
		}
		if _, err := newRetry(ft, 2, time.Millisecond).RoundTrip(req); err != nil {
			t.Fatalf("RoundTrip() error = %v", err)
		}
		if ft.calls != 2 {
			t.Errorf("calls = %d, want 2", ft.calls)
		}
	})

	t.Run("body without GetBody is not retried", func(t *testing.T) {
		ft := &failingRoundTripper{failures: 1}
		req, _ := http.NewRequest("POST", "http://influx.lan/api/v2/write", strings.NewReader("x"))
		req.GetBody = nil
		if _, err := newRetry(ft, 2, time.Millisecond).RoundTrip(req); err == nil {
			t.Fatal("expected error")
		}
		if ft.calls != 1 {
			t.Errorf("calls = %d, want 1", ft.calls)
		}
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"generic", fmt.Errorf("oops"), false},
		{"EHOSTUNREACH", syscall.EHOSTUNREACH, true},
		{"ENETUNREACH", syscall.ENETUNREACH, true},
		{"ECONNREFUSED", syscall.ECONNREFUSED, true},
		{"ECONNRESET", syscall.ECONNRESET, false},
		{"wrapped", fmt.Errorf("connect: %w", syscall.EHOSTUNREACH), true},
		{"OpError", &net.OpError{Op: "dial", Net: "tcp", Err: &net.OpError{Op: "connect", Err: syscall.ENETUNREACH}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
