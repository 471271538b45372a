package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hhd/wresters-adapter/pkg/event"
	"go.uber.org/zap"
)

// recordedRequest captures what the fake presence service received.
type recordedRequest struct {
	method string
	path   string
	body   string
}

// newPresenceServer starts an httptest server answering every request with status.
func newPresenceServer(t *testing.T, status int) (*httptest.Server, *[]recordedRequest, *sync.Mutex) {
	t.Helper()
	var (
		mu       sync.Mutex
		requests []recordedRequest
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, recordedRequest{method: r.Method, path: r.URL.Path, body: string(body)})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)
	return server, &requests, &mu
}

// newForwarderFor builds an HTTPForwarder aimed at an httptest server.
func newForwarderFor(t *testing.T, server *httptest.Server, timeout time.Duration) *HTTPForwarder {
	t.Helper()
	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split server address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return NewHTTPForwarder(host, port, "http", timeout, zap.NewNop())
}

func TestForward_Join(t *testing.T) {
	server, requests, mu := newPresenceServer(t, http.StatusOK)
	fwd := newForwarderFor(t, server, 3*time.Second)

	status, err := fwd.Forward(context.Background(), event.NewJoin("00:34:da:58:9d:a7"))
	if err != nil {
		t.Fatalf("expected successful forward, got error: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("expected status 200, got %d", status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*requests))
	}
	got := (*requests)[0]
	if got.method != http.MethodPost {
		t.Errorf("expected POST, got %s", got.method)
	}
	if got.path != "/join/00:34:da:58:9d:a7" {
		t.Errorf("expected path '/join/00:34:da:58:9d:a7', got %q", got.path)
	}
	if got.body != "" {
		t.Errorf("expected empty body, got %q", got.body)
	}
}

func TestForward_Leave(t *testing.T) {
	server, requests, mu := newPresenceServer(t, http.StatusNoContent)
	fwd := newForwarderFor(t, server, 3*time.Second)

	status, err := fwd.Forward(context.Background(), event.NewLeave("5a:98:da:ab:19:c6"))
	if err != nil {
		t.Fatalf("expected successful forward, got error: %v", err)
	}
	if !IsSuccess(status) {
		t.Errorf("expected 2xx status, got %d", status)
	}

	mu.Lock()
	defer mu.Unlock()
	if (*requests)[0].path != "/leave/5a:98:da:ab:19:c6" {
		t.Errorf("expected leave path, got %q", (*requests)[0].path)
	}
}

func TestForward_NonSuccessStatusReturnedAsIs(t *testing.T) {
	server, _, _ := newPresenceServer(t, http.StatusInternalServerError)
	fwd := newForwarderFor(t, server, 3*time.Second)

	status, err := fwd.Forward(context.Background(), event.NewJoin("00:11:22:33:44:55"))
	if err != nil {
		t.Fatalf("expected non-2xx to be returned without error, got: %v", err)
	}
	if status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", status)
	}
	if IsSuccess(status) {
		t.Error("expected 500 not to be classified as success")
	}
}

func TestForward_ConnectionRefused(t *testing.T) {
	fwd := NewHTTPForwarder("127.0.0.1", 1, "http", time.Second, zap.NewNop())

	status, err := fwd.Forward(context.Background(), event.NewJoin("00:11:22:33:44:55"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got: %v", err)
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", status)
	}
}

func TestForward_UnresolvableHost(t *testing.T) {
	timeout := 2 * time.Second
	fwd := NewHTTPForwarder("presence.invalid", 80, "http", timeout, zap.NewNop())

	start := time.Now()
	_, err := fwd.Forward(context.Background(), event.NewLeave("00:11:22:33:44:55"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > timeout+time.Second {
		t.Errorf("expected forward to finish within timeout, took %v", elapsed)
	}
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	fwd := newForwarderFor(t, server, 100*time.Millisecond)

	start := time.Now()
	status, err := fwd.Forward(context.Background(), event.NewJoin("00:11:22:33:44:55"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable on timeout, got: %v", err)
	}
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expected timeout near 100ms, took %v", elapsed)
	}
}

func TestForward_TimeoutReleasesResources(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	fwd := newForwarderFor(t, server, 50*time.Millisecond)
	base := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		if _, err := fwd.Forward(context.Background(), event.NewJoin("00:11:22:33:44:55")); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("forward %d: expected ErrUnavailable, got: %v", i, err)
		}
	}

	// Server side handlers unwind asynchronously once the client hangs up
	deadline := time.Now().Add(3 * time.Second)
	for runtime.NumGoroutine() > base {
		if time.Now().After(deadline) {
			t.Fatalf("expected goroutines to return to %d after timed-out forwards, got %d", base, runtime.NumGoroutine())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestForward_ContextCancelled(t *testing.T) {
	server, _, _ := newPresenceServer(t, http.StatusOK)
	fwd := newForwarderFor(t, server, 3*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fwd.Forward(ctx, event.NewJoin("00:11:22:33:44:55"))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for cancelled context, got: %v", err)
	}
}

func TestNewHTTPForwarder_Defaults(t *testing.T) {
	fwd := NewHTTPForwarder("10.0.0.5", 8080, "", 0, zap.NewNop())
	if fwd.scheme != "http" {
		t.Errorf("expected default scheme http, got %q", fwd.scheme)
	}
	if fwd.timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, fwd.timeout)
	}
	if fwd.Target() != "10.0.0.5:8080" {
		t.Errorf("expected target '10.0.0.5:8080', got %q", fwd.Target())
	}
	if got := fwd.URL(event.NewLeave("12:32:45:65:aa:ff")); got != "http://10.0.0.5:8080/leave/12:32:45:65:aa:ff" {
		t.Errorf("unexpected url %q", got)
	}
}

func TestNewHTTPForwarder_IPv6Target(t *testing.T) {
	fwd := NewHTTPForwarder("::1", 80, "https", time.Second, zap.NewNop())
	if got := fwd.URL(event.NewJoin("00:11:22:33:44:55")); got != "https://[::1]:80/join/00:11:22:33:44:55" {
		t.Errorf("unexpected url %q", got)
	}
}
