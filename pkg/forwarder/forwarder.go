package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hhd/wresters-adapter/pkg/event"
	"go.uber.org/zap"
)

// ErrUnavailable is returned when the presence service could not be reached at all.
var ErrUnavailable = errors.New("presence service unavailable")

// DefaultTimeout bounds a single forward call when none is configured.
const DefaultTimeout = 5 * time.Second

// Forwarder delivers station events to the presence service.
type Forwarder interface {
	// Forward posts the action and returns the HTTP status code. Transport failures
	// return http.StatusServiceUnavailable and an error wrapping ErrUnavailable.
	Forward(ctx context.Context, action event.Action) (int, error)
}

// IsSuccess reports whether status is a 2xx code.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

// HTTPForwarder posts events over HTTP. It builds a fresh client per call so no
// connection state is shared between workers.
type HTTPForwarder struct {
	target  string
	scheme  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewHTTPForwarder creates an HTTPForwarder for host:port. An empty scheme means http;
// a non-positive timeout means DefaultTimeout.
func NewHTTPForwarder(host string, port int, scheme string, timeout time.Duration, logger *zap.Logger) *HTTPForwarder {
	if scheme == "" {
		scheme = "http"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPForwarder{
		target:  net.JoinHostPort(host, strconv.Itoa(port)),
		scheme:  scheme,
		timeout: timeout,
		logger:  logger,
	}
}

// Target returns the host:port the forwarder posts to.
func (f *HTTPForwarder) Target() string {
	return f.target
}

// URL returns the URL an action would be posted to.
func (f *HTTPForwarder) URL(action event.Action) string {
	return action.URLWithScheme(f.scheme, f.target)
}

// Forward posts the action with an empty body and returns the response status.
func (f *HTTPForwarder) Forward(ctx context.Context, action event.Action) (int, error) {
	url := f.URL(action)

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: f.timeout}).DialContext,
		TLSHandshakeTimeout: f.timeout,
		DisableKeepAlives:   true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Timeout:   f.timeout,
		Transport: transport,
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, http.NoBody)
	if err != nil {
		return http.StatusServiceUnavailable, fmt.Errorf("%w: failed to build request for %s: %v", ErrUnavailable, url, err)
	}

	response, err := client.Do(request)
	if err != nil {
		return http.StatusServiceUnavailable, fmt.Errorf("%w: post %s: %v", ErrUnavailable, url, err)
	}
	defer response.Body.Close()

	// Drain so the connection shuts down cleanly; the body itself is ignored.
	io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))

	f.logger.Debug("forwarded event",
		zap.String("url", url),
		zap.Int("status", response.StatusCode),
	)
	return response.StatusCode, nil
}
