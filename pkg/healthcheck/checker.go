package healthcheck

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Checker defines the interface for health check probes.
type Checker interface {
	Check(address string) error
}

// TCPChecker implements health checking via TCP connection attempts.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a new TCPChecker with the given timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{
		timeout: timeout,
	}
}

// Check attempts to establish a TCP connection to the given address.
// Returns nil if the connection succeeds (healthy), or an error if it fails (unhealthy).
func (c *TCPChecker) Check(address string) error {
	conn, err := net.DialTimeout("tcp", address, c.timeout)
	if err != nil {
		return fmt.Errorf("tcp health check failed for %s: %w", address, err)
	}
	conn.Close()
	return nil
}

// HTTPChecker probes the presence service with a GET request. Any answer below 500
// counts as healthy: the service only has to be serving, not to know the path.
type HTTPChecker struct {
	client *http.Client
	scheme string
	path   string
}

// NewHTTPChecker creates a new HTTPChecker. Empty scheme and path mean "http" and "/".
func NewHTTPChecker(timeout time.Duration, scheme, path string) *HTTPChecker {
	if scheme == "" {
		scheme = "http"
	}
	if path == "" {
		path = "/"
	}
	return &HTTPChecker{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		scheme: scheme,
		path:   path,
	}
}

// Check issues GET {scheme}://{address}{path}.
func (c *HTTPChecker) Check(address string) error {
	url := fmt.Sprintf("%s://%s%s", c.scheme, address, c.path)
	resp, err := c.client.Get(url)
	if err != nil {
		return fmt.Errorf("http health check failed for %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("http health check failed for %s: status %d", url, resp.StatusCode)
	}
	return nil
}
