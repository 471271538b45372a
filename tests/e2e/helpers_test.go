//go:build linux

package e2e

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"
)

// presenceService is a fake upstream recording every request line.
type presenceService struct {
	server   *httptest.Server
	mu       sync.Mutex
	requests []string
}

func newPresenceService(t *testing.T) *presenceService {
	t.Helper()
	p := &presenceService{}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.requests = append(p.requests, r.Method+" "+r.URL.Path)
		p.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(p.server.Close)
	return p
}

// port returns the presence service port as a string.
func (p *presenceService) port(t *testing.T) string {
	t.Helper()
	_, port, err := net.SplitHostPort(p.server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split presence address: %v", err)
	}
	return port
}

func (p *presenceService) received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.requests...)
}

// waitForRequests polls until n requests have arrived.
func (p *presenceService) waitForRequests(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if got := p.received(); len(got) >= n {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected %d requests, got %v", n, p.received())
	return nil
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()
	return strconv.Itoa(listener.Addr().(*net.TCPAddr).Port)
}

// writeTestConfig writes a config file that keeps the pid file inside dir.
func writeTestConfig(t *testing.T, dir string) (string, string) {
	t.Helper()
	pidPath := filepath.Join(dir, "wresters-adapter.pid")
	content := fmt.Sprintf(`
global:
  log_level: debug
listen:
  shutdown_grace: 200ms
health_check:
  enabled: false
daemon:
  pid_file: %s
`, pidPath)
	configPath := filepath.Join(dir, "wresters.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath, pidPath
}

// adapterProcess is a running daemon with captured output.
type adapterProcess struct {
	cmd    *exec.Cmd
	output *bytes.Buffer
	done   chan error
	exited bool
}

// startAdapter launches the daemon with a config file and positional arguments.
func startAdapter(t *testing.T, configPath string, args ...string) *adapterProcess {
	t.Helper()
	output := &bytes.Buffer{}
	cmd := exec.Command(adapterBinary, append([]string{"-c", configPath}, args...)...)
	cmd.Stdout = output
	cmd.Stderr = output
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start wresters-adapter: %v", err)
	}

	proc := &adapterProcess{cmd: cmd, output: output, done: make(chan error, 1)}
	go func() {
		proc.done <- cmd.Wait()
	}()
	t.Cleanup(func() {
		if !proc.exited {
			cmd.Process.Kill()
			<-proc.done
		}
	})
	return proc
}

// stop sends SIGTERM and waits for exit, returning the exit error.
func (p *adapterProcess) stop(t *testing.T) error {
	t.Helper()
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("failed to signal adapter: %v", err)
	}
	return p.wait(t)
}

// wait waits for the process to exit on its own.
func (p *adapterProcess) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.done:
		p.exited = true
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("adapter did not exit\noutput: %s", p.output.String())
		return nil
	}
}

// waitForListener dials addr until the adapter accepts connections.
func waitForListener(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			return conn
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("adapter never started listening on %s", addr)
	return nil
}
