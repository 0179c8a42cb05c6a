package tunnel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestLocaltunnelRetriesThenSucceeds(t *testing.T) {
	p := newLocaltunnel(Config{}.withDefaults())
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	calls := 0
	ended := make(chan error)
	p.open = func(context.Context, int) (string, func() error, <-chan error, error) {
		calls++
		if calls < 3 {
			return "", nil, nil, errors.New("connection refused")
		}
		return "https://bright-fox.loca.lt", func() error { return nil }, ended, nil
	}

	conn, err := p.Connect(context.Background(), 3000)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.URL != "https://bright-fox.loca.lt" {
		t.Fatalf("url = %q", conn.URL)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(slept) != 2 || slept[0] != 2*time.Second || slept[1] != 2*time.Second {
		t.Fatalf("unexpected delays %v", slept)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestLocaltunnelSurfacesLastError(t *testing.T) {
	p := newLocaltunnel(Config{}.withDefaults())
	p.sleep = func(context.Context, time.Duration) error { return nil }
	calls := 0
	p.open = func(context.Context, int) (string, func() error, <-chan error, error) {
		calls++
		return "", nil, nil, errors.New("attempt " + string(rune('0'+calls)))
	}

	_, err := p.Connect(context.Background(), 3000)
	if err == nil || !strings.Contains(err.Error(), "attempt 3") {
		t.Fatalf("expected last attempt error, got %v", err)
	}
	if calls != localtunnelAttempts {
		t.Fatalf("calls = %d", calls)
	}
}

func TestLocaltunnelProxiesToLocalPort(t *testing.T) {
	local := listenTCP(t)
	go func() {
		for {
			c, err := local.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	relay := listenTCP(t)
	accepted := make(chan net.Conn, 4)
	go func() {
		for {
			c, err := relay.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	var leases atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["new"]; !ok {
			http.NotFound(w, r)
			return
		}
		leases.Add(1)
		_ = json.NewEncoder(w).Encode(lease{
			ID:           "bright-fox",
			Port:         relay.Addr().(*net.TCPAddr).Port,
			MaxConnCount: 2,
			URL:          "https://bright-fox.loca.lt",
		})
	}))
	t.Cleanup(server.Close)

	p := newLocaltunnel(Config{LocaltunnelHost: server.URL}.withDefaults())
	conn, err := p.Connect(context.Background(), local.Addr().(*net.TCPAddr).Port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.URL != "https://bright-fox.loca.lt" || leases.Load() != 1 {
		t.Fatalf("unexpected lease result %q (%d leases)", conn.URL, leases.Load())
	}

	var remote net.Conn
	select {
	case remote = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("tunnel never dialed the relay")
	}
	_ = remote.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := remote.Write([]byte("GET / HTTP/1.1\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(remote).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "GET / HTTP/1.1\n" {
		t.Fatalf("echo = %q", line)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestLocaltunnelLeaseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "subdomain in use"})
	}))
	t.Cleanup(server.Close)

	p := newLocaltunnel(Config{LocaltunnelHost: server.URL}.withDefaults())
	if _, err := p.requestLease(context.Background()); err == nil || err.Error() != "subdomain in use" {
		t.Fatalf("expected server message, got %v", err)
	}
}

func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}
