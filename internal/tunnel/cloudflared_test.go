//go:build unix

package tunnel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const fakeURL = "https://quick-test-tunnel.trycloudflare.com"

func writeFakeCloudflared(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cloudflared")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ]; then echo 'cloudflared version 2025.1.0'; exit 0; fi\n" +
		body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cloudflared: %v", err)
	}
	return path
}

func newTestCloudflared(binary string, timeout time.Duration) *cloudflaredProvider {
	return newCloudflared(Config{CloudflaredBinary: binary, StartupTimeout: timeout}.withDefaults())
}

func TestCloudflaredAvailable(t *testing.T) {
	p := newTestCloudflared(writeFakeCloudflared(t, "exit 0"), time.Second)
	if !p.Available(context.Background()) {
		t.Fatalf("expected fake binary to be available")
	}
	missing := newTestCloudflared(filepath.Join(t.TempDir(), "nope"), time.Second)
	if missing.Available(context.Background()) {
		t.Fatalf("expected missing binary to be unavailable")
	}
}

func TestCloudflaredConnectParsesURL(t *testing.T) {
	bin := writeFakeCloudflared(t, `echo "INF Requesting new quick Tunnel on trycloudflare.com..." >&2
echo "INF |  `+fakeURL+`  |" >&2
exec sleep 30`)
	p := newTestCloudflared(bin, 5*time.Second)

	conn, err := p.Connect(context.Background(), 3000)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.URL != fakeURL {
		t.Fatalf("url = %q", conn.URL)
	}
	if conn.State() != StateConnected {
		t.Fatalf("state = %s", conn.State())
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("done not closed after Close")
	}
}

func TestCloudflaredExitBeforeURL(t *testing.T) {
	bin := writeFakeCloudflared(t, `echo "ERR failed to request quick Tunnel" >&2
exit 3`)
	p := newTestCloudflared(bin, 5*time.Second)

	_, err := p.Connect(context.Background(), 3000)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Fatalf("exit code = %d", exitErr.Code)
	}
	if exitErr.LastLine != "ERR failed to request quick Tunnel" {
		t.Fatalf("last line = %q", exitErr.LastLine)
	}
}

func TestCloudflaredStartupTimeout(t *testing.T) {
	bin := writeFakeCloudflared(t, `echo "INF starting" >&2
exec sleep 30`)
	p := newTestCloudflared(bin, 200*time.Millisecond)

	started := time.Now()
	_, err := p.Connect(context.Background(), 3000)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}
	if time.Since(started) > 5*time.Second {
		t.Fatalf("timeout took too long: %s", time.Since(started))
	}
}

func TestCloudflaredCloseAfterExit(t *testing.T) {
	bin := writeFakeCloudflared(t, `echo "`+fakeURL+`"
sleep 0.2
exit 0`)
	p := newTestCloudflared(bin, 5*time.Second)

	conn, err := p.Connect(context.Background(), 3000)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("done not closed after process exit")
	}
	if conn.State() != StateClosed {
		t.Fatalf("state = %s", conn.State())
	}
	var exitErr *ExitError
	if !errors.As(conn.Err(), &exitErr) || exitErr.Code != 0 {
		t.Fatalf("expected clean exit error, got %v", conn.Err())
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close after exit: %v", err)
	}
}
