package tunnel

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"
)

type fakeForwarder struct {
	url    string
	once   sync.Once
	closed chan struct{}
}

func newFakeForwarder(u string) *fakeForwarder {
	return &fakeForwarder{url: u, closed: make(chan struct{})}
}

func (f *fakeForwarder) URL() string { return f.url }

func (f *fakeForwarder) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeForwarder) Wait() error {
	<-f.closed
	return nil
}

func envWith(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func newTestNgrok(env map[string]string, listen ngrokListenFunc) *ngrokProvider {
	p := newNgrok(Config{LookupEnv: envWith(env), StartupTimeout: time.Second}.withDefaults())
	p.listen = listen
	return p
}

func TestNgrokAvailableFollowsEnv(t *testing.T) {
	if newTestNgrok(nil, nil).Available(context.Background()) {
		t.Fatalf("expected unavailable without token")
	}
	if newTestNgrok(map[string]string{"NGROK_AUTHTOKEN": "  "}, nil).Available(context.Background()) {
		t.Fatalf("expected blank token to be unavailable")
	}
	if !newTestNgrok(map[string]string{"NGROK_AUTHTOKEN": "tok"}, nil).Available(context.Background()) {
		t.Fatalf("expected available with token")
	}
}

func TestNgrokConnect(t *testing.T) {
	fwd := newFakeForwarder("https://abc.ngrok.app")
	var gotBackend *url.URL
	var gotToken string
	p := newTestNgrok(map[string]string{"NGROK_AUTHTOKEN": "tok"}, func(ctx context.Context, backend *url.URL, token string) (forwarder, error) {
		gotBackend, gotToken = backend, token
		return fwd, nil
	})

	conn, err := p.Connect(context.Background(), 8080)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.URL != "https://abc.ngrok.app" {
		t.Fatalf("url = %q", conn.URL)
	}
	if gotBackend.String() != "http://localhost:8080" || gotToken != "tok" {
		t.Fatalf("unexpected listen args %v %q", gotBackend, gotToken)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-fwd.closed:
	default:
		t.Fatalf("forwarder not closed")
	}
}

func TestNgrokEmptyURLFails(t *testing.T) {
	fwd := newFakeForwarder("")
	p := newTestNgrok(map[string]string{"NGROK_AUTHTOKEN": "tok"}, func(context.Context, *url.URL, string) (forwarder, error) {
		return fwd, nil
	})
	if _, err := p.Connect(context.Background(), 8080); err == nil {
		t.Fatalf("expected error for empty url")
	}
	select {
	case <-fwd.closed:
	default:
		t.Fatalf("forwarder should be closed on failure")
	}
}

func TestNgrokListenError(t *testing.T) {
	boom := errors.New("authentication failed")
	p := newTestNgrok(map[string]string{"NGROK_AUTHTOKEN": "bad"}, func(context.Context, *url.URL, string) (forwarder, error) {
		return nil, boom
	})
	if _, err := p.Connect(context.Background(), 8080); !errors.Is(err, boom) {
		t.Fatalf("expected listen error, got %v", err)
	}
}

func TestNgrokStartupTimeoutClosesLateSession(t *testing.T) {
	fwd := newFakeForwarder("https://late.ngrok.app")
	release := make(chan struct{})
	p := newTestNgrok(map[string]string{"NGROK_AUTHTOKEN": "tok"}, func(context.Context, *url.URL, string) (forwarder, error) {
		<-release
		return fwd, nil
	})
	p.startupTimeout = 50 * time.Millisecond

	_, err := p.Connect(context.Background(), 8080)
	if !errors.Is(err, ErrStartupTimeout) {
		t.Fatalf("expected ErrStartupTimeout, got %v", err)
	}
	close(release)
	select {
	case <-fwd.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("late forwarder was not closed")
	}
}

func TestNgrokDoneWhenSessionEnds(t *testing.T) {
	fwd := newFakeForwarder("https://abc.ngrok.app")
	p := newTestNgrok(map[string]string{"NGROK_AUTHTOKEN": "tok"}, func(context.Context, *url.URL, string) (forwarder, error) {
		return fwd, nil
	})
	conn, err := p.Connect(context.Background(), 8080)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = fwd.Close()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("done not closed after session ended")
	}
	if conn.State() != StateClosed {
		t.Fatalf("state = %s", conn.State())
	}
}
