package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"pkt.systems/pslog"
)

func TestWithProviderAddsFields(t *testing.T) {
	capture := &logCapture{}
	logger := newCaptureLogger(capture)
	WithPort(WithProvider(logger, "cloudflared"), 3000).Info("hello")

	entry := capture.firstEntry(t)
	if entry["provider"] != "cloudflared" {
		t.Fatalf("expected provider field, got %+v", entry)
	}
	if entry["port"] != float64(3000) {
		t.Fatalf("expected port field, got %+v", entry)
	}
}

func TestWithPortSkipsZero(t *testing.T) {
	capture := &logCapture{}
	WithPort(newCaptureLogger(capture), 0).Info("hello")

	entry := capture.firstEntry(t)
	if _, ok := entry["port"]; ok {
		t.Fatalf("did not expect port for zero value, got %+v", entry)
	}
}

func TestContextWithInvocation(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	ctx = ContextWithInvocation(ctx, "inv-1")
	ctx = ContextWithInvocation(ctx, "inv-1")
	pslog.Ctx(ctx).Info("hello")

	if got := Invocation(ctx); got != "inv-1" {
		t.Fatalf("Invocation() = %q", got)
	}
	entry := capture.firstEntry(t)
	if entry["invocation"] != "inv-1" {
		t.Fatalf("expected invocation field, got %+v", entry)
	}
}

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
