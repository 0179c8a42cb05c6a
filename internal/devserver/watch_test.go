package devserver

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWatchDebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	errCh := make(chan error, 1)
	go func() {
		errCh <- Watch(ctx, dir, 100*time.Millisecond, func() { calls.Add(1) })
	}()
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(dir, "server.py"), []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(300 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("onChange called %d times, want 1", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not return after cancel")
	}
}

func TestSkippedPaths(t *testing.T) {
	root := "proj"
	cases := map[string]bool{
		filepath.Join(root, "main.go"):                       false,
		filepath.Join(root, "src", "tool.ts"):                false,
		filepath.Join(root, "node_modules", "x", "index.js"): true,
		filepath.Join(root, ".git", "HEAD"):                  true,
		filepath.Join(root, "dist"):                          true,
		filepath.Join(root, "pkg", "build", "out.o"):         true,
	}
	for path, want := range cases {
		if got := skipped(root, path); got != want {
			t.Fatalf("skipped(%q) = %v, want %v", path, got, want)
		}
	}
}
