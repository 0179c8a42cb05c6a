//go:build unix

package proc

import (
	"errors"
	"os/exec"
	"testing"
	"time"
)

func TestStartAndTerminate(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exec sleep 30")
	done, waitErr, err := Start(cmd, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := Terminate(cmd.Process, done, time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit")
	}
	if waitErr() == nil {
		t.Fatalf("expected signal exit error")
	}
	// A second terminate on a reaped process is a no-op.
	if err := Terminate(cmd.Process, done, time.Second); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
}

func TestTerminateEscalatesToKill(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "trap '' TERM; while :; do sleep 1; done")
	done, _, err := Start(cmd, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	started := time.Now()
	if err := Terminate(cmd.Process, done, 200*time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("process survived SIGKILL")
	}
	if time.Since(started) < 200*time.Millisecond {
		t.Fatalf("expected grace period before kill")
	}
}

func TestExitCode(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	err := cmd.Run()
	if got := ExitCode(err); got != 3 {
		t.Fatalf("ExitCode = %d, want 3", got)
	}
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("ExitCode(nil) = %d", got)
	}
	if got := ExitCode(errors.New("spawn failed")); got != -1 {
		t.Fatalf("ExitCode(other) = %d", got)
	}
}
