// Package proc supervises child processes that must not outlive the CLI.
package proc

import (
	"os"
	"os/exec"
	"time"
)

// DefaultGrace is how long a child gets between SIGTERM and SIGKILL.
const DefaultGrace = 5 * time.Second

// killWait bounds the wait after SIGKILL.
const killWait = 2 * time.Second

// Terminate stops p and its process group. done must close once Wait on the
// process has returned; an already-closed done makes Terminate a no-op.
func Terminate(p *os.Process, done <-chan struct{}, grace time.Duration) error {
	if p == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	if err := signalGroup(p, false); err != nil {
		return err
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	}
	_ = signalGroup(p, true)
	select {
	case <-done:
	case <-time.After(killWait):
	}
	return nil
}

// Start launches cmd in its own process group and returns a channel that is
// closed after Wait returns. Wait's error is available via the returned func
// once the channel is closed. Callers that read cmd's pipes must drain them
// before the process is reaped, so they pass those readers' completion in
// drained (may be nil).
func Start(cmd *exec.Cmd, drained <-chan struct{}) (<-chan struct{}, func() error, error) {
	setGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	done := make(chan struct{})
	var waitErr error
	go func() {
		if drained != nil {
			<-drained
		}
		waitErr = cmd.Wait()
		close(done)
	}()
	return done, func() error { return waitErr }, nil
}

// ExitCode extracts the exit status from a Wait error, -1 when unknown.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
