// Package devserver supervises the local MCP server process started by
// `mcpize dev`.
package devserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"pkt.systems/mcpize/internal/logx"
	"pkt.systems/mcpize/internal/proc"
	"pkt.systems/pslog"
)

const (
	// DefaultHealthTimeout bounds WaitHealthy.
	DefaultHealthTimeout = 60 * time.Second
	// DefaultPollInterval is the health probe cadence.
	DefaultPollInterval = 500 * time.Millisecond
)

var (
	// ErrNotRunning is returned by WaitHealthy before Start.
	ErrNotRunning = errors.New("dev server is not running")
	// ErrStopped is returned by Start and Restart once Stop has been called.
	ErrStopped = errors.New("dev server was stopped")
)

// Config describes how to run the dev server.
type Config struct {
	Command       string
	Dir           string
	Port          int
	HealthPath    string
	HealthTimeout time.Duration
	PollInterval  time.Duration
	// Output receives the child's stdout and stderr, line by line.
	Output     io.Writer
	HTTPClient *http.Client
}

// ExitError reports a dev server that stopped on its own.
type ExitError struct {
	Code     int
	LastLine string
}

func (e *ExitError) Error() string {
	if e.LastLine != "" {
		return fmt.Sprintf("dev server exited with code %d: %s", e.Code, e.LastLine)
	}
	return fmt.Sprintf("dev server exited with code %d", e.Code)
}

// Server is one supervised child process. Restart replaces the process;
// Stop is final.
type Server struct {
	cfg Config

	// lifecycle serialises Start, Restart and Stop.
	lifecycle sync.Mutex

	mu         sync.Mutex
	cmd        *exec.Cmd
	done       <-chan struct{}
	waitErr    func() error
	lastLine   string
	stopped    bool
	restarting bool
}

// New validates cfg and returns an idle Server.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("dev command is required (set dev.command or pass --command)")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid dev port %d", cfg.Port)
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/"
	}
	if !strings.HasPrefix(cfg.HealthPath, "/") {
		cfg.HealthPath = "/" + cfg.HealthPath
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Output == nil {
		cfg.Output = io.Discard
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Second}
	}
	return &Server{cfg: cfg}, nil
}

// URL is the local address the dev server is expected to listen on.
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d", s.cfg.Port)
}

// Start launches the command through sh -c with PORT set.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startLocked(ctx)
}

func (s *Server) startLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log := logx.WithPort(pslog.Ctx(ctx), s.cfg.Port)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.cmd != nil && !closed(s.done) {
		return errors.New("dev server already running")
	}

	cmd := exec.Command("/bin/sh", "-c", s.cfg.Command)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(os.Environ(), "PORT="+strconv.Itoa(s.cfg.Port))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	drained := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(2)
	go s.relay(stdout, &readers)
	go s.relay(stderr, &readers)
	go func() {
		readers.Wait()
		close(drained)
	}()

	done, waitErr, err := proc.Start(cmd, drained)
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return fmt.Errorf("start dev server: %w", err)
	}
	s.cmd, s.done, s.waitErr, s.lastLine = cmd, done, waitErr, ""
	log.Info("dev server started", "command", s.cfg.Command, "pid", cmd.Process.Pid)
	return nil
}

var outputMu sync.Mutex

func (s *Server) relay(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			s.lastLine = trimmed
		}
		s.mu.Unlock()
		outputMu.Lock()
		_, _ = fmt.Fprintln(s.cfg.Output, line)
		outputMu.Unlock()
	}
}

// Done is closed when the current process exits. It is nil before Start.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err reports how the last process exited.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErrLocked()
}

func (s *Server) exitErrLocked() error {
	if s.done == nil || !closed(s.done) {
		return nil
	}
	return &ExitError{Code: proc.ExitCode(s.waitErr()), LastLine: s.lastLine}
}

// WaitHealthy polls the health URL until any non-5xx answer, the process
// exits, or the health timeout elapses.
func (s *Server) WaitHealthy(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return ErrNotRunning
	}
	log := logx.WithPort(pslog.Ctx(ctx), s.cfg.Port)
	target := s.URL() + s.cfg.HealthPath

	deadline := time.NewTimer(s.cfg.HealthTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		status, err := s.probe(ctx, target)
		if err == nil && status < 500 {
			log.Info("dev server healthy", "url", target, "status", status, "attempts", attempt)
			return nil
		}
		log.Trace("dev server not ready", "url", target, "status", status, "err", err)
		select {
		case <-done:
			s.mu.Lock()
			exitErr := s.exitErrLocked()
			s.mu.Unlock()
			return exitErr
		case <-deadline.C:
			return fmt.Errorf("dev server not healthy at %s after %s", target, s.cfg.HealthTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) probe(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

// Stop terminates the process group and refuses any later Start or
// Restart. A Restart in flight finishes first and its process is stopped
// too. It is safe to call repeatedly and before Start.
func (s *Server) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	s.stopped = true
	cmd, done := s.cmd, s.done
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	return proc.Terminate(cmd.Process, done, proc.DefaultGrace)
}

// Restart stops the running process and starts a fresh one.
func (s *Server) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.restarting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.restarting = false
		s.mu.Unlock()
	}()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()
	if cmd != nil {
		if err := proc.Terminate(cmd.Process, done, proc.DefaultGrace); err != nil {
			return err
		}
		<-done
	}
	pslog.Ctx(ctx).Info("restarting dev server")
	return s.startLocked(ctx)
}

// Replaced reports whether the process behind done is being or has been
// replaced by Restart, so its exit is expected.
func (s *Server) Replaced(done <-chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarting || (s.done != nil && s.done != done)
}

func closed(ch <-chan struct{}) bool {
	if ch == nil {
		return true
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
