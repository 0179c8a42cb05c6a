package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"pkt.systems/mcpize/internal/logx"
	"pkt.systems/mcpize/internal/proc"
	"pkt.systems/pslog"
)

var quickTunnelURL = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

type cloudflaredProvider struct {
	binary         string
	startupTimeout time.Duration
}

func newCloudflared(cfg Config) *cloudflaredProvider {
	return &cloudflaredProvider{binary: cfg.CloudflaredBinary, startupTimeout: cfg.StartupTimeout}
}

func (p *cloudflaredProvider) ID() ProviderID { return ProviderCloudflared }
func (p *cloudflaredProvider) sealed()        {}

func (p *cloudflaredProvider) Hint() string {
	return "install cloudflared (brew install cloudflared, or https://developers.cloudflare.com/cloudflare-one/connections/connect-networks/downloads/)"
}

func (p *cloudflaredProvider) Available(ctx context.Context) bool {
	if _, err := exec.LookPath(p.binary); err != nil {
		return false
	}
	return exec.CommandContext(ctx, p.binary, "--version").Run() == nil
}

func (p *cloudflaredProvider) Connect(ctx context.Context, port int) (*Connection, error) {
	log := logx.WithPort(logx.WithProvider(pslog.Ctx(ctx), ProviderCloudflared.String()), port)
	conn := newConnection(ProviderCloudflared)

	cmd := exec.Command(p.binary, "tunnel", "--url", fmt.Sprintf("http://localhost:%d", port), "--no-autoupdate")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		conn.fail(err)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		conn.fail(err)
		return nil, err
	}

	scan := &urlScanner{found: make(chan string, 1), log: log}
	drained := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(2)
	go scan.read(stdout, &readers)
	go scan.read(stderr, &readers)
	go func() {
		readers.Wait()
		close(drained)
	}()

	exited, waitErr, err := proc.Start(cmd, drained)
	if err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		log.Warn("cloudflared start failed", "err", err)
		conn.fail(err)
		return nil, err
	}
	log.Debug("cloudflared started", "pid", cmd.Process.Pid)

	terminate := func() error { return proc.Terminate(cmd.Process, exited, proc.DefaultGrace) }
	timer := time.NewTimer(p.startupTimeout)
	defer timer.Stop()

	select {
	case url := <-scan.found:
		conn.connected(url, terminate)
		go func() {
			<-exited
			code := proc.ExitCode(waitErr())
			log.Debug("cloudflared exited", "exit_code", code)
			conn.ended(&ExitError{Code: code, LastLine: scan.last()})
		}()
		log.Info("cloudflared tunnel ready", "url", url)
		return conn, nil
	case <-exited:
		err := &ExitError{Code: proc.ExitCode(waitErr()), LastLine: scan.last()}
		log.Warn("cloudflared exited before publishing a url", "err", err)
		conn.fail(err)
		return nil, err
	case <-timer.C:
		_ = terminate()
		err := fmt.Errorf("%w: no trycloudflare.com url after %s", ErrStartupTimeout, p.startupTimeout)
		log.Warn("cloudflared startup timed out", "timeout", p.startupTimeout)
		conn.fail(err)
		return nil, err
	case <-ctx.Done():
		_ = terminate()
		conn.fail(ctx.Err())
		return nil, ctx.Err()
	}
}

// urlScanner feeds process output lines to the URL matcher. It keeps reading
// after the first match so the child never blocks on a full pipe.
type urlScanner struct {
	found chan string
	log   pslog.Logger

	mu       sync.Mutex
	lastLine string
}

func (s *urlScanner) read(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.mu.Lock()
		s.lastLine = line
		s.mu.Unlock()
		s.log.Trace("cloudflared output", "text", line)
		if match := quickTunnelURL.FindString(line); match != "" {
			select {
			case s.found <- match:
			default:
			}
		}
	}
}

func (s *urlScanner) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLine
}
