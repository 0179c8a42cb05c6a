package tunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrTunnelActive is returned when a controller already owns a live tunnel.
	ErrTunnelActive = errors.New("a tunnel is already active; close it before opening another")
	// ErrStartupTimeout is returned when no public URL appeared in time.
	ErrStartupTimeout = errors.New("tunnel startup timed out")
)

// UnavailableError reports that a provider cannot run on this machine.
type UnavailableError struct {
	Provider ProviderID
	Hint     string
}

func (e *UnavailableError) Error() string {
	if e.Provider == ProviderAuto {
		return fmt.Sprintf("no tunnel provider available: %s", e.Hint)
	}
	return fmt.Sprintf("tunnel provider %s unavailable: %s", e.Provider, e.Hint)
}

// ConnectError wraps a provider's startup failure with a next step.
type ConnectError struct {
	Provider ProviderID
	Hint     string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s tunnel failed: %v; %s", e.Provider, e.Err, e.Hint)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ExitError reports a tunnel process that exited before printing a URL.
type ExitError struct {
	Code     int
	LastLine string
}

func (e *ExitError) Error() string {
	if e.LastLine != "" {
		return fmt.Sprintf("process exited with code %d: %s", e.Code, e.LastLine)
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}
