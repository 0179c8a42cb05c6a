package tunnel

import (
	"sync"
)

// State is the lifecycle position of a Connection.
type State int

const (
	StatePending State = iota
	StateConnected
	StateClosed
	// StateFailed is terminal: startup timed out or the provider errored
	// before producing a URL.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connection is one live public endpoint. It exclusively owns the process or
// SDK session behind it.
type Connection struct {
	URL      string
	Provider ProviderID
	// Fallback is set when auto-selection had to settle for localtunnel.
	Fallback bool

	mu       sync.Mutex
	state    State
	err      error
	closeFn  func() error
	done     chan struct{}
	doneOnce sync.Once
}

func newConnection(id ProviderID) *Connection {
	return &Connection{Provider: id, state: StatePending, done: make(chan struct{})}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns why the connection failed or ended, if it did so on its own.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection is closed, failed, or its backend ended.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close tears the tunnel down. Closing an already closed or failed connection
// is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return nil
	}
	fn := c.closeFn
	c.closeFn = nil
	c.state = StateClosed
	c.mu.Unlock()

	var err error
	if fn != nil {
		err = fn()
	}
	c.finish()
	return err
}

func (c *Connection) connected(url string, closeFn func() error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending {
		return false
	}
	c.URL = url
	c.closeFn = closeFn
	c.state = StateConnected
	return true
}

func (c *Connection) fail(err error) {
	c.mu.Lock()
	if c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.err = err
	c.mu.Unlock()
	c.finish()
}

// ended records that the backend went away by itself after connecting.
func (c *Connection) ended(err error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.err = err
	c.closeFn = nil
	c.mu.Unlock()
	c.finish()
}

func (c *Connection) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}
