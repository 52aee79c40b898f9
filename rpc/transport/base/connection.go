package base

import (
	"fmt"
	"net"
	"sync"

	"github.com/ValentinKolb/rocket/rpc/common"
	"golang.org/x/time/rate"
)

// StateObserver is notified synchronously about state transitions of a connection
type StateObserver func(conn *Connection, state common.ConnectionState)

type observerEntry struct {
	id uint64
	fn StateObserver
}

// Connection is the per socket state shared by the engine and the owning role.
//
// The transport handle is owned exclusively by the connection. The client role
// attaches a new socket for every connect attempt, the server role creates one
// connection per accepted socket. The state is only changed by the owning role
// and the engine, never by application code.
type Connection struct {
	id      uint64
	buffer  []byte        // receive buffer, reused for headers and draining
	limiter *rate.Limiter // inbound frame limiter, nil = unlimited

	mu             sync.Mutex
	conn           net.Conn
	state          common.ConnectionState
	retired        bool
	observers      []observerEntry
	nextObserverID uint64
	readerDone     chan struct{} // closed when the current receive loop has stopped
}

// NewConnection creates a connection in state StateNotConnected.
// Roles normally use Engine.NewConnection, which applies the engine configuration.
func NewConnection(id uint64, bufferSize int) *Connection {
	if bufferSize < HeaderLength {
		bufferSize = common.DefaultBufferSize
	}
	return &Connection{
		id:     id,
		buffer: make([]byte, bufferSize),
		state:  common.StateNotConnected,
	}
}

// ID returns the id assigned by the owning role
func (c *Connection) ID() uint64 {
	return c.id
}

// State returns the current state
func (c *Connection) State() common.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState changes the state and notifies the observers registered at this
// moment, synchronously and in subscription order. Nothing is notified if the
// state does not change. Reserved for the owning role.
func (c *Connection) SetState(state common.ConnectionState) {
	c.mu.Lock()
	old := c.state
	c.state = state
	if old == state {
		c.mu.Unlock()
		return
	}
	observers := make([]observerEntry, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, o := range observers {
		o.fn(c, state)
	}
}

// OnStateChanged subscribes an observer. The returned function unsubscribes it.
func (c *Connection) OnStateChanged(fn StateObserver) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextObserverID++
	id := c.nextObserverID
	c.observers = append(c.observers, observerEntry{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// IsOpen reports whether a transport is attached and the connection is not retired
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.retired
}

// Retire marks the connection as never to be opened again.
// Outbound buffers of retired connections are discarded.
func (c *Connection) Retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retired = true
}

// Retired reports whether Retire was called
func (c *Connection) Retired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retired
}

// RemoteAddr returns the address of the peer, or nil if no transport is attached
func (c *Connection) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

func (c *Connection) String() string {
	return fmt.Sprintf("connection #%d", c.id)
}

// --------------------------------------------------------------------------
// Transport handle (used by the engine and the roles)
// --------------------------------------------------------------------------

// Attach hands a freshly connected transport to the connection.
// It fails if another transport is still attached or the connection is retired.
func (c *Connection) Attach(conn net.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retired {
		return common.ErrClosed
	}
	if c.conn != nil {
		return fmt.Errorf("%s already has an open transport", c)
	}
	c.conn = conn
	return nil
}

// transport returns the attached transport or nil
func (c *Connection) transport() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// detach removes the transport if it is still the given one
func (c *Connection) detach(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn != conn {
		return false
	}
	c.conn = nil
	return true
}

// detachCurrent removes and returns the attached transport (nil if none)
func (c *Connection) detachCurrent() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn := c.conn
	c.conn = nil
	return conn
}

// swapReader registers the done channel of a new receive loop and returns the previous one
func (c *Connection) swapReader(done chan struct{}) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.readerDone
	c.readerDone = done
	return prev
}
