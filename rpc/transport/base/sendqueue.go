package base

import (
	"sync"
	"time"

	"github.com/ValentinKolb/rocket/lib/util"
	"github.com/ValentinKolb/rocket/rpc/common"
)

// retryInterval is the pause between two passes over buffers of connections that were not open
const retryInterval = 50 * time.Millisecond

// outbound is a framed buffer waiting for transmission
type outbound struct {
	conn    *Connection
	buf     []byte
	timeout time.Duration
	gated   bool            // only written while the connection is in StateConnected
	onDone  func(err error) // called once after the buffer was written or discarded
}

// SendQueue is the ordered outbound queue shared by all connections.
//
// Producers only enqueue. A single drain goroutine writes whole buffers in the
// order they were enqueued, across all connections. A buffer whose connection
// is not open is skipped but kept (together with all later buffers of the same
// connection, to keep their order) and retried on the next pass. Buffers of
// retired connections are discarded.
type SendQueue struct {
	queue   *util.Queue[outbound]
	stopped chan struct{}

	mu      sync.Mutex // guards backlog for Len, only the drain goroutine modifies it
	backlog []*outbound
}

var (
	sharedQueue     *SendQueue
	sharedQueueOnce sync.Once
)

// SharedSendQueue returns the process wide send queue used by all engines
// unless another queue is configured
func SharedSendQueue() *SendQueue {
	sharedQueueOnce.Do(func() {
		sharedQueue = NewSendQueue()
	})
	return sharedQueue
}

// NewSendQueue creates a queue and starts its drain goroutine
func NewSendQueue() *SendQueue {
	q := &SendQueue{
		queue:   util.NewQueue[outbound](),
		stopped: make(chan struct{}),
	}
	go q.drain()
	return q
}

// Enqueue appends a framed buffer for the connection.
// onDone (optional) receives nil after a successful write or the reason the buffer was dropped.
func (q *SendQueue) Enqueue(conn *Connection, buf []byte, timeout time.Duration, onDone func(err error)) bool {
	return q.push(&outbound{conn: conn, buf: buf, timeout: timeout, onDone: onDone})
}

// EnqueueConnected is like Enqueue, but the buffer is only written once the
// connection is in StateConnected (i.e. authenticated)
func (q *SendQueue) EnqueueConnected(conn *Connection, buf []byte, timeout time.Duration, onDone func(err error)) bool {
	return q.push(&outbound{conn: conn, buf: buf, timeout: timeout, gated: true, onDone: onDone})
}

func (q *SendQueue) push(item *outbound) bool {
	ok := q.queue.Push(item)
	if !ok && item.onDone != nil {
		item.onDone(common.ErrClosed)
	}
	return ok
}

// Len returns the number of buffers not yet written (approximate)
func (q *SendQueue) Len() int {
	return q.queue.Len() + q.backlogLen()
}

// Close stops the queue after all buffers have been processed.
// The shared queue is never closed.
func (q *SendQueue) Close() {
	q.queue.Close()
	<-q.stopped
}

// --------------------------------------------------------------------------
// Drain loop
// --------------------------------------------------------------------------

func (q *SendQueue) backlogLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// drain is the single consumer of the queue
func (q *SendQueue) drain() {
	defer close(q.stopped)

	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case item, ok := <-q.queue.Recv():
			if !ok {
				q.discardBacklog()
				return
			}
			q.appendBacklog(item)
		case <-ticker.C:
			if q.backlogLen() == 0 {
				continue
			}
		}
		q.flush()
	}
}

func (q *SendQueue) appendBacklog(item *outbound) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlog = append(q.backlog, item)
}

// flush makes one pass over the backlog in order
func (q *SendQueue) flush() {
	q.mu.Lock()
	pending := q.backlog
	q.backlog = nil
	q.mu.Unlock()

	var kept []*outbound
	skipped := make(map[*Connection]bool)
	skippedGated := make(map[*Connection]bool)

	for _, item := range pending {
		if item.conn.Retired() {
			item.done(common.ErrClosed)
			continue
		}

		// keep the order of a connection once one of its buffers was skipped
		if skipped[item.conn] || !item.conn.IsOpen() {
			skipped[item.conn] = true
			kept = append(kept, item)
			continue
		}
		if item.gated && (skippedGated[item.conn] || item.conn.State() != common.StateConnected) {
			skippedGated[item.conn] = true
			kept = append(kept, item)
			continue
		}

		item.done(q.write(item))
	}

	q.mu.Lock()
	q.backlog = kept
	q.mu.Unlock()
}

// write transmits a whole buffer, bounded by the send timeout
func (q *SendQueue) write(item *outbound) error {
	conn := item.conn.transport()
	if conn == nil {
		return common.ErrNotConnected
	}
	if item.timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(item.timeout)); err != nil {
			return err
		}
	}
	_, err := conn.Write(item.buf)
	return err
}

func (q *SendQueue) discardBacklog() {
	q.mu.Lock()
	pending := q.backlog
	q.backlog = nil
	q.mu.Unlock()

	for _, item := range pending {
		item.done(common.ErrClosed)
	}
}

func (o *outbound) done(err error) {
	if o.onDone != nil {
		o.onDone(err)
	}
}
