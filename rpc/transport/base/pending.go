package base

import (
	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// pendingCall waits for the response to one outbound request
type pendingCall struct {
	conn     *Connection
	method   string
	response chan *common.ResponseFrame // buffered, the first response wins
}

// received returns a response that is already available without waiting
func (c *pendingCall) received() (*common.ResponseFrame, bool) {
	select {
	case resp := <-c.response:
		return resp, true
	default:
		return nil, false
	}
}

// pendingTable correlates responses with the requests awaiting them
type pendingTable struct {
	calls *xsync.MapOf[uuid.UUID, *pendingCall]
}

func newPendingTable() pendingTable {
	return pendingTable{
		calls: xsync.NewMapOf[uuid.UUID, *pendingCall](),
	}
}

// register inserts an entry for the request id; false if the id is already pending
func (t pendingTable) register(id uuid.UUID, conn *Connection, method string) (*pendingCall, bool) {
	call := &pendingCall{
		conn:     conn,
		method:   method,
		response: make(chan *common.ResponseFrame, 1),
	}
	if _, loaded := t.calls.LoadOrStore(id, call); loaded {
		return nil, false
	}
	return call, true
}

// resolve hands the response to the waiting caller. Unknown ids, responses
// arriving on another connection and duplicates are ignored (returns false).
func (t pendingTable) resolve(conn *Connection, resp *common.ResponseFrame) bool {
	call, ok := t.calls.Load(resp.RequestGuid)
	if !ok || call.conn != conn {
		return false
	}
	select {
	case call.response <- resp:
		return true
	default:
		return false
	}
}

// remove deletes the entry of the request id
func (t pendingTable) remove(id uuid.UUID) {
	t.calls.Delete(id)
}

// len returns the number of pending calls
func (t pendingTable) len() int {
	return t.calls.Size()
}
