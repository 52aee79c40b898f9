package base

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/ValentinKolb/rocket/rpc/serializer"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("transport/rpc")

const (
	// drainWindow bounds the wait for data when skipping the body of an oversized frame
	drainWindow = 50 * time.Millisecond

	// maxFailedRequests bounds the ids of failed requests remembered per engine
	maxFailedRequests = 1024
)

// IRole is implemented by the client and the server. The engine consults it
// for authorization and notifies it about closed connections.
type IRole interface {
	// IsAuthorized reports whether requests on conn may reach the registered methods
	IsAuthorized(conn *Connection) bool
	// AuthorizeConnection checks the credentials of an authentication request
	// and marks conn as authorized on success
	AuthorizeConnection(conn *Connection, credentials common.Credentials) bool
	// ConnectionClosed is called once after the transport of conn was closed
	ConnectionClosed(conn *Connection)
}

// DataHandler receives raw data sent by an authorized peer
type DataHandler func(data []byte, conn *Connection)

// EngineOptions holds the role specific behavior of an engine
type EngineOptions struct {
	// Name is used in log lines (e.g. "client", "server")
	Name string
	// RetryOnTimeout resends a request with the same id after every receive
	// timeout instead of failing it
	RetryOnTimeout bool
	// AwaitConnected holds outbound requests and data (except the
	// authentication request) until the connection is in StateConnected
	AwaitConnected bool
	// Queue is the outbound queue, nil = SharedSendQueue()
	Queue *SendQueue
}

// Engine implements the protocol shared by client and server: framing,
// per connection receive loops, classification of received bodies, method
// dispatch and correlation of requests and responses.
type Engine struct {
	name           string
	config         common.EndpointConfig
	serializer     serializer.IRPCSerializer
	role           IRole
	retryOnTimeout bool
	awaitConnected bool

	queue    *SendQueue
	registry *Registry
	pending  pendingTable
	stats    *common.Stats

	// ids of requests whose handlers failed, mapped to the time of the failure
	failed *xsync.MapOf[uuid.UUID, time.Time]

	dataMu       sync.RWMutex
	dataHandlers []DataHandler

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates an engine for the given role
func NewEngine(config common.EndpointConfig, serializer serializer.IRPCSerializer, role IRole, opts EngineOptions) *Engine {
	queue := opts.Queue
	if queue == nil {
		queue = SharedSendQueue()
	}
	name := opts.Name
	if name == "" {
		name = "engine"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		name:           name,
		config:         config.WithDefaults(),
		serializer:     serializer,
		role:           role,
		retryOnTimeout: opts.RetryOnTimeout,
		awaitConnected: opts.AwaitConnected,
		queue:          queue,
		registry:       NewRegistry(),
		pending:        newPendingTable(),
		stats:          common.NewStats(),
		failed:         xsync.NewMapOf[uuid.UUID, time.Time](),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Methods returns the registry of methods the remote peer can call
func (e *Engine) Methods() *Registry {
	return e.registry
}

// Stats returns the counters of this engine
func (e *Engine) Stats() *common.Stats {
	return e.stats
}

// Config returns the effective configuration
func (e *Engine) Config() common.EndpointConfig {
	return e.config
}

// Serializer returns the document codec
func (e *Engine) Serializer() serializer.IRPCSerializer {
	return e.serializer
}

// OnData subscribes a handler for raw data. Handlers run on the dispatch goroutine of the frame.
func (e *Engine) OnData(handler DataHandler) {
	e.dataMu.Lock()
	defer e.dataMu.Unlock()
	e.dataHandlers = append(e.dataHandlers, handler)
}

// NewConnection creates a connection using the receive buffer size and
// inbound rate limit of the engine
func (e *Engine) NewConnection(id uint64) *Connection {
	conn := NewConnection(id, e.config.BufferSize)
	if e.config.InboundFramesPerSecond > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(e.config.InboundFramesPerSecond), e.config.InboundBurst)
	}
	return conn
}

// Close fails all pending calls with common.ErrClosed and cancels the
// context passed to handlers. Connections are closed by the roles.
func (e *Engine) Close() {
	e.cancel()
}

// --------------------------------------------------------------------------
// Connection life cycle
// --------------------------------------------------------------------------

// StartReceiving starts the receive loop for the attached transport of conn.
// A loop started for a previous transport of the same connection is awaited first.
func (e *Engine) StartReceiving(conn *Connection) error {
	nc := conn.transport()
	if nc == nil {
		return common.ErrNotConnected
	}

	done := make(chan struct{})
	prev := conn.swapReader(done)
	e.stats.ConnectionOpened()

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		e.receive(conn, nc)
	}()
	return nil
}

// CloseConnection closes the attached transport of conn, if any.
// The role is notified and the state changes to common.StateDropped.
func (e *Engine) CloseConnection(conn *Connection) {
	if nc := conn.transport(); nc != nil {
		e.closeTransport(conn, nc)
	}
}

// closeTransport closes nc if it is still the transport of conn
func (e *Engine) closeTransport(conn *Connection, nc net.Conn) bool {
	if !conn.detach(nc) {
		return false
	}
	if err := nc.Close(); err != nil {
		Logger.Debugf("%s: %s: error closing transport: %v", e.name, conn, err)
	}

	e.stats.ConnectionClosed()
	e.role.ConnectionClosed(conn)
	conn.SetState(common.StateDropped)
	return true
}

// --------------------------------------------------------------------------
// Receive loop
// --------------------------------------------------------------------------

// receive reads frames from nc until the transport fails, the peer closes it
// or a checksum violation is detected. The transport is closed on return.
func (e *Engine) receive(conn *Connection, nc net.Conn) {
	defer e.closeTransport(conn, nc)

	header := conn.buffer[:HeaderLength]
	for {
		// no deadline while waiting for the next frame
		_ = nc.SetReadDeadline(time.Time{})

		if _, err := io.ReadFull(nc, header); err != nil {
			e.logReadError(conn, "header", err)
			return
		}

		length, checksum, err := DecodeHeader(header)
		if err == nil && length < 0 {
			err = fmt.Errorf("%w: negative body length %d", common.ErrInvalidHeader, length)
		}
		if err != nil {
			e.stats.HeaderResync()
			Logger.Debugf("%s: %s: %v, skipping %d bytes", e.name, conn, err, HeaderLength)
			continue
		}

		if length > e.config.MaxMessageLength {
			e.stats.OversizedFrame()
			Logger.Warningf("%s: %s: frame of %d bytes exceeds the limit of %d bytes, skipping", e.name, conn, length, e.config.MaxMessageLength)
			e.skip(nc, conn.buffer, length)
			continue
		}

		body := make([]byte, length)
		_ = nc.SetReadDeadline(time.Now().Add(e.config.ReceiveTimeout))
		if _, err := io.ReadFull(nc, body); err != nil {
			e.logReadError(conn, "body", err)
			return
		}

		if Checksum(body) != checksum {
			e.stats.ChecksumFailure()
			Logger.Errorf("%s: %s: %v, closing connection", e.name, conn, common.ErrChecksumMismatch)
			return
		}
		e.stats.FrameReceived(len(body))

		if conn.limiter != nil {
			if err := conn.limiter.Wait(e.ctx); err != nil {
				return
			}
		}

		// responses are resolved in stream order, before a following close is seen
		if bytes.HasPrefix(body, responseTag) {
			e.handleResponse(conn, body[len(responseTag):])
			continue
		}
		go e.dispatch(conn, body)
	}
}

// skip discards up to length bytes that are available within the drain window
func (e *Engine) skip(nc net.Conn, buf []byte, length int64) {
	for length > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(drainWindow))
		n, err := nc.Read(buf[:min(int64(len(buf)), length)])
		length -= int64(n)
		if err != nil {
			return
		}
	}
}

func (e *Engine) logReadError(conn *Connection, what string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		Logger.Debugf("%s: %s: closed by peer", e.name, conn)
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		Logger.Debugf("%s: %s: transport closed", e.name, conn)
	case errors.Is(err, os.ErrDeadlineExceeded):
		Logger.Warningf("%s: %s: timeout reading frame %s", e.name, conn, what)
	default:
		Logger.Warningf("%s: %s: error reading frame %s: %v", e.name, conn, what, err)
	}
}

// --------------------------------------------------------------------------
// Dispatch
// --------------------------------------------------------------------------

// dispatch classifies a body and handles it. Every body has exactly one outcome.
func (e *Engine) dispatch(conn *Connection, body []byte) {
	switch {
	case bytes.HasPrefix(body, requestTag):
		var req common.RequestFrame
		if err := e.serializer.Deserialize(body[len(requestTag):], &req); err != nil {
			e.stats.DecodeError()
			Logger.Warningf("%s: %s: dropping undecodable request: %v", e.name, conn, err)
			return
		}
		e.handleRequest(conn, &req)

	case bytes.HasPrefix(body, responseTag):
		e.handleResponse(conn, body[len(responseTag):])

	default:
		if !e.role.IsAuthorized(conn) {
			Logger.Debugf("%s: %s: ignoring %d bytes of data from unauthorized peer", e.name, conn, len(body))
			return
		}
		e.deliverData(conn, body)
	}
}

// handleResponse hands a response to the call awaiting it
func (e *Engine) handleResponse(conn *Connection, doc []byte) {
	if !e.role.IsAuthorized(conn) {
		Logger.Debugf("%s: %s: ignoring response from unauthorized peer", e.name, conn)
		return
	}

	var resp common.ResponseFrame
	if err := e.serializer.Deserialize(doc, &resp); err != nil {
		e.stats.DecodeError()
		Logger.Warningf("%s: %s: dropping undecodable response: %v", e.name, conn, err)
		return
	}
	if !e.pending.resolve(conn, &resp) {
		Logger.Debugf("%s: %s: ignoring response to unknown request %s", e.name, conn, resp.RequestGuid)
	}
}

func (e *Engine) handleRequest(conn *Connection, req *common.RequestFrame) {
	if !e.role.IsAuthorized(conn) {
		e.handleUnauthorized(conn, req)
		return
	}

	method, ok := e.registry.lookup(req.MethodName)
	if !ok {
		Logger.Debugf("%s: %s: method %q does not exist", e.name, conn, req.MethodName)
		e.respond(conn, req.Guid, nil, common.StatusInexistMethod, nil)
		return
	}

	// a peer retrying on timeout resends failed requests with the same id
	if failedAt, ok := e.failed.Load(req.Guid); ok {
		Logger.Warningf("%s: %s: %q resent request %s that failed %s ago, dropping", e.name, conn, req.MethodName, req.Guid, time.Since(failedAt).Round(time.Millisecond))
		return
	}

	result, err := e.invoke(conn, method, req.Parameter)
	if err != nil {
		Logger.Errorf("%s: %s: %s %q failed (request %s): %v", e.name, conn, method.shape, req.MethodName, req.Guid, err)
		e.rememberFailed(req.Guid)
		return
	}
	e.respond(conn, req.Guid, result, common.StatusOk, nil)
}

// handleUnauthorized only accepts the authentication request. The connection
// is closed after every other request and after a failed authentication.
func (e *Engine) handleUnauthorized(conn *Connection, req *common.RequestFrame) {
	nc := conn.transport()
	closeAfterFlush := func(error) {
		if nc != nil {
			e.closeTransport(conn, nc)
		}
	}

	if !req.IsAuthRequest() {
		Logger.Warningf("%s: %s: %q called before authentication, closing connection", e.name, conn, req.MethodName)
		e.respond(conn, req.Guid, nil, common.StatusUnauthorized, closeAfterFlush)
		return
	}

	var credentials common.Credentials
	if err := e.serializer.Convert(req.Parameter, &credentials); err != nil {
		Logger.Warningf("%s: %s: invalid credentials: %v", e.name, conn, err)
	} else if e.role.AuthorizeConnection(conn, credentials) {
		e.respond(conn, req.Guid, e.encodeBool(true), common.StatusOk, nil)
		return
	}

	Logger.Warningf("%s: %s: authentication of %q failed, closing connection", e.name, conn, credentials.Login)
	e.respond(conn, req.Guid, e.encodeBool(false), common.StatusUnauthorized, closeAfterFlush)
}

// invoke runs the handlers of a method. Panics are returned as error.
func (e *Engine) invoke(conn *Connection, method *inboundMethod, param []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return method.invoke(withConnection(e.ctx, conn), e.serializer, param)
}

// rememberFailed records the id of a failed request. The oldest half of the
// ids is forgotten once maxFailedRequests is reached.
func (e *Engine) rememberFailed(id uuid.UUID) {
	if e.failed.Size() >= maxFailedRequests {
		var oldest []time.Time
		e.failed.Range(func(_ uuid.UUID, at time.Time) bool {
			oldest = append(oldest, at)
			return true
		})
		sort.Slice(oldest, func(i, j int) bool { return oldest[i].Before(oldest[j]) })
		cutoff := oldest[len(oldest)/2]
		e.failed.Range(func(k uuid.UUID, at time.Time) bool {
			if !at.After(cutoff) {
				e.failed.Delete(k)
			}
			return true
		})
	}
	e.failed.Store(id, time.Now())
}

func (e *Engine) deliverData(conn *Connection, data []byte) {
	e.dataMu.RLock()
	handlers := e.dataHandlers
	e.dataMu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("%s: %s: data handler panicked: %v", e.name, conn, r)
		}
	}()
	for _, h := range handlers {
		h(data, conn)
	}
}

// --------------------------------------------------------------------------
// Outbound
// --------------------------------------------------------------------------

func (e *Engine) respond(conn *Connection, requestGuid uuid.UUID, result []byte, status common.StatusCode, onDone func(error)) {
	resp := common.NewResponseFrame(requestGuid, result, status)
	doc, err := e.serializer.Serialize(resp)
	if err != nil {
		Logger.Errorf("%s: %s: failed to encode response: %v", e.name, conn, err)
		return
	}
	e.enqueue(conn, tagged(responseTag, doc), false, onDone)
}

// ready reports whether a buffer can be sent on conn now. Gated buffers
// need an authenticated connection.
func (e *Engine) ready(conn *Connection, gated bool) bool {
	return conn.IsOpen() && (!gated || conn.State() == common.StateConnected)
}

// enqueue frames the body and hands it to the send queue. A failed write closes the connection.
func (e *Engine) enqueue(conn *Connection, body []byte, gated bool, onDone func(error)) {
	buf := EncodeFrame(body)
	push := e.queue.Enqueue
	if gated {
		push = e.queue.EnqueueConnected
	}
	push(conn, buf, e.config.SendTimeout, func(err error) {
		switch {
		case err == nil:
			e.stats.FrameSent(len(buf))
		case errors.Is(err, common.ErrClosed):
			Logger.Debugf("%s: %s: discarded %d bytes", e.name, conn, len(buf))
		default:
			Logger.Warningf("%s: %s: write failed: %v", e.name, conn, err)
			e.CloseConnection(conn)
		}
		if onDone != nil {
			onDone(err)
		}
	})
}

// SendMessage sends raw data. It is delivered to the data handlers of the peer.
// Data starting with a request or response tag is classified as such by the peer.
func (e *Engine) SendMessage(conn *Connection, data []byte) error {
	if !e.ready(conn, e.awaitConnected) {
		return common.ErrNotConnected
	}
	body := make([]byte, len(data))
	copy(body, data)
	e.enqueue(conn, body, e.awaitConnected, nil)
	return nil
}

func (e *Engine) encodeBool(v bool) []byte {
	b, _ := e.serializer.Serialize(v)
	return b
}
