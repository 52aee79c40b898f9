package base

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/ValentinKolb/rocket/rpc/serializer"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Test helpers
// --------------------------------------------------------------------------

// testRole authorizes connections presenting the accepted credentials
type testRole struct {
	mu         sync.Mutex
	allowAll   bool
	accept     common.Credentials
	authorized map[*Connection]bool
	closed     chan *Connection
}

func newTestRole(allowAll bool) *testRole {
	return &testRole{
		allowAll:   allowAll,
		accept:     common.NewCredentials("user", "secret"),
		authorized: make(map[*Connection]bool),
		closed:     make(chan *Connection, 8),
	}
}

func (r *testRole) IsAuthorized(conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowAll || r.authorized[conn]
}

func (r *testRole) AuthorizeConnection(conn *Connection, credentials common.Credentials) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !credentials.Equal(r.accept) {
		return false
	}
	r.authorized[conn] = true
	return true
}

func (r *testRole) ConnectionClosed(conn *Connection) {
	select {
	case r.closed <- conn:
	default:
	}
}

func newTestEngine(t *testing.T, role IRole, modify func(*common.EndpointConfig), opts EngineOptions) *Engine {
	t.Helper()
	config := common.DefaultEndpointConfig()
	config.ReceiveTimeout = 500 * time.Millisecond
	if modify != nil {
		modify(&config)
	}

	queue := NewSendQueue()
	t.Cleanup(queue.Close)

	opts.Name = "test"
	opts.Queue = queue
	e := NewEngine(config, serializer.NewJSONSerializer(), role, opts)
	t.Cleanup(e.Close)
	return e
}

// startPipe connects a new engine connection to the returned peer end of a pipe
func startPipe(t *testing.T, e *Engine) (*Connection, net.Conn) {
	t.Helper()
	local, peer := net.Pipe()
	conn := e.NewConnection(1)
	if err := conn.Attach(local); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := e.StartReceiving(conn); err != nil {
		t.Fatalf("StartReceiving failed: %v", err)
	}
	t.Cleanup(func() {
		peer.Close()
		e.CloseConnection(conn)
	})
	return conn, peer
}

func writeRaw(t *testing.T, peer net.Conn, frame []byte) {
	t.Helper()
	_ = peer.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := peer.Write(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func writeRequest(t *testing.T, peer net.Conn, method string, param string) *common.RequestFrame {
	t.Helper()
	var raw json.RawMessage
	if param != "" {
		raw = json.RawMessage(param)
	}
	req := common.NewRequestFrame(method, raw)
	doc, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	writeRaw(t, peer, EncodeFrame(tagged(requestTag, doc)))
	return req
}

func writeResponse(t *testing.T, peer net.Conn, requestGuid uuid.UUID, result string, status common.StatusCode) {
	t.Helper()
	var raw json.RawMessage
	if result != "" {
		raw = json.RawMessage(result)
	}
	doc, err := json.Marshal(common.NewResponseFrame(requestGuid, raw, status))
	if err != nil {
		t.Fatalf("failed to encode response: %v", err)
	}
	writeRaw(t, peer, EncodeFrame(tagged(responseTag, doc)))
}

func readBody(t *testing.T, peer net.Conn) []byte {
	t.Helper()
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))

	header := make([]byte, HeaderLength)
	if _, err := io.ReadFull(peer, header); err != nil {
		t.Fatalf("failed to read header: %v", err)
	}
	length, checksum, err := DecodeHeader(header)
	if err != nil {
		t.Fatalf("invalid header: %v", err)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(peer, body); err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if Checksum(body) != checksum {
		t.Fatal("checksum mismatch in frame sent by engine")
	}
	return body
}

func readResponse(t *testing.T, peer net.Conn) *common.ResponseFrame {
	t.Helper()
	body := readBody(t, peer)
	if !bytes.HasPrefix(body, responseTag) {
		t.Fatalf("expected response, got %q", body)
	}
	var resp common.ResponseFrame
	if err := json.Unmarshal(body[len(responseTag):], &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &resp
}

func readRequest(t *testing.T, peer net.Conn) *common.RequestFrame {
	t.Helper()
	body := readBody(t, peer)
	if !bytes.HasPrefix(body, requestTag) {
		t.Fatalf("expected request, got %q", body)
	}
	var req common.RequestFrame
	if err := json.Unmarshal(body[len(requestTag):], &req); err != nil {
		t.Fatalf("failed to decode request: %v", err)
	}
	return &req
}

// expectClosed waits until the engine closed the connection
func expectClosed(t *testing.T, role *testRole, conn *Connection, peer net.Conn) {
	t.Helper()
	select {
	case closed := <-role.closed:
		if closed != conn {
			t.Errorf("wrong connection closed: %s", closed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}

	if conn.IsOpen() {
		t.Error("connection still open")
	}
	if conn.State() != common.StateDropped {
		t.Errorf("expected state %s, got %s", common.StateDropped, conn.State())
	}

	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := peer.Read(make([]byte, 1)); err == nil {
		t.Error("peer can still read from closed connection")
	}
}

// --------------------------------------------------------------------------
// Inbound requests
// --------------------------------------------------------------------------

func TestEngineDispatch(t *testing.T) {
	role := newTestRole(true)
	e := newTestEngine(t, role, nil, EngineOptions{})

	err := RegisterFunc(e.Methods(), "compare", func(_ context.Context, p []int) int {
		switch {
		case p[0] < p[1]:
			return -1
		case p[0] > p[1]:
			return 1
		}
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}

	_, peer := startPipe(t, e)

	tests := []struct {
		name     string
		param    string
		expected string
	}{
		{"less", `[-684251, 32464]`, "-1"},
		{"greater", `[32464, -684251]`, "1"},
		{"equal", `[0, 0]`, "0"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := writeRequest(t, peer, "compare", tc.param)
			resp := readResponse(t, peer)
			if resp.RequestGuid != req.Guid {
				t.Errorf("response correlates to %s, expected %s", resp.RequestGuid, req.Guid)
			}
			if resp.StatusCode != common.StatusOk {
				t.Errorf("expected status %s, got %s", common.StatusOk, resp.StatusCode)
			}
			if string(resp.Result) != tc.expected {
				t.Errorf("expected result %s, got %s", tc.expected, resp.Result)
			}
		})
	}

	if snap := e.Stats().Snapshot(); snap.FramesReceived != 3 {
		t.Errorf("expected 3 received frames, got %d", snap.FramesReceived)
	}
}

func TestEngineHandlerReceivesConnection(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})

	seen := make(chan *Connection, 1)
	err := RegisterAction(e.Methods(), "whoami", func(ctx context.Context) {
		conn, _ := ConnectionFromContext(ctx)
		seen <- conn
	})
	if err != nil {
		t.Fatal(err)
	}

	conn, peer := startPipe(t, e)
	writeRequest(t, peer, "whoami", "")
	resp := readResponse(t, peer)
	if resp.StatusCode != common.StatusOk || resp.HasResult() {
		t.Errorf("expected empty ok response, got %s %s", resp.StatusCode, resp.Result)
	}

	select {
	case got := <-seen:
		if got != conn {
			t.Errorf("handler received %v, expected %s", got, conn)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestEngineInexistMethod(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})

	raw := make(chan []byte, 1)
	e.OnData(func(data []byte, _ *Connection) { raw <- data })

	_, peer := startPipe(t, e)
	req := writeRequest(t, peer, "missing", `"x"`)
	resp := readResponse(t, peer)

	if resp.StatusCode != common.StatusInexistMethod {
		t.Errorf("expected status %s, got %s", common.StatusInexistMethod, resp.StatusCode)
	}
	if resp.RequestGuid != req.Guid {
		t.Error("response not correlated to request")
	}

	select {
	case data := <-raw:
		t.Errorf("request must not reach the data handlers, got %q", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngineHandlerPanic(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})

	_ = RegisterAction(e.Methods(), "explode", func(context.Context) { panic("boom") })
	_ = RegisterAction(e.Methods(), "ping", func(context.Context) {})

	conn, peer := startPipe(t, e)
	writeRequest(t, peer, "explode", "")
	ping := writeRequest(t, peer, "ping", "")

	// the failing request produces no response, the connection stays usable
	resp := readResponse(t, peer)
	if resp.RequestGuid != ping.Guid {
		t.Errorf("expected response to ping, got response to %s", resp.RequestGuid)
	}
	if !conn.IsOpen() {
		t.Error("connection closed after handler panic")
	}
}

func TestEngineInvalidParameter(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})

	called := make(chan struct{}, 1)
	_ = RegisterConsumer(e.Methods(), "count", func(context.Context, int) { called <- struct{}{} })
	_ = RegisterAction(e.Methods(), "ping", func(context.Context) {})

	_, peer := startPipe(t, e)
	writeRequest(t, peer, "count", `{"not":"a number"}`)
	ping := writeRequest(t, peer, "ping", "")

	if resp := readResponse(t, peer); resp.RequestGuid != ping.Guid {
		t.Errorf("expected only the response to ping, got %s", resp.RequestGuid)
	}
	select {
	case <-called:
		t.Error("handler invoked with unconvertible parameter")
	default:
	}
}

// --------------------------------------------------------------------------
// Receive loop
// --------------------------------------------------------------------------

func TestEngineChecksumMismatchClosesConnection(t *testing.T) {
	role := newTestRole(true)
	e := newTestEngine(t, role, nil, EngineOptions{})

	raw := make(chan []byte, 1)
	e.OnData(func(data []byte, _ *Connection) { raw <- data })

	conn, peer := startPipe(t, e)

	frame := EncodeFrame([]byte("corrupted"))
	frame[HeaderLength+3] ^= 0x01
	writeRaw(t, peer, frame)

	expectClosed(t, role, conn, peer)

	select {
	case data := <-raw:
		t.Errorf("corrupted frame was delivered: %q", data)
	default:
	}
	if snap := e.Stats().Snapshot(); snap.ChecksumFailures != 1 {
		t.Errorf("expected 1 checksum failure, got %d", snap.ChecksumFailures)
	}
}

func TestEngineResyncsAfterInvalidHeader(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})
	_, peer := startPipe(t, e)

	writeRaw(t, peer, bytes.Repeat([]byte{0xAB}, HeaderLength))
	req := writeRequest(t, peer, "missing", "")

	resp := readResponse(t, peer)
	if resp.RequestGuid != req.Guid {
		t.Error("no response after resync")
	}
	if snap := e.Stats().Snapshot(); snap.HeaderResyncs != 1 {
		t.Errorf("expected 1 resync, got %d", snap.HeaderResyncs)
	}
}

func TestEngineSkipsOversizedFrames(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), func(c *common.EndpointConfig) {
		c.MaxMessageLength = 256
	}, EngineOptions{})

	raw := make(chan []byte, 2)
	e.OnData(func(data []byte, _ *Connection) { raw <- data })

	conn, peer := startPipe(t, e)

	writeRaw(t, peer, EncodeFrame(bytes.Repeat([]byte("x"), 1000)))
	writeRaw(t, peer, EncodeFrame([]byte("small")))

	select {
	case data := <-raw:
		if string(data) != "small" {
			t.Errorf("expected only the small frame, got %d bytes", len(data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame after oversized frame was not delivered")
	}
	if !conn.IsOpen() {
		t.Error("oversized frame closed the connection")
	}
	if snap := e.Stats().Snapshot(); snap.OversizedFrames != 1 {
		t.Errorf("expected 1 oversized frame, got %d", snap.OversizedFrames)
	}
}

func TestEnginePeerCloses(t *testing.T) {
	role := newTestRole(true)
	e := newTestEngine(t, role, nil, EngineOptions{})
	conn, peer := startPipe(t, e)

	peer.Close()

	select {
	case <-role.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectionClosed not called")
	}
	if conn.State() != common.StateDropped {
		t.Errorf("expected %s, got %s", common.StateDropped, conn.State())
	}
}

// --------------------------------------------------------------------------
// Authorization
// --------------------------------------------------------------------------

func TestEngineAuthorization(t *testing.T) {
	t.Run("call before authentication", func(t *testing.T) {
		role := newTestRole(false)
		e := newTestEngine(t, role, nil, EngineOptions{})
		called := make(chan struct{}, 1)
		_ = RegisterAction(e.Methods(), "echo", func(context.Context) { called <- struct{}{} })

		conn, peer := startPipe(t, e)
		writeRequest(t, peer, "echo", "")

		if resp := readResponse(t, peer); resp.StatusCode != common.StatusUnauthorized {
			t.Errorf("expected %s, got %s", common.StatusUnauthorized, resp.StatusCode)
		}
		expectClosed(t, role, conn, peer)

		select {
		case <-called:
			t.Error("handler invoked on unauthorized connection")
		default:
		}
	})

	t.Run("wrong credentials", func(t *testing.T) {
		role := newTestRole(false)
		e := newTestEngine(t, role, nil, EngineOptions{})
		conn, peer := startPipe(t, e)

		writeRequest(t, peer, common.AuthMethodName, `{"Login":"user","Key":"wrong"}`)
		resp := readResponse(t, peer)
		if resp.StatusCode != common.StatusUnauthorized || string(resp.Result) != "false" {
			t.Errorf("expected unauthorized/false, got %s/%s", resp.StatusCode, resp.Result)
		}
		expectClosed(t, role, conn, peer)
	})

	t.Run("valid credentials", func(t *testing.T) {
		role := newTestRole(false)
		e := newTestEngine(t, role, nil, EngineOptions{})
		conn, peer := startPipe(t, e)

		// logins are case-insensitive
		writeRequest(t, peer, common.AuthMethodName, `{"Login":"USER","Key":"secret"}`)
		resp := readResponse(t, peer)
		if resp.StatusCode != common.StatusOk || string(resp.Result) != "true" {
			t.Fatalf("expected ok/true, got %s/%s", resp.StatusCode, resp.Result)
		}
		if !role.IsAuthorized(conn) {
			t.Fatal("connection not authorized")
		}

		writeRequest(t, peer, "missing", "")
		if resp := readResponse(t, peer); resp.StatusCode != common.StatusInexistMethod {
			t.Errorf("expected %s after authentication, got %s", common.StatusInexistMethod, resp.StatusCode)
		}
	})

	t.Run("raw data is ignored", func(t *testing.T) {
		role := newTestRole(false)
		e := newTestEngine(t, role, nil, EngineOptions{})
		raw := make(chan []byte, 1)
		e.OnData(func(data []byte, _ *Connection) { raw <- data })

		conn, peer := startPipe(t, e)
		writeRaw(t, peer, EncodeFrame([]byte("hello")))

		select {
		case data := <-raw:
			t.Errorf("raw data of unauthorized peer delivered: %q", data)
		case <-time.After(100 * time.Millisecond):
		}
		if !conn.IsOpen() {
			t.Error("raw data must not close the connection")
		}
	})
}

func TestEngineRawData(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})

	raw := make(chan []byte, 1)
	e.OnData(func(data []byte, _ *Connection) { raw <- data })

	conn, peer := startPipe(t, e)
	writeRaw(t, peer, EncodeFrame([]byte("hello raw")))

	select {
	case data := <-raw:
		if string(data) != "hello raw" {
			t.Errorf("unexpected data %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("raw data not delivered")
	}

	if err := e.SendMessage(conn, []byte("to peer")); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if body := readBody(t, peer); string(body) != "to peer" {
		t.Errorf("expected body sent verbatim, got %q", body)
	}
}

// --------------------------------------------------------------------------
// Outbound requests
// --------------------------------------------------------------------------

func TestEngineCall(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})
	conn, peer := startPipe(t, e)

	type result struct {
		sum int
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := Call[int](context.Background(), e, conn, "sum", []int{1, 2})
		done <- result{sum, err}
	}()

	req := readRequest(t, peer)
	if req.MethodName != "sum" || string(req.Parameter) != "[1,2]" {
		t.Fatalf("unexpected request %s", req)
	}
	writeResponse(t, peer, req.Guid, "3", common.StatusOk)

	select {
	case r := <-done:
		if r.err != nil || r.sum != 3 {
			t.Errorf("expected 3, got %d (%v)", r.sum, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
	}
	if e.pending.len() != 0 {
		t.Errorf("pending table not empty: %d", e.pending.len())
	}
}

func TestEngineCallStatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status common.StatusCode
		check  func(error) bool
	}{
		{"inexist method", common.StatusInexistMethod, func(err error) bool {
			var target *common.MethodDoesNotExistError
			return errors.As(err, &target) && target.Method == "remote"
		}},
		{"unauthorized", common.StatusUnauthorized, func(err error) bool {
			return errors.Is(err, common.ErrUnauthorized)
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})
			conn, peer := startPipe(t, e)

			done := make(chan error, 1)
			go func() {
				_, err := e.Invoke(context.Background(), conn, "remote", nil)
				done <- err
			}()

			req := readRequest(t, peer)
			if req.HasParameter() {
				t.Errorf("expected no parameter, got %s", req.Parameter)
			}
			writeResponse(t, peer, req.Guid, "", tc.status)

			select {
			case err := <-done:
				if !tc.check(err) {
					t.Errorf("unexpected error %v", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("call did not return")
			}
		})
	}
}

func TestEngineRequestTimeout(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), func(c *common.EndpointConfig) {
		c.ReceiveTimeout = 100 * time.Millisecond
	}, EngineOptions{})
	conn, peer := startPipe(t, e)

	done := make(chan error, 1)
	go func() {
		_, err := e.Invoke(context.Background(), conn, "slow", "x")
		done <- err
	}()
	req := readRequest(t, peer)

	select {
	case err := <-done:
		var timeout *common.RequestTimeoutError
		if !errors.As(err, &timeout) {
			t.Fatalf("expected RequestTimeoutError, got %v", err)
		}
		if timeout.RequestID != req.Guid || timeout.Method != "slow" {
			t.Errorf("unexpected timeout error %v", timeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}

	if e.pending.len() != 0 {
		t.Errorf("pending entry not removed after timeout")
	}

	// a late response is ignored
	writeResponse(t, peer, req.Guid, `"late"`, common.StatusOk)
}

func TestEngineRetryOnTimeout(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), func(c *common.EndpointConfig) {
		c.ReceiveTimeout = 100 * time.Millisecond
	}, EngineOptions{RetryOnTimeout: true})
	conn, peer := startPipe(t, e)

	done := make(chan string, 1)
	go func() {
		s, err := Call[string](context.Background(), e, conn, "echo", "hi")
		if err != nil {
			s = err.Error()
		}
		done <- s
	}()

	first := readRequest(t, peer)
	second := readRequest(t, peer)
	if first.Guid != second.Guid {
		t.Fatalf("retry must reuse the request id: %s != %s", first.Guid, second.Guid)
	}
	writeResponse(t, peer, first.Guid, `"hi"`, common.StatusOk)

	select {
	case s := <-done:
		if s != "hi" {
			t.Errorf("expected hi, got %s", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
	}
}

func TestEngineRequestNotConnected(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})
	conn := e.NewConnection(9)

	if _, err := e.Invoke(context.Background(), conn, "any", nil); !errors.Is(err, common.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if e.pending.len() != 0 {
		t.Error("pending entry left after failed send")
	}
}

func TestEngineCloseFailsPendingCalls(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), func(c *common.EndpointConfig) {
		c.ReceiveTimeout = time.Minute
	}, EngineOptions{})
	conn, peer := startPipe(t, e)

	done := make(chan error, 1)
	go func() {
		_, err := e.Invoke(context.Background(), conn, "forever", nil)
		done <- err
	}()
	readRequest(t, peer)
	e.Close()

	select {
	case err := <-done:
		if !errors.Is(err, common.ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on Close")
	}
}

func TestEngineContextCancel(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), func(c *common.EndpointConfig) {
		c.ReceiveTimeout = time.Minute
	}, EngineOptions{})
	conn, peer := startPipe(t, e)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Invoke(ctx, conn, "forever", nil)
		done <- err
	}()
	readRequest(t, peer)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call not cancelled")
	}
}

func TestEngineInboundLimiter(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), func(c *common.EndpointConfig) {
		c.InboundFramesPerSecond = 5
		c.InboundBurst = 1
	}, EngineOptions{})

	calls := make(chan time.Time, 8)
	_ = RegisterAction(e.Methods(), "tick", func(context.Context) { calls <- time.Now() })

	_, peer := startPipe(t, e)

	const frames = 4
	for i := 0; i < frames; i++ {
		writeRequest(t, peer, "tick", "")
	}

	var first, last time.Time
	for i := 0; i < frames; i++ {
		select {
		case at := <-calls:
			if first.IsZero() || at.Before(first) {
				first = at
			}
			if at.After(last) {
				last = at
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d handler calls", i, frames)
		}
	}

	// one token every 200ms after the burst of one
	if span := last.Sub(first); span < 450*time.Millisecond {
		t.Errorf("expected handler calls spread over at least 450ms, got %s", span)
	}
}

func TestEngineCloseStopsLimitedReceiveLoop(t *testing.T) {
	role := newTestRole(true)
	e := newTestEngine(t, role, func(c *common.EndpointConfig) {
		c.InboundFramesPerSecond = 0.1
		c.InboundBurst = 1
	}, EngineOptions{})

	calls := make(chan struct{}, 4)
	_ = RegisterAction(e.Methods(), "tick", func(context.Context) { calls <- struct{}{} })

	conn, peer := startPipe(t, e)
	writeRequest(t, peer, "tick", "")
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("first frame was not dispatched")
	}

	// the second frame is read completely, then the loop waits for a token
	writeRequest(t, peer, "tick", "")
	e.Close()

	select {
	case closed := <-role.closed:
		if closed != conn {
			t.Errorf("wrong connection closed: %s", closed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive loop did not stop after Close")
	}
	if conn.IsOpen() {
		t.Error("connection still open")
	}
	if conn.State() != common.StateDropped {
		t.Errorf("expected state %s, got %s", common.StateDropped, conn.State())
	}

	select {
	case <-calls:
		t.Error("frame waiting for the limiter was dispatched after Close")
	case <-time.After(50 * time.Millisecond):
	}
}

// --------------------------------------------------------------------------
// Outbound gating and repeated requests
// --------------------------------------------------------------------------

func TestEngineAwaitConnected(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{AwaitConnected: true})
	conn, peer := startPipe(t, e)
	conn.SetState(common.StateConnecting)

	if _, err := e.Invoke(context.Background(), conn, "echo", "hi"); !errors.Is(err, common.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected before authentication, got %v", err)
	}
	if err := e.SendMessage(conn, []byte("data")); !errors.Is(err, common.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected for raw data before authentication, got %v", err)
	}

	// the authentication request itself is sent
	auth, err := common.NewAuthRequestFrame(common.NewCredentials("user", "secret"))
	if err != nil {
		t.Fatal(err)
	}
	authDone := make(chan error, 1)
	go func() {
		_, err := e.Request(context.Background(), conn, auth, 0)
		authDone <- err
	}()
	if req := readRequest(t, peer); !req.IsAuthRequest() {
		t.Fatalf("expected the authentication request, got %s", req)
	}
	writeResponse(t, peer, auth.Guid, "true", common.StatusOk)
	select {
	case err := <-authDone:
		if err != nil {
			t.Fatalf("authentication request failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("authentication request did not return")
	}

	conn.SetState(common.StateConnected)
	done := make(chan error, 1)
	go func() {
		_, err := e.Invoke(context.Background(), conn, "echo", "hi")
		done <- err
	}()
	req := readRequest(t, peer)
	if req.MethodName != "echo" {
		t.Fatalf("unexpected request %s", req)
	}
	writeResponse(t, peer, req.Guid, `"hi"`, common.StatusOk)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("call failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
	}
}

func TestEngineRetryWaitsForConnected(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), func(c *common.EndpointConfig) {
		c.ReceiveTimeout = 100 * time.Millisecond
	}, EngineOptions{RetryOnTimeout: true, AwaitConnected: true})
	conn, peer := startPipe(t, e)
	conn.SetState(common.StateConnected)

	done := make(chan error, 1)
	go func() {
		_, err := e.Invoke(context.Background(), conn, "echo", "hi")
		done <- err
	}()
	first := readRequest(t, peer)

	// handshake of a restored connection in progress
	conn.SetState(common.StateConnecting)
	_ = peer.SetReadDeadline(time.Now().Add(350 * time.Millisecond))
	if _, err := peer.Read(make([]byte, 1)); err == nil {
		t.Fatal("request resent before the connection was authenticated")
	}

	conn.SetState(common.StateConnected)
	second := readRequest(t, peer)
	if second.Guid != first.Guid {
		t.Fatalf("retry must reuse the request id: %s != %s", first.Guid, second.Guid)
	}
	writeResponse(t, peer, first.Guid, `"hi"`, common.StatusOk)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("call failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
	}
}

func TestEngineAuthRequestIsNotResent(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), func(c *common.EndpointConfig) {
		c.ReceiveTimeout = 100 * time.Millisecond
	}, EngineOptions{RetryOnTimeout: true, AwaitConnected: true})
	conn, peer := startPipe(t, e)

	auth, err := common.NewAuthRequestFrame(common.NewCredentials("user", "secret"))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := e.Request(context.Background(), conn, auth, 0)
		done <- err
	}()
	readRequest(t, peer)

	select {
	case err := <-done:
		var timeout *common.RequestTimeoutError
		if !errors.As(err, &timeout) {
			t.Fatalf("expected RequestTimeoutError, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("authentication request did not time out")
	}

	_ = peer.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, err := peer.Read(make([]byte, 1)); err == nil {
		t.Error("authentication request was resent")
	}
}

func TestEngineDropsResentFailedRequest(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})

	calls := make(chan struct{}, 4)
	_ = RegisterAction(e.Methods(), "explode", func(context.Context) {
		calls <- struct{}{}
		panic("boom")
	})
	_ = RegisterAction(e.Methods(), "ping", func(context.Context) {})

	_, peer := startPipe(t, e)
	req := writeRequest(t, peer, "explode", "")
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
	deadline := time.Now().Add(2 * time.Second)
	for e.failed.Size() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := e.failed.Load(req.Guid); !ok {
		t.Fatal("failed request was not remembered")
	}

	// the peer resends the same frame after its timeout
	doc, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	writeRaw(t, peer, EncodeFrame(tagged(requestTag, doc)))
	ping := writeRequest(t, peer, "ping", "")

	if resp := readResponse(t, peer); resp.RequestGuid != ping.Guid {
		t.Errorf("expected only the response to ping, got %s", resp.RequestGuid)
	}
	select {
	case <-calls:
		t.Error("failed request was invoked again")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineForgetsOldestFailedRequests(t *testing.T) {
	e := newTestEngine(t, newTestRole(true), nil, EngineOptions{})

	for i := 0; i < maxFailedRequests; i++ {
		e.rememberFailed(uuid.New())
	}
	if got := e.failed.Size(); got != maxFailedRequests {
		t.Fatalf("expected %d remembered ids, got %d", maxFailedRequests, got)
	}

	newest := uuid.New()
	e.rememberFailed(newest)
	if got := e.failed.Size(); got > maxFailedRequests/2+1 {
		t.Errorf("expected at most %d remembered ids after pruning, got %d", maxFailedRequests/2+1, got)
	}
	if _, ok := e.failed.Load(newest); !ok {
		t.Error("newest failed request was forgotten")
	}
}
