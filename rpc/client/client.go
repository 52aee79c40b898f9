package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/ValentinKolb/rocket/rpc/serializer"
	"github.com/ValentinKolb/rocket/rpc/transport"
	"github.com/ValentinKolb/rocket/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc/client")

// Client is the client role: a single connection to one server that is
// authenticated on connect and optionally restored in the background when
// it drops.
type Client struct {
	config    common.ClientConfig
	connector transport.IClientConnector
	engine    *base.Engine
	conn      *base.Connection

	connectSem chan struct{} // serializes connect and reconnect attempts

	disposed     atomic.Bool
	manual       atomic.Bool // Disconnect was called
	authFailed   atomic.Bool // the server rejected the credentials
	connecting   atomic.Bool // a connect loop owns the state
	reconnecting atomic.Bool

	ctx         context.Context // cancelled on Close
	cancel      context.CancelFunc
	unsubscribe func()
}

// NewClient creates a client. No connection is opened until Connect is called.
//
// Usage:
//
//	c := client.NewClient(
//		config,
//		tcp.NewTCPClientConnector(),
//		serializer.NewJSONSerializer(),
//	)
//	if err := c.Connect(ctx); err != nil {
//		return err
//	}
//	result, err := client.Call[int](ctx, c, "compare", []int{1, 2})
func NewClient(config common.ClientConfig, connector transport.IClientConnector, codec serializer.IRPCSerializer) *Client {
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = common.DefaultReconnectInterval
	}
	config.EndpointConfig = config.EndpointConfig.WithDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:     config,
		connector:  connector,
		connectSem: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.engine = base.NewEngine(config.EndpointConfig, codec, c, base.EngineOptions{
		Name:           "client",
		RetryOnTimeout: true,
		AwaitConnected: true,
	})
	c.conn = c.engine.NewConnection(0)
	c.unsubscribe = c.conn.OnStateChanged(c.onStateChanged)

	Logger.Infof("created client for %s (%s transport, %s serializer)", config.Address(), connector.GetName(), codec.Name())
	Logger.Debugf("client configuration:%s", config.String())
	return c
}

// --------------------------------------------------------------------------
// Role hooks (docu see base.IRole)
// --------------------------------------------------------------------------

// IsAuthorized accepts everything the connected server sends
func (c *Client) IsAuthorized(*base.Connection) bool {
	return true
}

// AuthorizeConnection rejects authentication requests, a server is never asked for credentials
func (c *Client) AuthorizeConnection(*base.Connection, common.Credentials) bool {
	return false
}

func (c *Client) ConnectionClosed(conn *base.Connection) {
	Logger.Infof("%s to %s closed", conn, c.config.Address())
}

// --------------------------------------------------------------------------
// Connection management
// --------------------------------------------------------------------------

// Connect opens the connection and authenticates. Failed attempts are
// repeated every ReconnectInterval, at most MaxConnectionAttempts times
// (0 = until ctx is done). Returns *common.ServerUnavailableError when all
// attempts failed and common.ErrAuthenticationFailed when the server
// rejected the credentials.
func (c *Client) Connect(ctx context.Context) error {
	if c.disposed.Load() {
		return common.ErrClosed
	}
	c.manual.Store(false)
	c.authFailed.Store(false)
	return c.connect(ctx, common.StateConnecting, c.config.MaxConnectionAttempts)
}

// Disconnect closes the connection. It is not restored automatically.
func (c *Client) Disconnect() {
	c.manual.Store(true)
	c.engine.CloseConnection(c.conn)
}

// Close disposes the client: background reconnects are stopped, the
// connection is closed for good and pending calls fail with common.ErrClosed.
// Every step runs even if a previous one failed.
func (c *Client) Close() error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}

	steps := []struct {
		name string
		fn   func()
	}{
		{"stop reconnects", c.cancel},
		{"unsubscribe state observer", c.unsubscribe},
		{"retire connection", c.conn.Retire},
		{"close connection", func() { c.engine.CloseConnection(c.conn) }},
		{"close engine", c.engine.Close},
	}

	var errs []error
	for _, step := range steps {
		if err := runStep(step.name, step.fn); err != nil {
			errs = append(errs, err)
		}
	}
	Logger.Infof("client for %s closed", c.config.Address())
	return errors.Join(errs...)
}

func runStep(name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", name, r)
		}
	}()
	fn()
	return nil
}

// connect runs connection attempts until one succeeds, the attempt budget is
// exhausted (maxAttempts > 0), the server rejects the credentials or the
// attempt is aborted.
func (c *Client) connect(ctx context.Context, state common.ConnectionState, maxAttempts int) error {
	select {
	case c.connectSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.connectSem }()

	if c.conn.IsOpen() && c.conn.State() == common.StateConnected {
		return nil
	}

	c.connecting.Store(true)
	defer c.connecting.Store(false)
	c.conn.SetState(state)

	var lastErr error
	for attempt := 1; ; attempt++ {
		switch {
		case c.disposed.Load():
			return common.ErrClosed
		case state == common.StateReconnecting && c.manual.Load():
			return fmt.Errorf("reconnect aborted: %w", common.ErrNotConnected)
		}

		err := c.attempt(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, common.ErrAuthenticationFailed) {
			return err
		}

		lastErr = err
		Logger.Warningf("connection attempt %d to %s failed: %v", attempt, c.config.Address(), err)

		if maxAttempts > 0 && attempt >= maxAttempts {
			c.conn.SetState(common.StateNotConnected)
			return &common.ServerUnavailableError{
				Host:     c.host(),
				Port:     c.config.Port,
				Attempts: attempt,
				Err:      lastErr,
			}
		}

		timer := time.NewTimer(c.config.ReconnectInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.conn.SetState(common.StateNotConnected)
			return ctx.Err()
		case <-c.ctx.Done():
			timer.Stop()
			return common.ErrClosed
		}
		c.conn.SetState(state)
	}
}

// attempt dials, starts receiving and authenticates once
func (c *Client) attempt(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.config.SendTimeout)
	nc, err := c.connector.Connect(dialCtx, c.config.Address())
	cancel()
	if err != nil {
		return err
	}

	if err := c.connector.UpgradeConnection(nc, c.config.Socket); err != nil {
		_ = nc.Close()
		return fmt.Errorf("failed to configure socket: %w", err)
	}
	if err := c.conn.Attach(nc); err != nil {
		_ = nc.Close()
		return err
	}
	if err := c.engine.StartReceiving(c.conn); err != nil {
		return err
	}

	if err := c.authenticate(ctx); err != nil {
		c.engine.CloseConnection(c.conn)
		return err
	}

	c.connecting.Store(false)
	c.conn.SetState(common.StateConnected)
	Logger.Infof("connected to %s as %q", c.config.Address(), c.config.Login)
	return nil
}

// authenticate sends the credentials and waits for the verdict of the server.
// The wait is bounded by ReceiveTimeout and ends early if the connection drops.
func (c *Client) authenticate(ctx context.Context) error {
	authCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unsubscribe := c.conn.OnStateChanged(func(_ *base.Connection, s common.ConnectionState) {
		if s == common.StateDropped {
			cancel()
		}
	})
	defer unsubscribe()

	req, err := common.NewAuthRequestFrame(c.config.Credentials())
	if err != nil {
		return err
	}

	resp, err := c.engine.Request(authCtx, c.conn, req, 0)
	if err != nil {
		if authCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("connection dropped during authentication: %w", common.ErrNotConnected)
		}
		return err
	}

	var accepted bool
	if resp.HasResult() {
		if err := c.engine.Serializer().Convert(resp.Result, &accepted); err != nil {
			return fmt.Errorf("invalid authentication response: %w", err)
		}
	}
	if resp.StatusCode != common.StatusOk || !accepted {
		c.authFailed.Store(true)
		return fmt.Errorf("%w: credentials of %q rejected (%s)", common.ErrAuthenticationFailed, c.config.Login, resp.StatusCode)
	}
	return nil
}

// onStateChanged restores a lost connection in the background
func (c *Client) onStateChanged(_ *base.Connection, state common.ConnectionState) {
	if state != common.StateNotConnected && state != common.StateDropped {
		return
	}
	if !c.config.AutoReconnect || c.disposed.Load() || c.manual.Load() || c.authFailed.Load() || c.connecting.Load() {
		return
	}
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer c.reconnecting.Store(false)
		Logger.Infof("connection to %s lost, reconnecting every %s", c.config.Address(), c.config.ReconnectInterval)
		if err := c.connect(c.ctx, common.StateReconnecting, 0); err != nil {
			Logger.Warningf("reconnect to %s stopped: %v", c.config.Address(), err)
		}
	}()
}

func (c *Client) host() string {
	if c.config.Endpoint != "" {
		if host, _, err := net.SplitHostPort(c.config.Endpoint); err == nil {
			return host
		}
		return c.config.Endpoint
	}
	return c.config.Host
}

// --------------------------------------------------------------------------
// Calls and data
// --------------------------------------------------------------------------

// Invoke calls a method registered on the server and returns its raw result.
// param may be nil. It fails with common.ErrNotConnected unless the client is
// connected and authenticated. Calls are resent with the same id after every
// receive timeout (once the connection is restored) until a response arrives
// or ctx is done.
func (c *Client) Invoke(ctx context.Context, method string, param any) (json.RawMessage, error) {
	if c.disposed.Load() {
		return nil, common.ErrClosed
	}
	return c.engine.Invoke(ctx, c.conn, method, param)
}

// Call calls a method registered on the server and converts its result to R
func Call[R any](ctx context.Context, c *Client, method string, param any) (R, error) {
	if c.disposed.Load() {
		var zero R
		return zero, common.ErrClosed
	}
	return base.Call[R](ctx, c.engine, c.conn, method, param)
}

// SendMessage sends raw data to the server
func (c *Client) SendMessage(data []byte) error {
	return c.engine.SendMessage(c.conn, data)
}

// OnData subscribes a handler for raw data sent by the server
func (c *Client) OnData(handler func(data []byte)) {
	c.engine.OnData(func(data []byte, _ *base.Connection) {
		handler(data)
	})
}

// Methods returns the registry of methods the server can call on this client
func (c *Client) Methods() *base.Registry {
	return c.engine.Methods()
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// State returns the state of the connection
func (c *Client) State() common.ConnectionState {
	return c.conn.State()
}

// IsConnected reports whether the client is connected and authenticated
func (c *Client) IsConnected() bool {
	return c.conn.IsOpen() && c.conn.State() == common.StateConnected
}

// Connection returns the connection, e.g. to observe state changes
func (c *Client) Connection() *base.Connection {
	return c.conn
}

// Stats returns the counters of the client
func (c *Client) Stats() *common.Stats {
	return c.engine.Stats()
}

// Config returns the effective configuration
func (c *Client) Config() common.ClientConfig {
	return c.config
}
