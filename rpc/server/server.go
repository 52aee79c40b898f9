package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/ValentinKolb/rocket/rpc/serializer"
	"github.com/ValentinKolb/rocket/rpc/transport"
	"github.com/ValentinKolb/rocket/rpc/transport/base"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc/server")

// acceptRetryDelay is the pause after a failed accept
const acceptRetryDelay = 50 * time.Millisecond

// AuthorizedHandler is notified when a connection authenticated successfully
type AuthorizedHandler func(login string, conn *base.Connection)

// Server is the server role: it accepts connections, authenticates them
// against the registered credentials and dispatches their calls.
type Server struct {
	config    common.ServerConfig
	connector transport.IServerConnector
	engine    *base.Engine

	// credentials keyed by the lower-cased login
	credentials *xsync.MapOf[string, common.Credentials]

	nextID atomic.Uint64

	mu          sync.Mutex
	listener    net.Listener
	acceptDone  chan struct{}
	connections map[uint64]*base.Connection // open connections
	authorized  map[uint64]string           // connection id -> login

	handlersMu sync.RWMutex
	onAuth     []AuthorizedHandler

	closed atomic.Bool
}

// NewServer creates a server. It does not listen until Start is called.
//
// Usage:
//
//	s := server.NewServer(
//		config,
//		tcp.NewTCPServerConnector(),
//		serializer.NewJSONSerializer(),
//	)
//	_ = base.RegisterFunc(s.Methods(), "compare", compare)
//	if err := s.Start(); err != nil {
//		panic(err)
//	}
func NewServer(config common.ServerConfig, connector transport.IServerConnector, codec serializer.IRPCSerializer) *Server {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	config.EndpointConfig = config.EndpointConfig.WithDefaults()

	s := &Server{
		config:      config,
		connector:   connector,
		credentials: xsync.NewMapOf[string, common.Credentials](),
		connections: make(map[uint64]*base.Connection),
		authorized:  make(map[uint64]string),
	}
	s.engine = base.NewEngine(config.EndpointConfig, codec, s, base.EngineOptions{Name: "server"})

	for _, cred := range config.Credentials {
		if err := s.RegisterCredentials(cred); err != nil {
			Logger.Warningf("skipping credentials %s: %v", cred, err)
		}
	}

	Logger.Infof("created server for %s (%s transport, %s serializer)", config.Endpoint, connector.GetName(), codec.Name())
	Logger.Debugf("server configuration:%s", config.String())
	return s
}

// --------------------------------------------------------------------------
// Life cycle
// --------------------------------------------------------------------------

// Start begins listening on the configured endpoint and accepts connections in the background
func (s *Server) Start() error {
	if s.closed.Load() {
		return common.ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already started")
	}

	listener, err := s.connector.Listen(s.config.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Endpoint, err)
	}
	s.listener = listener
	s.acceptDone = make(chan struct{})

	go s.acceptLoop(listener, s.acceptDone)

	Logger.Infof("listening on %s (%s)", listener.Addr(), s.connector.GetName())
	return nil
}

// IsListening reports whether the server accepts connections
func (s *Server) IsListening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil && !s.closed.Load()
}

// Addr returns the address the server listens on, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, closes all connections and fails pending calls.
// Every step runs even if a previous one failed.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	s.mu.Lock()
	listener, acceptDone := s.listener, s.acceptDone
	s.mu.Unlock()

	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close listener: %w", err))
		}
		<-acceptDone
	}

	for _, conn := range s.Connections() {
		conn.Retire()
		s.engine.CloseConnection(conn)
	}
	s.engine.Close()

	Logger.Infof("server on %s closed", s.config.Endpoint)
	return errors.Join(errs...)
}

func (s *Server) acceptLoop(listener net.Listener, done chan struct{}) {
	defer close(done)

	for {
		nc, err := listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Warningf("failed to accept connection: %v", err)
			time.Sleep(acceptRetryDelay)
			continue
		}
		s.accept(nc)
	}
}

// accept registers a new connection as unauthorized and starts receiving
func (s *Server) accept(nc net.Conn) {
	conn := s.engine.NewConnection(s.nextID.Add(1) - 1)
	conn.SetState(common.StateConnecting)

	if err := s.connector.UpgradeConnection(nc, s.config.Socket); err != nil {
		Logger.Warningf("%s: failed to configure socket: %v", conn, err)
	}
	if err := conn.Attach(nc); err != nil {
		Logger.Errorf("%s: %v", conn, err)
		_ = nc.Close()
		return
	}

	s.mu.Lock()
	s.connections[conn.ID()] = conn
	count := len(s.connections)
	s.mu.Unlock()

	conn.SetState(common.StateUnauthorized)
	Logger.Infof("%s from %s accepted, waiting for authentication (%d connections)", conn, nc.RemoteAddr(), count)

	if err := s.engine.StartReceiving(conn); err != nil {
		Logger.Errorf("%s: %v", conn, err)
		s.engine.CloseConnection(conn)
	}
}

// --------------------------------------------------------------------------
// Role hooks (docu see base.IRole)
// --------------------------------------------------------------------------

func (s *Server) IsAuthorized(conn *base.Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.authorized[conn.ID()]
	return ok
}

func (s *Server) AuthorizeConnection(conn *base.Connection, credentials common.Credentials) bool {
	stored, ok := s.credentials.Load(credentials.NormalizedLogin())
	if !ok || !stored.Equal(credentials) {
		return false
	}

	s.mu.Lock()
	if _, open := s.connections[conn.ID()]; !open {
		s.mu.Unlock()
		return false
	}
	s.authorized[conn.ID()] = stored.Login
	s.mu.Unlock()

	conn.SetState(common.StateConnected)
	Logger.Infof("%s authorized as %q", conn, stored.Login)

	s.handlersMu.RLock()
	handlers := s.onAuth
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(stored.Login, conn)
	}
	return true
}

func (s *Server) ConnectionClosed(conn *base.Connection) {
	s.mu.Lock()
	delete(s.connections, conn.ID())
	delete(s.authorized, conn.ID())
	count := len(s.connections)
	s.mu.Unlock()

	conn.Retire()
	Logger.Infof("%s closed (%d connections)", conn, count)
}

// OnAuthorized subscribes a handler for successful authentications.
// Handlers run before the authentication response is sent.
func (s *Server) OnAuthorized(handler AuthorizedHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onAuth = append(s.onAuth, handler)
}

// --------------------------------------------------------------------------
// Credentials
// --------------------------------------------------------------------------

// RegisterCredentials adds credentials. Credentials with the same login
// (ignoring case) are replaced.
func (s *Server) RegisterCredentials(credentials common.Credentials) error {
	if credentials.Login == "" {
		return errors.New("login must not be empty")
	}
	s.credentials.Store(credentials.NormalizedLogin(), credentials)
	return nil
}

// UnregisterCredentials removes the credentials with the login of the given ones, the key is not compared
func (s *Server) UnregisterCredentials(credentials common.Credentials) {
	s.UnregisterLogin(credentials.Login)
}

// UnregisterLogin removes the credentials of a login (ignoring case).
// Connections that already authenticated stay authorized.
func (s *Server) UnregisterLogin(login string) {
	s.credentials.Delete(common.NormalizeLogin(login))
}

// CredentialsRegistered returns the number of registered logins
func (s *Server) CredentialsRegistered() int {
	return s.credentials.Size()
}

// --------------------------------------------------------------------------
// Connections
// --------------------------------------------------------------------------

// ConnectedClientsCount returns the number of open connections, authorized or not
func (s *Server) ConnectedClientsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// AuthorizedClientsCount returns the number of authorized connections
func (s *Server) AuthorizedClientsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.authorized)
}

// Connections returns the open connections ordered by id
func (s *Server) Connections() []*base.Connection {
	s.mu.Lock()
	conns := make([]*base.Connection, 0, len(s.connections))
	for _, conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// Login returns the login a connection authenticated with
func (s *Server) Login(conn *base.Connection) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	login, ok := s.authorized[conn.ID()]
	return login, ok
}

// --------------------------------------------------------------------------
// Calls and data
// --------------------------------------------------------------------------

// InvokeClient calls a method registered on the client of conn and returns
// its raw result. Fails with *common.RequestTimeoutError if the client does
// not answer within the receive timeout.
func (s *Server) InvokeClient(ctx context.Context, conn *base.Connection, method string, param any) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, common.ErrClosed
	}
	return s.engine.Invoke(ctx, conn, method, param)
}

// CallClient calls a method registered on the client of conn and converts its result to R
func CallClient[R any](ctx context.Context, s *Server, conn *base.Connection, method string, param any) (R, error) {
	if s.closed.Load() {
		var zero R
		return zero, common.ErrClosed
	}
	return base.Call[R](ctx, s.engine, conn, method, param)
}

// SendMessage sends raw data to the client of conn
func (s *Server) SendMessage(conn *base.Connection, data []byte) error {
	return s.engine.SendMessage(conn, data)
}

// OnData subscribes a handler for raw data sent by authorized clients
func (s *Server) OnData(handler base.DataHandler) {
	s.engine.OnData(handler)
}

// Methods returns the registry of methods clients can call
func (s *Server) Methods() *base.Registry {
	return s.engine.Methods()
}

// Stats returns the counters of the server
func (s *Server) Stats() *common.Stats {
	return s.engine.Stats()
}

// Config returns the effective configuration
func (s *Server) Config() common.ServerConfig {
	return s.config
}
