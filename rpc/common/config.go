package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultSendTimeout       = 10 * time.Second
	DefaultReceiveTimeout    = 10 * time.Second
	DefaultMaxMessageLength  = 10 * 1024 * 1024 // 10 MB
	DefaultBufferSize        = 64 * 1024        // 64 KB
	DefaultReconnectInterval = 5 * time.Second
)

// --------------------------------------------------------------------------
// Socket configuration
// --------------------------------------------------------------------------

// SocketConf holds the socket options applied to every stream connection.
// Options that do not apply to a transport (e.g. no-delay on unix sockets) are ignored.
type SocketConf struct {
	WriteBufferSize int  // SO_SNDBUF in bytes, 0 = os default
	ReadBufferSize  int  // SO_RCVBUF in bytes, 0 = os default
	TCPNoDelay      bool // disable Nagle's algorithm
	TCPKeepAliveSec int  // keep-alive period, 0 = disabled
	TCPLingerSec    int  // linger timeout, < 0 = os default
}

// --------------------------------------------------------------------------
// Endpoint configuration (shared by client and server)
// --------------------------------------------------------------------------

// EndpointConfig holds the protocol engine tunables shared by both roles
type EndpointConfig struct {
	// SendTimeout bounds the write of a single frame
	SendTimeout time.Duration
	// ReceiveTimeout bounds the wait for a response and the read of a frame body
	ReceiveTimeout time.Duration
	// MaxMessageLength is the largest body accepted, larger frames are skipped
	MaxMessageLength int64
	// BufferSize is the size of the per connection receive buffer
	BufferSize int
	// InboundFramesPerSecond limits the frames read per connection, 0 = unlimited
	InboundFramesPerSecond float64
	// InboundBurst is the burst size of the inbound limiter
	InboundBurst int

	Socket SocketConf
}

// DefaultEndpointConfig returns the default engine tunables
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		SendTimeout:      DefaultSendTimeout,
		ReceiveTimeout:   DefaultReceiveTimeout,
		MaxMessageLength: DefaultMaxMessageLength,
		BufferSize:       DefaultBufferSize,
		Socket: SocketConf{
			TCPNoDelay:   true,
			TCPLingerSec: -1,
		},
	}
}

// WithDefaults returns a copy where all zero values are replaced by their default
func (c EndpointConfig) WithDefaults() EndpointConfig {
	def := DefaultEndpointConfig()
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = def.ReceiveTimeout
	}
	if c.MaxMessageLength <= 0 {
		c.MaxMessageLength = def.MaxMessageLength
	}
	if c.BufferSize < 16 {
		c.BufferSize = def.BufferSize
	}
	if c.InboundFramesPerSecond > 0 && c.InboundBurst <= 0 {
		c.InboundBurst = 1
	}
	return c
}

func (c *EndpointConfig) writeTo(p *printer) {
	p.section("Protocol")
	p.field("Send Timeout", c.SendTimeout.String())
	p.field("Receive Timeout", c.ReceiveTimeout.String())
	p.field("Max Message Length", fmt.Sprintf("%d bytes", c.MaxMessageLength))
	p.field("Receive Buffer", fmt.Sprintf("%d bytes", c.BufferSize))
	if c.InboundFramesPerSecond > 0 {
		p.field("Inbound Rate Limit", fmt.Sprintf("%.1f frames/s (burst %d)", c.InboundFramesPerSecond, c.InboundBurst))
	} else {
		p.field("Inbound Rate Limit", "unlimited")
	}

	p.section("Socket")
	p.field("TCP No Delay", strconv.FormatBool(c.Socket.TCPNoDelay))
	p.field("TCP Keep Alive", fmt.Sprintf("%d sec", c.Socket.TCPKeepAliveSec))
	p.field("TCP Linger", fmt.Sprintf("%d sec", c.Socket.TCPLingerSec))
	p.field("Write Buffer", fmt.Sprintf("%d bytes", c.Socket.WriteBufferSize))
	p.field("Read Buffer", fmt.Sprintf("%d bytes", c.Socket.ReadBufferSize))
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a server
type ServerConfig struct {
	EndpointConfig

	// Endpoint is the address to listen on (host:port or a socket path)
	Endpoint string

	// Credentials registered at start, more can be added at runtime
	Credentials []Credentials

	// MetricsEndpoint serves prometheus metrics if set (cli only)
	MetricsEndpoint string

	// Logging configuration
	LogLevel string
}

// DefaultServerConfig returns a server configuration with all defaults applied
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		EndpointConfig: DefaultEndpointConfig(),
		Endpoint:       "127.0.0.1:4242",
		LogLevel:       "info",
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	p := &printer{}

	p.section("RPC Server")
	p.field("Endpoint", c.Endpoint)
	if c.MetricsEndpoint != "" {
		p.field("Metrics", c.MetricsEndpoint)
	}

	c.EndpointConfig.writeTo(p)

	p.section("Logging")
	p.field("Log Level", c.LogLevel)

	p.section("Credentials")
	for i, cred := range c.Credentials {
		p.field(strconv.Itoa(i), cred.String())
	}
	return p.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds all configuration parameters of a client
type ClientConfig struct {
	EndpointConfig

	// Host and Port of the server. Endpoint overrides both, e.g. for unix sockets.
	Host     string
	Port     int
	Endpoint string

	// Credentials presented during the handshake
	Login string
	Key   string

	// AutoReconnect restores dropped connections in the background
	AutoReconnect bool
	// ReconnectInterval is the pause between two connection attempts
	ReconnectInterval time.Duration
	// MaxConnectionAttempts bounds Connect, 0 = unbounded
	MaxConnectionAttempts int
}

// DefaultClientConfig returns a client configuration with all defaults applied
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		EndpointConfig:    DefaultEndpointConfig(),
		Host:              "127.0.0.1",
		Port:              4242,
		AutoReconnect:     true,
		ReconnectInterval: DefaultReconnectInterval,
	}
}

// Address returns the address the client dials
func (c *ClientConfig) Address() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Credentials returns the login and key of the client
func (c *ClientConfig) Credentials() Credentials {
	return NewCredentials(c.Login, c.Key)
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	p := &printer{}

	p.section("Client Configuration")
	p.field("Address", c.Address())
	p.field("Login", c.Login)
	p.field("Auto Reconnect", strconv.FormatBool(c.AutoReconnect))
	p.field("Reconnect Interval", c.ReconnectInterval.String())
	if c.MaxConnectionAttempts == 0 {
		p.field("Connection Attempts", "unbounded")
	} else {
		p.field("Connection Attempts", strconv.Itoa(c.MaxConnectionAttempts))
	}

	c.EndpointConfig.writeTo(p)
	return p.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// printer renders configurations as aligned sections
type printer struct {
	sb strings.Builder
}

func (p *printer) section(title string) {
	p.sb.WriteString("\n")
	p.sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
}

func (p *printer) field(name, value string) {
	p.sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
}

func (p *printer) String() string {
	return p.sb.String()
}
