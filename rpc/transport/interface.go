package transport

import (
	"context"
	"net"

	"github.com/ValentinKolb/rocket/rpc/common"
)

// --------------------------------------------------------------------------
// Client Connector
// --------------------------------------------------------------------------

// IClientConnector defines the transport specific operations of the client role
type IClientConnector interface {
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// Connect establishes a single stream connection to the endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, conf common.SocketConf) error
}

// --------------------------------------------------------------------------
// Server Connector
// --------------------------------------------------------------------------

// IServerConnector defines the transport specific operations of the server role
type IServerConnector interface {
	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// Listen creates a listener on the endpoint
	Listen(endpoint string) (net.Listener, error)

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, conf common.SocketConf) error
}
