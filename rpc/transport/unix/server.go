package unix

import (
	"fmt"
	"net"
	"os"

	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/ValentinKolb/rocket/rpc/transport"
)

// serverConnector implements the IServerConnector interface for Unix sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "unix"
}

func (c *serverConnector) Listen(socketPath string) (net.Listener, error) {
	// Remove existing socket file if it exists
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create unix socket: %w", err)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, conf common.SocketConf) error {
	return applySocketConf(conn, conf)
}

// --------------------------------------------------------------------------
// Server Connector Factory Method
// --------------------------------------------------------------------------

// NewUnixServerConnector creates a new Unix socket server connector
func NewUnixServerConnector() transport.IServerConnector {
	return &serverConnector{}
}
