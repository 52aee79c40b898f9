package tcp

import (
	"fmt"
	"net"

	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/ValentinKolb/rocket/rpc/transport"
)

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(endpoint string) (net.Listener, error) {
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create tcp socket: %w", err)
	}
	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, conf common.SocketConf) error {
	return applySocketConf(conn, conf)
}

// --------------------------------------------------------------------------
// Server Connector Factory Method
// --------------------------------------------------------------------------

// NewTCPServerConnector creates a new TCP server connector
func NewTCPServerConnector() transport.IServerConnector {
	return &serverConnector{}
}
