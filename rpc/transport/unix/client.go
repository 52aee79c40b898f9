package unix

import (
	"context"
	"net"

	"github.com/ValentinKolb/rocket/rpc/common"
	"github.com/ValentinKolb/rocket/rpc/transport"
)

// clientConnector implements the IClientConnector interface for Unix sockets
type clientConnector struct {
	dialer net.Dialer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "unix"
}

func (c *clientConnector) Connect(ctx context.Context, socketPath string) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "unix", socketPath)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, conf common.SocketConf) error {
	return applySocketConf(conn, conf)
}

// --------------------------------------------------------------------------
// Client Connector Factory Method
// --------------------------------------------------------------------------

// NewUnixClientConnector creates a new Unix socket client connector
func NewUnixClientConnector() transport.IClientConnector {
	return &clientConnector{}
}

// applySocketConf sets the socket buffer sizes, the tcp specific options do not apply
func applySocketConf(conn net.Conn, conf common.SocketConf) error {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil
	}

	if conf.WriteBufferSize > 0 {
		if err := unixConn.SetWriteBuffer(conf.WriteBufferSize); err != nil {
			return err
		}
	}
	if conf.ReadBufferSize > 0 {
		if err := unixConn.SetReadBuffer(conf.ReadBufferSize); err != nil {
			return err
		}
	}
	return nil
}
