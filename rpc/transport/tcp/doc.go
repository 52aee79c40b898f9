// Package tcp implements the TCP socket transport of the RPC system. It provides
// concrete implementations of the transport package's connector interfaces.
//
// Key Components:
//
//   - clientConnector: dials the server with a context aware net.Dialer
//
//   - serverConnector: creates the TCP listener
//
// Both connectors apply the same socket tuning from common.SocketConf: TCP
// no-delay (enabled by default, small frames are sent immediately), optional
// keep-alive, linger and socket buffer sizes.
package tcp
