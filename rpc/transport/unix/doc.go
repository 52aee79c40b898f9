// Package unix implements a transport for the RPC system using Unix domain
// sockets. It provides optimized communication for processes running on the
// same machine.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners, removing a stale socket
//     file left behind by a previous run
//
// Only the socket buffer sizes of common.SocketConf apply to Unix sockets.
package unix
