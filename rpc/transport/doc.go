// Package transport defines the interfaces between the protocol engine and the
// underlying stream transports. The engine only needs an ordered, bidirectional
// byte stream with connect, accept, read, write and close operations, which is
// exactly what net.Conn and net.Listener provide.
//
// The package focuses on:
//   - Defining clear interfaces for the client and server side of a transport
//   - Keeping socket tuning (no-delay, keep-alive, buffers) out of the engine
//   - Enabling multiple transport implementations (TCP, Unix sockets)
//
// Key Components:
//
//   - IClientConnector: dials the server and upgrades the resulting connection.
//
//   - IServerConnector: creates the listener and upgrades accepted connections.
//
// Implementations live in the tcp and unix sub packages.
package transport
