// Package rpc provides bidirectional remote procedure calls over framed
// stream connections. Once a client has authenticated, both peers can
// invoke named methods on each other and exchange raw data.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including the request and response frames, configuration structures,
//     typed errors, logging and statistics.
//
//   - transport: Stream transport abstractions with pluggable implementations
//     (TCP, Unix sockets). The base subpackage contains the protocol engine
//     shared by both roles: framing, method registry, send queue and request
//     correlation.
//
//   - serializer: Encoding of parameters and results (JSON).
//
//   - client: The connecting role. Handles connect, authentication and
//     automatic reconnects.
//
//   - server: The listening role. Accepts connections, authorizes clients
//     against registered credentials and can call methods on them.
package rpc
