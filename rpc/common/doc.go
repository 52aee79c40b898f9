// Package common provides core data structures and utilities shared by the
// protocol engine, the client and the server. It defines the documents
// exchanged on the wire, configuration structures, typed errors, logging
// and metrics.
//
// The package focuses on:
//   - Frame model for requests and responses (RequestFrame, ResponseFrame)
//   - Credentials and the reserved authentication method name
//   - Configuration structures for client and server components
//   - Custom logging implementation integrated with Dragonboat's logger facade
//   - Per instance statistics (go-metrics) and process wide prometheus counters
//
// Key Components:
//
//   - Frame: every document carries a random 128 bit Guid and a timestamp.
//     Responses echo the Guid of the request they answer in RequestGuid, which
//     is how calls are correlated. Field names are part of the wire format and
//     must not be changed.
//
//   - StatusCode: outcome of a request (StatusOk, StatusUnauthorized,
//     StatusInexistMethod), encoded as integer.
//
//   - ConnectionState: life cycle of a connection, from StateNotConnected to
//     StateDropped.
//
//   - ServerConfig / ClientConfig: configuration of both roles. Both embed
//     EndpointConfig with the protocol engine tunables (timeouts, maximum
//     message length, receive buffer, inbound rate limit, socket options).
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the application.
package common
