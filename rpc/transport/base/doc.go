// Package base implements the protocol engine shared by the client and the
// server, independent of the stream transport (TCP, unix sockets) used below.
//
// The package focuses on:
//   - Framing of bodies with a fixed 16 byte header and a CRC-32 checksum
//   - One receive loop per connection with resynchronization on bad headers
//   - A process wide ordered send queue
//   - Method registration and dispatch, including the authentication gate
//   - Correlation of requests and responses
//
// Key Components:
//
//   - Frame: every body is prefixed with a header holding two magic bytes, the
//     body length (int64, little endian), the checksum (big endian) and two
//     closing magic bytes. Bodies starting with "request:" or "response:" hold
//     an encoded document, every other body is raw data.
//
//   - Connection: per socket state (transport handle, receive buffer, state
//     and state observers). The owning role attaches transports and changes
//     the state, application code only observes it.
//
//   - SendQueue: producers only enqueue, a single goroutine writes whole
//     buffers in order. Buffers of connections that are not open are kept and
//     retried, buffers of retired connections are discarded.
//
//   - Registry: network method names mapped to typed handlers. Three shapes
//     are supported: RegisterAction (no parameter), RegisterConsumer (parameter)
//     and RegisterFunc (parameter and result).
//
//   - Engine: reads, classifies and dispatches frames and sends requests.
//     Roles plug in through the IRole interface.
//
// Error handling:
//
//	A checksum mismatch closes the connection, the byte stream can not be
//	trusted afterwards. Invalid headers are skipped 16 bytes at a time,
//	oversized frames are drained on a best-effort basis. Undecodable
//	documents and failing handlers are logged and produce no response.
//
// Thread Safety:
//
//	All exported methods are safe for concurrent use. Every received frame is
//	dispatched on its own goroutine, so handlers may run concurrently.
package base
