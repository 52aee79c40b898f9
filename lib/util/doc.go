// Package util provides generic building blocks used by the transport layer.
//
// The package contains:
//   - queue: a lock-free Multi-Producer Single-Consumer (MPSC) queue that
//     backs the process wide outbound send queue of the protocol engine
package util
