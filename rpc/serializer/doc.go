// Package serializer provides the document codec of the RPC system. The codec
// encodes the frames exchanged between client and server as well as the
// parameters and results of remote calls.
//
// The package focuses on:
//   - Providing a consistent interface the protocol engine depends on
//   - Encoding frames as UTF-8 text, as required by the tagged frame body
//   - Converting opaque wire values into the types expected by handlers and callers
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - jsonSerializerImpl: Implementation using JSON encoding. The field names of
//     the frame documents are fixed, which keeps the wire format readable by
//     independent implementations of the protocol.
//
// Conversion:
//
//	Parameters and results travel as raw JSON values. Convert decodes them into
//	the target type; if that fails, scalars are converted on a best-effort basis:
//	a quoted number or bool is decoded from its string content and an unquoted
//	scalar can be read into a string.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	  s := serializer.NewJSONSerializer()
//	  data, err := s.Serialize(frame)
//	  // ... send data ...
//	  var n int
//	  err = s.Convert(frame.Parameter, &n)
package serializer
