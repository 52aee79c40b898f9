// Package server implements the server role of the protocol. It accepts
// connections, authenticates them against registered credentials and
// dispatches their calls to the registered methods.
//
// The package focuses on:
//   - Accepting connections on a TCP or unix socket endpoint
//   - Credential registry with case-insensitive logins
//   - Tracking of open and authorized connections
//   - Calling methods registered on connected clients
//
// Key Components:
//
//   - NewServer: creates a server for a transport connector and a serializer.
//     Credentials of the configuration are registered immediately.
//
//   - Connection life cycle: every accepted connection gets the next id
//     (starting at 0), is unauthorized until it authenticates and is removed
//     from all sets once it closes. Any request other than the authentication
//     request closes an unauthorized connection.
//
//   - OnAuthorized: notifies about authenticated connections. The connection
//     handed to the handler can be used with CallClient and SendMessage.
//
//   - CallClient / InvokeClient: call methods registered on a client. Calls
//     fail with *common.RequestTimeoutError if the client does not answer.
//
// Usage Example:
//
//	config := common.DefaultServerConfig()
//	config.Credentials = []common.Credentials{common.NewCredentials("user", "secret")}
//
//	s := server.NewServer(config, tcp.NewTCPServerConnector(), serializer.NewJSONSerializer())
//	_ = base.RegisterFunc(s.Methods(), "echo", func(_ context.Context, msg string) string {
//	  return msg
//	})
//	if err := s.Start(); err != nil {
//	  return err
//	}
//	defer s.Close()
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Requests are dispatched on their
//	own goroutines, handlers of one connection may run concurrently.
package server
