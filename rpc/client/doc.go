// Package client implements the client role of the protocol: a single
// authenticated connection to one server.
//
// The package focuses on:
//   - Connecting with a bounded or unbounded number of attempts
//   - Authentication with login and key right after the transport is open
//   - Background reconnection after the connection dropped
//   - Typed calls of server methods and methods the server can call back
//
// Key Components:
//
//   - NewClient: creates a client for a transport connector and a serializer.
//     The connection object is created once and reused for every transport
//     the client opens, so state observers stay subscribed across reconnects.
//
//   - Connect: dials the server every ReconnectInterval until it succeeds or
//     MaxConnectionAttempts is reached (*common.ServerUnavailableError). A
//     rejected login returns common.ErrAuthenticationFailed and disables the
//     automatic reconnect.
//
//   - Call / Invoke: call a method registered on the server. A call that gets
//     no response within the receive timeout is resent with the same id.
//
//   - Methods: registry of methods the server can call on this client.
//
// Usage Example:
//
//	config := common.DefaultClientConfig()
//	config.Login, config.Key = "user", "secret"
//
//	c := client.NewClient(config, tcp.NewTCPClientConnector(), serializer.NewJSONSerializer())
//	defer c.Close()
//
//	if err := c.Connect(ctx); err != nil {
//	  return err
//	}
//	cmp, err := client.Call[int](ctx, c, "compare", []int{-684251, 32464})
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Server callbacks run on their own
//	goroutines.
package client
