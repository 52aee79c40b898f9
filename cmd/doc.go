// Package cmd implements the command-line interface of rocket. It provides
// a small server exposing demo methods and client commands to call them.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a server with the demo methods compare, echo and ping
//   - call: Invokes a single method and prints its result
//   - bench: Measures latency and throughput of the demo methods
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set via environment variables with the prefix
// ROCKET_ (e.g. ROCKET_ENDPOINT). The files .env and .env.local are loaded
// if present. See rocket -help for a list of all commands.
package cmd
