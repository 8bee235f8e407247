// Package cmd implements the command-line interface of dNet. It provides
// commands for running an engine as a server and for using it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Start a server that logs, echoes or broadcasts received data
//   - connect: Interactive client that forwards stdin to a server
//   - perf: Round trip and connect benchmarks against an echo server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dnet -help for a list of all commands.
package cmd
