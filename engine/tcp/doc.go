// Package tcp implements the TCP transport of the engine. It provides concrete
// implementations of the engine's connector interfaces.
//
// Key Components:
//
//   - serverConnector: binds listen ports, optionally with SO_REUSEPORT, and
//     applies the socket options of an EngineConfig to accepted connections
//
//   - clientConnector: dials outbound connections within the connect timeout and
//     applies the same socket options
//
// NewServer wires both connectors into an engine.Server, which is the usual way to
// create an engine.
package tcp
