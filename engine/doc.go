// Package engine provides an event-driven TCP server and client engine. A single
// Server accepts connections on any number of ports, dials outbound connections
// and reports everything that happens on them to one EventHandler.
//
// The package is organized into several parts:
//
//   - Server: the connection registry and dispatcher. It runs three pipelines
//     (read, send, event) that each drain a signal queue and process the queued
//     jobs synchronously. Send and Broadcast queue data for transmission.
//
//   - Conn: the per-connection state machine. At most one receive and one send
//     are outstanding at a time, and every failure funnels into a single close
//     path that emits exactly one close event and releases the buffers once.
//
//   - Listener: binds a port and keeps a bounded number of accepts outstanding
//     (MaxPendingAccepts), topping them up on every accept and periodically.
//
//   - Connector: dials outbound connections, synchronously or in the background.
//
//   - ioDriver: performs the non-blocking I/O. Linux uses an epoll reactor, other
//     platforms and connections without a file descriptor use one goroutine per
//     in-flight operation.
//
// The transport is pluggable through IServerConnector and IClientConnector, see
// the tcp subpackage for the default implementation.
//
// Event order per connection: the accept or connect event comes first, then read
// (and optionally sent) events, and the close event comes last. By the time the
// handler sees the close event the connection is no longer registered, so Send
// to it returns ErrNoClient.
package engine
