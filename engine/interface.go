package engine

import (
	"context"
	"net"

	"github.com/ValentinKolb/dNet/engine/common"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the transport-specific listener operations
type IServerConnector interface {
	// Listen binds the port of param and returns the listener
	Listen(param common.ListenParam, config common.EngineConfig) (net.Listener, error)

	// UpgradeConnection applies protocol-specific settings to an accepted connection
	UpgradeConnection(conn net.Conn, config common.EngineConfig) error

	// GetName returns the name of the transport type (e.g. "tcp")
	GetName() string
}

// IClientConnector defines the transport-specific dial operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint. The context bounds the dial.
	Connect(ctx context.Context, endpoint string, config common.EngineConfig) (net.Conn, error)

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.EngineConfig) error

	// GetName returns the name of the transport type (e.g. "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Application callback
// -----------------------------------------------------------

// EventHandler receives all connection events of an engine. It runs on the shared
// event pipeline and must not block for long. Event.Data is only valid for the
// duration of the call.
type EventHandler interface {
	HandleEvent(ev *Event)
}

// HandlerFunc adapts an ordinary function to the EventHandler interface
type HandlerFunc func(ev *Event)

// HandleEvent calls f(ev)
func (f HandlerFunc) HandleEvent(ev *Event) {
	f(ev)
}

// -----------------------------------------------------------
// Connection observer
// -----------------------------------------------------------

// direction selects the read or the send half of a connection
type direction int

const (
	dirRead direction = iota
	dirSend
)

func (d direction) String() string {
	if d == dirSend {
		return "send"
	}
	return "read"
}

// observer receives the notifications of a Conn. dataReceived, dataSent and
// closing are called with the connection lock held and must not call back into
// the connection. resume and heartbeatDue are called without the lock.
type observer interface {
	// dataReceived is called with a view of the receive buffer. The view is reused
	// by the next receive, implementations copy what they need before returning.
	dataReceived(c *Conn, view []byte)
	// dataSent is called after n bytes were transmitted
	dataSent(c *Conn, n int)
	// closing is called exactly once, when the connection faults or is closed
	closing(c *Conn, cause error)
	// resume asks for a follow-up job after an asynchronous completion
	resume(c *Conn, dir direction)
	// heartbeatDue asks for a heartbeat probe to be sent through the send pipeline
	heartbeatDue(c *Conn)
}
