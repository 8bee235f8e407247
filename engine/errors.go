package engine

import "errors"

var (
	// ErrNoClient is returned by Send for unknown, closed or saturated connections
	ErrNoClient = errors.New("no such client")
	// ErrAcceptFailure wraps errors returned by Accept
	ErrAcceptFailure = errors.New("accept failed")
	// ErrConnectFailure wraps errors of outbound connects
	ErrConnectFailure = errors.New("connect failed")
	// ErrServerClosed is returned by operations on a stopped server
	ErrServerClosed = errors.New("server closed")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("server already started")
	// ErrNotStarted is returned by operations that need the pipelines running
	ErrNotStarted = errors.New("server not started")
	// ErrHeartbeatTimeout is the close cause of idle connections
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrClosedByApplication is the close cause of Conn.Close
	ErrClosedByApplication = errors.New("closed by application")
	// ErrPeerClosed is the close cause of a zero byte read
	ErrPeerClosed = errors.New("connection closed by peer")
)
