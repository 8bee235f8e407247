package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dNet/engine"
	"github.com/ValentinKolb/dNet/engine/common"
)

var Logger = logger.GetLogger("engine/tcp")

// serverConnector implements the IServerConnector interface for TCP sockets
type serverConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see engine.IServerConnector)
// --------------------------------------------------------------------------

func (c *serverConnector) GetName() string {
	return "tcp"
}

func (c *serverConnector) Listen(param common.ListenParam, config common.EngineConfig) (net.Listener, error) {
	lc := net.ListenConfig{}
	if config.Socket.ReusePort {
		lc.Control = reusePortControl
	}

	// Create TCP socket listener
	listener, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort("", strconv.Itoa(param.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to create TCP socket: %v", err)
	}
	Logger.Debugf("Bound %s (reuse port: %t)", listener.Addr(), config.Socket.ReusePort)

	return listener, nil
}

func (c *serverConnector) UpgradeConnection(conn net.Conn, config common.EngineConfig) error {
	return upgradeConnection(conn, config)
}

// upgradeConnection applies performance optimizations to a TCP connection
// using configuration values from TCPConf and SocketConf
func upgradeConnection(conn net.Conn, config common.EngineConfig) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // Not a TCP connection, nothing to upgrade
	}

	// Disable Nagle's algorithm if configured
	if err := tcpConn.SetNoDelay(config.TCP.TCPNoDelay); err != nil {
		return err
	}

	if config.Socket.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(config.Socket.WriteBufferSize); err != nil {
			return err
		}
	}

	if config.Socket.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(config.Socket.ReadBufferSize); err != nil {
			return err
		}
	}

	if config.TCP.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		keepAlivePeriod := time.Duration(config.TCP.TCPKeepAliveSec) * time.Second
		if err := tcpConn.SetKeepAlivePeriod(keepAlivePeriod); err != nil {
			return err
		}
	}

	// Linger is left at the OS default unless configured
	if config.TCP.TCPLingerSec > 0 {
		if err := tcpConn.SetLinger(config.TCP.TCPLingerSec); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Factory Methods
// --------------------------------------------------------------------------

// NewServerConnector creates the TCP listener side of the transport
func NewServerConnector() engine.IServerConnector {
	return &serverConnector{}
}

// NewServer creates an engine that listens and dials over TCP
func NewServer(config common.EngineConfig, handler engine.EventHandler) (*engine.Server, error) {
	return engine.NewServer(config, handler, NewServerConnector(), NewClientConnector())
}
