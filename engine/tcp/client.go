package tcp

import (
	"context"
	"net"
	"time"

	"github.com/ValentinKolb/dNet/engine"
	"github.com/ValentinKolb/dNet/engine/common"
)

// clientConnector implements the IClientConnector interface for TCP sockets
type clientConnector struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see engine.IClientConnector)
// --------------------------------------------------------------------------

func (c *clientConnector) GetName() string {
	return "tcp"
}

func (c *clientConnector) Connect(ctx context.Context, endpoint string, config common.EngineConfig) (net.Conn, error) {
	d := net.Dialer{}
	if config.TCP.TCPKeepAliveSec > 0 {
		d.KeepAlive = time.Duration(config.TCP.TCPKeepAliveSec) * time.Second
	}
	return d.DialContext(ctx, "tcp", endpoint)
}

func (c *clientConnector) UpgradeConnection(conn net.Conn, config common.EngineConfig) error {
	return upgradeConnection(conn, config)
}

// --------------------------------------------------------------------------
// Factory Method
// --------------------------------------------------------------------------

// NewClientConnector creates the TCP dial side of the transport
func NewClientConnector() engine.IClientConnector {
	return &clientConnector{}
}
