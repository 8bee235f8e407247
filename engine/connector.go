package engine

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

var connectorLogger = logger.GetLogger("engine/connector")

// Connector establishes outbound connections. A successful connect produces a
// connection exactly like an accepted one, with IsServer set to false.
type Connector struct {
	connector IClientConnector
	server    *Server
	wg        sync.WaitGroup
	pending   atomic.Int64
}

func newConnector(server *Server, connector IClientConnector) *Connector {
	return &Connector{
		connector: connector,
		server:    server,
	}
}

// Connect dials ip:port and blocks until the connection is registered or the
// dial failed. A failed synchronous connect is only reported through the error.
func (m *Connector) Connect(ctx context.Context, ip string, port int, tag string) (ConnID, error) {
	endpoint, err := endpointOf(ip, port)
	if err != nil {
		return 0, err
	}

	ctx, release := m.bind(ctx)
	defer release()

	c, err := m.dial(ctx, endpoint, tag)
	if err != nil {
		m.server.stats.ConnectFailures.Inc()
		connectorLogger.Warningf("%v to %s: %v", ErrConnectFailure, endpoint, err)
		return 0, fmt.Errorf("%w: %w", ErrConnectFailure, err)
	}
	if !m.server.register(c, EventConnect) {
		return 0, ErrServerClosed
	}
	return c.ID(), nil
}

// ConnectAsync validates the address and dials in the background. The outcome is
// delivered as EventConnect or EventConnectFailed.
func (m *Connector) ConnectAsync(ctx context.Context, ip string, port int, tag string) error {
	endpoint, err := endpointOf(ip, port)
	if err != nil {
		return err
	}

	ctx, release := m.bind(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer release()

		c, err := m.dial(ctx, endpoint, tag)
		if err != nil {
			m.server.stats.ConnectFailures.Inc()
			connectorLogger.Warningf("%v to %s: %v", ErrConnectFailure, endpoint, err)
			m.server.connectFailed(ip, port, tag, fmt.Errorf("%w: %w", ErrConnectFailure, err))
			return
		}
		m.server.register(c, EventConnect)
	}()
	return nil
}

// bind derives the context of one dial. It is also cancelled when the server
// stops. release must be called once the dial has finished.
func (m *Connector) bind(ctx context.Context) (context.Context, func()) {
	m.pending.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.server.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		m.pending.Add(-1)
	}
}

// Pending returns the number of dials in flight
func (m *Connector) Pending() int {
	return int(m.pending.Load())
}

// wait blocks until all background dials have finished
func (m *Connector) wait() {
	m.wg.Wait()
}

func (m *Connector) dial(ctx context.Context, endpoint, tag string) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.server.config.ConnectTimeout())
	defer cancel()

	nc, err := m.connector.Connect(ctx, endpoint, m.server.config)
	if err != nil {
		return nil, err
	}

	if err := m.connector.UpgradeConnection(nc, m.server.config); err != nil {
		connectorLogger.Warningf("Failed to upgrade connection to %s: %v", endpoint, err)
	}

	c, err := m.server.newConn(nc, false, tag)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	m.server.stats.Connected.Inc()
	connectorLogger.Debugf("Connected (%s) to %s", m.connector.GetName(), endpoint)
	return c, nil
}

// endpointOf checks the address and joins it to "ip:port"
func endpointOf(ip string, port int) (string, error) {
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port %d", port)
	}
	// host names are resolved by the dialer
	if ip == "" {
		return "", fmt.Errorf("missing address")
	}
	return net.JoinHostPort(ip, strconv.Itoa(port)), nil
}
