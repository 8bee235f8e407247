package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dNet/engine/common"
	"github.com/ValentinKolb/dNet/lib/queue"
)

var listenerLogger = logger.GetLogger("engine/listener")

// acceptBackoff is the pause of an accept slot after a failed Accept
const acceptBackoff = 50 * time.Millisecond

// Listener binds one port and keeps a bounded number of accept operations
// outstanding. Accepted sockets are wrapped into connections on the accepting
// goroutine and handed to the server by a single drain loop.
type Listener struct {
	param     common.ListenParam
	connector IServerConnector
	server    *Server

	ln          net.Listener
	maxPending  int32
	outstanding atomic.Int32
	peak        atomic.Int32
	accepted    *queue.SignalQueue[*Conn]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newListener(server *Server, connector IServerConnector, param common.ListenParam) *Listener {
	return &Listener{
		param:      param,
		connector:  connector,
		server:     server,
		maxPending: int32(server.config.MaxPendingAccepts),
		accepted:   queue.New[*Conn](),
	}
}

// Param returns the listen descriptor
func (l *Listener) Param() common.ListenParam { return l.param }

// Addr returns the bound address, nil before start
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Outstanding returns the number of accept operations currently in flight
func (l *Listener) Outstanding() int { return int(l.outstanding.Load()) }

// PeakOutstanding returns the highest number of accepts that were in flight at once
func (l *Listener) PeakOutstanding() int { return int(l.peak.Load()) }

// start binds the port and starts the drain loop
func (l *Listener) start(ctx context.Context) error {
	ln, err := l.connector.Listen(l.param, l.server.config)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	l.ln = ln
	l.ctx, l.cancel = context.WithCancel(ctx)

	listenerLogger.Infof("Listening (%s) on %s, tag %q, %d accept slots",
		l.connector.GetName(), ln.Addr(), l.param.Tag, l.maxPending)

	l.wg.Add(1)
	go l.drainLoop()
	return nil
}

// close stops accepting and waits for the accept goroutines to finish.
// Connections that were accepted but not yet handed over are closed.
func (l *Listener) close() error {
	if !l.closed.CompareAndSwap(false, true) || l.ln == nil {
		return nil
	}
	l.cancel()
	err := l.ln.Close()
	l.wg.Wait()

	l.accepted.Close()
	l.accepted.Drain(func(c *Conn) {
		_ = c.Close()
	})
	listenerLogger.Infof("Stopped listening on port %d", l.param.Port)
	return err
}

// --------------------------------------------------------------------------
// Accept slots
// --------------------------------------------------------------------------

// drainLoop hands accepted connections to the server and keeps the accept slots
// topped up. It wakes on every accept and at least every AcceptWait to self-heal.
func (l *Listener) drainLoop() {
	defer l.wg.Done()

	wait := l.server.config.AcceptWait()
	for {
		l.dealAccepted()
		if l.ctx.Err() != nil {
			return
		}
		l.accepted.Wait(l.ctx, wait)
	}
}

// dealAccepted runs one drain cycle. Panics are logged and the loop continues.
func (l *Listener) dealAccepted() {
	defer func() {
		if r := recover(); r != nil {
			listenerLogger.Errorf("Recovered from panic in accept loop on port %d: %v", l.param.Port, r)
		}
	}()

	l.accepted.Drain(func(c *Conn) {
		if l.ctx.Err() != nil {
			_ = c.Close()
			return
		}
		l.server.register(c, EventAccept)
	})

	for l.ctx.Err() == nil && l.outstanding.Load() < l.maxPending {
		l.startAccept()
	}
}

// startAccept posts one accept slot
func (l *Listener) startAccept() {
	n := l.outstanding.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.accepted.Signal()
		defer l.outstanding.Add(-1)

		nc, err := l.ln.Accept()
		if err != nil {
			l.acceptFailed(err)
			return
		}

		c, err := l.wrap(nc)
		if err != nil {
			l.server.stats.AcceptFailures.Inc()
			listenerLogger.Errorf("Failed to set up connection from %s: %v", nc.RemoteAddr(), err)
			_ = nc.Close()
			return
		}
		l.server.stats.Accepted.Inc()
		l.accepted.Put(c)
	}()
}

func (l *Listener) acceptFailed(err error) {
	if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return
	}
	l.server.stats.AcceptFailures.Inc()
	listenerLogger.Errorf("%v on port %d: %v", ErrAcceptFailure, l.param.Port, err)

	// keep a persistent failure such as EMFILE from spinning the slot
	select {
	case <-time.After(acceptBackoff):
	case <-l.ctx.Done():
	}
}

// wrap applies the socket options and creates the connection
func (l *Listener) wrap(nc net.Conn) (*Conn, error) {
	if err := l.connector.UpgradeConnection(nc, l.server.config); err != nil {
		listenerLogger.Warningf("Failed to upgrade connection from %s: %v", nc.RemoteAddr(), err)
	}
	return l.server.newConn(nc, true, l.param.Tag)
}
