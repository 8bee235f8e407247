package engine

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/dNet/engine/common"
	"github.com/ValentinKolb/dNet/lib/metrics"
	"github.com/ValentinKolb/dNet/lib/sendbuf"
)

var connLogger = logger.GetLogger("engine/conn")

// Conn is one live connection together with its read/send state machine.
//
// At most one receive and one send are outstanding at any time. All state
// transitions happen under mu. Once faulted is set the connection never does
// I/O again, and its buffers and socket are released exactly once.
type Conn struct {
	id     ConnID
	info   ClientInfo
	conn   net.Conn
	raw    syscall.RawConn // nil if the connection has no file descriptor
	fd     int
	driver ioDriver
	obs    observer
	bufs   *bufferPools
	stats  *metrics.EngineMetrics

	outbound *sendbuf.Pool
	closing  atomic.Bool  // lock-free mirror of faulted
	lastRead atomic.Int64 // unix nano of the last received data

	mu           sync.Mutex
	recvBuf      *[]byte
	sendBuf      []byte
	sendPooled   bool // sendBuf came from bufs.send
	sendSize     int
	readPending  bool
	sendPending  bool
	faulted      bool
	cause        error
	readReleased bool
	sendReleased bool
	sockClosed   bool
	finalized    bool
	registered   bool // the server queued the accept or connect event
	hb           *heartbeat
}

// newConn wraps an established socket. The driver registration is done here,
// the caller is responsible for registering the connection and queueing its first read.
func newConn(id ConnID, nc net.Conn, info ClientInfo, driver ioDriver, obs observer,
	bufs *bufferPools, stats *metrics.EngineMetrics, config common.EngineConfig) (*Conn, error) {

	c := &Conn{
		id:       id,
		info:     info,
		conn:     nc,
		fd:       -1,
		driver:   driver,
		obs:      obs,
		bufs:     bufs,
		stats:    stats,
		outbound: sendbuf.New(config.MaxQueuedBytes, config.Policy()),
		sendSize: bufs.sendSize,
	}

	if sc, ok := nc.(syscall.Conn); ok {
		raw, err := sc.SyscallConn()
		if err != nil {
			return nil, fmt.Errorf("failed to access raw connection: %w", err)
		}
		c.raw = raw
	}

	if err := driver.attach(c); err != nil {
		return nil, fmt.Errorf("failed to attach %s driver: %w", driver.name(), err)
	}

	c.recvBuf = bufs.getRecv()
	c.sendBuf = bufs.getSend()
	c.sendPooled = true
	c.lastRead.Store(time.Now().UnixNano())
	stats.ConnCreated.Inc()

	return c, nil
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// ID returns the connection identity
func (c *Conn) ID() ConnID { return c.id }

// Info returns the connection metadata
func (c *Conn) Info() ClientInfo { return c.info }

// IsClosed returns true once the close path was entered
func (c *Conn) IsClosed() bool { return c.closing.Load() }

// QueuedBytes returns the number of bytes waiting in the outbound pool
func (c *Conn) QueuedBytes() int64 { return c.outbound.Bytes() }

// Cause returns the reason the connection was closed, nil while it is open
func (c *Conn) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// --------------------------------------------------------------------------
// Receive
// --------------------------------------------------------------------------

// StartReceive issues the next receive.
//
// HaveRead means data was received and processed inline, the caller should call
// StartReceive again. ReadInProgress means the result is delivered later and the
// dispatcher will be asked to resume. ReadError means the connection is closed.
func (c *Conn) StartReceive() ReadResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.faulted {
		return ReadError
	}
	if c.readPending {
		return ReadInProgress
	}

	c.readPending = true
	n, done, err := c.driver.receive(c, *c.recvBuf)
	if !done {
		return ReadInProgress
	}

	c.readPending = false
	c.processReceiveLocked(n, err)
	if c.faulted {
		return ReadError
	}
	return HaveRead
}

// receiveCompleted is called by the driver when an asynchronous receive finished
func (c *Conn) receiveCompleted(n int, err error) {
	c.mu.Lock()
	if !c.readPending {
		c.mu.Unlock()
		connLogger.Warningf("Unexpected receive completion on %s", c.info)
		return
	}
	c.readPending = false
	c.processReceiveLocked(n, err)
	resume := !c.faulted
	c.mu.Unlock()

	if resume {
		c.obs.resume(c, dirRead)
	}
}

func (c *Conn) processReceiveLocked(n int, err error) {
	if err != nil || n <= 0 {
		if err == nil || errors.Is(err, io.EOF) {
			err = ErrPeerClosed
		}
		c.faultLocked(err)
		return
	}
	if c.faulted {
		// the close path was entered while the receive was in flight
		c.closeLocked()
		return
	}

	c.lastRead.Store(time.Now().UnixNano())
	c.obs.dataReceived(c, (*c.recvBuf)[:n])
}

// --------------------------------------------------------------------------
// Send
// --------------------------------------------------------------------------

// EnqueueOutbound appends data to the outbound pool. It fails with ErrNoClient
// if the connection is closed or the pool rejects the chunk.
func (c *Conn) EnqueueOutbound(data []byte) error {
	if c.closing.Load() {
		return ErrNoClient
	}
	if err := c.outbound.Put(data); err != nil {
		return fmt.Errorf("%w: %w", ErrNoClient, err)
	}
	return nil
}

// StartSend transmits queued outbound data.
//
// HaveSent means a transmit completed inline, the caller should call StartSend
// again. SendInProgress means the result is delivered later. NoSendData means the
// pool is empty. SendError means the connection is closed.
func (c *Conn) StartSend() SendResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.faulted {
		return SendError
	}
	if c.sendPending {
		return SendInProgress
	}
	if len(c.sendBuf) != c.sendSize {
		c.resizeSendBufferLocked()
	}

	n, _ := c.outbound.Fill(c.sendBuf)
	if n == 0 {
		return NoSendData
	}

	c.sendPending = true
	written, done, err := c.driver.send(c, c.sendBuf[:n])
	if !done {
		return SendInProgress
	}

	c.sendPending = false
	c.processSendLocked(written, err)
	if c.faulted {
		return SendError
	}
	return HaveSent
}

// sendCompleted is called by the driver when an asynchronous send finished
func (c *Conn) sendCompleted(n int, err error) {
	c.mu.Lock()
	if !c.sendPending {
		c.mu.Unlock()
		connLogger.Warningf("Unexpected send completion on %s", c.info)
		return
	}
	c.sendPending = false
	c.processSendLocked(n, err)
	resume := !c.faulted
	c.mu.Unlock()

	if resume {
		c.obs.resume(c, dirSend)
	}
}

func (c *Conn) processSendLocked(n int, err error) {
	if err != nil {
		c.faultLocked(err)
		return
	}
	if c.faulted {
		c.closeLocked()
		return
	}
	c.obs.dataSent(c, n)
}

// SetSendBufferSize changes the size of the transmit buffer. The new size is used
// from the next send cycle on. Values below the minimum are raised to it.
func (c *Conn) SetSendBufferSize(size int) {
	if size < common.MinSendBufferSize {
		size = common.MinSendBufferSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendSize = size
}

func (c *Conn) resizeSendBufferLocked() {
	if c.sendPooled {
		c.bufs.putSend(c.sendBuf)
	}
	if c.sendSize == c.bufs.sendSize {
		c.sendBuf = c.bufs.getSend()
		c.sendPooled = true
		return
	}
	c.sendBuf = make([]byte, c.sendSize)
	c.sendPooled = false
}

// --------------------------------------------------------------------------
// Close path
// --------------------------------------------------------------------------

// Close closes the connection. The application receives a close event.
func (c *Conn) Close() error {
	c.closeWith(ErrClosedByApplication)
	return nil
}

func (c *Conn) closeWith(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faultLocked(cause)
}

// faultLocked is the single entry point of the close path. It may be called any
// number of times, the closing notification is emitted only on the first call.
func (c *Conn) faultLocked(cause error) {
	if !c.faulted {
		c.faulted = true
		c.closing.Store(true)
		c.cause = cause
		c.stopHeartbeatLocked()
		c.outbound.Close()
		c.stats.ConnClosed.Inc()

		if isExpectedClose(cause) {
			connLogger.Debugf("Closing %s: %v", c.info, cause)
		} else {
			connLogger.Infof("Closing %s after error: %v", c.info, cause)
		}
		c.obs.closing(c, cause)
	}
	c.closeLocked()
}

// closeLocked releases what is no longer in use. Buffers of a pending operation
// stay alive until its completion calls closeLocked again.
func (c *Conn) closeLocked() {
	if !c.readReleased && !c.readPending {
		c.bufs.putRecv(c.recvBuf)
		c.recvBuf = nil
		c.readReleased = true
		c.stats.ReadReleased.Inc()
	}
	if !c.sendReleased && !c.sendPending {
		if c.sendPooled {
			c.bufs.putSend(c.sendBuf)
		}
		c.sendBuf = nil
		c.sendReleased = true
		c.stats.SendReleased.Inc()
	}
	if !c.sockClosed {
		c.sockClosed = true
		// the driver must forget the descriptor before it can be reused by the OS
		c.driver.detach(c)
		if err := c.conn.Close(); err != nil {
			connLogger.Debugf("Close of %s returned: %v", c.info, err)
		}
	}
	if c.readReleased && c.sendReleased && !c.finalized {
		c.finalized = true
		c.stats.ConnReleased.Inc()
	}
}

// isExpectedClose reports causes that are part of a normal shutdown
func isExpectedClose(err error) bool {
	return errors.Is(err, ErrPeerClosed) ||
		errors.Is(err, ErrClosedByApplication) ||
		errors.Is(err, ErrServerClosed) ||
		errors.Is(err, net.ErrClosed)
}

// --------------------------------------------------------------------------
// Scratch buffers
// --------------------------------------------------------------------------

// bufferPools recycles the scratch buffers of all connections of one engine
type bufferPools struct {
	recvSize int
	sendSize int
	recv     sync.Pool
	send     sync.Pool
}

func newBufferPools(recvSize, sendSize int) *bufferPools {
	p := &bufferPools{recvSize: recvSize, sendSize: sendSize}
	p.recv.New = func() interface{} {
		b := make([]byte, recvSize)
		return &b
	}
	p.send.New = func() interface{} {
		b := make([]byte, sendSize)
		return &b
	}
	return p
}

func (p *bufferPools) getRecv() *[]byte {
	return p.recv.Get().(*[]byte)
}

func (p *bufferPools) putRecv(b *[]byte) {
	if b != nil && len(*b) == p.recvSize {
		p.recv.Put(b)
	}
}

func (p *bufferPools) getSend() []byte {
	return *p.send.Get().(*[]byte)
}

func (p *bufferPools) putSend(b []byte) {
	if len(b) == p.sendSize {
		p.send.Put(&b)
	}
}
