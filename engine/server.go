package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ValentinKolb/dNet/engine/common"
	"github.com/ValentinKolb/dNet/lib/metrics"
	"github.com/ValentinKolb/dNet/lib/portcheck"
	"github.com/ValentinKolb/dNet/lib/queue"
)

var Logger = logger.GetLogger("engine")

// Stats is a snapshot of the engine counters
type Stats struct {
	metrics.Snapshot
	ActiveConnections  int
	OutstandingAccepts int
	PendingConnects    int
}

// Server is the connection registry and dispatcher. It owns the live connections,
// runs the read, send and event pipelines and exposes the send operations to the
// application. One Server can listen on several ports and dial outbound
// connections at the same time.
type Server struct {
	config          common.EngineConfig
	handler         EventHandler
	serverConnector IServerConnector
	clientConnector IClientConnector

	clients  *xsync.MapOf[ConnID, *Conn]
	readJobs *queue.SignalQueue[*Conn]
	sendJobs *queue.SignalQueue[*Conn]
	events   *queue.SignalQueue[*Event]

	connector *Connector
	driver    ioDriver
	bufs      *bufferPools
	stats     *metrics.EngineMetrics
	nextID    atomic.Uint64
	heartbeat []byte

	// forceBlocking selects the blocking driver even where a reactor exists
	forceBlocking bool

	mu        sync.Mutex // lifecycle, params and listeners
	params    []common.ListenParam
	listeners []*Listener
	pipelines []stage
	started   atomic.Bool
	stopped   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewServer creates a server with the given connectors. The handler receives
// every connection event, nil discards them.
func NewServer(config common.EngineConfig, handler EventHandler,
	serverConnector IServerConnector, clientConnector IClientConnector) (*Server, error) {

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if handler == nil {
		handler = HandlerFunc(func(*Event) {})
	}

	s := &Server{
		config:          config,
		handler:         handler,
		serverConnector: serverConnector,
		clientConnector: clientConnector,
		clients:         xsync.NewMapOf[ConnID, *Conn](),
		readJobs:        queue.New[*Conn](),
		sendJobs:        queue.New[*Conn](),
		events:          queue.New[*Event](),
		bufs:            newBufferPools(config.ReceiveBufferSize, config.SendBufferSize),
		stats:           metrics.New(config.MetricsPrefix),
		heartbeat:       []byte(config.HeartbeatPayload),
		params:          slices.Clone(config.Listen),
	}
	s.connector = newConnector(s, clientConnector)

	s.stats.RegisterGauge("connections_active", func() float64 {
		return float64(s.clients.Size())
	})
	s.stats.RegisterGauge("accepts_outstanding", func() float64 {
		return float64(s.outstandingAccepts())
	})
	s.stats.RegisterGauge("connects_pending", func() float64 {
		return float64(s.connector.Pending())
	})

	return s, nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// AddListenPort registers a port. Before Start the port is bound by Start,
// afterwards it is bound immediately.
func (s *Server) AddListenPort(port int, tag string) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid listen port %d", port)
	}
	param := common.ListenParam{Port: port, Tag: tag}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return ErrServerClosed
	}
	for _, p := range s.params {
		if port != 0 && p.Port == port {
			return fmt.Errorf("port %d is already registered", port)
		}
	}
	s.params = append(s.params, param)

	if s.started.Load() {
		return s.listenLocked(param)
	}
	return nil
}

// Start runs the pipelines and binds all registered ports. Ports that could not
// be bound are logged and returned, they do not abort the start.
// Cancelling ctx stops the pipelines, Stop must still be called to release resources.
func (s *Server) Start(ctx context.Context) (failedPorts []int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return nil, ErrServerClosed
	}
	if s.started.Load() {
		return nil, ErrAlreadyStarted
	}

	s.driver = blockingDriver{}
	if !s.forceBlocking {
		driver, err := newPlatformDriver()
		if err != nil {
			Logger.Warningf("Falling back to blocking I/O: %v", err)
		} else {
			s.driver = driver
		}
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)
	wait := s.config.PipelineWait()
	onPanic := func() { s.stats.PipelinePanics.Inc() }

	s.pipelines = []stage{
		&pipeline[*Conn]{name: "read", queue: s.readJobs, wait: wait, process: s.processRead, onPanic: onPanic},
		&pipeline[*Conn]{name: "send", queue: s.sendJobs, wait: wait, process: s.processSend, onPanic: onPanic},
		&pipeline[*Event]{name: "event", queue: s.events, wait: wait, process: s.dispatchEvent, onPanic: onPanic},
	}
	for _, p := range s.pipelines {
		s.wg.Add(1)
		go func(p stage) {
			defer s.wg.Done()
			p.run(s.ctx)
		}(p)
	}

	Logger.Infof("Engine started with %s driver", s.driver.name())

	for _, param := range s.params {
		if err := s.listenLocked(param); err != nil {
			Logger.Errorf("Failed to listen on port %d: %v", param.Port, err)
			failedPorts = append(failedPorts, param.Port)
		}
	}
	return failedPorts, nil
}

// listenLocked binds one port
func (s *Server) listenLocked(param common.ListenParam) error {
	if s.serverConnector == nil {
		return errors.New("no server connector configured")
	}
	if param.Port != 0 && !s.config.SkipPortCheck && portcheck.TCPInUse(param.Port) {
		return fmt.Errorf("port %d is already in use", param.Port)
	}

	l := newListener(s, s.serverConnector, param)
	if err := l.start(s.ctx); err != nil {
		return err
	}
	s.listeners = append(s.listeners, l)
	return nil
}

// Stop closes all listeners and connections, delivers the remaining events and
// stops the pipelines. The server cannot be restarted.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if !s.started.Load() {
		s.stats.Stop()
		return nil
	}

	var g errgroup.Group
	for _, l := range s.listeners {
		g.Go(l.close)
	}
	err := g.Wait()

	s.clients.Range(func(_ ConnID, c *Conn) bool {
		c.closeWith(ErrServerClosed)
		return true
	})

	s.cancel()
	s.connector.wait()
	s.wg.Wait()

	// the pipelines may already have returned with the Start context, leftover
	// items (at least the close events queued above) are handled here
	s.readJobs.Close()
	s.sendJobs.Close()
	s.events.Close()
	for _, p := range s.pipelines {
		p.flush()
	}

	if derr := s.driver.close(); derr != nil && err == nil {
		err = derr
	}
	s.stats.Stop()

	Logger.Infof("Engine stopped: %s", s.stats.Snapshot())
	return err
}

// running reports whether the pipelines are up
func (s *Server) running() bool {
	return s.started.Load() && !s.stopped.Load()
}

// --------------------------------------------------------------------------
// Application operations
// --------------------------------------------------------------------------

// Send queues data for transmission to the connection id. It returns ErrNoClient
// if the connection is unknown or closed, or if its outbound pool rejects the data.
// The data must not be modified after the call.
func (s *Server) Send(id ConnID, data []byte) error {
	c, ok := s.clients.Load(id)
	if !ok {
		return ErrNoClient
	}
	if err := c.EnqueueOutbound(data); err != nil {
		s.stats.SendRejected.Inc()
		return err
	}
	s.sendJobs.Put(c)
	return nil
}

// Broadcast sends data to every registered connection and returns the number of
// connections that accepted it. Each target is served independently.
func (s *Server) Broadcast(data []byte) int {
	var sent atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.config.BroadcastConcurrency)

	s.clients.Range(func(id ConnID, _ *Conn) bool {
		g.Go(func() error {
			if err := s.Send(id, data); err == nil {
				sent.Add(1)
			}
			return nil
		})
		return true
	})
	_ = g.Wait()

	return int(sent.Load())
}

// Close closes the connection id. Its close event is still delivered.
func (s *Server) Close(id ConnID) error {
	c, ok := s.clients.Load(id)
	if !ok {
		return ErrNoClient
	}
	return c.Close()
}

// Connect dials ip:port and registers the connection before returning its id
func (s *Server) Connect(ctx context.Context, ip string, port int, tag string) (ConnID, error) {
	if !s.running() {
		return 0, ErrNotStarted
	}
	return s.connector.Connect(ctx, ip, port, tag)
}

// ConnectAsync dials ip:port in the background. The result is delivered as
// EventConnect or EventConnectFailed.
func (s *Server) ConnectAsync(ctx context.Context, ip string, port int, tag string) error {
	if !s.running() {
		return ErrNotStarted
	}
	return s.connector.ConnectAsync(ctx, ip, port, tag)
}

// SetClientSendBuffer changes the transmit buffer size of a connection
func (s *Server) SetClientSendBuffer(id ConnID, size int) error {
	c, ok := s.clients.Load(id)
	if !ok {
		return ErrNoClient
	}
	c.SetSendBufferSize(size)
	return nil
}

// ClientCount returns the number of registered connections
func (s *Server) ClientCount() int {
	return s.clients.Size()
}

// Clients returns the ids of all registered connections in ascending order
func (s *Server) Clients() []ConnID {
	ids := make([]ConnID, 0, s.clients.Size())
	s.clients.Range(func(id ConnID, _ *Conn) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)
	return ids
}

// ClientInfo returns the metadata of a registered connection
func (s *Server) ClientInfo(id ConnID) (ClientInfo, bool) {
	c, ok := s.clients.Load(id)
	if !ok {
		return ClientInfo{}, false
	}
	return c.Info(), true
}

// Listeners returns the active listeners
func (s *Server) Listeners() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.listeners)
}

// Config returns the effective configuration
func (s *Server) Config() common.EngineConfig {
	return s.config
}

// Metrics returns the engine metrics, e.g. for Prometheus exposition
func (s *Server) Metrics() *metrics.EngineMetrics {
	return s.stats
}

// Stats returns a snapshot of the engine counters
func (s *Server) Stats() Stats {
	return Stats{
		Snapshot:           s.stats.Snapshot(),
		ActiveConnections:  s.clients.Size(),
		OutstandingAccepts: s.outstandingAccepts(),
		PendingConnects:    s.connector.Pending(),
	}
}

// ReadByteCount returns the total number of received bytes
func (s *Server) ReadByteCount() uint64 { return s.stats.ReadBytes.Get() }

// SendByteCount returns the total number of transmitted bytes
func (s *Server) SendByteCount() uint64 { return s.stats.SentBytes.Get() }

func (s *Server) outstandingAccepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.listeners {
		n += l.Outstanding()
	}
	return n
}

// --------------------------------------------------------------------------
// Connection setup
// --------------------------------------------------------------------------

// newConn wraps a socket with the driver suitable for it
func (s *Server) newConn(nc net.Conn, isServer bool, tag string) (*Conn, error) {
	id := ConnID(s.nextID.Add(1))
	info := newClientInfo(id, isServer, tag, nc.LocalAddr(), nc.RemoteAddr())

	driver := s.driver
	if _, ok := nc.(syscall.Conn); !ok || driver == nil {
		driver = blockingDriver{}
	}
	return newConn(id, nc, info, driver, s, s.bufs, s.stats, s.config)
}

// register adds a new connection to the registry, queues its accept or connect
// event and its first read. It returns false if the connection is already closed
// or the server is stopping.
func (s *Server) register(c *Conn, kind EventKind) bool {
	if s.stopped.Load() {
		_ = c.Close()
		return false
	}

	// under the connection lock no close event can overtake the accept event
	c.mu.Lock()
	if c.faulted {
		c.mu.Unlock()
		return false
	}
	s.clients.Store(c.id, c)
	c.registered = true
	s.events.Put(s.newEvent(kind, c))
	c.mu.Unlock()

	Logger.Debugf("Registered %s (%s)", c.info, kind)

	if s.stopped.Load() {
		// Stop may have walked the registry before the store above. The close
		// event is lost if the event queue is already closed, so the entry is
		// removed here as well.
		c.closeWith(ErrServerClosed)
		s.clients.Delete(c.id)
		return false
	}

	c.startHeartbeat(
		time.Duration(s.config.HeartbeatIntervalSecond)*time.Second,
		time.Duration(s.config.HeartbeatTimeoutSecond)*time.Second,
		s.config.HeartbeatCloseIdle)
	s.readJobs.Put(c)
	return true
}

// connectFailed queues the event of an outbound connect that never completed
func (s *Server) connectFailed(ip string, port int, tag string, err error) {
	s.events.Put(&Event{
		Kind: EventConnectFailed,
		Info: ClientInfo{Tag: tag, PeerIP: ip, PeerPort: port},
		Err:  err,
	})
}

func (s *Server) newEvent(kind EventKind, c *Conn) *Event {
	return &Event{Kind: kind, Conn: c.id, Info: c.info}
}

// --------------------------------------------------------------------------
// Pipelines
// --------------------------------------------------------------------------

// processRead drains synchronously available data of one connection
func (s *Server) processRead(c *Conn) {
	for c.StartReceive() == HaveRead {
	}
}

// processSend transmits queued data of one connection until it is drained or async
func (s *Server) processSend(c *Conn) {
	for c.StartSend() == HaveSent {
	}
}

// dispatchEvent hands one event to the application. A close event removes the
// connection from the registry before the handler sees it.
func (s *Server) dispatchEvent(ev *Event) {
	defer s.releaseEvent(ev)

	if ev.Kind == EventClose {
		if _, ok := s.clients.LoadAndDelete(ev.Conn); !ok {
			Logger.Warningf("Close event for unregistered connection %s", ev.Info)
		}
	}

	s.stats.EventsDispatched.Inc()
	s.handler.HandleEvent(ev)
}

// releaseEvent returns the pooled read buffer of an event
func (s *Server) releaseEvent(ev *Event) {
	if ev.buf != nil {
		s.bufs.putRecv(ev.buf)
		ev.buf = nil
		ev.Data = nil
	}
}

// --------------------------------------------------------------------------
// Connection observer (see observer)
// --------------------------------------------------------------------------

func (s *Server) dataReceived(c *Conn, view []byte) {
	s.stats.MarkRead(len(view))

	buf := s.bufs.getRecv()
	n := copy(*buf, view)
	ev := s.newEvent(EventRead, c)
	ev.Data, ev.Count, ev.buf = *buf, n, buf
	if !s.events.Put(ev) {
		s.releaseEvent(ev)
	}
}

func (s *Server) dataSent(c *Conn, n int) {
	s.stats.MarkSent(n)
	if s.config.EmitSendEvents {
		ev := s.newEvent(EventSent, c)
		ev.Count = n
		s.events.Put(ev)
	}
}

func (s *Server) closing(c *Conn, cause error) {
	if !c.registered {
		return
	}
	ev := s.newEvent(EventClose, c)
	ev.Err = cause
	s.events.Put(ev)
}

func (s *Server) resume(c *Conn, dir direction) {
	if dir == dirSend {
		s.sendJobs.Put(c)
		return
	}
	s.readJobs.Put(c)
}

func (s *Server) heartbeatDue(c *Conn) {
	if err := s.Send(c.id, s.heartbeat); err != nil {
		Logger.Debugf("Heartbeat to %s not sent: %v", c.info, err)
		return
	}
	s.stats.HeartbeatsSent.Inc()
}
