package engine

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/dNet/engine/common"
)

const eventTimeout = 5 * time.Second

// loopbackConnector listens and dials on 127.0.0.1 only
type loopbackConnector struct{}

func (loopbackConnector) GetName() string { return "loopback" }

func (loopbackConnector) Listen(param common.ListenParam, _ common.EngineConfig) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(param.Port)))
}

func (loopbackConnector) Connect(ctx context.Context, endpoint string, _ common.EngineConfig) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", endpoint)
}

func (loopbackConnector) UpgradeConnection(net.Conn, common.EngineConfig) error { return nil }

// recorder copies every event into a channel
type recorder struct {
	events chan Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan Event, 4096)}
}

func (r *recorder) HandleEvent(ev *Event) {
	cp := *ev
	cp.Data = append([]byte(nil), ev.Payload()...)
	cp.Offset = 0
	cp.buf = nil
	r.events <- cp
}

// next returns the next event of kind, events of other kinds are skipped
func (r *recorder) next(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

// read collects read events until n bytes arrived
func (r *recorder) read(t *testing.T, n int) []byte {
	t.Helper()
	var data []byte
	for len(data) < n {
		ev := r.next(t, EventRead)
		data = append(data, ev.Data...)
	}
	return data
}

// none fails if any event of kind arrives within d
func (r *recorder) none(t *testing.T, kind EventKind, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == kind {
				t.Fatalf("Unexpected event %s", &ev)
			}
		case <-deadline:
			return
		}
	}
}

// echoHandler sends every received chunk back and records all events
type echoHandler struct {
	*recorder
	server atomic.Pointer[Server]
}

func (h *echoHandler) HandleEvent(ev *Event) {
	if ev.Kind == EventRead {
		if s := h.server.Load(); s != nil {
			_ = s.Send(ev.Conn, append([]byte(nil), ev.Payload()...))
		}
	}
	h.recorder.HandleEvent(ev)
}

// newTestServer starts a server listening on an ephemeral loopback port
func newTestServer(t *testing.T, blocking bool, handler EventHandler, configure func(*common.EngineConfig)) *Server {
	t.Helper()
	return newTestServerContext(t, context.Background(), blocking, handler, configure)
}

// newTestServerContext is newTestServer with the context passed to Start
func newTestServerContext(t *testing.T, ctx context.Context, blocking bool, handler EventHandler, configure func(*common.EngineConfig)) *Server {
	t.Helper()

	config := common.DefaultEngineConfig()
	config.SkipPortCheck = true
	config.PipelineWaitMs = 50
	config.AcceptWaitSecond = 1
	config.ConnectTimeoutSecond = 2
	if configure != nil {
		configure(&config)
	}

	s, err := NewServer(config, handler, loopbackConnector{}, loopbackConnector{})
	require.NoError(t, err)
	s.forceBlocking = blocking

	require.NoError(t, s.AddListenPort(0, "test"))
	failed, err := s.Start(ctx)
	require.NoError(t, err)
	require.Empty(t, failed)

	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func listenAddr(s *Server) string {
	return s.Listeners()[0].Addr().String()
}

func listenPort(s *Server) int {
	return s.Listeners()[0].Addr().(*net.TCPAddr).Port
}

// dial connects a plain client socket to the server
func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", listenAddr(s), eventTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// forEachDriver runs fn against the reactor and the blocking driver
func forEachDriver(t *testing.T, fn func(t *testing.T, blocking bool)) {
	t.Run("reactor", func(t *testing.T) { fn(t, false) })
	t.Run("blocking", func(t *testing.T) { fn(t, true) })
}

// freePort returns a port nobody listens on
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
