package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/dNet/engine/common"
)

// TestAcceptReadClose walks one accepted connection through its whole lifecycle
func TestAcceptReadClose(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		rec := newRecorder()
		s := newTestServer(t, blocking, rec, nil)

		client := dial(t, s)
		accept := rec.next(t, EventAccept)
		require.NotZero(t, accept.Conn)
		require.True(t, accept.Info.IsServer)
		require.Equal(t, "test", accept.Info.Tag)
		require.Equal(t, listenPort(s), accept.Info.LocalPort)
		require.Equal(t, 1, s.ClientCount())

		_, err := client.Write([]byte("0123456789"))
		require.NoError(t, err)
		require.Equal(t, []byte("0123456789"), rec.read(t, 10))

		require.NoError(t, client.Close())
		closed := rec.next(t, EventClose)
		require.Equal(t, accept.Conn, closed.Conn)
		require.ErrorIs(t, closed.Err, ErrPeerClosed)

		// the registry forgets the connection before the close event is delivered
		require.Equal(t, 0, s.ClientCount())
		require.ErrorIs(t, s.Send(accept.Conn, []byte("late")), ErrNoClient)
		rec.none(t, EventClose, 200*time.Millisecond)

		stats := s.Stats()
		require.EqualValues(t, 1, stats.Accepted)
		require.EqualValues(t, 1, stats.Closed)
		require.EqualValues(t, 10, stats.ReadBytes)
		require.Eventually(t, func() bool {
			return s.Stats().Released == 1
		}, eventTimeout, 10*time.Millisecond)
	})
}

// TestSendPreservesOrder sends many small chunks and expects them in order
func TestSendPreservesOrder(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		rec := newRecorder()
		s := newTestServer(t, blocking, rec, nil)

		client := dial(t, s)
		id := rec.next(t, EventAccept).Conn

		var expected bytes.Buffer
		for i := 0; i < 200; i++ {
			msg := []byte(fmt.Sprintf("msg-%03d;", i))
			expected.Write(msg)
			require.NoError(t, s.Send(id, msg))
		}

		got := make([]byte, expected.Len())
		require.NoError(t, client.SetReadDeadline(time.Now().Add(eventTimeout)))
		_, err := io.ReadFull(client, got)
		require.NoError(t, err)
		require.Equal(t, expected.String(), string(got))
		require.Eventually(t, func() bool {
			return s.SendByteCount() == uint64(expected.Len())
		}, eventTimeout, 10*time.Millisecond)
	})
}

// TestEchoPingPong answers every request from the event handler
func TestEchoPingPong(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		h := &echoHandler{recorder: newRecorder()}
		s := newTestServer(t, blocking, h, nil)
		h.server.Store(s)

		client := dial(t, s)
		require.NoError(t, client.SetReadDeadline(time.Now().Add(eventTimeout)))

		buf := make([]byte, 4)
		for i := 0; i < 5; i++ {
			_, err := client.Write([]byte("ping"))
			require.NoError(t, err)
			_, err = io.ReadFull(client, buf)
			require.NoError(t, err)
			require.Equal(t, "ping", string(buf))
		}
	})
}

// TestLargeTransfer sends more than the transmit buffer holds in one chunk
func TestLargeTransfer(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		rec := newRecorder()
		s := newTestServer(t, blocking, rec, func(c *common.EngineConfig) {
			c.ReceiveBufferSize = 1024
			c.SendBufferSize = 4096
		})

		client := dial(t, s)
		id := rec.next(t, EventAccept).Conn

		payload := bytes.Repeat([]byte("0123456789abcdef"), 64*1024) // 1 MiB
		require.NoError(t, s.Send(id, payload))

		got := make([]byte, len(payload))
		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*eventTimeout)))
		_, err := io.ReadFull(client, got)
		require.NoError(t, err)
		require.True(t, bytes.Equal(payload, got))

		// and the other direction, split into receive buffer sized reads
		_, err = client.Write(payload[:10000])
		require.NoError(t, err)
		require.Equal(t, payload[:10000], rec.read(t, 10000))
	})
}

// TestAcceptThrottle connects more clients than there are accept slots
func TestAcceptThrottle(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		rec := newRecorder()
		s := newTestServer(t, blocking, rec, nil)

		const clients = 11
		var wg sync.WaitGroup
		for i := 0; i < clients; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c, err := net.DialTimeout("tcp", listenAddr(s), eventTimeout)
				if err == nil {
					t.Cleanup(func() { _ = c.Close() })
				}
			}()
		}
		wg.Wait()

		ids := make(map[ConnID]bool)
		for i := 0; i < clients; i++ {
			ids[rec.next(t, EventAccept).Conn] = true
		}
		require.Len(t, ids, clients)
		require.Equal(t, clients, s.ClientCount())

		l := s.Listeners()[0]
		require.LessOrEqual(t, l.PeakOutstanding(), common.DefaultMaxPendingAccepts)
		require.Eventually(t, func() bool {
			return l.Outstanding() == common.DefaultMaxPendingAccepts
		}, eventTimeout, 10*time.Millisecond)
	})
}

// TestApplicationClose closes a connection from the server side
func TestApplicationClose(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		rec := newRecorder()
		s := newTestServer(t, blocking, rec, nil)

		client := dial(t, s)
		id := rec.next(t, EventAccept).Conn

		require.NoError(t, s.Close(id))
		closed := rec.next(t, EventClose)
		require.ErrorIs(t, closed.Err, ErrClosedByApplication)
		require.ErrorIs(t, s.Close(id), ErrNoClient)

		require.NoError(t, client.SetReadDeadline(time.Now().Add(eventTimeout)))
		_, err := client.Read(make([]byte, 1))
		require.ErrorIs(t, err, io.EOF)
	})
}

// TestConnect dials from one engine to another
func TestConnect(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		recA, recB := newRecorder(), newRecorder()
		a := newTestServer(t, blocking, recA, nil)
		b := newTestServer(t, blocking, recB, nil)

		id, err := b.Connect(context.Background(), "127.0.0.1", listenPort(a), "outbound")
		require.NoError(t, err)

		info, ok := b.ClientInfo(id)
		require.True(t, ok)
		require.False(t, info.IsServer)
		require.Equal(t, "outbound", info.Tag)
		require.Equal(t, listenPort(a), info.PeerPort)

		require.Equal(t, id, recB.next(t, EventConnect).Conn)
		accepted := recA.next(t, EventAccept)

		require.NoError(t, b.Send(id, []byte("hello")))
		require.Equal(t, []byte("hello"), recA.read(t, 5))

		require.NoError(t, a.Send(accepted.Conn, []byte("world")))
		require.Equal(t, []byte("world"), recB.read(t, 5))

		require.EqualValues(t, 1, b.Stats().Connected)
	})
}

// TestConnectFailed reports failed connects by error or by event
func TestConnectFailed(t *testing.T) {
	rec := newRecorder()
	s := newTestServer(t, false, rec, nil)
	port := freePort(t)

	_, err := s.Connect(context.Background(), "127.0.0.1", port, "sync")
	require.ErrorIs(t, err, ErrConnectFailure)

	require.NoError(t, s.ConnectAsync(context.Background(), "127.0.0.1", port, "async"))
	ev := rec.next(t, EventConnectFailed)
	require.ErrorIs(t, ev.Err, ErrConnectFailure)
	require.Equal(t, "async", ev.Info.Tag)
	require.Equal(t, port, ev.Info.PeerPort)
	require.Zero(t, ev.Conn)

	// only the asynchronous failure produced an event
	rec.none(t, EventConnectFailed, 200*time.Millisecond)
	require.EqualValues(t, 2, s.Stats().ConnectFailures)

	require.Error(t, s.ConnectAsync(context.Background(), "127.0.0.1", 0, ""))
	require.Error(t, s.ConnectAsync(context.Background(), "", port, ""))
}

// TestConnectAsyncReleasesDials checks that finished dials do not stay bound to the server
func TestConnectAsyncReleasesDials(t *testing.T) {
	rec := newRecorder()
	s := newTestServer(t, false, rec, nil)
	closedPort := freePort(t)

	const rounds = 20
	for i := 0; i < rounds; i++ {
		require.NoError(t, s.ConnectAsync(context.Background(), "127.0.0.1", closedPort, "failing"))
		require.NoError(t, s.ConnectAsync(context.Background(), "127.0.0.1", listenPort(s), "working"))
	}
	for i := 0; i < rounds; i++ {
		rec.next(t, EventConnectFailed)
	}

	require.Eventually(t, func() bool {
		return s.Stats().PendingConnects == 0
	}, eventTimeout, 10*time.Millisecond)
	require.EqualValues(t, rounds, s.Stats().Connected)

	// a synchronous connect releases its dial before returning
	_, err := s.Connect(context.Background(), "127.0.0.1", listenPort(s), "sync")
	require.NoError(t, err)
	require.Zero(t, s.Stats().PendingConnects)
}

// TestBroadcast sends one message to every connection
func TestBroadcast(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		rec := newRecorder()
		s := newTestServer(t, blocking, rec, nil)

		clients := make([]net.Conn, 3)
		for i := range clients {
			clients[i] = dial(t, s)
			rec.next(t, EventAccept)
		}

		require.Equal(t, 3, s.Broadcast([]byte("hi all")))

		for _, c := range clients {
			buf := make([]byte, 6)
			require.NoError(t, c.SetReadDeadline(time.Now().Add(eventTimeout)))
			_, err := io.ReadFull(c, buf)
			require.NoError(t, err)
			require.Equal(t, "hi all", string(buf))
		}
	})
}

// TestHeartbeatClosesIdle probes a silent peer and closes it after the timeout
func TestHeartbeatClosesIdle(t *testing.T) {
	rec := newRecorder()
	s := newTestServer(t, false, rec, func(c *common.EngineConfig) {
		c.HeartbeatIntervalSecond = 1
		c.HeartbeatTimeoutSecond = 1
		c.HeartbeatCloseIdle = true
		c.HeartbeatPayload = "beat"
	})

	client := dial(t, s)
	rec.next(t, EventAccept)

	buf := make([]byte, 4)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(eventTimeout)))
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "beat", string(buf))

	closed := rec.next(t, EventClose)
	require.ErrorIs(t, closed.Err, ErrHeartbeatTimeout)
	require.GreaterOrEqual(t, s.Stats().HeartbeatsSent, uint64(1))
}

// TestHeartbeatAnswered keeps a connection open as long as the peer talks
func TestHeartbeatAnswered(t *testing.T) {
	rec := newRecorder()
	s := newTestServer(t, false, rec, func(c *common.EngineConfig) {
		c.HeartbeatIntervalSecond = 1
		c.HeartbeatTimeoutSecond = 1
		c.HeartbeatCloseIdle = true
		c.HeartbeatPayload = "beat"
	})

	client := dial(t, s)
	rec.next(t, EventAccept)

	stop := time.After(3 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-ticker.C:
			_, err := client.Write([]byte("."))
			require.NoError(t, err)
		case <-stop:
			done = true
		}
	}
	require.Equal(t, 1, s.ClientCount())
}

// TestSetClientSendBuffer shrinks the transmit buffer of one connection
func TestSetClientSendBuffer(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		rec := newRecorder()
		s := newTestServer(t, blocking, rec, nil)

		require.ErrorIs(t, s.SetClientSendBuffer(12345, 2048), ErrNoClient)

		client := dial(t, s)
		id := rec.next(t, EventAccept).Conn
		require.NoError(t, s.SetClientSendBuffer(id, 10))

		payload := []byte(strings.Repeat("x", 5000))
		require.NoError(t, s.Send(id, payload))

		got := make([]byte, len(payload))
		require.NoError(t, client.SetReadDeadline(time.Now().Add(eventTimeout)))
		_, err := io.ReadFull(client, got)
		require.NoError(t, err)
		require.Equal(t, payload, got)

		// transmits were limited to the minimum buffer size
		require.LessOrEqual(t, s.Metrics().SendSizes().Max(), common.MinSendBufferSize)
	})
}

// TestSendEvents reports transmitted bytes when enabled
func TestSendEvents(t *testing.T) {
	rec := newRecorder()
	s := newTestServer(t, false, rec, func(c *common.EngineConfig) {
		c.EmitSendEvents = true
	})

	dial(t, s)
	id := rec.next(t, EventAccept).Conn
	require.NoError(t, s.Send(id, []byte("12345")))

	total := 0
	for total < 5 {
		total += rec.next(t, EventSent).Count
	}
	require.Equal(t, 5, total)
}

// TestHandlerPanic keeps the event pipeline alive after a panicking handler
func TestHandlerPanic(t *testing.T) {
	rec := newRecorder()
	handler := HandlerFunc(func(ev *Event) {
		if ev.Kind == EventAccept {
			panic("boom")
		}
		rec.HandleEvent(ev)
	})
	s := newTestServer(t, false, handler, nil)

	client := dial(t, s)
	_, err := client.Write([]byte("still alive"))
	require.NoError(t, err)
	require.Equal(t, []byte("still alive"), rec.read(t, 11))
	require.EqualValues(t, 1, s.Stats().PipelinePanics)
}

// TestStop closes all connections and delivers their close events
func TestStop(t *testing.T) {
	rec := newRecorder()
	s := newTestServer(t, false, rec, nil)

	client := dial(t, s)
	id := rec.next(t, EventAccept).Conn

	require.NoError(t, s.Stop())
	closed := rec.next(t, EventClose)
	require.Equal(t, id, closed.Conn)
	require.ErrorIs(t, closed.Err, ErrServerClosed)

	require.ErrorIs(t, s.Send(id, []byte("x")), ErrNoClient)
	require.NoError(t, s.Stop())

	_, err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrServerClosed)
	_, err = s.Connect(context.Background(), "127.0.0.1", 1, "")
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(eventTimeout)))
	_, err = client.Read(make([]byte, 1))
	require.Error(t, err)
}

// TestStopAfterContextCancel stops a server whose pipelines already returned
// because the Start context was cancelled
func TestStopAfterContextCancel(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		rec := newRecorder()
		s := newTestServerContext(t, ctx, blocking, rec, nil)

		dial(t, s)
		dial(t, s)
		ids := map[ConnID]bool{
			rec.next(t, EventAccept).Conn: true,
			rec.next(t, EventAccept).Conn: true,
		}

		cancel()
		require.NoError(t, s.Stop())

		for range ids {
			closed := rec.next(t, EventClose)
			require.True(t, ids[closed.Conn])
			require.ErrorIs(t, closed.Err, ErrServerClosed)
		}
		require.Zero(t, s.ClientCount())
		require.EqualValues(t, 2, s.Stats().Closed)
	})
}

// TestCloseDuringBlockedSend closes a connection whose peer stopped reading
func TestCloseDuringBlockedSend(t *testing.T) {
	forEachDriver(t, func(t *testing.T, blocking bool) {
		rec := newRecorder()
		s := newTestServer(t, blocking, rec, nil)

		dial(t, s)
		id := rec.next(t, EventAccept).Conn

		// far more than the socket buffers hold, the transmit stays pending
		require.NoError(t, s.Send(id, bytes.Repeat([]byte("x"), 16<<20)))
		require.Eventually(t, func() bool {
			return s.SendByteCount() > 0
		}, eventTimeout, 10*time.Millisecond)

		require.NoError(t, s.Close(id))
		closed := rec.next(t, EventClose)
		require.Equal(t, id, closed.Conn)
		require.ErrorIs(t, closed.Err, ErrClosedByApplication)

		require.Eventually(t, func() bool {
			st := s.Stats()
			return st.ReadReleased == 1 && st.SendReleased == 1
		}, eventTimeout, 10*time.Millisecond)
	})
}

// TestStartTwice and listen port bookkeeping
func TestStartTwice(t *testing.T) {
	s := newTestServer(t, false, nil, nil)

	_, err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyStarted)

	// ports added after the start are bound immediately
	require.NoError(t, s.AddListenPort(0, "late"))
	require.Len(t, s.Listeners(), 2)
	require.Equal(t, "late", s.Listeners()[1].Param().Tag)
	require.Error(t, s.AddListenPort(70000, ""))
}

// TestFailedPorts reports ports that could not be bound without aborting the start
func TestFailedPorts(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	config := common.DefaultEngineConfig()
	config.Listen = []common.ListenParam{{Port: port}, {Port: 0}}
	config.SkipPortCheck = true

	s, err := NewServer(config, nil, loopbackConnector{}, loopbackConnector{})
	require.NoError(t, err)
	defer s.Stop()

	failed, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{port}, failed)
	require.Len(t, s.Listeners(), 1)
}

// TestMetricsExposition writes the Prometheus text format
func TestMetricsExposition(t *testing.T) {
	rec := newRecorder()
	s := newTestServer(t, false, rec, nil)
	dial(t, s)
	rec.next(t, EventAccept)

	var buf bytes.Buffer
	s.Metrics().WritePrometheus(&buf)
	out := buf.String()
	require.Contains(t, out, "dnet_connections_active 1")
	require.Contains(t, out, "dnet_accepts_total 1")
	require.Contains(t, out, "dnet_accepts_outstanding")
}
