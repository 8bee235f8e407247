package tcp

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/dNet/engine"
	"github.com/ValentinKolb/dNet/engine/common"
)

func startEcho(t *testing.T, config common.EngineConfig) (*engine.Server, chan engine.Event) {
	t.Helper()

	events := make(chan engine.Event, 256)
	var srv atomic.Pointer[engine.Server]
	handler := engine.HandlerFunc(func(ev *engine.Event) {
		if ev.Kind == engine.EventRead {
			_ = srv.Load().Send(ev.Conn, append([]byte(nil), ev.Payload()...))
		}
		cp := *ev
		cp.Data = nil
		events <- cp
	})

	s, err := NewServer(config, handler)
	require.NoError(t, err)
	srv.Store(s)

	require.NoError(t, s.AddListenPort(0, "echo"))
	failed, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Empty(t, failed)
	t.Cleanup(func() { _ = s.Stop() })
	return s, events
}

func port(s *engine.Server) int {
	return s.Listeners()[0].Addr().(*net.TCPAddr).Port
}

func waitFor(t *testing.T, events chan engine.Event, kind engine.EventKind) engine.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for %s event", kind)
			return engine.Event{}
		}
	}
}

// TestEchoOverTCP tests a plain socket client against the engine
func TestEchoOverTCP(t *testing.T) {
	config := common.DefaultEngineConfig()
	config.TCP.TCPKeepAliveSec = 30
	config.TCP.TCPLingerSec = 1
	config.Socket.ReadBufferSize = 64 * 1024
	config.Socket.WriteBufferSize = 64 * 1024
	s, events := startEcho(t, config)

	client, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port(s))), 5*time.Second)
	require.NoError(t, err)
	defer client.Close()

	accept := waitFor(t, events, engine.EventAccept)
	require.Equal(t, "echo", accept.Info.Tag)

	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

// TestEngineToEngine connects two engines over TCP
func TestEngineToEngine(t *testing.T) {
	server, _ := startEcho(t, common.DefaultEngineConfig())

	received := make(chan []byte, 16)
	client, err := NewServer(common.DefaultEngineConfig(), engine.HandlerFunc(func(ev *engine.Event) {
		if ev.Kind == engine.EventRead {
			received <- append([]byte(nil), ev.Payload()...)
		}
	}))
	require.NoError(t, err)
	_, err = client.Start(context.Background())
	require.NoError(t, err)
	defer client.Stop()

	id, err := client.Connect(context.Background(), "127.0.0.1", port(server), "peer")
	require.NoError(t, err)
	require.NoError(t, client.Send(id, []byte("hello")))

	var got []byte
	timeout := time.After(5 * time.Second)
	for len(got) < 5 {
		select {
		case data := <-received:
			got = append(got, data...)
		case <-timeout:
			t.Fatal("Timed out waiting for the echo")
		}
	}
	require.Equal(t, "hello", string(got))
}

// TestReusePort binds the same port twice with SO_REUSEPORT
func TestReusePort(t *testing.T) {
	config := common.DefaultEngineConfig()
	config.Socket.ReusePort = true

	connector := NewServerConnector()
	first, err := connector.Listen(common.ListenParam{Port: 0}, config)
	if err != nil {
		t.Skipf("SO_REUSEPORT not available: %v", err)
	}
	defer first.Close()

	p := first.Addr().(*net.TCPAddr).Port
	second, err := connector.Listen(common.ListenParam{Port: p}, config)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestConnectorNames(t *testing.T) {
	require.Equal(t, "tcp", NewServerConnector().GetName())
	require.Equal(t, "tcp", NewClientConnector().GetName())
}
