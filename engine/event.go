package engine

import (
	"fmt"
	"net"
	"strconv"
)

// ConnID identifies a connection within one engine. Zero is never assigned.
type ConnID uint64

// EventKind is the type of a connection event
type EventKind int

const (
	// EventAccept reports a connection accepted by a listener
	EventAccept EventKind = iota
	// EventConnect reports an established outbound connection
	EventConnect
	// EventRead carries received bytes
	EventRead
	// EventSent reports transmitted bytes, only emitted if EmitSendEvents is set
	EventSent
	// EventClose reports a closed connection, it is the last event of a connection
	EventClose
	// EventConnectFailed reports an outbound connect that never completed
	EventConnectFailed
)

func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "accept"
	case EventConnect:
		return "connect"
	case EventRead:
		return "read"
	case EventSent:
		return "sent"
	case EventClose:
		return "close"
	case EventConnectFailed:
		return "connect-failed"
	default:
		return "unknown"
	}
}

// ClientInfo describes one connection
type ClientInfo struct {
	ID         ConnID
	IsServer   bool   // accepted by a listener, false for outbound connections
	Tag        string // listen or connect tag
	LocalIP    string
	LocalPort  int
	PeerIP     string
	PeerPort   int
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// PeerEndpoint returns "ip:port" of the remote side
func (i ClientInfo) PeerEndpoint() string {
	return net.JoinHostPort(i.PeerIP, strconv.Itoa(i.PeerPort))
}

func (i ClientInfo) String() string {
	role := "client"
	if i.IsServer {
		role = "server"
	}
	return fmt.Sprintf("#%d %s %s:%d <-> %s", i.ID, role, i.LocalIP, i.LocalPort, i.PeerEndpoint())
}

// newClientInfo fills the address fields from the socket addresses
func newClientInfo(id ConnID, isServer bool, tag string, local, remote net.Addr) ClientInfo {
	info := ClientInfo{
		ID:         id,
		IsServer:   isServer,
		Tag:        tag,
		LocalAddr:  local,
		RemoteAddr: remote,
	}
	info.LocalIP, info.LocalPort = splitAddr(local)
	info.PeerIP, info.PeerPort = splitAddr(remote)
	return info
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Event is delivered to the EventHandler for every lifecycle occurrence of a connection
type Event struct {
	Kind EventKind
	// Conn is zero for EventConnectFailed
	Conn ConnID
	Info ClientInfo
	// Data holds the received bytes of EventRead in Data[Offset:Offset+Count].
	// For EventSent only Count is set.
	Data   []byte
	Offset int
	Count  int
	// Err is the close cause of EventClose and the dial error of EventConnectFailed
	Err error

	buf *[]byte // pooled backing array of Data
}

// Payload returns the received bytes of a read event
func (e *Event) Payload() []byte {
	if e.Data == nil {
		return nil
	}
	return e.Data[e.Offset : e.Offset+e.Count]
}

func (e *Event) String() string {
	switch e.Kind {
	case EventRead, EventSent:
		return fmt.Sprintf("%s %s (%d bytes)", e.Kind, e.Info, e.Count)
	case EventClose, EventConnectFailed:
		if e.Err != nil {
			return fmt.Sprintf("%s %s: %v", e.Kind, e.Info, e.Err)
		}
	}
	return fmt.Sprintf("%s %s", e.Kind, e.Info)
}
