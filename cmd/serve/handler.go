package serve

import (
	"fmt"
	"sync/atomic"

	"github.com/ValentinKolb/dNet/cmd/util"
	"github.com/ValentinKolb/dNet/engine"
)

// Handler modes of the serve command
const (
	ModeLog       = "log"
	ModeEcho      = "echo"
	ModeBroadcast = "broadcast"
)

// modeHandler reacts to engine events according to the selected mode
type modeHandler struct {
	mode   string
	server atomic.Pointer[engine.Server]
}

func newModeHandler(mode string) (*modeHandler, error) {
	switch mode {
	case ModeLog, ModeEcho, ModeBroadcast:
		return &modeHandler{mode: mode}, nil
	default:
		return nil, fmt.Errorf("invalid mode %s (expected one of: log, echo, broadcast)", mode)
	}
}

// attach sets the server the handler answers through
func (h *modeHandler) attach(s *engine.Server) {
	h.server.Store(s)
}

func (h *modeHandler) HandleEvent(ev *engine.Event) {
	switch ev.Kind {
	case engine.EventAccept, engine.EventConnect:
		util.Logger.Infof("New connection %s (tag %q)", ev.Info, ev.Info.Tag)
	case engine.EventClose:
		util.Logger.Infof("Connection %s closed: %v", ev.Info, ev.Err)
	case engine.EventConnectFailed:
		util.Logger.Warningf("Connect to %s failed: %v", ev.Info.PeerEndpoint(), ev.Err)
	case engine.EventRead:
		h.handleRead(ev)
	}
}

func (h *modeHandler) handleRead(ev *engine.Event) {
	s := h.server.Load()

	switch h.mode {
	case ModeLog:
		util.Logger.Infof("Received %d bytes from %s: %q", ev.Count, ev.Info.PeerEndpoint(), ev.Payload())
	case ModeEcho:
		// the payload is only valid during the callback
		if err := s.Send(ev.Conn, append([]byte(nil), ev.Payload()...)); err != nil {
			util.Logger.Warningf("Echo to %s failed: %v", ev.Info, err)
		}
	case ModeBroadcast:
		n := s.Broadcast(append([]byte(nil), ev.Payload()...))
		util.Logger.Debugf("Broadcast %d bytes from %s to %d clients", ev.Count, ev.Info, n)
	}
}
