package engine

import "time"

// heartbeat is the per-connection probe timer. It does not run on its own
// goroutine, the runtime timer calls heartbeatFired when it expires.
type heartbeat struct {
	timer     *time.Timer
	interval  time.Duration
	timeout   time.Duration
	closeIdle bool
	probeAt   int64 // unix nano of the outstanding probe, 0 if none
}

// startHeartbeat arms the probe timer. A zero interval disables it.
func (c *Conn) startHeartbeat(interval, timeout time.Duration, closeIdle bool) {
	if interval <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.faulted || c.hb != nil {
		return
	}
	c.hb = &heartbeat{
		interval:  interval,
		timeout:   timeout,
		closeIdle: closeIdle,
	}
	c.hb.timer = time.AfterFunc(interval, c.heartbeatFired)
}

// heartbeatFired checks for read activity since the last expiry. A silent
// connection gets a probe. If the probe is not answered within the timeout the
// connection is closed when closeIdle is set, otherwise probing starts over.
func (c *Conn) heartbeatFired() {
	c.mu.Lock()
	hb := c.hb
	if c.faulted || hb == nil {
		c.mu.Unlock()
		return
	}

	now := time.Now().UnixNano()
	last := c.lastRead.Load()
	due := false

	switch {
	case hb.probeAt != 0 && last <= hb.probeAt:
		// probe unanswered
		hb.probeAt = 0
		if hb.closeIdle {
			c.faultLocked(ErrHeartbeatTimeout)
			c.mu.Unlock()
			return
		}
		hb.timer.Reset(hb.interval)
	case time.Duration(now-last) >= hb.interval:
		hb.probeAt = now
		hb.timer.Reset(hb.timeout)
		due = true
	default:
		hb.probeAt = 0
		hb.timer.Reset(hb.interval - time.Duration(now-last))
	}
	c.mu.Unlock()

	if due {
		c.obs.heartbeatDue(c)
	}
}

func (c *Conn) stopHeartbeatLocked() {
	if c.hb != nil {
		c.hb.timer.Stop()
		c.hb = nil
	}
}
