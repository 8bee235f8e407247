//go:build linux

package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 256

// newPlatformDriver returns the epoll reactor
func newPlatformDriver() (ioDriver, error) {
	return newEpollDriver()
}

// pollEntry is the reactor state of one connection
type pollEntry struct {
	conn  *Conn
	fd    int
	gen   int32  // distinguishes registrations of a reused descriptor
	armed uint32 // EPOLLIN and/or EPOLLOUT
	added bool

	// owned by the reactor while the respective interest is armed
	rbuf []byte
	wbuf []byte
	woff int
}

// epollDriver is a single reactor goroutine serving all connections of an engine.
//
// Reads and writes are first attempted inline. Only when the socket would block is
// one-shot interest armed, the reactor then finishes the operation and calls the
// connection's completion handler. Interest that was armed but did not fire is
// re-armed after every event since EPOLLONESHOT disables the whole registration.
type epollDriver struct {
	epfd    int
	wakeFd  int
	mu      sync.Mutex
	entries map[int]*pollEntry
	nextGen int32
	closed  atomic.Bool
	done    chan struct{}
}

func newEpollDriver() (*epollDriver, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll instance: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("failed to register eventfd: %w", err)
	}

	d := &epollDriver{
		epfd:    epfd,
		wakeFd:  wakeFd,
		entries: make(map[int]*pollEntry),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d, nil
}

func (d *epollDriver) name() string { return "epoll" }

func (d *epollDriver) attach(c *Conn) error {
	if c.raw == nil {
		return errors.New("connection has no file descriptor")
	}

	fd := -1
	if err := c.raw.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed.Load() {
		return ErrServerClosed
	}

	d.nextGen++
	if d.nextGen <= 0 {
		d.nextGen = 1
	}
	c.fd = fd
	d.entries[fd] = &pollEntry{conn: c, fd: fd, gen: d.nextGen}
	return nil
}

func (d *epollDriver) receive(c *Conn, buf []byte) (int, bool, error) {
	n, err := rawRead(c.raw, buf)
	if !errors.Is(err, unix.EAGAIN) {
		return n, true, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	e := d.lookupLocked(c)
	if e == nil {
		return 0, true, net.ErrClosed
	}
	e.rbuf = buf
	if err := d.armLocked(e, unix.EPOLLIN); err != nil {
		return 0, true, err
	}
	return 0, false, nil
}

func (d *epollDriver) send(c *Conn, buf []byte) (int, bool, error) {
	off := 0
	for off < len(buf) {
		n, err := rawWrite(c.raw, buf[off:])
		off += n
		if errors.Is(err, unix.EAGAIN) {
			d.mu.Lock()
			defer d.mu.Unlock()
			e := d.lookupLocked(c)
			if e == nil {
				return off, true, net.ErrClosed
			}
			e.wbuf, e.woff = buf, off
			if err := d.armLocked(e, unix.EPOLLOUT); err != nil {
				return off, true, err
			}
			return off, false, nil
		}
		if err != nil {
			return off, true, err
		}
	}
	return off, true, nil
}

func (d *epollDriver) detach(c *Conn) {
	d.mu.Lock()
	e := d.lookupLocked(c)
	if e == nil {
		d.mu.Unlock()
		return
	}
	delete(d.entries, e.fd)
	if e.added {
		_ = unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, e.fd, &unix.EpollEvent{})
	}
	armed := e.armed
	e.armed = 0
	// woff belongs to the reactor unless OUT is armed
	woff := 0
	if armed&unix.EPOLLOUT != 0 {
		woff = e.woff
	}
	d.mu.Unlock()

	// the caller holds the connection lock, completions run on their own goroutine
	if armed&unix.EPOLLIN != 0 {
		go c.receiveCompleted(0, net.ErrClosed)
	}
	if armed&unix.EPOLLOUT != 0 {
		go c.sendCompleted(woff, net.ErrClosed)
	}
}

func (d *epollDriver) close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(d.wakeFd, one[:]); err != nil {
		Logger.Warningf("Failed to wake epoll loop: %v", err)
	}
	<-d.done

	d.mu.Lock()
	if n := len(d.entries); n > 0 {
		Logger.Warningf("Epoll driver closed with %d attached connections", n)
	}
	d.entries = make(map[int]*pollEntry)
	d.mu.Unlock()

	err := unix.Close(d.epfd)
	_ = unix.Close(d.wakeFd)
	return err
}

// --------------------------------------------------------------------------
// Reactor
// --------------------------------------------------------------------------

func (d *epollDriver) loop() {
	defer close(d.done)

	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		n, err := unix.EpollWait(d.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			Logger.Errorf("Epoll wait failed, reactor stopped: %v", err)
			return
		}

		for i := 0; i < n; i++ {
			if int(events[i].Fd) == d.wakeFd {
				if d.closed.Load() {
					return
				}
				var buf [8]byte
				_, _ = unix.Read(d.wakeFd, buf[:])
				continue
			}
			d.dispatch(events[i])
		}
	}
}

func (d *epollDriver) dispatch(ev unix.EpollEvent) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("Recovered from panic in epoll dispatch: %v", r)
		}
	}()

	d.mu.Lock()
	e := d.entries[int(ev.Fd)]
	if e == nil || e.gen != ev.Pad {
		// stale event of a detached registration
		d.mu.Unlock()
		return
	}

	hangup := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
	var fired uint32
	if e.armed&unix.EPOLLIN != 0 && (hangup || ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0) {
		fired |= unix.EPOLLIN
	}
	if e.armed&unix.EPOLLOUT != 0 && (hangup || ev.Events&unix.EPOLLOUT != 0) {
		fired |= unix.EPOLLOUT
	}

	rest := e.armed &^ fired
	e.armed = 0
	if rest != 0 {
		if err := d.armLocked(e, rest); err != nil {
			Logger.Warningf("Failed to re-arm descriptor %d: %v", e.fd, err)
			fired |= rest
		}
	}
	d.mu.Unlock()

	if fired&unix.EPOLLIN != 0 {
		d.readable(e)
	}
	if fired&unix.EPOLLOUT != 0 {
		d.writable(e)
	}
}

// readable finishes an armed receive
func (d *epollDriver) readable(e *pollEntry) {
	n, err := rawRead(e.conn.raw, e.rbuf)
	if errors.Is(err, unix.EAGAIN) {
		if err = d.rearm(e, unix.EPOLLIN); err == nil {
			return
		}
	}
	e.conn.receiveCompleted(n, err)
}

// writable continues an armed send until the whole buffer is written
func (d *epollDriver) writable(e *pollEntry) {
	for e.woff < len(e.wbuf) {
		n, err := rawWrite(e.conn.raw, e.wbuf[e.woff:])
		e.woff += n
		if errors.Is(err, unix.EAGAIN) {
			if err = d.rearm(e, unix.EPOLLOUT); err == nil {
				return
			}
		}
		if err != nil {
			e.conn.sendCompleted(e.woff, err)
			return
		}
	}
	e.conn.sendCompleted(e.woff, nil)
}

// rearm arms interest again after a spurious wake-up. It fails if the entry was detached.
func (d *epollDriver) rearm(e *pollEntry, ev uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries[e.fd] != e {
		return net.ErrClosed
	}
	return d.armLocked(e, ev)
}

func (d *epollDriver) lookupLocked(c *Conn) *pollEntry {
	e := d.entries[c.fd]
	if e == nil || e.conn != c {
		return nil
	}
	return e
}

// armLocked adds ev to the armed interest of e
func (d *epollDriver) armLocked(e *pollEntry, ev uint32) error {
	mask := e.armed | ev
	events := mask | unix.EPOLLONESHOT
	if mask&unix.EPOLLIN != 0 {
		events |= unix.EPOLLRDHUP
	}

	op := unix.EPOLL_CTL_MOD
	if !e.added {
		op = unix.EPOLL_CTL_ADD
	}
	event := unix.EpollEvent{Events: events, Fd: int32(e.fd), Pad: e.gen}
	if err := unix.EpollCtl(d.epfd, op, e.fd, &event); err != nil {
		return fmt.Errorf("epoll_ctl: %w", err)
	}
	e.added = true
	e.armed = mask
	return nil
}

// --------------------------------------------------------------------------
// Raw socket I/O
// --------------------------------------------------------------------------

// rawRead performs one non-blocking read without parking on the runtime poller
func rawRead(rc syscall.RawConn, buf []byte) (n int, err error) {
	cerr := rc.Read(func(fd uintptr) bool {
		for {
			n, err = unix.Read(int(fd), buf)
			if !errors.Is(err, unix.EINTR) {
				return true
			}
		}
	})
	if cerr != nil {
		return 0, cerr
	}
	if err != nil {
		return 0, err
	}
	return n, nil
}

// rawWrite performs one non-blocking write. MSG_NOSIGNAL turns a write to a
// reset connection into EPIPE instead of SIGPIPE.
func rawWrite(rc syscall.RawConn, buf []byte) (n int, err error) {
	cerr := rc.Write(func(fd uintptr) bool {
		for {
			n, err = unix.SendmsgN(int(fd), buf, nil, nil, unix.MSG_NOSIGNAL)
			if !errors.Is(err, unix.EINTR) {
				return true
			}
		}
	})
	if cerr != nil {
		return 0, cerr
	}
	if err != nil {
		return 0, err
	}
	if n == 0 && len(buf) > 0 {
		return 0, io.ErrShortWrite
	}
	return n, nil
}
