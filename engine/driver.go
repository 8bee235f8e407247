package engine

// ioDriver performs the non-blocking receive and send operations of connections
// and delivers asynchronous results through Conn.receiveCompleted and
// Conn.sendCompleted.
//
// receive and send are called with the connection lock held. done reports a
// synchronous completion with n and err valid. Otherwise the driver owns buf until
// it calls the completion, which must happen exactly once and never from inside
// receive or send.
type ioDriver interface {
	name() string
	// attach prepares the driver for a new connection
	attach(c *Conn) error
	receive(c *Conn, buf []byte) (n int, done bool, err error)
	send(c *Conn, buf []byte) (n int, done bool, err error)
	// detach forgets the connection. Outstanding operations are completed with an error.
	// It is called with the connection lock held, before the socket is closed.
	detach(c *Conn)
	close() error
}

// blockingDriver completes every operation on a short-lived goroutine using the
// blocking net.Conn API. It is the fallback for connections without a file
// descriptor and for platforms without a reactor.
type blockingDriver struct{}

func (blockingDriver) name() string { return "blocking" }

func (blockingDriver) attach(*Conn) error { return nil }

func (blockingDriver) receive(c *Conn, buf []byte) (int, bool, error) {
	go func() {
		n, err := c.conn.Read(buf)
		c.receiveCompleted(n, err)
	}()
	return 0, false, nil
}

func (blockingDriver) send(c *Conn, buf []byte) (int, bool, error) {
	go func() {
		// Write returns an error for short writes
		n, err := c.conn.Write(buf)
		c.sendCompleted(n, err)
	}()
	return 0, false, nil
}

// detach relies on the socket close to unblock the pending Read/Write
func (blockingDriver) detach(*Conn) {}

func (blockingDriver) close() error { return nil }
