// Package sendbuf implements the per-connection outbound buffer pool: a thread-safe
// FIFO of immutable byte chunks waiting to be transmitted.
//
// The pool keeps a running total of the queued bytes. When a cap is configured the
// total is used for backpressure, either by rejecting new chunks (PolicyReject) or
// by blocking the producer until the sender has drained enough data (PolicyBlock).
//
// Chunks are never reordered. Fill copies as many whole chunks as fit into a transmit
// buffer. A chunk larger than the whole buffer is copied in buffer-sized slices, with
// the remainder kept at the head of the pool until the next call.
package sendbuf

import (
	"errors"
	"sync"

	"github.com/eapache/queue"
)

var (
	// ErrClosed is returned by Put after the pool was closed
	ErrClosed = errors.New("send buffer pool is closed")
	// ErrFull is returned by Put when the byte cap would be exceeded under PolicyReject
	ErrFull = errors.New("send buffer pool is full")
)

// Policy decides what Put does when the byte cap is reached
type Policy int

const (
	// PolicyReject fails the Put with ErrFull
	PolicyReject Policy = iota
	// PolicyBlock waits until enough bytes were drained or the pool is closed
	PolicyBlock
)

// ParsePolicy converts a config string into a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "reject":
		return PolicyReject, nil
	case "block":
		return PolicyBlock, nil
	default:
		return PolicyReject, errors.New("invalid backpressure policy: " + s + ". must be one of reject, block")
	}
}

func (p Policy) String() string {
	if p == PolicyBlock {
		return "block"
	}
	return "reject"
}

// Pool is a FIFO of outbound chunks for a single connection
type Pool struct {
	mu       sync.Mutex
	space    *sync.Cond // signalled when bytes are drained or the pool closes
	chunks   *queue.Queue
	partial  []byte // remainder of a chunk that did not fit into one transmit buffer
	bytes    int64
	maxBytes int64
	policy   Policy
	closed   bool
}

// New creates a pool. maxBytes <= 0 disables the cap.
func New(maxBytes int64, policy Policy) *Pool {
	p := &Pool{
		chunks:   queue.New(),
		maxBytes: maxBytes,
		policy:   policy,
	}
	p.space = sync.NewCond(&p.mu)
	return p
}

// Put appends a chunk. Empty chunks are accepted and ignored.
// The pool keeps a reference to data, callers must not modify it afterwards.
func (p *Pool) Put(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}

	size := int64(len(data))
	for p.maxBytes > 0 && p.bytes > 0 && p.bytes+size > p.maxBytes {
		if p.policy == PolicyReject {
			return ErrFull
		}
		p.space.Wait()
		if p.closed {
			return ErrClosed
		}
	}

	p.chunks.Add(data)
	p.bytes += size
	return nil
}

// Get pops the oldest chunk. The boolean is false when the pool is drained,
// which is a normal terminal condition for the sender.
func (p *Pool) Get() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var chunk []byte
	switch {
	case p.partial != nil:
		chunk, p.partial = p.partial, nil
	case p.chunks.Length() > 0:
		chunk = p.chunks.Remove().([]byte)
	default:
		return nil, false
	}

	p.bytes -= int64(len(chunk))
	p.space.Broadcast()
	return chunk, true
}

// Fill copies queued data into dst in FIFO order and returns the number of bytes
// written together with the number of chunks that were fully consumed.
//
// Whole chunks are copied while they fit. A chunk that does not fit into the remaining
// space is left for the next call, unless dst is still empty, in which case the chunk
// is split and its tail stays at the head of the pool.
func (p *Pool) Fill(dst []byte) (n int, chunks int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for n < len(dst) {
		var head []byte
		fromPartial := p.partial != nil
		if fromPartial {
			head = p.partial
		} else if p.chunks.Length() > 0 {
			head = p.chunks.Peek().([]byte)
		} else {
			break
		}

		if len(head) > len(dst)-n {
			if n > 0 {
				break
			}
			copied := copy(dst, head)
			if !fromPartial {
				p.chunks.Remove()
			}
			p.partial = head[copied:]
			n = copied
			break
		}

		n += copy(dst[n:], head)
		chunks++
		if fromPartial {
			p.partial = nil
		} else {
			p.chunks.Remove()
		}
	}

	if n > 0 {
		p.bytes -= int64(n)
		p.space.Broadcast()
	}
	return n, chunks
}

// Len returns the number of queued chunks, counting a split remainder as one.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.chunks.Length()
	if p.partial != nil {
		n++
	}
	return n
}

// Bytes returns the total number of queued bytes
func (p *Pool) Bytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

// Close drops all queued data and rejects further puts. Blocked producers are released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for p.chunks.Length() > 0 {
		p.chunks.Remove()
	}
	p.partial = nil
	p.bytes = 0
	p.space.Broadcast()
}

// IsClosed returns true once Close was called
func (p *Pool) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
