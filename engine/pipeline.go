package engine

import (
	"context"
	"time"

	"github.com/ValentinKolb/dNet/lib/queue"
)

// stage is the type-erased view of a pipeline used by the server lifecycle
type stage interface {
	run(ctx context.Context)
	flush()
}

// pipeline is one producer/consumer loop of the dispatcher. All three pipelines
// (read, send, event) share this structure: drain everything queued, process each
// item synchronously, then wait for the next signal or the timeout.
type pipeline[T any] struct {
	name    string
	queue   *queue.SignalQueue[T]
	wait    time.Duration
	process func(T)
	onPanic func()
}

// run loops until ctx is done. Items queued before the cancellation are still processed.
func (p *pipeline[T]) run(ctx context.Context) {
	Logger.Debugf("Starting %s pipeline", p.name)
	for {
		p.queue.Drain(p.safeProcess)
		if ctx.Err() != nil {
			Logger.Debugf("Stopped %s pipeline", p.name)
			return
		}
		p.queue.Wait(ctx, p.wait)
	}
}

// flush processes everything still queued. It is called by Stop after run returned.
func (p *pipeline[T]) flush() {
	p.queue.Drain(p.safeProcess)
}

// safeProcess keeps a panicking item from terminating the loop
func (p *pipeline[T]) safeProcess(item T) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("Recovered from panic in %s pipeline: %v", p.name, r)
			if p.onPanic != nil {
				p.onPanic()
			}
		}
	}()
	p.process(item)
}
