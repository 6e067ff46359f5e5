package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type op struct {
	fn   func(*call) error
	done chan error
}

// callActor serializes every mutation of one call on its own goroutine.
// Readers use the published snapshot and never touch the inbox.
type callActor struct {
	id       string
	inbox    chan op
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	snap     atomic.Pointer[CallSnapshot]
	state    *call
	evict    atomic.Pointer[time.Timer]
}

func newCallActor(c *call, inbox int) *callActor {
	a := &callActor{
		id:      c.id,
		inbox:   make(chan op, inbox),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		state:   c,
	}
	a.snap.Store(c.snapshot())
	go a.run()
	return a
}

func (a *callActor) run() {
	defer close(a.stopped)
	for {
		select {
		case <-a.stop:
			if a.state.graceTimer != nil {
				a.state.graceTimer.Stop()
			}
			return
		case o := <-a.inbox:
			err := o.fn(a.state)
			a.snap.Store(a.state.snapshot())
			if o.done != nil {
				o.done <- err
			}
		}
	}
}

// do runs fn on the actor and waits for its result. If ctx ends after the op
// was queued, fn still runs; only the wait is abandoned.
func (a *callActor) do(ctx context.Context, fn func(*call) error) error {
	o := op{fn: fn, done: make(chan error, 1)}
	select {
	case a.inbox <- o:
	case <-a.stopped:
		return newError(CodeUnknownCall, "call %s was evicted", a.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-o.done:
		return err
	case <-a.stopped:
		return newError(CodeUnknownCall, "call %s was evicted", a.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn without waiting. Used by timers.
func (a *callActor) post(fn func(*call) error) bool {
	select {
	case a.inbox <- op{fn: fn}:
		return true
	case <-a.stopped:
		return false
	}
}

func (a *callActor) snapshot() *CallSnapshot {
	return a.snap.Load()
}

func (a *callActor) shutdown() {
	a.stopOnce.Do(func() {
		if t := a.evict.Load(); t != nil {
			t.Stop()
		}
		close(a.stop)
	})
}

// wait blocks until the actor goroutine has exited.
func (a *callActor) wait() {
	<-a.stopped
}
