package surface

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrApplierStopped = errors.New("applier stopped")

type applyReq struct {
	ctx  context.Context
	fn   func(Surface) error
	resp chan error
}

// Applier serializes every mutation of a Surface onto one goroutine (Run).
type Applier struct {
	s    Surface
	reqs chan applyReq
	stop chan struct{}

	applied atomic.Uint64
	failed  atomic.Uint64
}

func NewApplier(s Surface, queueSize int) *Applier {
	if queueSize < 0 {
		queueSize = 0
	}
	return &Applier{s: s, reqs: make(chan applyReq, queueSize), stop: make(chan struct{})}
}

// Run owns the surface until ctx is done.
func (a *Applier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			close(a.stop)
			a.drain()
			return ctx.Err()
		case r := <-a.reqs:
			a.handle(r)
		}
	}
}

func (a *Applier) handle(r applyReq) {
	if err := r.ctx.Err(); err != nil {
		r.resp <- err
		return
	}
	err := r.fn(a.s)
	if err != nil {
		a.failed.Add(1)
	} else {
		a.applied.Add(1)
	}
	r.resp <- err
}

func (a *Applier) drain() {
	for {
		select {
		case r := <-a.reqs:
			r.resp <- ErrApplierStopped
		default:
			return
		}
	}
}

// Apply runs fn on the applier goroutine and waits for its result.
func (a *Applier) Apply(ctx context.Context, fn func(Surface) error) error {
	resp := make(chan error, 1)
	select {
	case a.reqs <- applyReq{ctx: ctx, fn: fn, resp: resp}:
	case <-a.stop:
		return ErrApplierStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-resp:
		return err
	case <-a.stop:
		select {
		case err := <-resp:
			return err
		default:
			return ErrApplierStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyInventory is Apply for surfaces that implement InventoryHolder.
func (a *Applier) ApplyInventory(ctx context.Context, fn func(InventoryHolder) error) error {
	return a.Apply(ctx, func(s Surface) error {
		h, ok := s.(InventoryHolder)
		if !ok {
			return ErrNoInventories
		}
		return fn(h)
	})
}

type Stats struct {
	Applied    uint64
	Failed     uint64
	QueueDepth int
}

func (a *Applier) Stats() Stats {
	return Stats{Applied: a.applied.Load(), Failed: a.failed.Load(), QueueDepth: len(a.reqs)}
}
