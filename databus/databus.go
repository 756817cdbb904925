// Package databus provides bounded FIFO stores that bridge pipelines
// running in different tasks.
//
// Three stores are available. RingBuffer is a byte stream with copy-in
// and copy-out semantics. BlockPool hands out fixed blocks without
// copying. PassThrough moves ownership of whole payload buffers from the
// writer to the reader when the writer payload is not referenced
// elsewhere.
//
// Every blocking call takes a wait duration: port.NoWait returns
// fault.ErrIOTimeout immediately, port.MaxWait blocks until the operation
// completes or the bus is aborted. Abort wakes all waiters with
// fault.ErrIOAbort and keeps committed items until Reset.
package databus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/payload"
	"pipelined.dev/flow/port"
)

// Bus is a bounded blocking FIFO between one writer and one reader.
type Bus interface {
	AcquireRead(ctx context.Context, p *payload.Payload, wanted int, wait time.Duration) (int, error)
	ReleaseRead(ctx context.Context, p *payload.Payload, wait time.Duration) error
	AcquireWrite(ctx context.Context, p *payload.Payload, wanted int, wait time.Duration) (int, error)
	ReleaseWrite(ctx context.Context, p *payload.Payload, wait time.Duration) error
	// Abort unblocks all pending calls.
	Abort()
	// Reset drops all items and clears abort.
	Reset()
	// Filled returns the amount of data ready for read.
	Filled() int
	// Size returns bus capacity.
	Size() int
}

// signal is a condition that can be waited with timeout and context.
// All methods must be called with mu locked.
type signal struct {
	mu      sync.Mutex
	changed chan struct{}
	aborted bool
}

func newSignal() signal {
	return signal{changed: make(chan struct{})}
}

// broadcast wakes up all waiters.
func (s *signal) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// wait blocks until ready returns true. It unlocks mu while waiting and
// locks it back before return.
func (s *signal) wait(ctx context.Context, wait time.Duration, ready func() bool) error {
	if s.aborted {
		return fault.ErrIOAbort
	}
	if ready() {
		return nil
	}
	if wait <= port.NoWait {
		return fault.ErrIOTimeout
	}
	var timeout <-chan time.Time
	if wait != port.MaxWait {
		t := time.NewTimer(wait)
		defer t.Stop()
		timeout = t.C
	}
	for {
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
			s.mu.Lock()
		case <-timeout:
			s.mu.Lock()
			return fault.ErrIOTimeout
		case <-ctx.Done():
			s.mu.Lock()
			return fmt.Errorf("%w: %w", fault.ErrIOAbort, ctx.Err())
		}
		if s.aborted {
			return fault.ErrIOAbort
		}
		if ready() {
			return nil
		}
	}
}

// abort marks the signal aborted and wakes up all waiters.
func (s *signal) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.broadcast()
}

type (
	// writer binds bus to the output port of upstream pipeline.
	writer struct {
		Bus
	}

	// reader binds bus to the input port of downstream pipeline.
	reader struct {
		Bus
	}
)

// Ports returns the pair of ports bound to the bus. Out port writes into
// the bus and belongs to the upstream pipeline, in port reads from the
// bus and belongs to the downstream pipeline.
func Ports(b Bus, typ port.Type, options ...port.Option) (out, in *port.Port) {
	out = port.New(port.Out, typ, append(options, port.WithIO(writer{b}))...)
	in = port.New(port.In, typ, append(options, port.WithIO(reader{b}))...)
	return out, in
}

// mover is implemented by buses that can take over writer buffers.
type mover interface {
	MoveWrite(ctx context.Context, p *payload.Payload, wait time.Duration) error
}

func (w writer) Acquire(ctx context.Context, p *payload.Payload, wanted int, wait time.Duration) (int, error) {
	return w.AcquireWrite(ctx, p, wanted, wait)
}

func (w writer) Release(ctx context.Context, p *payload.Payload, wait time.Duration) error {
	return w.ReleaseWrite(ctx, p, wait)
}

// Move implements port.Mover. Buses that can't take over the buffer
// copy it.
func (w writer) Move(ctx context.Context, p *payload.Payload, wait time.Duration) error {
	if m, ok := w.Bus.(mover); ok {
		return m.MoveWrite(ctx, p, wait)
	}
	return w.ReleaseWrite(ctx, p, wait)
}

func (r reader) Acquire(ctx context.Context, p *payload.Payload, wanted int, wait time.Duration) (int, error) {
	return r.AcquireRead(ctx, p, wanted, wait)
}

func (r reader) Release(ctx context.Context, p *payload.Payload, wait time.Duration) error {
	return r.ReleaseRead(ctx, p, wait)
}
