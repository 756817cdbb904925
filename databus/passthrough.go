package databus

import (
	"context"
	"fmt"
	"time"

	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/internal/pool"
	"pipelined.dev/flow/payload"
)

type (
	// PassThrough is a bus that moves whole buffers from writer to
	// reader. Owned buffers of writer payloads that are not referenced
	// elsewhere are detached and adopted by the reader payload, so data
	// is not copied. Other payloads are copied into a pooled buffer.
	PassThrough struct {
		signal
		depth int
		queue []item
	}

	item struct {
		buf   []byte
		valid int
		done  bool
		pts   time.Duration
	}
)

// NewPassThrough returns pass-through bus that holds up to depth buffers.
func NewPassThrough(depth int) (*PassThrough, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("pass-through depth %d: %w", depth, fault.ErrInvalidArgument)
	}
	return &PassThrough{
		signal: newSignal(),
		depth:  depth,
	}, nil
}

// AcquireWrite waits until there is room for one more buffer.
func (pt *PassThrough) AcquireWrite(ctx context.Context, _ *payload.Payload, wanted int, wait time.Duration) (int, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.wait(ctx, wait, pt.hasRoom); err != nil {
		return 0, err
	}
	return wanted, nil
}

// ReleaseWrite copies valid bytes of the payload into the queue.
func (pt *PassThrough) ReleaseWrite(ctx context.Context, p *payload.Payload, wait time.Duration) error {
	return pt.push(ctx, p, wait, false)
}

// MoveWrite moves the payload buffer into the queue. Writer payload is
// left without buffer when it owned one. Caller must hold the only
// reference of the payload.
func (pt *PassThrough) MoveWrite(ctx context.Context, p *payload.Payload, wait time.Duration) error {
	return pt.push(ctx, p, wait, true)
}

func (pt *PassThrough) push(ctx context.Context, p *payload.Payload, wait time.Duration, move bool) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.wait(ctx, wait, pt.hasRoom); err != nil {
		return err
	}
	it := item{valid: p.ValidSize(), done: p.Done(), pts: p.PTS()}
	switch {
	case move && p.Owned():
		it.buf = p.Detach()
	case it.valid > 0:
		it.buf = pool.Alloc(it.valid)
		copy(it.buf, p.Bytes())
	}
	pt.queue = append(pt.queue, it)
	pt.broadcast()
	return nil
}

// AcquireRead waits for a buffer and hands its ownership to the payload.
// Previous owned buffer of the payload is returned to the pool.
func (pt *PassThrough) AcquireRead(ctx context.Context, p *payload.Payload, _ int, wait time.Duration) (int, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if err := pt.wait(ctx, wait, func() bool { return len(pt.queue) > 0 }); err != nil {
		return 0, err
	}
	it := pt.queue[0]
	pt.queue[0] = item{}
	pt.queue = pt.queue[1:]
	if it.buf != nil {
		if err := p.Adopt(it.buf, it.valid); err != nil {
			return 0, err
		}
	} else if err := p.SetValidSize(0); err != nil {
		return 0, err
	}
	if it.done {
		p.SetDone()
	} else {
		p.ClearDone()
	}
	p.SetPTS(it.pts)
	pt.broadcast()
	return it.valid, nil
}

// ReleaseRead has nothing to do, the buffer belongs to the reader payload.
func (pt *PassThrough) ReleaseRead(context.Context, *payload.Payload, time.Duration) error {
	return nil
}

// Abort unblocks all pending calls with fault.ErrIOAbort.
func (pt *PassThrough) Abort() {
	pt.abort()
}

// Reset frees queued buffers and clears abort.
func (pt *PassThrough) Reset() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, it := range pt.queue {
		pool.Free(it.buf)
	}
	pt.queue = nil
	pt.aborted = false
	pt.broadcast()
}

// Filled returns the number of queued buffers.
func (pt *PassThrough) Filled() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.queue)
}

// Size returns the depth of the queue.
func (pt *PassThrough) Size() int {
	return pt.depth
}

func (pt *PassThrough) hasRoom() bool {
	return len(pt.queue) < pt.depth
}
