package databus

import (
	"context"
	"fmt"
	"time"

	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/payload"
)

// RingBuffer is a byte stream bus. Writer data is copied in on release,
// reader data is copied out on acquire. End of stream is carried as a
// mark set by the writer: reader gets done payload once it drains all
// data written before the mark.
type RingBuffer struct {
	signal
	buf   []byte
	head  int
	count int
	done  bool
}

// NewRingBuffer returns ring buffer of items × itemSize bytes.
func NewRingBuffer(items, itemSize int) (*RingBuffer, error) {
	if items <= 0 || itemSize <= 0 {
		return nil, fmt.Errorf("ring buffer %d×%d: %w", items, itemSize, fault.ErrInvalidArgument)
	}
	if items*itemSize > payload.MaxSize {
		return nil, fmt.Errorf("ring buffer %d×%d: %w", items, itemSize, fault.ErrMemoryExhausted)
	}
	return &RingBuffer{
		signal: newSignal(),
		buf:    make([]byte, items*itemSize),
	}, nil
}

// AcquireRead copies up to wanted bytes into the payload. It blocks
// while the buffer is empty and the writer hasn't marked end of stream.
func (rb *RingBuffer) AcquireRead(ctx context.Context, p *payload.Payload, wanted int, wait time.Duration) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if err := rb.wait(ctx, wait, func() bool { return rb.count > 0 || rb.done }); err != nil {
		return 0, err
	}
	n := min(wanted, rb.count, p.Cap())
	dst := p.Buf()[:n]
	for copied := 0; copied < n; {
		c := copy(dst[copied:], rb.buf[rb.head:min(len(rb.buf), rb.head+n-copied)])
		rb.head = (rb.head + c) % len(rb.buf)
		copied += c
	}
	rb.count -= n
	if rb.count == 0 && rb.done {
		p.SetDone()
	} else {
		p.ClearDone()
	}
	if n > 0 {
		rb.broadcast()
	}
	return n, nil
}

// ReleaseRead has nothing to do, data was copied out on acquire.
func (rb *RingBuffer) ReleaseRead(context.Context, *payload.Payload, time.Duration) error {
	return nil
}

// AcquireWrite returns immediately, the payload is filled by the writer
// and copied in on release.
func (rb *RingBuffer) AcquireWrite(_ context.Context, _ *payload.Payload, wanted int, _ time.Duration) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.aborted {
		return 0, fault.ErrIOAbort
	}
	return wanted, nil
}

// ReleaseWrite copies valid bytes of the payload into the buffer. It
// waits until the whole payload fits, so the payload is either committed
// or not written at all and can be released again after timeout.
// Payloads larger than the buffer are rejected.
func (rb *RingBuffer) ReleaseWrite(ctx context.Context, p *payload.Payload, wait time.Duration) error {
	data := p.Bytes()
	if len(data) > len(rb.buf) {
		return fmt.Errorf("write %d bytes to %d ring buffer: %w", len(data), len(rb.buf), fault.ErrIOFail)
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.done {
		return fmt.Errorf("write after end of stream: %w", fault.ErrIOFail)
	}
	if err := rb.wait(ctx, wait, func() bool { return len(rb.buf)-rb.count >= len(data) }); err != nil {
		return err
	}
	tail := (rb.head + rb.count) % len(rb.buf)
	for written := 0; written < len(data); {
		c := copy(rb.buf[tail:], data[written:])
		tail = (tail + c) % len(rb.buf)
		written += c
	}
	rb.count += len(data)
	if p.Done() {
		rb.done = true
	}
	rb.broadcast()
	return nil
}

// Abort unblocks all pending calls with fault.ErrIOAbort.
func (rb *RingBuffer) Abort() {
	rb.abort()
}

// Reset drops buffered data, end of stream mark and abort.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head, rb.count = 0, 0
	rb.done, rb.aborted = false, false
	rb.broadcast()
}

// Filled returns the number of bytes ready for read.
func (rb *RingBuffer) Filled() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Size returns buffer capacity in bytes.
func (rb *RingBuffer) Size() int {
	return len(rb.buf)
}
