// Package payload provides the buffer descriptor exchanged between ports.
//
// A payload carries a byte buffer, the number of valid bytes in it, the
// end-of-stream flag and a presentation timestamp. Owned buffers are drawn
// from size-classed pools and returned when the last reference is
// deleted.
package payload

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/internal/pool"
)

// MaxSize is the largest buffer a payload can allocate.
const MaxSize = 64 << 20

// Payload is a reference-counted buffer descriptor.
type Payload struct {
	buf   []byte // aligned view, len(buf) is the capacity.
	raw   []byte // backing buffer returned to the pool.
	valid int
	done  bool
	pts   time.Duration
	owned bool
	refs  int32
}

// New returns an empty payload without buffer.
func New() *Payload {
	return &Payload{refs: 1}
}

// NewWithCapacity returns a payload with an owned buffer of at least n
// bytes.
func NewWithCapacity(n int) (*Payload, error) {
	p := New()
	if err := p.Realloc(n, 0); err != nil {
		return nil, err
	}
	return p, nil
}

// Copy copies valid bytes, end-of-stream flag and timestamp from src to
// dst. Destination buffer grows if it's too small.
func Copy(src, dst *Payload) error {
	if src == nil || dst == nil {
		return fmt.Errorf("copy payload: %w", fault.ErrInvalidArgument)
	}
	if dst.Cap() < src.valid {
		if err := dst.Realloc(src.valid, 0); err != nil {
			return err
		}
	}
	dst.valid = copy(dst.buf, src.buf[:src.valid])
	dst.done = src.done
	dst.pts = src.pts
	return nil
}

// Realloc makes sure the buffer is at least n bytes. Buffer only grows
// and the content is not preserved. If align is greater than one, the
// first byte of the buffer is aligned to it.
func (p *Payload) Realloc(n, align int) error {
	if p == nil || n <= 0 || align < 0 {
		return fmt.Errorf("realloc payload to %d: %w", n, fault.ErrInvalidArgument)
	}
	if len(p.buf) >= n && aligned(p.buf, align) {
		return nil
	}
	if n+align > MaxSize {
		return fmt.Errorf("realloc payload to %d: %w", n, fault.ErrMemoryExhausted)
	}
	p.free()
	raw := pool.Alloc(n + align)
	offset := 0
	if align > 1 {
		if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); rem != 0 {
			offset = align - rem
		}
	}
	p.raw = raw
	p.buf = raw[offset:len(raw):len(raw)]
	p.owned = true
	p.valid = 0
	return nil
}

// Attach binds an external buffer to the payload. The buffer is not owned
// and won't be returned to the pool.
func (p *Payload) Attach(buf []byte, valid int) error {
	if valid < 0 || valid > len(buf) {
		return fmt.Errorf("attach %d bytes to %d buffer: %w", valid, len(buf), fault.ErrInvalidArgument)
	}
	p.free()
	p.buf = buf
	p.valid = valid
	return nil
}

// Detach transfers the buffer out of the payload. The payload is left
// without buffer. Caller becomes responsible for the returned buffer.
func (p *Payload) Detach() []byte {
	b := p.buf
	p.buf, p.raw, p.owned, p.valid = nil, nil, false, 0
	return b
}

// Adopt binds a buffer obtained with Detach to the payload. The payload
// takes ownership of it.
func (p *Payload) Adopt(raw []byte, valid int) error {
	if err := p.Attach(raw, valid); err != nil {
		return err
	}
	p.raw = raw
	p.owned = true
	return nil
}

// Retain adds a reference to the payload.
func (p *Payload) Retain() {
	atomic.AddInt32(&p.refs, 1)
}

// Delete drops a reference. The last reference returns an owned buffer to
// the pool. Calling Delete on a released payload has no effect.
func (p *Payload) Delete() {
	if p == nil {
		return
	}
	for {
		refs := atomic.LoadInt32(&p.refs)
		if refs <= 0 {
			return
		}
		if atomic.CompareAndSwapInt32(&p.refs, refs, refs-1) {
			if refs == 1 {
				p.free()
				p.valid, p.done, p.pts = 0, false, 0
			}
			return
		}
	}
}

// Refs returns the number of references.
func (p *Payload) Refs() int {
	return int(atomic.LoadInt32(&p.refs))
}

// Own replaces an attached buffer with an owned copy of its valid bytes.
// After Own the payload doesn't reference external memory. It has no
// effect on owned or empty payloads.
func (p *Payload) Own() error {
	if p.owned || len(p.buf) == 0 {
		return nil
	}
	if len(p.buf) > MaxSize {
		return fmt.Errorf("own %d bytes: %w", len(p.buf), fault.ErrMemoryExhausted)
	}
	raw := pool.Alloc(len(p.buf))
	copy(raw, p.buf[:p.valid])
	p.raw = raw
	p.buf = raw[:len(raw):len(raw)]
	p.owned = true
	return nil
}

// Released returns true if all references were deleted.
func (p *Payload) Released() bool {
	return atomic.LoadInt32(&p.refs) <= 0
}

// Reset clears valid size, end-of-stream flag and timestamp. Buffer is
// kept.
func (p *Payload) Reset() {
	p.valid, p.done, p.pts = 0, false, 0
}

// Buf returns the whole buffer up to capacity.
func (p *Payload) Buf() []byte {
	return p.buf
}

// Bytes returns the valid bytes.
func (p *Payload) Bytes() []byte {
	return p.buf[:p.valid]
}

// Cap returns buffer capacity.
func (p *Payload) Cap() int {
	return len(p.buf)
}

// ValidSize returns the number of valid bytes.
func (p *Payload) ValidSize() int {
	return p.valid
}

// SetValidSize sets number of valid bytes. It cannot exceed capacity.
func (p *Payload) SetValidSize(n int) error {
	if n < 0 || n > len(p.buf) {
		return fmt.Errorf("valid size %d of %d: %w", n, len(p.buf), fault.ErrInvalidArgument)
	}
	p.valid = n
	return nil
}

// Owned returns true if buffer belongs to the payload.
func (p *Payload) Owned() bool {
	return p.owned
}

// SetDone marks end of stream.
func (p *Payload) SetDone() {
	p.done = true
}

// ClearDone clears end of stream mark.
func (p *Payload) ClearDone() {
	p.done = false
}

// Done returns true if payload marks end of stream.
func (p *Payload) Done() bool {
	return p.done
}

// PTS returns presentation timestamp.
func (p *Payload) PTS() time.Duration {
	return p.pts
}

// SetPTS sets presentation timestamp.
func (p *Payload) SetPTS(pts time.Duration) {
	p.pts = pts
}

func (p *Payload) free() {
	if p.owned {
		pool.Free(p.raw)
	}
	p.buf, p.raw, p.owned = nil, nil, false
}

func aligned(b []byte, align int) bool {
	if align <= 1 || len(b) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&b[0]))%uintptr(align) == 0
}
