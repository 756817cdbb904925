// Package port provides the typed connection points of elements.
//
// Payloads flow from an output port of an upstream element to an input
// port of a downstream element. Two ports of the same pipeline are linked
// directly and exchange payloads without copying: the writer stages the
// payload on the reader, which picks it up on its next acquire. Ports
// that are not linked delegate to an IO, which is how pipelines read
// from sources, write to sinks and exchange data over a bus.
//
// Ports are not safe for concurrent use. All ports of one pipeline are
// driven by the goroutine of its task.
package port

import (
	"context"
	"fmt"
	"math"
	"time"

	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/payload"
)

// Direction of the port.
type Direction int

const (
	// In is a port that receives payloads.
	In Direction = iota
	// Out is a port that sends payloads.
	Out
)

// Type is a bitmask of payload kinds a port carries.
type Type uint8

const (
	// Byte is a byte stream, payload sizes are arbitrary.
	Byte Type = 1 << iota
	// Block is a stream of whole blocks, e.g. frames.
	Block
)

const (
	// NoWait makes acquire and release return immediately.
	NoWait time.Duration = 0
	// MaxWait makes acquire and release block until completion or abort.
	MaxWait time.Duration = math.MaxInt64
)

type (
	// IO provides acquire and release for ports that are not linked.
	// Acquire fills the payload and returns the number of valid bytes.
	// Release gives the payload back, e.g. commits it to a bus.
	IO interface {
		Acquire(ctx context.Context, p *payload.Payload, wanted int, wait time.Duration) (int, error)
		Release(ctx context.Context, p *payload.Payload, wait time.Duration) error
	}

	// Deleter is implemented by IO that must be torn down together with
	// the port.
	Deleter interface {
		Delete()
	}

	// Aborter is implemented by IO that can unblock pending calls.
	Aborter interface {
		Abort()
	}

	// Resetter is implemented by IO that keeps state between runs.
	Resetter interface {
		Reset()
	}

	// Mover is implemented by IO that can take over the buffer of an
	// output payload instead of copying it. Port calls Move instead of
	// Release only when nothing else references the payload.
	Mover interface {
		Move(ctx context.Context, p *payload.Payload, wait time.Duration) error
	}
)

// Port is a typed attachment point of an element.
type Port struct {
	dir     Direction
	typ     Type
	io      IO
	wait    time.Duration
	align   int
	shared  bool
	deleted bool

	// self is reused across calls when port is shared.
	self *payload.Payload
	// held is acquired and not released yet.
	held *payload.Payload
	refs int
	// bytes is the total of valid bytes acquired by input port.
	bytes int64

	// peer is the linked port of the same pipeline.
	peer *Port
	// staged is set on input port by the linked writer.
	staged *payload.Payload
}

// Option configures the port.
type Option func(*Port)

// WithIO sets acquire and release callbacks.
func WithIO(io IO) Option {
	return func(p *Port) {
		p.io = io
	}
}

// WithWait sets wait time of acquire and release calls.
func WithWait(d time.Duration) Option {
	return func(p *Port) {
		p.wait = d
	}
}

// WithAlign sets byte alignment of payload buffers allocated by the port.
func WithAlign(align int) Option {
	return func(p *Port) {
		p.align = align
	}
}

// WithShare sets payload sharing mode. See EnableShare.
func WithShare(shared bool) Option {
	return func(p *Port) {
		p.shared = shared
	}
}

// New returns a port. By default the port is shared and waits without
// limit.
func New(dir Direction, typ Type, options ...Option) *Port {
	p := &Port{
		dir:    dir,
		typ:    typ,
		wait:   MaxWait,
		shared: true,
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Link associates output port of upstream element with input port of
// downstream element. Linked ports exchange payloads without copying and
// must be driven by the same goroutine.
func Link(out, in *Port) error {
	if out == nil || in == nil {
		return fmt.Errorf("link nil port: %w", fault.ErrInvalidArgument)
	}
	if out.dir != Out || in.dir != In {
		return fmt.Errorf("link direction mismatch: %w", fault.ErrInvalidArgument)
	}
	if out.typ&in.typ == 0 {
		return fmt.Errorf("link type %v to %v: %w", out.typ, in.typ, fault.ErrNotSupported)
	}
	if out.peer != nil || in.peer != nil || out.io != nil || in.io != nil {
		return fmt.Errorf("link connected port: %w", fault.ErrNotSupported)
	}
	out.peer, in.peer = in, out
	return nil
}

// Unlink removes the association of linked ports.
func Unlink(p *Port) {
	if p == nil || p.peer == nil {
		return
	}
	peer := p.peer
	p.peer, peer.peer = nil, nil
	for _, port := range []*Port{p, peer} {
		if port.staged != nil {
			port.staged.Delete()
			port.staged = nil
		}
	}
}

// AcquireIn returns the next input payload and the number of valid bytes
// in it. If the port is linked, the payload staged by the writer is
// returned. Otherwise the port payload is grown to wanted size and filled
// by the IO. Calling AcquireIn again before release returns the same
// payload, it allows to consume the input in several rounds.
func AcquireIn(ctx context.Context, p *Port, wanted int) (*payload.Payload, int, error) {
	if p == nil || p.dir != In {
		return nil, 0, fmt.Errorf("acquire in: %w", fault.ErrInvalidArgument)
	}
	if p.held != nil {
		return p.held, p.held.ValidSize(), nil
	}
	if p.peer != nil {
		if p.staged == nil {
			return nil, 0, fmt.Errorf("acquire in: nothing staged: %w", fault.ErrIOFail)
		}
		p.held, p.staged = p.staged, nil
		p.refs++
		p.bytes += int64(p.held.ValidSize())
		return p.held, p.held.ValidSize(), nil
	}
	if p.io == nil {
		return nil, 0, fmt.Errorf("acquire in: port is not connected: %w", fault.ErrIOFail)
	}
	pl := p.payload()
	if err := p.grow(pl, wanted); err != nil {
		pl.Delete()
		return nil, 0, err
	}
	n, err := p.io.Acquire(ctx, pl, wanted, p.wait)
	if err == nil {
		err = pl.SetValidSize(n)
	}
	if err != nil {
		pl.Delete()
		return nil, 0, err
	}
	p.held = pl
	p.refs++
	p.bytes += int64(n)
	return pl, n, nil
}

// AcquireOut returns the output payload. If pl is not nil, it's forwarded
// as is, it allows elements to pass input to output without copying.
// Otherwise the port payload is grown to wanted size. If the port is
// linked, the payload is staged on the reader. If not, IO is called to
// prepare the payload, e.g. to wait for free space in a bus.
func AcquireOut(ctx context.Context, p *Port, pl *payload.Payload, wanted int) (*payload.Payload, error) {
	if p == nil || p.dir != Out {
		return nil, fmt.Errorf("acquire out: %w", fault.ErrInvalidArgument)
	}
	if p.held != nil {
		if pl != nil && pl != p.held {
			return nil, fmt.Errorf("acquire out: port holds another payload: %w", fault.ErrInvalidState)
		}
		return p.held, nil
	}
	if p.peer == nil && p.io == nil {
		return nil, fmt.Errorf("acquire out: port is not connected: %w", fault.ErrIOFail)
	}
	own := pl == nil
	if own {
		// IO may attach its own buffer, so payload is grown after it.
		pl = p.payload()
	} else {
		pl.Retain()
	}
	if p.peer == nil {
		if _, err := p.io.Acquire(ctx, pl, wanted, p.wait); err != nil {
			pl.Delete()
			return nil, err
		}
	}
	if own {
		if err := p.grow(pl, wanted); err != nil {
			pl.Delete()
			return nil, err
		}
	}
	if p.peer != nil {
		if p.peer.staged != nil {
			p.peer.staged.Delete()
		}
		pl.Retain()
		p.peer.staged = pl
	}
	p.held = pl
	p.refs++
	return pl, nil
}

// ReleaseIn releases the input payload. If the payload is still
// referenced, e.g. it was forwarded downstream, and its buffer belongs to
// the IO, the payload gets its own copy of data before the IO release.
// Calling it on released port has no effect.
func ReleaseIn(ctx context.Context, p *Port) error {
	if p == nil || p.dir != In {
		return fmt.Errorf("release in: %w", fault.ErrInvalidArgument)
	}
	return p.release(ctx)
}

// ReleaseOut releases the output payload. For linked ports the payload
// stays staged on the reader. IO that implements Mover takes the buffer
// over if the payload is not referenced elsewhere. Calling it on released
// port has no effect.
func ReleaseOut(ctx context.Context, p *Port) error {
	if p == nil || p.dir != Out {
		return fmt.Errorf("release out: %w", fault.ErrInvalidArgument)
	}
	return p.release(ctx)
}

func (p *Port) release(ctx context.Context) error {
	if p.refs == 0 {
		return nil
	}
	pl := p.held
	p.held = nil
	p.refs--
	var err error
	if p.peer == nil && p.io != nil {
		err = p.releaseIO(ctx, pl)
	}
	pl.Delete()
	return err
}

func (p *Port) releaseIO(ctx context.Context, pl *payload.Payload) error {
	shared := pl.Refs() > p.refsOf(pl)
	if p.dir == Out {
		if m, ok := p.io.(Mover); ok && !shared {
			return m.Move(ctx, pl, p.wait)
		}
		return p.io.Release(ctx, pl, p.wait)
	}
	// IO may reuse the buffer it attached, so payload that was
	// forwarded or retained gets its own copy first.
	if shared {
		if err := pl.Own(); err != nil {
			return err
		}
	}
	return p.io.Release(ctx, pl, p.wait)
}

// refsOf returns the number of references the port holds on acquired
// payload.
func (p *Port) refsOf(pl *payload.Payload) int {
	if pl == p.self {
		return 2
	}
	return 1
}

// payload returns the payload for the next acquire: port payload if
// sharing is enabled, new one otherwise.
func (p *Port) payload() *payload.Payload {
	if !p.shared {
		return payload.New()
	}
	if p.self == nil || p.self.Released() {
		p.self = payload.New()
	}
	p.self.Retain()
	return p.self
}

// grow reallocates payload if it's smaller than wanted size.
func (p *Port) grow(pl *payload.Payload, wanted int) error {
	if wanted <= pl.Cap() {
		return nil
	}
	return pl.Realloc(wanted, p.align)
}

// EnableShare toggles payload sharing. Shared port reuses the same
// payload across calls. Not shared port allocates new payload for every
// acquire, so element can hold the previous one with Retain.
func EnableShare(p *Port, enable bool) {
	p.shared = enable
}

// Reset clears staged and held payloads. It's called between runs.
func Reset(p *Port) {
	if p == nil {
		return
	}
	if p.staged != nil {
		p.staged.Delete()
		p.staged = nil
	}
	if p.held != nil {
		p.held.Delete()
		p.held = nil
	}
	p.refs = 0
	p.bytes = 0
	if p.self != nil {
		p.self.Reset()
	}
}

// Delete resets the port and frees its payload. IO is deleted too if it
// implements Deleter. Calling Delete multiple times has no effect.
func Delete(p *Port) {
	if p == nil || p.deleted {
		return
	}
	Reset(p)
	Unlink(p)
	if p.self != nil {
		p.self.Delete()
		p.self = nil
	}
	if d, ok := p.io.(Deleter); ok {
		d.Delete()
	}
	p.io = nil
	p.deleted = true
}

// Held returns true if port has acquired and not released payload.
func (p *Port) Held() bool {
	return p.refs > 0
}

// Bytes returns the number of valid bytes acquired by input port since
// the last reset.
func (p *Port) Bytes() int64 {
	return p.bytes
}

// Direction returns port direction.
func (p *Port) Direction() Direction {
	return p.dir
}

// Type returns port type.
func (p *Port) Type() Type {
	return p.typ
}

// IO returns port IO. It's nil for linked ports.
func (p *Port) IO() IO {
	return p.io
}

// Peer returns linked port.
func (p *Port) Peer() *Port {
	return p.peer
}

// Wait returns wait time of acquire and release calls.
func (p *Port) Wait() time.Duration {
	return p.wait
}

// Shared returns true if port reuses its payload.
func (p *Port) Shared() bool {
	return p.shared
}

// Staged returns payload staged by the linked writer.
func (p *Port) Staged() *payload.Payload {
	return p.staged
}

// SetIO binds IO to the port. Linked ports cannot have IO.
func (p *Port) SetIO(io IO) error {
	if p.peer != nil {
		return fmt.Errorf("set io on linked port: %w", fault.ErrNotSupported)
	}
	p.io = io
	return nil
}

func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	}
	return "unknown"
}

func (t Type) String() string {
	switch t {
	case Byte:
		return "byte"
	case Block:
		return "block"
	case Byte | Block:
		return "byte|block"
	}
	return "none"
}
