// Package rechunk provides the element that splits and joins a byte
// stream into chunks of fixed size. The last chunk can be shorter.
//
// When one input payload holds more than a chunk, rechunk returns
// element.Truncate and keeps the input until it's consumed. When input is
// not enough for a chunk, it returns element.Continue and waits for more.
package rechunk

import (
	"context"
	"fmt"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/port"
)

// Tag of rechunk element.
const Tag = "rechunk"

// Config of rechunk.
type Config struct {
	// Size of output chunks.
	Size int `mapstructure:"size"`
}

// Rechunk is the kernel of rechunk element.
type Rechunk struct {
	size    int
	pending []byte
	filled  int
	// off is the number of consumed bytes of held input.
	off int
}

// New returns rechunk element.
func New(cfg Config, options ...element.Option) (*element.Element, error) {
	return element.New(Tag, &cfg, newKernel, options...)
}

func newKernel(e *element.Element) (element.Kernel, error) {
	cfg := e.Config().(*Config)
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("chunk size %d: %w", cfg.Size, fault.ErrInvalidArgument)
	}
	r := Rechunk{size: cfg.Size}
	return &r, element.RegisterMethod(e, "get_size", func(context.Context, struct{}) (any, error) {
		return r.size, nil
	})
}

// Open allocates the chunk buffer.
func (r *Rechunk) Open(_ context.Context, e *element.Element) error {
	if e.Out() == nil {
		return fmt.Errorf("rechunk output: %w", fault.ErrNotFound)
	}
	if cap(r.pending) < r.size {
		r.pending = make([]byte, r.size)
	}
	r.filled, r.off = 0, 0
	return nil
}

// Process moves input into the chunk buffer and writes full chunks.
func (r *Rechunk) Process(ctx context.Context, e *element.Element) (element.Status, error) {
	in, n, err := port.AcquireIn(ctx, e.In(), r.size)
	if err != nil {
		return element.Fail, err
	}
	c := copy(r.pending[r.filled:], in.Bytes()[r.off:n])
	r.filled += c
	r.off += c
	consumed := r.off == n
	last := consumed && in.Done()
	if r.filled < r.size && !last {
		r.off = 0
		if err := port.ReleaseIn(ctx, e.In()); err != nil {
			return element.Fail, err
		}
		return element.Continue, nil
	}
	if err := r.write(ctx, e.Out(), last); err != nil {
		return element.Fail, err
	}
	if !consumed {
		return element.Truncate, nil
	}
	r.off = 0
	if err := port.ReleaseIn(ctx, e.In()); err != nil {
		return element.Fail, err
	}
	if last {
		return element.Done, nil
	}
	return element.OK, nil
}

func (r *Rechunk) write(ctx context.Context, out *port.Port, last bool) error {
	p, err := port.AcquireOut(ctx, out, nil, r.size)
	if err != nil {
		return err
	}
	copy(p.Buf(), r.pending[:r.filled])
	if err := p.SetValidSize(r.filled); err != nil {
		return err
	}
	if last {
		p.SetDone()
	} else {
		p.ClearDone()
	}
	r.filled = 0
	return port.ReleaseOut(ctx, out)
}

// Close drops pending bytes.
func (r *Rechunk) Close(context.Context, *element.Element) error {
	r.filled, r.off = 0, 0
	return nil
}
