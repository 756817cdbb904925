// Package copier provides the element that fans out its input to every
// output port.
package copier

import (
	"context"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/payload"
	"pipelined.dev/flow/port"
)

// Tag of copier element.
const Tag = "copier"

// Config of copier.
type Config struct {
	// Size is wanted size of input that is not linked.
	Size int `mapstructure:"size"`
}

// Copier forwards input payload to the first output port without copy.
// Every other output port gets its own copy.
type Copier struct {
	size int
}

// New returns copier element.
func New(cfg Config, options ...element.Option) (*element.Element, error) {
	options = append([]element.Option{element.WithOutPorts(element.Multiple, port.Byte|port.Block)}, options...)
	return element.New(Tag, &cfg, newKernel, options...)
}

func newKernel(e *element.Element) (element.Kernel, error) {
	cfg := e.Config().(*Config)
	size := cfg.Size
	if size <= 0 {
		size = 4096
	}
	return &Copier{size: size}, nil
}

// Open implements element.Kernel.
func (c *Copier) Open(context.Context, *element.Element) error {
	return nil
}

// Process copies input to outputs.
func (c *Copier) Process(ctx context.Context, e *element.Element) (element.Status, error) {
	in, _, err := port.AcquireIn(ctx, e.In(), c.size)
	if err != nil {
		return element.Fail, err
	}
	done := in.Done()
	outs := e.OutPorts()
	// copies are made before input is handed to the first port.
	for i := len(outs) - 1; i >= 0; i-- {
		if err := c.write(ctx, outs[i], in, i > 0); err != nil {
			return element.Fail, err
		}
	}
	if err := port.ReleaseIn(ctx, e.In()); err != nil {
		return element.Fail, err
	}
	if done {
		return element.Done, nil
	}
	return element.OK, nil
}

func (c *Copier) write(ctx context.Context, out *port.Port, in *payload.Payload, copied bool) error {
	if !copied {
		if _, err := port.AcquireOut(ctx, out, in, in.ValidSize()); err != nil {
			return err
		}
		return port.ReleaseOut(ctx, out)
	}
	p, err := port.AcquireOut(ctx, out, nil, max(in.ValidSize(), 1))
	if err != nil {
		return err
	}
	if err := payload.Copy(in, p); err != nil {
		return err
	}
	return port.ReleaseOut(ctx, out)
}

// Close implements element.Kernel.
func (c *Copier) Close(context.Context, *element.Element) error {
	return nil
}
