// Package gain provides the element that scales 16-bit PCM samples. Gain
// is a dependent element: it opens only after its predecessor reports
// the sound format.
package gain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/port"
)

// Tag of gain element.
const Tag = "gain"

// Config of gain.
type Config struct {
	// Gain is the linear multiplier of samples.
	Gain float64 `mapstructure:"gain"`
	// Size is wanted size of input that is not linked.
	Size int `mapstructure:"size"`
}

// Args of set_gain method.
type Args struct {
	Gain float64 `mapstructure:"gain"`
}

// Gain is the kernel of gain element. Samples are scaled in place and
// the input payload is forwarded to output.
type Gain struct {
	gain float64
	size int
	info element.SoundInfo
}

// New returns gain element.
func New(cfg Config, options ...element.Option) (*element.Element, error) {
	options = append([]element.Option{element.Dependent()}, options...)
	return element.New(Tag, &cfg, newKernel, options...)
}

func newKernel(e *element.Element) (element.Kernel, error) {
	cfg := e.Config().(*Config)
	g := Gain{gain: cfg.Gain, size: cfg.Size}
	if g.size <= 0 {
		g.size = 4096
	}
	if err := element.RegisterMethod(e, "set_gain", func(_ context.Context, args Args) (any, error) {
		if args.Gain < 0 || math.IsNaN(args.Gain) || math.IsInf(args.Gain, 0) {
			return nil, fmt.Errorf("gain %v: %w", args.Gain, fault.ErrInvalidArgument)
		}
		g.gain = args.Gain
		return nil, nil
	}); err != nil {
		return nil, err
	}
	if err := element.RegisterMethod(e, "get_gain", func(context.Context, struct{}) (any, error) {
		return g.gain, nil
	}); err != nil {
		return nil, err
	}
	return &g, nil
}

// ReceiveEvent accepts 16-bit sound info and reports it downstream.
func (g *Gain) ReceiveEvent(e *element.Element, ev element.Event) error {
	info, ok := ev.Info.(element.SoundInfo)
	if !ok || info.Bits != 16 || info.Channels <= 0 {
		return fmt.Errorf("gain stream info %+v: %w", ev.Info, fault.ErrNotSupported)
	}
	g.info = info
	return e.ReportInfo(info)
}

// Open implements element.Kernel.
func (g *Gain) Open(context.Context, *element.Element) error {
	if g.info.Bits != 16 {
		return fmt.Errorf("gain stream info: %w", fault.ErrInvalidState)
	}
	return nil
}

// Process scales the samples of input and forwards it. A trailing odd
// byte is passed unchanged.
func (g *Gain) Process(ctx context.Context, e *element.Element) (element.Status, error) {
	in, n, err := port.AcquireIn(ctx, e.In(), g.size)
	if err != nil {
		return element.Fail, err
	}
	done := in.Done()
	buf := in.Bytes()
	for i := 0; i+1 < n; i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(buf[i:]))) * g.gain
		binary.LittleEndian.PutUint16(buf[i:], uint16(clip(s)))
	}
	if out := e.Out(); out != nil {
		if _, err := port.AcquireOut(ctx, out, in, n); err != nil {
			return element.Fail, err
		}
		if err := port.ReleaseOut(ctx, out); err != nil {
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

// Close implements element.Kernel.
func (g *Gain) Close(context.Context, *element.Element) error {
	return nil
}

// Info returns adopted sound format.
func (g *Gain) Info() element.SoundInfo {
	return g.info
}

func clip(s float64) int16 {
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	}
	return int16(math.Round(s))
}
