package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/flow"
	"pipelined.dev/flow/databus"
	"pipelined.dev/flow/element"
	"pipelined.dev/flow/elements/copier"
	"pipelined.dev/flow/elements/gain"
	"pipelined.dev/flow/elements/rechunk"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/log"
	"pipelined.dev/flow/mediaio"
	"pipelined.dev/flow/mediaio/file"
	"pipelined.dev/flow/mediaio/wav"
	"pipelined.dev/flow/port"
)

// Factory creates element prototype from params.
type Factory func(params map[string]any, options ...element.Option) (*element.Element, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{
		copier.Tag:  NewFactory(copier.New),
		rechunk.Tag: NewFactory(rechunk.New),
		gain.Tag:    NewFactory(gain.New),
	}
)

// NewFactory returns factory that decodes params into config T.
func NewFactory[T any](fn func(T, ...element.Option) (*element.Element, error)) Factory {
	return func(params map[string]any, options ...element.Option) (*element.Element, error) {
		var cfg T
		d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return nil, err
		}
		if err := d.Decode(params); err != nil {
			return nil, fmt.Errorf("params: %w: %w", fault.ErrInvalidArgument, err)
		}
		return fn(cfg, options...)
	}
}

// RegisterFactory makes element type available in graph files.
func RegisterFactory(typ string, f Factory) error {
	if typ == "" || f == nil {
		return fmt.Errorf("register factory %q: %w", typ, fault.ErrInvalidArgument)
	}
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, ok := factories[typ]; ok {
		return fmt.Errorf("register factory %q: already registered: %w", typ, fault.ErrInvalidArgument)
	}
	factories[typ] = f
	return nil
}

func factory(typ string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[typ]
	return f, ok
}

// Graph is a set of bridged pipelines built from config.
type Graph struct {
	pool      *flow.Pool
	ownPool   bool
	pipelines []*flow.Pipeline
	tasks     []*flow.Task
	buses     []databus.Bus
	logger    logrus.FieldLogger
}

// Build creates prototypes declared in config, then pipelines and
// bridges. Pipelines may reference prototypes that are already
// registered in pool. If pool is nil, graph creates and destroys its own.
func Build(pool *flow.Pool, c *Config, opts ...flow.Option) (*Graph, error) {
	if c == nil {
		return nil, fmt.Errorf("build graph: %w", fault.ErrInvalidArgument)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	logger, err := newLogger(c.Log)
	if err != nil {
		return nil, err
	}
	opts = append([]flow.Option{flow.WithLogger(logger)}, opts...)
	g := Graph{pool: pool, logger: logger.WithField("component", "graph")}
	if g.pool == nil {
		g.pool, g.ownPool = flow.NewPool(opts...), true
	}
	if err := g.build(c, logger, opts); err != nil {
		return nil, multierr.Append(err, g.Destroy())
	}
	g.logger.WithField("pipelines", len(g.pipelines)).Debug("built")
	return &g, nil
}

func newLogger(c Log) (logrus.FieldLogger, error) {
	if c.Level == "" && c.Format == "" {
		return log.GetLogger(), nil
	}
	l, err := log.New(c.Level, c.Format)
	if err != nil {
		return nil, fmt.Errorf("log: %w: %w", fault.ErrInvalidArgument, err)
	}
	return l, nil
}

func (g *Graph) build(c *Config, logger logrus.FieldLogger, opts []flow.Option) error {
	for _, d := range c.IOs {
		io, err := newIO(d)
		if err != nil {
			return err
		}
		if err := g.pool.RegisterIO(io, d.Name); err != nil {
			return err
		}
	}
	for _, d := range c.Elements {
		f, ok := factory(d.Type)
		if !ok {
			return fmt.Errorf("element %q: type %q: %w", d.Name, d.Type, fault.ErrNotSupported)
		}
		e, err := f(d.Params, element.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("element %q: %w", d.Name, err)
		}
		if err := g.pool.RegisterElement(e, d.Name); err != nil {
			return multierr.Append(err, e.Destroy())
		}
	}
	byName := make(map[string]*flow.Pipeline, len(c.Pipelines))
	for _, d := range c.Pipelines {
		p, err := flow.NewPipeline(g.pool, d.In, d.Elements, d.Out, append(opts, flow.WithName(d.Name))...)
		if err != nil {
			return err
		}
		g.pipelines = append(g.pipelines, p)
		byName[d.Name] = p
		cfg := flow.DefaultTaskConfig()
		cfg.Name = d.Name
		cfg.LockOSThread = d.Task.LockOSThread
		if d.Task.NoRetry {
			cfg.Retry = nil
		}
		t := flow.NewTask(cfg, opts...)
		g.tasks = append(g.tasks, t)
		if err := p.BindTask(t); err != nil {
			return err
		}
	}
	for _, d := range c.Bridges {
		bus, err := newBus(d)
		if err != nil {
			return err
		}
		g.buses = append(g.buses, bus)
		typ := port.Byte
		if d.Block {
			typ = port.Block
		}
		var options []port.Option
		if d.Wait > 0 {
			options = append(options, port.WithWait(d.Wait))
		}
		out, in := databus.Ports(bus, typ, options...)
		if err := flow.ConnectPipe(byName[d.From.Pipeline], d.From.Element, out, byName[d.To.Pipeline], d.To.Element, in); err != nil {
			port.Delete(out)
			port.Delete(in)
			return err
		}
	}
	return nil
}

func newIO(d IO) (mediaio.IO, error) {
	switch {
	case d.Type == file.Tag && d.Direction == "reader":
		return file.NewReader(d.Path), nil
	case d.Type == file.Tag:
		return file.NewWriter(d.Path), nil
	case d.Type == wav.Tag && d.Direction == "reader":
		return wav.NewReader(d.Path), nil
	case d.Type == wav.Tag:
		return wav.NewWriter(d.Path, element.SoundInfo{SampleRate: d.SampleRate, Channels: d.Channels, Bits: d.Bits})
	}
	return nil, fmt.Errorf("io %q: type %q: %w", d.Name, d.Type, fault.ErrNotSupported)
}

func newBus(d Bridge) (databus.Bus, error) {
	switch d.Bus {
	case RingBuffer:
		return databus.NewRingBuffer(d.Items, d.ItemSize)
	case BlockPool:
		return databus.NewBlockPool(d.Items, d.ItemSize)
	case PassThrough:
		return databus.NewPassThrough(d.Items)
	}
	return nil, fmt.Errorf("bus %q: %w", d.Bus, fault.ErrNotSupported)
}

// Run starts all pipelines and waits until they are done. If one of them
// fails, the others are stopped. Canceling ctx stops the graph. The first
// error is returned.
func (g *Graph) Run(ctx context.Context) error {
	for _, p := range g.pipelines {
		if err := p.Run(ctx); err != nil {
			g.Stop()
			return err
		}
	}
	canceled := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(canceled)
		g.Stop()
	})
	defer func() {
		if !stop() {
			<-canceled
		}
	}()
	var eg errgroup.Group
	for _, p := range g.pipelines {
		eg.Go(func() error {
			err := p.Wait()
			if err != nil {
				g.logger.WithField("pipeline", p.Name()).WithError(err).Debug("failed")
				g.Stop()
			}
			return err
		})
	}
	return eg.Wait()
}

// Stop stops all pipelines and waits until they are done.
func (g *Graph) Stop() {
	var wg sync.WaitGroup
	for _, p := range g.pipelines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// stop of bound task never fails.
			_ = p.Stop()
		}()
	}
	wg.Wait()
}

// Reset resets pipelines and buses, so the graph can be run again.
func (g *Graph) Reset() error {
	var err error
	for _, p := range g.pipelines {
		err = multierr.Append(err, p.Reset())
	}
	for _, b := range g.buses {
		b.Reset()
	}
	return err
}

// Pipeline returns pipeline by name.
func (g *Graph) Pipeline(name string) (*flow.Pipeline, error) {
	for _, p := range g.pipelines {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("pipeline %q: %w", name, fault.ErrNotFound)
}

// Pipelines returns pipelines in declared order.
func (g *Graph) Pipelines() []*flow.Pipeline {
	return g.pipelines
}

// Destroy stops and destroys pipelines. The pool is destroyed only if
// it was created by the graph.
func (g *Graph) Destroy() error {
	var err error
	for _, p := range g.pipelines {
		err = multierr.Append(err, p.Destroy())
	}
	for _, t := range g.tasks {
		err = multierr.Append(err, t.Deinit())
	}
	g.pipelines, g.tasks, g.buses = nil, nil, nil
	if g.ownPool {
		err = multierr.Append(err, g.pool.Destroy())
	}
	return err
}
