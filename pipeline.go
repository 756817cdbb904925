package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/internal/runtime"
	"pipelined.dev/flow/mediaio"
	"pipelined.dev/flow/metric"
	"pipelined.dev/flow/port"
)

// Pipeline is an ordered chain of elements with optional input and
// output IO. All elements of the pipeline are executed by the goroutine
// of the bound task. Pipeline topology is fixed after construction,
// except for the bridges added with ConnectPipe before run.
type Pipeline struct {
	id       string
	name     string
	elements []*element.Element
	names    []string
	in, out  mediaio.IO
	logger   logrus.FieldLogger
	metric   *metric.Metric

	// opened IO of the current run. Used by the worker only.
	opened []mediaio.IO
	loaded atomic.Bool

	// mu is locked before mu of the task.
	mu        sync.Mutex
	task      *Task
	destroyed bool
	callback  func(element.Event)
}

// NewPipeline builds pipeline from pool prototypes. Elements are
// duplicated and linked in listed order. Input and output IO are
// optional: empty name means the pipeline is fed or drained through a
// bridge.
func NewPipeline(pool *Pool, in string, names []string, out string, opts ...Option) (*Pipeline, error) {
	if pool == nil || len(names) == 0 {
		return nil, fmt.Errorf("new pipeline: %w", fault.ErrInvalidArgument)
	}
	o := newOptions(opts)
	p := Pipeline{
		id:     xid.New().String(),
		name:   o.name,
		names:  names,
		metric: o.metric,
	}
	if p.name == "" {
		p.name = p.id
	}
	p.logger = o.logger.WithField("pipeline", p.name)
	if err := p.build(pool, in, names, out); err != nil {
		return nil, multierr.Append(fmt.Errorf("new pipeline %q: %w", p.name, err), p.destroyElements())
	}
	p.logger.WithField("elements", names).Debug("created")
	return &p, nil
}

func (p *Pipeline) build(pool *Pool, in string, names []string, out string) error {
	for _, name := range names {
		e, err := pool.NewElement(name)
		if err != nil {
			return err
		}
		e.SetEventCallback(p.emit)
		p.elements = append(p.elements, e)
	}
	for i := 1; i < len(p.elements); i++ {
		if err := link(p.elements[i-1], p.elements[i]); err != nil {
			return err
		}
	}
	var err error
	if in != "" {
		if p.in, err = pool.NewIO(in, mediaio.Reader); err != nil {
			return err
		}
		first := p.elements[0]
		_, mask := first.InPortTypes()
		if err := first.RegisterInPort(port.New(port.In, preferred(mask), port.WithIO(p.in))); err != nil {
			return err
		}
		first.SetUpstream(p.in)
	}
	if out != "" {
		if p.out, err = pool.NewIO(out, mediaio.Writer); err != nil {
			return err
		}
		last := p.elements[len(p.elements)-1]
		_, mask := last.OutPortTypes()
		if err := last.RegisterOutPort(port.New(port.Out, preferred(mask), port.WithIO(p.out))); err != nil {
			return err
		}
	}
	return nil
}

// link connects output of prev with input of next.
func link(prev, next *element.Element) error {
	_, outMask := prev.OutPortTypes()
	_, inMask := next.InPortTypes()
	typ := preferred(outMask & inMask)
	if typ == 0 {
		return fmt.Errorf("link %v %v to %v %v: %w", prev, outMask, next, inMask, fault.ErrNotSupported)
	}
	out, in := port.New(port.Out, typ), port.New(port.In, typ)
	if err := port.Link(out, in); err != nil {
		return err
	}
	if err := prev.RegisterOutPort(out); err != nil {
		return err
	}
	if err := next.RegisterInPort(in); err != nil {
		return err
	}
	prev.SetNext(next)
	next.SetUpstream(prev)
	return nil
}

// preferred returns byte type if mask allows it.
func preferred(mask port.Type) port.Type {
	if mask&port.Byte != 0 {
		return port.Byte
	}
	return mask & port.Block
}

// ConnectPipe bridges element of pipeline a with element of pipeline b
// through the port pair bound to a data bus, see databus.Ports. Both
// pipelines must not be running. The bus is aborted when either pipeline
// stops or fails.
func ConnectPipe(a *Pipeline, elA string, out *port.Port, b *Pipeline, elB string, in *port.Port) error {
	if a == nil || b == nil || a == b || out == nil || in == nil {
		return fmt.Errorf("connect pipe: %w", fault.ErrInvalidArgument)
	}
	if a.running() || b.running() {
		return fmt.Errorf("connect pipe: %w", fault.ErrInvalidState)
	}
	src, err := a.ElementByName(elA)
	if err != nil {
		return err
	}
	dst, err := b.ElementByName(elB)
	if err != nil {
		return err
	}
	if err := src.RegisterOutPort(out); err != nil {
		return err
	}
	if err := dst.RegisterInPort(in); err != nil {
		src.UnregisterPort(out)
		return err
	}
	a.logger.WithFields(logrus.Fields{"element": elA, "peer": b.name, "peer_element": elB}).Debug("connected")
	return nil
}

// DisconnectPipe removes bridge ports from pipeline elements and deletes
// them. Pipeline must not be running.
func DisconnectPipe(p *Pipeline, name string, ports ...*port.Port) error {
	if p == nil {
		return fmt.Errorf("disconnect pipe: %w", fault.ErrInvalidArgument)
	}
	if p.running() {
		return fmt.Errorf("disconnect pipe: %w", fault.ErrInvalidState)
	}
	e, err := p.ElementByName(name)
	if err != nil {
		return err
	}
	for _, pt := range ports {
		if !e.UnregisterPort(pt) {
			return fmt.Errorf("disconnect pipe %q: port: %w", name, fault.ErrNotFound)
		}
		port.Delete(pt)
	}
	return nil
}

// BindTask binds the task that executes the pipeline.
func (p *Pipeline) BindTask(t *Task) error {
	if t == nil {
		return fmt.Errorf("bind task: %w", fault.ErrInvalidArgument)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return fmt.Errorf("bind task: destroyed: %w", fault.ErrInvalidState)
	}
	if p.task == t {
		return nil
	}
	if p.task != nil {
		return fmt.Errorf("bind task: already bound: %w", fault.ErrInvalidState)
	}
	if err := t.bind(p); err != nil {
		return err
	}
	p.task = t
	return nil
}

// LoadingJobs sets open, process and close jobs of all elements. It's
// called by Run if jobs were not loaded after construction or reset.
func (p *Pipeline) LoadingJobs() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task == nil {
		return fmt.Errorf("loading jobs: task is not bound: %w", fault.ErrInvalidState)
	}
	if s := p.task.State(); s == element.Running || s == element.Paused {
		return fmt.Errorf("loading jobs: %w", fault.ErrInvalidState)
	}
	p.loadJobs()
	return nil
}

func (p *Pipeline) loadJobs() {
	for _, e := range p.elements {
		e.SetJobs(element.JobAll)
	}
	p.loaded.Store(true)
}

// Run starts the bound task.
func (p *Pipeline) Run(ctx context.Context) error {
	t, err := p.boundTask()
	if err != nil {
		return err
	}
	return t.Run(ctx)
}

// Pause parks the task at the next safe point. It returns when the task
// is parked.
func (p *Pipeline) Pause() error {
	t, err := p.boundTask()
	if err != nil {
		return err
	}
	return t.Pause()
}

// Resume continues paused task.
func (p *Pipeline) Resume() error {
	t, err := p.boundTask()
	if err != nil {
		return err
	}
	return t.Resume()
}

// Stop stops the task and waits until it's done.
func (p *Pipeline) Stop() error {
	t, err := p.boundTask()
	if err != nil {
		return err
	}
	return t.Stop()
}

// Wait blocks until the task is done and returns the error of the run.
func (p *Pipeline) Wait() error {
	t, err := p.boundTask()
	if err != nil {
		return err
	}
	return t.Wait()
}

// Reset returns every element to its initial state, clears job masks and
// resets bridged buses. Pipeline can be run again after reset.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task != nil {
		if err := p.task.Reset(); err != nil {
			return err
		}
	}
	for _, e := range p.elements {
		e.Reset()
	}
	p.ports(func(pt *port.Port) {
		if r, ok := pt.IO().(port.Resetter); ok {
			r.Reset()
		}
	})
	p.loaded.Store(false)
	p.logger.Debug("reset")
	return nil
}

// State returns the state of the bound task or None.
func (p *Pipeline) State() element.State {
	p.mu.Lock()
	t := p.task
	p.mu.Unlock()
	if t == nil {
		return element.None
	}
	return t.State()
}

// ElementByName returns the first element created from the prototype
// with provided name. If the prototype is listed more than once, the n-th
// element is addressed as "name#n", counting from 1.
func (p *Pipeline) ElementByName(name string) (*element.Element, error) {
	if e, ok := p.element(name, 1); ok {
		return e, nil
	}
	if i := strings.LastIndexByte(name, '#'); i > 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil && n > 0 {
			if e, ok := p.element(name[:i], n); ok {
				return e, nil
			}
		}
	}
	return nil, fmt.Errorf("pipeline %q element %q: %w", p.name, name, fault.ErrNotFound)
}

// element returns the n-th element created from the prototype name.
func (p *Pipeline) element(name string, n int) (*element.Element, bool) {
	for i, v := range p.names {
		if v != name || i >= len(p.elements) {
			continue
		}
		if n--; n == 0 {
			return p.elements[i], true
		}
	}
	return nil, false
}

// Elements returns elements in pipeline order.
func (p *Pipeline) Elements() []*element.Element {
	return p.elements
}

// SetEventCallback sets application callback. It's called from the task
// goroutine and must not block.
func (p *Pipeline) SetEventCallback(fn func(element.Event)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = fn
}

// ExecuteMethod calls registered method of element. If pipeline is
// running, the method is executed by the task goroutine at the next safe
// point.
func (p *Pipeline) ExecuteMethod(ctx context.Context, name, method string, args map[string]any) (any, error) {
	e, err := p.ElementByName(name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	t := p.task
	p.mu.Unlock()
	if t == nil || !t.active() {
		return e.ExecuteMethod(ctx, method, args)
	}
	var res any
	err = t.mutate(func(ctx context.Context) error {
		var err error
		res, err = e.ExecuteMethod(ctx, method, args)
		return err
	})
	return res, err
}

// Destroy stops the pipeline, unbinds the task and destroys the
// elements. Calling Destroy multiple times has no effect.
func (p *Pipeline) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	t := p.task
	p.task = nil
	p.mu.Unlock()
	var err error
	if t != nil {
		err = multierr.Append(t.Stop(), t.unbind(p))
	}
	err = multierr.Append(err, p.destroyElements())
	p.logger.Debug("destroyed")
	return err
}

func (p *Pipeline) destroyElements() error {
	var err error
	for _, e := range p.elements {
		err = multierr.Append(err, e.Destroy())
	}
	p.elements = nil
	return err
}

// Name returns pipeline name.
func (p *Pipeline) Name() string {
	return p.name
}

// ID returns unique id of pipeline.
func (p *Pipeline) ID() string {
	return p.id
}

// In returns input IO.
func (p *Pipeline) In() mediaio.IO {
	return p.in
}

// Out returns output IO.
func (p *Pipeline) Out() mediaio.IO {
	return p.out
}

func (p *Pipeline) String() string {
	return p.name
}

func (p *Pipeline) boundTask() (*Task, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task == nil {
		return nil, fmt.Errorf("pipeline %q: task is not bound: %w", p.name, fault.ErrInvalidState)
	}
	return p.task, nil
}

func (p *Pipeline) running() bool {
	p.mu.Lock()
	t := p.task
	p.mu.Unlock()
	return t != nil && t.active()
}

// ports calls fn for every port of every element.
func (p *Pipeline) ports(fn func(*port.Port)) {
	for _, e := range p.elements {
		for _, pt := range e.InPorts() {
			fn(pt)
		}
		for _, pt := range e.OutPorts() {
			fn(pt)
		}
	}
}

// abort unblocks IO calls of the running pipeline.
func (p *Pipeline) abort() {
	p.ports(func(pt *port.Port) {
		if a, ok := pt.IO().(port.Aborter); ok {
			a.Abort()
		}
	})
}

// line returns the executor of pipeline elements.
func (p *Pipeline) line(t *Task, checkpoint func(context.Context) error) *runtime.Line {
	return &runtime.Line{
		Elements:   p.elements,
		Checkpoint: checkpoint,
		Retry:      t.cfg.Retry,
		Metric:     p.metric,
		Logger:     p.logger,
		StartFunc:  p.start,
		FlushFunc:  p.flush,
	}
}

// start opens IO and reports stream info of the input to the first
// element.
func (p *Pipeline) start(ctx context.Context) error {
	p.opened = p.opened[:0]
	for _, io := range []mediaio.IO{p.in, p.out} {
		if io == nil {
			continue
		}
		if err := io.Open(ctx); err != nil {
			return multierr.Append(fmt.Errorf("open %v %v: %w", io.Direction(), io.Tag(), err), p.flush(ctx))
		}
		p.opened = append(p.opened, io)
	}
	r, ok := p.in.(mediaio.InfoReporter)
	if !ok {
		return nil
	}
	info, ok := r.Info()
	if !ok {
		return nil
	}
	ev := element.Event{Source: p.in, Type: element.ReportInfo, Info: info}
	if err := p.elements[0].ReceiveEvent(ev); err != nil {
		return multierr.Append(fmt.Errorf("report info: %w", err), p.flush(ctx))
	}
	return nil
}

// flush closes opened IO.
func (p *Pipeline) flush(ctx context.Context) error {
	var err error
	for _, io := range p.opened {
		if cerr := io.Close(ctx); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %v %v: %w", io.Direction(), io.Tag(), cerr))
		}
	}
	p.opened = p.opened[:0]
	return err
}

// transition sets state of elements that are in from state. It's called
// by the worker.
func (p *Pipeline) transition(from, to element.State) {
	for _, e := range p.elements {
		if e.State() == from {
			e.SetState(to)
		}
	}
}

func (p *Pipeline) emit(ev element.Event) {
	p.mu.Lock()
	fn := p.callback
	p.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
