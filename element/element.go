// Package element provides the processing node of a pipeline.
//
// Element wraps a Kernel, the collaborator that implements open, process
// and close of a particular stage, e.g. a decoder or an effect. Element
// keeps the lifecycle state, the ports, the job mask and the registered
// methods, and delivers stream info from its direct predecessor.
package element

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/log"
	"pipelined.dev/flow/port"
)

type (
	// Kernel is the element collaborator. All calls are made from the
	// goroutine of the task that runs the pipeline.
	Kernel interface {
		Open(ctx context.Context, e *Element) error
		Process(ctx context.Context, e *Element) (Status, error)
		Close(ctx context.Context, e *Element) error
	}

	// EventReceiver is implemented by kernels that react to stream info
	// from predecessor. If kernel doesn't implement it, received info is
	// reported downstream as is.
	EventReceiver interface {
		ReceiveEvent(e *Element, ev Event) error
	}

	// NewFunc creates the kernel of an element. It's called every time the
	// element is created or duplicated, and is the place to register
	// methods.
	NewFunc func(e *Element) (Kernel, error)

	// Destroyer is implemented by kernels that hold resources until the
	// element is destroyed.
	Destroyer interface {
		Destroy() error
	}

	// Cloner is implemented by configs that need a deep copy on duplicate.
	Cloner interface {
		Clone() any
	}
)

// Element is a processing stage of a pipeline.
type Element struct {
	id        string
	tag       string
	cfg       any
	newFn     NewFunc
	options   []Option
	kernel    Kernel
	state     State
	initState State
	jobs      Job
	opened    bool
	destroyed bool

	inCap, outCap   Capability
	inType, outType port.Type
	in, out         []*port.Port

	methods map[string]*Method
	order   []string

	// upstream is the direct predecessor: previous element or input IO.
	upstream any
	next     *Element
	info     Info
	callback func(Event)
	logger   logrus.FieldLogger
}

// Option configures the element.
type Option func(*Element)

// WithInPorts declares capability and type mask of input ports.
func WithInPorts(c Capability, t port.Type) Option {
	return func(e *Element) {
		e.inCap, e.inType = c, t
	}
}

// WithOutPorts declares capability and type mask of output ports.
func WithOutPorts(c Capability, t port.Type) Option {
	return func(e *Element) {
		e.outCap, e.outType = c, t
	}
}

// Dependent makes element wait for stream info from its predecessor
// before open.
func Dependent() Option {
	return func(e *Element) {
		e.initState = Uninitialized
	}
}

// WithLogger sets element logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Element) {
		e.logger = l
	}
}

// New creates an element with provided tag and config. By default element
// accepts single byte port in both directions.
func New(tag string, cfg any, fn NewFunc, options ...Option) (*Element, error) {
	if tag == "" || fn == nil {
		return nil, fmt.Errorf("new element %q: %w", tag, fault.ErrInvalidArgument)
	}
	e := Element{
		id:        xid.New().String(),
		tag:       tag,
		cfg:       cfg,
		newFn:     fn,
		options:   options,
		inType:    port.Byte,
		outType:   port.Byte,
		initState: Initialized,
		methods:   make(map[string]*Method),
		logger:    log.GetLogger(),
	}
	for _, option := range options {
		option(&e)
	}
	e.logger = e.logger.WithFields(logrus.Fields{"element": tag, "id": e.id})
	e.state = e.initState
	k, err := fn(&e)
	if err != nil {
		return nil, fmt.Errorf("new element %q: %w", tag, err)
	}
	if k == nil {
		return nil, fmt.Errorf("new element %q: nil kernel: %w", tag, fault.ErrInvalidArgument)
	}
	e.kernel = k
	return &e, nil
}

// Duplicate creates a new element with the same tag, options and a copy
// of the config. Ports and links are not copied.
func (e *Element) Duplicate() (*Element, error) {
	if e.destroyed {
		return nil, fmt.Errorf("duplicate destroyed element %q: %w", e.tag, fault.ErrInvalidState)
	}
	return New(e.tag, cloneConfig(e.cfg), e.newFn, e.options...)
}

func cloneConfig(cfg any) any {
	if cfg == nil {
		return nil
	}
	if c, ok := cfg.(Cloner); ok {
		return c.Clone()
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return cfg
	}
	c := reflect.New(v.Elem().Type())
	c.Elem().Set(v.Elem())
	return c.Interface()
}

// RegisterInPort adds input port. Port type must intersect the declared
// type mask and single capability allows only one port.
func (e *Element) RegisterInPort(p *port.Port) error {
	return e.registerPort(p, port.In, e.inCap, e.inType, &e.in)
}

// RegisterOutPort adds output port. Port type must intersect the declared
// type mask and single capability allows only one port.
func (e *Element) RegisterOutPort(p *port.Port) error {
	return e.registerPort(p, port.Out, e.outCap, e.outType, &e.out)
}

func (e *Element) registerPort(p *port.Port, dir port.Direction, c Capability, t port.Type, ports *[]*port.Port) error {
	if p == nil || p.Direction() != dir {
		return fmt.Errorf("register %v port on %q: %w", dir, e.tag, fault.ErrInvalidArgument)
	}
	if p.Type()&t == 0 {
		return fmt.Errorf("register %v port of type %v on %q accepting %v: %w", dir, p.Type(), e.tag, t, fault.ErrNotSupported)
	}
	if c == Single && len(*ports) > 0 {
		return fmt.Errorf("register second %v port on %q: %w", dir, e.tag, fault.ErrNotSupported)
	}
	*ports = append(*ports, p)
	return nil
}

// UnregisterPort removes the port from element. It's used to tear down
// bus bridges.
func (e *Element) UnregisterPort(p *port.Port) bool {
	for _, ports := range []*[]*port.Port{&e.in, &e.out} {
		for i := range *ports {
			if (*ports)[i] == p {
				*ports = append((*ports)[:i], (*ports)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// ProcessOpen opens the element. It returns Continue if element is
// dependent and didn't receive stream info yet.
func (e *Element) ProcessOpen(ctx context.Context) (Status, error) {
	if e.opened {
		return OK, nil
	}
	if e.state == Uninitialized {
		return Continue, nil
	}
	if len(e.in) == 0 {
		return Fail, fmt.Errorf("open %q: input port: %w", e.tag, fault.ErrNotFound)
	}
	if e.next != nil && len(e.out) == 0 {
		return Fail, fmt.Errorf("open %q: output port: %w", e.tag, fault.ErrNotFound)
	}
	if err := e.kernel.Open(ctx, e); err != nil {
		e.state = Error
		return Fail, err
	}
	e.opened = true
	e.jobs &^= JobOpen
	e.logger.Debug("opened")
	e.setState(Running)
	return OK, nil
}

// ProcessRunning calls kernel process once.
func (e *Element) ProcessRunning(ctx context.Context) (Status, error) {
	if !e.opened {
		return Fail, fmt.Errorf("process %q: not opened: %w", e.tag, fault.ErrInvalidState)
	}
	status, err := e.kernel.Process(ctx, e)
	if err == nil && status == Done {
		e.state = Finished
		e.jobs &^= JobProcess
	}
	return status, err
}

// ProcessClose closes opened element and releases held input ports.
func (e *Element) ProcessClose(ctx context.Context) error {
	var err error
	if e.opened {
		err = e.kernel.Close(ctx, e)
		e.opened = false
		e.logger.Debug("closed")
	}
	e.jobs &^= JobClose
	for _, p := range e.in {
		err = multierr.Append(err, port.ReleaseIn(ctx, p))
	}
	// unreleased output is dropped, it may be incomplete.
	for _, p := range e.out {
		if p.Held() {
			port.Reset(p)
		}
	}
	return err
}

// ReceiveEvent handles event from upstream. Stream info is adopted only if
// source is the direct predecessor. Dependent element becomes initialized
// when it adopts the info.
func (e *Element) ReceiveEvent(ev Event) error {
	if ev.Type != ReportInfo || ev.Info == nil {
		return nil
	}
	if e.upstream == nil || ev.Source != e.upstream {
		e.logger.WithField("source", fmt.Sprintf("%T", ev.Source)).Debug("ignored info from non-predecessor")
		return nil
	}
	e.info = ev.Info
	if e.state == Uninitialized {
		e.setState(Initialized)
	}
	if r, ok := e.kernel.(EventReceiver); ok {
		return r.ReceiveEvent(e, ev)
	}
	return e.ReportInfo(ev.Info)
}

// ReportInfo sends stream info to the next element and to application
// callback.
func (e *Element) ReportInfo(info Info) error {
	ev := Event{Source: e, Type: ReportInfo, Info: info}
	e.emit(ev)
	if e.next != nil {
		return e.next.ReceiveEvent(ev)
	}
	return nil
}

func (e *Element) setState(s State) {
	e.state = s
	e.emit(Event{Source: e, Type: StateChange, State: s})
}

func (e *Element) emit(ev Event) {
	if e.callback != nil {
		e.callback(ev)
	}
}

// Reset returns element to its initial state. Jobs are cleared and ports
// are reset.
func (e *Element) Reset() {
	e.state = e.initState
	e.jobs = 0
	e.opened = false
	if e.initState == Uninitialized {
		e.info = nil
	}
	for _, p := range e.in {
		port.Reset(p)
	}
	for _, p := range e.out {
		port.Reset(p)
	}
}

// Destroy releases the config, methods and ports of the element. If
// kernel implements Destroyer, it's destroyed too. Calling Destroy multiple
// times has no effect.
func (e *Element) Destroy() error {
	if e.destroyed {
		return nil
	}
	e.destroyed = true
	var err error
	if d, ok := e.kernel.(Destroyer); ok {
		err = d.Destroy()
	}
	for _, p := range e.in {
		port.Delete(p)
	}
	for _, p := range e.out {
		port.Delete(p)
	}
	e.in, e.out = nil, nil
	e.cfg = nil
	e.methods, e.order = nil, nil
	e.upstream, e.next, e.callback = nil, nil, nil
	return err
}

// SetJobs sets the job mask.
func (e *Element) SetJobs(j Job) {
	e.jobs = j
}

// Jobs returns pending jobs.
func (e *Element) Jobs() Job {
	return e.jobs
}

// SetUpstream sets the direct predecessor: previous element or input IO.
func (e *Element) SetUpstream(u any) {
	e.upstream = u
}

// Upstream returns the direct predecessor.
func (e *Element) Upstream() any {
	return e.upstream
}

// SetNext sets the next element of the pipeline.
func (e *Element) SetNext(next *Element) {
	e.next = next
}

// Next returns the next element of the pipeline.
func (e *Element) Next() *Element {
	return e.next
}

// SetEventCallback sets the callback that receives element events.
func (e *Element) SetEventCallback(fn func(Event)) {
	e.callback = fn
}

// SetState sets element state without emitting an event.
func (e *Element) SetState(s State) {
	e.state = s
}

// ID returns unique id of the element.
func (e *Element) ID() string { return e.id }

// Tag returns element tag.
func (e *Element) Tag() string { return e.tag }

// Config returns element config.
func (e *Element) Config() any { return e.cfg }

// Kernel returns element kernel.
func (e *Element) Kernel() Kernel { return e.kernel }

// State returns current state.
func (e *Element) State() State { return e.state }

// InitState returns state the element is reset to.
func (e *Element) InitState() State { return e.initState }

// Info returns stream info adopted from predecessor.
func (e *Element) Info() Info { return e.info }

// Opened returns true between successful open and close.
func (e *Element) Opened() bool { return e.opened }

// Logger returns element logger.
func (e *Element) Logger() logrus.FieldLogger { return e.logger }

// InPorts returns input ports.
func (e *Element) InPorts() []*port.Port { return e.in }

// OutPorts returns output ports.
func (e *Element) OutPorts() []*port.Port { return e.out }

// InPortTypes returns capability and type mask of input ports.
func (e *Element) InPortTypes() (Capability, port.Type) { return e.inCap, e.inType }

// OutPortTypes returns capability and type mask of output ports.
func (e *Element) OutPortTypes() (Capability, port.Type) { return e.outCap, e.outType }

// In returns the first input port.
func (e *Element) In() *port.Port {
	if len(e.in) == 0 {
		return nil
	}
	return e.in[0]
}

// Out returns the first output port.
func (e *Element) Out() *port.Port {
	if len(e.out) == 0 {
		return nil
	}
	return e.out[0]
}

func (e *Element) String() string {
	return e.tag
}
