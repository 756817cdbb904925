package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/internal/runtime"
	"pipelined.dev/flow/internal/state"
	"pipelined.dev/flow/metric"
)

// TaskConfig configures the worker of a task.
type TaskConfig struct {
	// Name is used in logs and metrics. By default it's the task id.
	Name string
	// LockOSThread wires the worker goroutine to its OS thread for the
	// whole run.
	LockOSThread bool
	// Retry returns the policy for process calls that time out. Nil
	// means timeout fails the job.
	Retry func() backoff.BackOff
}

// DefaultTaskConfig returns config with exponential retry of timed out
// process calls for up to ten seconds.
func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		Retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
}

// Task is the execution unit of a pipeline. Every run is executed by a
// single worker goroutine.
type Task struct {
	id     string
	cfg    TaskConfig
	logger logrus.FieldLogger
	metric *metric.Metric

	mu       sync.Mutex
	pipeline *Pipeline
	state    element.State
	handle   *state.Handle
	cancel   context.CancelFunc
	err      error
}

// NewTask returns a task with provided config.
func NewTask(cfg TaskConfig, opts ...Option) *Task {
	o := newOptions(opts)
	t := Task{
		id:     xid.New().String(),
		cfg:    cfg,
		metric: o.metric,
	}
	if t.cfg.Name == "" {
		t.cfg.Name = t.id
	}
	t.logger = o.logger.WithField("task", t.cfg.Name)
	return &t
}

func (t *Task) bind(p *Pipeline) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pipeline != nil && t.pipeline != p {
		return fmt.Errorf("bind task %q: already bound to %v: %w", t.cfg.Name, t.pipeline, fault.ErrInvalidState)
	}
	t.pipeline = p
	return nil
}

func (t *Task) unbind(p *Pipeline) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pipeline != p {
		return fmt.Errorf("unbind task %q: %w", t.cfg.Name, fault.ErrInvalidState)
	}
	t.pipeline = nil
	t.state = element.None
	t.handle, t.cancel, t.err = nil, nil, nil
	return nil
}

// Run starts the worker goroutine. Jobs of the pipeline are loaded if
// they weren't. Task must be reset before it's run again after the
// terminal state.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	p := t.pipeline
	if p == nil {
		t.mu.Unlock()
		return fmt.Errorf("run task %q: pipeline is not bound: %w", t.cfg.Name, fault.ErrInvalidState)
	}
	switch {
	case t.state == element.Running, t.state == element.Paused:
		t.mu.Unlock()
		return fmt.Errorf("run task %q: already running: %w", t.cfg.Name, fault.ErrInvalidState)
	case t.state.Terminal():
		t.mu.Unlock()
		return fmt.Errorf("run task %q: %v: reset required: %w", t.cfg.Name, t.state, fault.ErrInvalidState)
	}
	if !p.loaded.Load() {
		p.loadJobs()
	}

	h := state.NewHandle(state.Hooks{
		Paused:  func() { t.transition(element.Running, element.Paused) },
		Resumed: func() { t.transition(element.Paused, element.Running) },
	})
	ctx, cancel := context.WithCancel(ctx)
	t.handle, t.cancel, t.err = h, cancel, nil
	t.setState(element.Running)
	l := p.line(t, h.Checkpoint)
	t.mu.Unlock()

	p.emit(element.Event{Source: p, Type: element.StateChange, State: element.Running})
	go t.run(ctx, h, l)
	t.logger.Debug("started")
	return nil
}

func (t *Task) run(ctx context.Context, h *state.Handle, l *runtime.Line) {
	defer h.Exit()
	if t.cfg.LockOSThread {
		goruntime.LockOSThread()
		defer goruntime.UnlockOSThread()
	}
	t.finish(execute(ctx, l))
}

// execute runs the line until the last element is done or an error
// occurs. Elements are closed with context that is not canceled by stop.
func execute(ctx context.Context, l *runtime.Line) error {
	flushCtx := context.WithoutCancel(ctx)
	if err := l.Start(ctx); err != nil {
		return multierr.Append(err, l.Flush(flushCtx))
	}
	var err error
	for err == nil {
		err = l.Execute(ctx)
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return multierr.Append(err, l.Flush(flushCtx))
}

// finish sets the terminal state and emits the only terminal event of the
// run. Buses of the pipeline are aborted unless the run is finished, so
// bridged peers don't wait for data that won't come.
func (t *Task) finish(err error) {
	ev := element.Event{Type: element.StateChange, Err: err}
	switch {
	case err == nil:
		ev.State = element.Finished
	case fault.IsAbort(err) && !errors.Is(err, fault.ErrJobFailure):
		ev.State, ev.Err = element.Stopped, nil
	default:
		ev.State = element.Error
	}
	t.mu.Lock()
	p := t.pipeline
	t.err = ev.Err
	t.setState(ev.State)
	t.mu.Unlock()

	if p != nil && ev.State != element.Finished {
		p.abort()
	}
	ev.Source = p
	var jobErr *runtime.JobError
	if errors.As(err, &jobErr) {
		ev.Source = jobErr.Element
		jobErr.Element.SetState(element.Error)
	}
	if p != nil && ev.State == element.Stopped {
		p.transition(element.Running, element.Stopped)
		p.transition(element.Paused, element.Stopped)
	}
	logger := t.logger.WithField("state", ev.State)
	if ev.Err != nil {
		logger = logger.WithError(ev.Err)
	}
	logger.Debug("done")
	if p != nil {
		p.emit(ev)
	}
}

// transition is called by the worker on pause and resume.
func (t *Task) transition(from, to element.State) {
	t.mu.Lock()
	p := t.pipeline
	t.setState(to)
	t.mu.Unlock()
	t.logger.WithField("state", to).Debug("transition")
	if p != nil {
		p.transition(from, to)
		p.emit(element.Event{Source: p, Type: element.StateChange, State: to})
	}
}

// setState must be called with mu locked.
func (t *Task) setState(s element.State) {
	t.state = s
	t.metric.State(t.cfg.Name, int(s))
}

// Pause parks the worker at the next safe point. It returns when the
// worker is parked.
func (t *Task) Pause() error {
	h, err := t.activeHandle(element.Running)
	if err != nil {
		return fmt.Errorf("pause task %q: %w", t.cfg.Name, err)
	}
	return h.Pause()
}

// Resume continues parked worker.
func (t *Task) Resume() error {
	h, err := t.activeHandle(element.Paused)
	if err != nil {
		return fmt.Errorf("resume task %q: %w", t.cfg.Name, err)
	}
	return h.Resume()
}

func (t *Task) activeHandle(want element.State) (*state.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != want {
		return nil, fmt.Errorf("%v: %w", t.state, fault.ErrInvalidState)
	}
	return t.handle, nil
}

// Stop aborts IO of the pipeline, requests the worker to exit and waits
// until it's done. Stopping a task that is not running has no effect.
func (t *Task) Stop() error {
	t.mu.Lock()
	h, cancel, p := t.handle, t.cancel, t.pipeline
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	default:
	}
	if p != nil {
		p.abort()
	}
	h.Stop()
	cancel()
	<-h.Done()
	t.logger.Debug("stopped")
	return nil
}

// Wait blocks until the worker is done and returns the error of the run.
// Stopped run has no error.
func (t *Task) Wait() error {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	<-h.Done()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Reset returns task to the initial state. Running task cannot be
// reset.
func (t *Task) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == element.Running || t.state == element.Paused {
		return fmt.Errorf("reset task %q: %w", t.cfg.Name, fault.ErrInvalidState)
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.state = element.None
	t.handle, t.cancel, t.err = nil, nil, nil
	return nil
}

// Deinit stops the task and unbinds the pipeline.
func (t *Task) Deinit() error {
	t.mu.Lock()
	p := t.pipeline
	t.mu.Unlock()
	err := t.Stop()
	if p == nil {
		return err
	}
	p.mu.Lock()
	if p.task == t {
		p.task = nil
	}
	p.mu.Unlock()
	return multierr.Append(err, t.unbind(p))
}

// State returns the current state.
func (t *Task) State() element.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Name returns task name.
func (t *Task) Name() string {
	return t.cfg.Name
}

func (t *Task) active() bool {
	s := t.State()
	return s == element.Running || s == element.Paused
}

// mutate applies m in the worker goroutine.
func (t *Task) mutate(m state.Mutation) error {
	t.mu.Lock()
	h := t.handle
	active := t.state == element.Running || t.state == element.Paused
	t.mu.Unlock()
	if !active {
		return fmt.Errorf("mutate task %q: %w", t.cfg.Name, fault.ErrInvalidState)
	}
	return h.Mutate(m)
}
