// Package state provides the control plane of a running task.
//
// Handle is shared by the goroutine that controls the task and the worker
// goroutine that executes it. Controller sends events and waits for the
// worker feedback. Worker handles events at checkpoints, which are the
// safe points between process calls: an in-flight process call always
// completes before pause is honored.
package state

import (
	"context"
	"fmt"
	"sync"

	"pipelined.dev/flow/fault"
)

type (
	// event triggers the state change.
	// Use imperative verbs for implementations.
	//
	// feedback is used to provide errors to the caller.
	event interface {
		feedback() chan error
		fmt.Stringer
	}

	// errs is a wrapper for error channels. It's used to return errs
	// of state transition or error occurred during that transition.
	errs chan error
)

type (
	// pause event is sent to pause the run.
	pause struct {
		errs
	}

	// resume event is sent to resume the run.
	resume struct {
		errs
	}

	// mutate event is sent to apply mutation in worker goroutine.
	mutate struct {
		errs
		Mutation
	}
)

// Mutation changes the state of pipeline elements. It's applied by the
// worker goroutine at the next checkpoint, so it never runs concurrently
// with element calls.
type Mutation func(ctx context.Context) error

// Hooks are called by the worker goroutine on state transitions.
type Hooks struct {
	Paused  func()
	Resumed func()
}

// Handle manages the lifecycle of one run.
type Handle struct {
	// eventc is used to send events to the worker.
	// created in constructor, never closed.
	eventc chan event
	// stopc is closed when stop is requested.
	stopc    chan struct{}
	stopOnce sync.Once
	// donec is closed when worker exits.
	donec chan struct{}
	hooks Hooks
	// paused is owned by the worker.
	paused bool
}

// NewHandle returns new initialized handle.
func NewHandle(hooks Hooks) *Handle {
	return &Handle{
		eventc: make(chan event),
		stopc:  make(chan struct{}),
		donec:  make(chan struct{}),
		hooks:  hooks,
	}
}

// Feedback exposes error channel and used to satisfy event interface.
func (e errs) feedback() chan error {
	return e
}

func (pause) String() string {
	return "event.Pause"
}

func (resume) String() string {
	return "event.Resume"
}

func (mutate) String() string {
	return "event.Mutate"
}

// Pause requests the worker to park at the next checkpoint. It returns
// when the worker is parked.
func (h *Handle) Pause() error {
	return h.send(pause{errs: make(errs, 1)})
}

// Resume requests the parked worker to continue.
func (h *Handle) Resume() error {
	return h.send(resume{errs: make(errs, 1)})
}

// Mutate sends mutation to the worker and returns its result.
func (h *Handle) Mutate(m Mutation) error {
	return h.send(mutate{errs: make(errs, 1), Mutation: m})
}

// Stop requests the worker to exit. It doesn't wait, see Done.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopc)
	})
}

// Done returns a channel that's closed when worker exits.
func (h *Handle) Done() <-chan struct{} {
	return h.donec
}

// Exit must be called by worker when it's done.
func (h *Handle) Exit() {
	close(h.donec)
}

func (h *Handle) send(e event) error {
	select {
	case h.eventc <- e:
	case <-h.stopc:
		return fmt.Errorf("%v: stopped: %w", e, fault.ErrInvalidState)
	case <-h.donec:
		return fmt.Errorf("%v: done: %w", e, fault.ErrInvalidState)
	}
	select {
	case err := <-e.feedback():
		return err
	case <-h.donec:
		// worker could reply right before exit.
		select {
		case err := <-e.feedback():
			return err
		default:
			return fmt.Errorf("%v: done: %w", e, fault.ErrInvalidState)
		}
	}
}

// Checkpoint is called by worker between process calls. It handles
// pending events and blocks while paused. fault.ErrIOAbort is returned
// if stop is requested or context is done.
func (h *Handle) Checkpoint(ctx context.Context) error {
	for {
		if h.paused {
			select {
			case e := <-h.eventc:
				h.handle(ctx, e)
			case <-h.stopc:
				return fmt.Errorf("stop: %w", fault.ErrIOAbort)
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", fault.ErrIOAbort, ctx.Err())
			}
			continue
		}
		select {
		case e := <-h.eventc:
			h.handle(ctx, e)
		case <-h.stopc:
			return fmt.Errorf("stop: %w", fault.ErrIOAbort)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", fault.ErrIOAbort, ctx.Err())
		default:
			return nil
		}
	}
}

// Paused returns true if worker is parked. It must be called by worker.
func (h *Handle) Paused() bool {
	return h.paused
}

func (h *Handle) handle(ctx context.Context, e event) {
	var err error
	switch ev := e.(type) {
	case pause:
		if h.paused {
			err = fmt.Errorf("%v: already paused: %w", e, fault.ErrInvalidState)
			break
		}
		h.paused = true
		call(h.hooks.Paused)
	case resume:
		if !h.paused {
			err = fmt.Errorf("%v: not paused: %w", e, fault.ErrInvalidState)
			break
		}
		h.paused = false
		call(h.hooks.Resumed)
	case mutate:
		err = ev.Mutation(ctx)
	}
	e.feedback() <- err
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
