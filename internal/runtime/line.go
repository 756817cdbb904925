// Package runtime executes the jobs of pipeline elements.
//
// Line is a sequence of elements driven by one goroutine. Start opens the
// elements front to back, Execute does one pass of process calls and
// Flush closes the elements back to front.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/log"
	"pipelined.dev/flow/metric"
)

var errFailStatus = errors.New("fail status")

type (
	// StartFunc is a closure that triggers line start hook.
	StartFunc func(ctx context.Context) error
	// FlushFunc is a closure that triggers line flush hook.
	FlushFunc func(ctx context.Context) error
)

// Start calls the start hook.
func (fn StartFunc) Start(ctx context.Context) error {
	return callHook(ctx, fn)
}

// Flush calls the flush hook.
func (fn FlushFunc) Flush(ctx context.Context) error {
	return callHook(ctx, fn)
}

func callHook(ctx context.Context, hook func(context.Context) error) error {
	if hook == nil {
		return nil
	}
	return hook(ctx)
}

// JobError is returned when element job fails. It unwraps to both
// fault.ErrJobFailure and the cause.
type JobError struct {
	Element *element.Element
	Job     element.Job
	Err     error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%v %v: %v", e.Element, e.Job, e.Err)
}

// Unwrap returns the job failure and the cause.
func (e *JobError) Unwrap() []error {
	return []error{fault.ErrJobFailure, e.Err}
}

// Line is a sequence of elements of one pipeline.
type Line struct {
	Elements []*element.Element
	// Checkpoint is called before every element process. Non-nil error
	// ends the pass.
	Checkpoint func(ctx context.Context) error
	// Retry returns the policy for process calls that time out. If nil,
	// timeout fails the job.
	Retry  func() backoff.BackOff
	Metric *metric.Metric
	Logger logrus.FieldLogger
	StartFunc
	FlushFunc

	started   bool
	done      []bool
	truncated []int
	retry     backoff.BackOff
	meters    []metric.MeasureFunc
}

// Start calls the start hook and opens elements with pending open job.
// Dependent elements that didn't receive stream info are opened later,
// during Execute.
func (l *Line) Start(ctx context.Context) error {
	l.done = make([]bool, len(l.Elements))
	l.truncated = l.truncated[:0]
	l.retry = nil
	l.meters = make([]metric.MeasureFunc, len(l.Elements))
	for i, e := range l.Elements {
		l.meters[i] = l.Metric.Meter(e.Tag())()
	}
	if err := l.StartFunc.Start(ctx); err != nil {
		return err
	}
	l.started = true
	for _, e := range l.Elements {
		if e.Jobs()&element.JobOpen == 0 {
			continue
		}
		if _, err := e.ProcessOpen(ctx); err != nil {
			return l.fail(e, element.JobOpen, err)
		}
	}
	return nil
}

// Execute does a single pass over elements. The pass starts at the most
// recently truncated element, or at the first element that is not done.
// io.EOF is returned when the last element is done.
func (l *Line) Execute(ctx context.Context) error {
	if len(l.Elements) == 0 {
		return io.EOF
	}
	start := 0
	if n := len(l.truncated); n > 0 {
		start = l.truncated[n-1]
		l.truncated = l.truncated[:n-1]
	}
	for i := start; i < len(l.Elements); i++ {
		if l.done[i] {
			continue
		}
		if err := l.checkpoint(ctx); err != nil {
			return err
		}
		e := l.Elements[i]
		if e.Jobs()&element.JobOpen != 0 {
			status, err := e.ProcessOpen(ctx)
			if err != nil {
				return l.fail(e, element.JobOpen, err)
			}
			if status == element.Continue {
				return l.fail(e, element.JobOpen, fmt.Errorf("stream info is not received: %w", fault.ErrInvalidState))
			}
		}
		status, err := l.process(ctx, i)
		if err != nil {
			if fault.IsAbort(err) {
				return err
			}
			return l.fail(e, element.JobProcess, err)
		}
		switch status {
		case element.OK:
		case element.Continue:
			return nil
		case element.Truncate:
			l.truncated = append(l.truncated, i)
		case element.Done:
			l.done[i] = true
			if i == len(l.Elements)-1 {
				return io.EOF
			}
		default:
			return l.fail(e, element.JobProcess, fmt.Errorf("%v: %w", status, errFailStatus))
		}
	}
	return nil
}

// process calls element process and retries it while it times out.
func (l *Line) process(ctx context.Context, i int) (element.Status, error) {
	e := l.Elements[i]
	for {
		before := inputBytes(e)
		status, err := e.ProcessRunning(ctx)
		if !errors.Is(err, fault.ErrIOTimeout) {
			if l.retry != nil {
				l.retry.Reset()
			}
			l.meters[i](status.String(), int(inputBytes(e)-before))
			return status, err
		}
		if err := l.backoff(ctx, err); err != nil {
			return element.Fail, err
		}
	}
}

// backoff waits before the next retry. Cause is returned if retry policy
// gives up.
func (l *Line) backoff(ctx context.Context, cause error) error {
	if l.Retry == nil {
		return cause
	}
	if l.retry == nil {
		l.retry = l.Retry()
	}
	d := l.retry.NextBackOff()
	if d == backoff.Stop {
		l.retry.Reset()
		return fmt.Errorf("retry: %w", cause)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", fault.ErrIOAbort, ctx.Err())
	}
	return l.checkpoint(ctx)
}

// Flush closes elements with pending close job back to front and calls
// flush hook if line was started. All errors are returned.
func (l *Line) Flush(ctx context.Context) error {
	var err error
	for i := len(l.Elements) - 1; i >= 0; i-- {
		e := l.Elements[i]
		if e.Jobs()&element.JobClose == 0 {
			continue
		}
		if cerr := e.ProcessClose(ctx); cerr != nil {
			err = multierr.Append(err, l.fail(e, element.JobClose, cerr))
		}
	}
	if l.started {
		l.started = false
		err = multierr.Append(err, l.FlushFunc.Flush(ctx))
	}
	return err
}

func (l *Line) checkpoint(ctx context.Context) error {
	if l.Checkpoint == nil {
		return nil
	}
	return l.Checkpoint(ctx)
}

func (l *Line) fail(e *element.Element, job element.Job, err error) error {
	l.Metric.Failure(e.Tag(), job.String())
	l.logger().WithFields(logrus.Fields{"element": e.Tag(), "job": job}).WithError(err).Debug("job failed")
	return &JobError{Element: e, Job: job, Err: err}
}

func (l *Line) logger() logrus.FieldLogger {
	if l.Logger == nil {
		return log.GetLogger()
	}
	return l.Logger
}

func inputBytes(e *element.Element) int64 {
	if in := e.In(); in != nil {
		return in.Bytes()
	}
	return 0
}
