package runtime_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/multierr"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/internal/runtime"
	"pipelined.dev/flow/metric"
	"pipelined.dev/flow/mock"
	"pipelined.dev/flow/port"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errTest = errors.New("test error")

// script is a kernel that returns scripted statuses and records calls.
type script struct {
	name     string
	statuses []element.Status
	errs     []error
	calls    *[]string
	closeErr error
}

func (s *script) Open(context.Context, *element.Element) error {
	return nil
}

func (s *script) Process(context.Context, *element.Element) (element.Status, error) {
	*s.calls = append(*s.calls, s.name)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return element.Fail, err
		}
	}
	if len(s.statuses) == 0 {
		return element.OK, nil
	}
	status := s.statuses[0]
	s.statuses = s.statuses[1:]
	return status, nil
}

func (s *script) Close(context.Context, *element.Element) error {
	*s.calls = append(*s.calls, "close "+s.name)
	return s.closeErr
}

func newLine(t *testing.T, kernels ...element.Kernel) *runtime.Line {
	t.Helper()
	var (
		l    runtime.Line
		prev *element.Element
	)
	for i, k := range kernels {
		e, err := element.New(fmt.Sprintf("e%d", i), nil, func(*element.Element) (element.Kernel, error) {
			return k, nil
		})
		require.NoError(t, err)
		require.NoError(t, e.RegisterInPort(port.New(port.In, port.Byte)))
		require.NoError(t, e.RegisterOutPort(port.New(port.Out, port.Byte)))
		e.SetJobs(element.JobAll)
		if prev != nil {
			prev.SetNext(e)
			e.SetUpstream(prev)
		}
		prev = e
		l.Elements = append(l.Elements, e)
	}
	return &l
}

// run executes line until error and flushes it.
func run(ctx context.Context, l *runtime.Line, passes int) error {
	if err := l.Start(ctx); err != nil {
		return multierr.Append(err, l.Flush(ctx))
	}
	var err error
	for i := 0; i < passes && err == nil; i++ {
		err = l.Execute(ctx)
	}
	return multierr.Append(err, l.Flush(ctx))
}

func TestStatuses(t *testing.T) {
	tests := []struct {
		name     string
		statuses [][]element.Status
		passes   int
		err      error
		calls    []string
	}{
		{
			name:   "ok",
			passes: 2,
			calls:  []string{"a", "b", "c", "a", "b", "c"},
		},
		{
			name: "continue restarts pass",
			statuses: [][]element.Status{
				nil,
				{element.Continue},
			},
			passes: 2,
			calls:  []string{"a", "b", "a", "b", "c"},
		},
		{
			name: "truncate resumes element",
			statuses: [][]element.Status{
				nil,
				{element.Truncate},
			},
			passes: 3,
			calls:  []string{"a", "b", "c", "b", "c", "a", "b", "c"},
		},
		{
			name: "nested truncate resumes downstream first",
			statuses: [][]element.Status{
				nil,
				{element.Truncate},
				{element.Truncate},
			},
			passes: 3,
			calls:  []string{"a", "b", "c", "c", "b", "c"},
		},
		{
			name: "done element is skipped",
			statuses: [][]element.Status{
				{element.Done},
			},
			passes: 2,
			calls:  []string{"a", "b", "c", "b", "c"},
		},
		{
			name: "last done ends line",
			statuses: [][]element.Status{
				nil,
				nil,
				{element.OK, element.Done},
			},
			passes: 5,
			err:    io.EOF,
			calls:  []string{"a", "b", "c", "a", "b", "c"},
		},
		{
			name: "fail status",
			statuses: [][]element.Status{
				nil,
				{element.Fail},
			},
			passes: 2,
			err:    fault.ErrJobFailure,
			calls:  []string{"a", "b"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var calls []string
			kernels := make([]element.Kernel, 0, 3)
			for i, name := range []string{"a", "b", "c"} {
				s := script{name: name, calls: &calls}
				if i < len(test.statuses) {
					s.statuses = test.statuses[i]
				}
				kernels = append(kernels, &s)
			}
			l := newLine(t, kernels...)
			err := run(context.Background(), l, test.passes)
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
			} else {
				assert.NoError(t, err)
			}
			// remove close calls.
			assert.Equal(t, test.calls, calls[:len(calls)-3])
			assert.Equal(t, []string{"close c", "close b", "close a"}, calls[len(calls)-3:])
		})
	}
}

func TestJobError(t *testing.T) {
	var calls []string
	l := newLine(t,
		&script{name: "a", calls: &calls},
		&script{name: "b", calls: &calls, errs: []error{errTest}},
	)
	require.NoError(t, l.Start(context.Background()))
	err := l.Execute(context.Background())

	var jobErr *runtime.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, l.Elements[1], jobErr.Element)
	assert.Equal(t, element.JobProcess, jobErr.Job)
	assert.ErrorIs(t, err, fault.ErrJobFailure)
	assert.ErrorIs(t, err, errTest)
	assert.NoError(t, l.Flush(context.Background()))
}

func TestOpenError(t *testing.T) {
	e, err := mock.Element("failing", mock.Config{Hooks: mock.Hooks{ErrorOnOpen: errTest}})
	require.NoError(t, err)
	require.NoError(t, e.RegisterInPort(port.New(port.In, port.Byte)))
	e.SetJobs(element.JobAll)
	l := runtime.Line{Elements: []*element.Element{e}}

	err = l.Start(context.Background())
	var jobErr *runtime.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, element.JobOpen, jobErr.Job)
	assert.ErrorIs(t, err, errTest)
	assert.Equal(t, element.Error, e.State())
	assert.NoError(t, l.Flush(context.Background()))
}

func TestDependentWithoutInfo(t *testing.T) {
	e, err := mock.Element("dependent", mock.Config{}, element.Dependent())
	require.NoError(t, err)
	require.NoError(t, e.RegisterInPort(port.New(port.In, port.Byte)))
	e.SetJobs(element.JobAll)
	l := runtime.Line{Elements: []*element.Element{e}}

	// open is deferred.
	require.NoError(t, l.Start(context.Background()))
	assert.Equal(t, element.JobAll, e.Jobs())
	err = l.Execute(context.Background())
	assert.ErrorIs(t, err, fault.ErrInvalidState)
	assert.ErrorIs(t, err, fault.ErrJobFailure)
	assert.NoError(t, l.Flush(context.Background()))
}

func TestRetry(t *testing.T) {
	tests := []struct {
		name  string
		retry func() backoff.BackOff
		errs  []error
		err   error
	}{
		{
			name:  "retried",
			retry: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
			errs:  []error{fault.ErrIOTimeout, fault.ErrIOTimeout},
		},
		{
			name:  "gave up",
			retry: func() backoff.BackOff { return &backoff.StopBackOff{} },
			errs:  []error{fault.ErrIOTimeout},
			err:   fault.ErrIOTimeout,
		},
		{
			name: "no policy",
			errs: []error{fault.ErrIOTimeout},
			err:  fault.ErrIOTimeout,
		},
		{
			name: "max retries",
			retry: func() backoff.BackOff {
				return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
			},
			errs: []error{fault.ErrIOTimeout, fault.ErrIOTimeout, fault.ErrIOTimeout},
			err:  fault.ErrIOTimeout,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var calls []string
			l := newLine(t, &script{name: "a", calls: &calls, errs: test.errs})
			l.Retry = test.retry
			require.NoError(t, l.Start(context.Background()))
			err := l.Execute(context.Background())
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
				assert.ErrorIs(t, err, fault.ErrJobFailure)
			} else {
				assert.NoError(t, err)
				assert.Len(t, calls, len(test.errs)+1)
			}
			assert.NoError(t, l.Flush(context.Background()))
		})
	}
}

func TestRetryInterrupted(t *testing.T) {
	var calls []string
	l := newLine(t, &script{name: "a", calls: &calls, errs: []error{fault.ErrIOTimeout}})
	l.Retry = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	cancel()
	err := l.Execute(ctx)
	assert.ErrorIs(t, err, fault.ErrIOAbort)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, fault.ErrJobFailure)
	assert.NoError(t, l.Flush(context.Background()))
}

func TestCheckpoint(t *testing.T) {
	var calls []string
	l := newLine(t, &script{name: "a", calls: &calls}, &script{name: "b", calls: &calls})
	checkpoints := 0
	l.Checkpoint = func(context.Context) error {
		checkpoints++
		if checkpoints == 2 {
			return fault.ErrIOAbort
		}
		return nil
	}
	require.NoError(t, l.Start(context.Background()))
	assert.ErrorIs(t, l.Execute(context.Background()), fault.ErrIOAbort)
	assert.Equal(t, []string{"a"}, calls)
	assert.NoError(t, l.Flush(context.Background()))
}

func TestHooks(t *testing.T) {
	hookOk := func(context.Context) error { return nil }
	hookErr := func(context.Context) error { return errTest }
	tests := []struct {
		name     string
		start    runtime.StartFunc
		flush    runtime.FlushFunc
		startErr error
		flushErr error
	}{
		{name: "nil hooks"},
		{name: "ok hooks", start: hookOk, flush: hookOk},
		{name: "start error", start: hookErr, flush: hookErr, startErr: errTest},
		{name: "flush error", start: hookOk, flush: hookErr, flushErr: errTest},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var calls []string
			l := newLine(t, &script{name: "a", calls: &calls})
			l.StartFunc, l.FlushFunc = test.start, test.flush
			err := l.Start(context.Background())
			if test.startErr != nil {
				assert.ErrorIs(t, err, test.startErr)
				// flush hook is not called if start failed.
				assert.NoError(t, l.Flush(context.Background()))
				return
			}
			assert.NoError(t, err)
			err = l.Flush(context.Background())
			if test.flushErr != nil {
				assert.ErrorIs(t, err, test.flushErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFlushErrors(t *testing.T) {
	var calls []string
	l := newLine(t,
		&script{name: "a", calls: &calls, closeErr: errTest},
		&script{name: "b", calls: &calls},
		&script{name: "c", calls: &calls, closeErr: errTest},
	)
	l.FlushFunc = func(context.Context) error { return fault.ErrIOFail }
	require.NoError(t, l.Start(context.Background()))
	err := l.Flush(context.Background())
	assert.Len(t, multierr.Errors(err), 3)
	assert.ErrorIs(t, err, fault.ErrJobFailure)
	assert.ErrorIs(t, err, fault.ErrIOFail)
	assert.Equal(t, []string{"close c", "close b", "close a"}, calls)

	// closed elements are not closed again.
	calls = nil
	assert.NoError(t, l.Flush(context.Background()))
	assert.Empty(t, calls)
}

func TestMockLine(t *testing.T) {
	ctx := context.Background()
	src := &mock.Source{Limit: 1000, Value: 3}
	sink := &mock.Sink{}
	var l runtime.Line
	var prev *element.Element
	for i := 0; i < 3; i++ {
		e, err := mock.Element("mock", mock.Config{Size: 64, Copy: i == 1})
		require.NoError(t, err)
		e.SetJobs(element.JobAll)
		if prev != nil {
			out, in := port.New(port.Out, port.Byte), port.New(port.In, port.Byte)
			require.NoError(t, port.Link(out, in))
			require.NoError(t, prev.RegisterOutPort(out))
			require.NoError(t, e.RegisterInPort(in))
			prev.SetNext(e)
			e.SetUpstream(prev)
		}
		prev = e
		l.Elements = append(l.Elements, e)
	}
	require.NoError(t, l.Elements[0].RegisterInPort(port.New(port.In, port.Byte, port.WithIO(src))))
	require.NoError(t, prev.RegisterOutPort(port.New(port.Out, port.Byte, port.WithIO(sink))))

	m := metric.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(m))
	l.Metric = m
	l.StartFunc = func(ctx context.Context) error {
		return multierr.Append(src.Open(ctx), sink.Open(ctx))
	}
	l.FlushFunc = func(ctx context.Context) error {
		return multierr.Append(src.Close(ctx), sink.Close(ctx))
	}

	assert.ErrorIs(t, run(ctx, &l, 100), io.EOF)
	assert.Equal(t, bytes.Repeat([]byte{3}, 1000), sink.Buffer())
	for _, e := range l.Elements {
		calls, received := e.Kernel().(*mock.Processor).Count()
		assert.Equal(t, 16, calls)
		assert.Equal(t, 1000, received)
		assert.Equal(t, element.Finished, e.State())
		assert.Zero(t, e.Jobs())
	}
	assert.True(t, src.Closed)
	assert.True(t, sink.Closed)
	count, err := testutil.GatherAndCount(reg, "flow_process_calls_total")
	assert.NoError(t, err)
	// ok and done statuses.
	assert.Equal(t, 2, count)
}
