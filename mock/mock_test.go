package mock_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/mediaio"
	"pipelined.dev/flow/mock"
	"pipelined.dev/flow/payload"
	"pipelined.dev/flow/port"
)

var (
	_ mediaio.IO           = (*mock.Source)(nil)
	_ mediaio.IO           = (*mock.Sink)(nil)
	_ mediaio.InfoReporter = (*mock.Source)(nil)
	_ element.Destroyer    = (*mock.Processor)(nil)
)

var errTest = errors.New("test error")

func TestSource(t *testing.T) {
	tests := []struct {
		limit  int
		wanted int
		calls  int
	}{
		{limit: 11, wanted: 5, calls: 3},
		{limit: 2500, wanted: 5, calls: 500},
		{limit: 0, wanted: 5, calls: 1},
	}
	ctx := context.Background()
	for _, test := range tests {
		src := &mock.Source{Limit: test.limit, Value: 7}
		require.NoError(t, src.Open(ctx))
		p, err := payload.NewWithCapacity(test.wanted)
		require.NoError(t, err)
		for !p.Done() {
			n, err := src.Acquire(ctx, p, test.wanted, port.MaxWait)
			require.NoError(t, err)
			require.NoError(t, p.SetValidSize(n))
			for _, b := range p.Bytes() {
				assert.Equal(t, byte(7), b)
			}
		}
		calls, bytes := src.Count()
		assert.Equal(t, test.calls, calls)
		assert.Equal(t, test.limit, bytes)
		assert.Equal(t, int64(test.limit), src.Position())
		assert.NoError(t, src.Close(ctx))
		assert.True(t, src.Opened)
		assert.True(t, src.Closed)
	}
}

func TestSourceErrors(t *testing.T) {
	ctx := context.Background()
	src := &mock.Source{Limit: 10, Hooks: mock.Hooks{ErrorOnOpen: errTest}}
	assert.ErrorIs(t, src.Open(ctx), errTest)
	_, err := src.Acquire(ctx, payload.New(), 1, port.NoWait)
	assert.ErrorIs(t, err, fault.ErrIOFail)

	src = &mock.Source{Limit: 10, ErrorOnCall: errTest}
	require.NoError(t, src.Open(ctx))
	_, err = src.Acquire(ctx, payload.New(), 1, port.NoWait)
	assert.ErrorIs(t, err, errTest)
	assert.ErrorIs(t, src.Seek(11), fault.ErrInvalidArgument)
}

func TestSink(t *testing.T) {
	ctx := context.Background()
	sink := &mock.Sink{}
	require.NoError(t, sink.Open(ctx))
	p, err := payload.NewWithCapacity(4)
	require.NoError(t, err)
	copy(p.Buf(), "abcd")
	require.NoError(t, p.SetValidSize(3))

	n, err := sink.Acquire(ctx, p, 10, port.MaxWait)
	assert.NoError(t, err)
	assert.Equal(t, min(10, p.Cap()), n)
	assert.NoError(t, sink.Release(ctx, p, port.MaxWait))
	assert.Equal(t, []byte("abc"), sink.Buffer())
	assert.Equal(t, []*payload.Payload{p}, sink.Payloads())
	assert.ErrorIs(t, sink.Seek(0), fault.ErrNotSupported)

	clone, err := sink.Clone()
	assert.NoError(t, err)
	assert.Equal(t, mediaio.Writer, clone.Direction())
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	_, err := element.New("mock", "invalid", mock.New)
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)

	e, err := mock.Element("mock", mock.Config{Hooks: mock.Hooks{ErrorOnDestroy: errTest}})
	require.NoError(t, err)
	src := &mock.Source{Limit: 10}
	require.NoError(t, src.Open(ctx))
	require.NoError(t, e.RegisterInPort(port.New(port.In, port.Byte, port.WithIO(src))))
	e.SetJobs(element.JobAll)

	status, err := e.ProcessOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, element.OK, status)
	status, err = e.ProcessRunning(ctx)
	assert.NoError(t, err)
	assert.Equal(t, element.Done, status)

	k := e.Kernel().(*mock.Processor)
	calls, bytes := k.Count()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 10, bytes)
	assert.NoError(t, e.ProcessClose(ctx))
	assert.True(t, k.Closed)
	assert.ErrorIs(t, e.Destroy(), errTest)
	assert.True(t, k.Destroyed)
}
