package copier_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined.dev/flow/databus"
	"pipelined.dev/flow/element"
	"pipelined.dev/flow/elements/copier"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/mock"
	"pipelined.dev/flow/port"
)

func TestCopier(t *testing.T) {
	ctx := context.Background()
	src := &mock.Source{Limit: 100, Value: 5}
	sinks := []*mock.Sink{{}, {}}
	e, err := copier.New(copier.Config{Size: 32})
	require.NoError(t, err)
	require.NoError(t, e.RegisterInPort(port.New(port.In, port.Byte, port.WithIO(src))))
	for _, s := range sinks {
		require.NoError(t, e.RegisterOutPort(port.New(port.Out, port.Byte, port.WithIO(s))))
		require.NoError(t, s.Open(ctx))
	}
	require.NoError(t, src.Open(ctx))

	status, err := e.ProcessOpen(ctx)
	require.NoError(t, err)
	require.Equal(t, element.OK, status)
	calls := 0
	for status != element.Done {
		status, err = e.ProcessRunning(ctx)
		require.NoError(t, err)
		calls++
	}
	assert.Equal(t, 4, calls)
	require.NoError(t, e.ProcessClose(ctx))

	expected := bytes.Repeat([]byte{5}, 100)
	for _, s := range sinks {
		assert.Equal(t, expected, s.Buffer())
	}
	// first output is zero-copy, second gets own payload.
	assert.Same(t, src.Payloads()[0], sinks[0].Payloads()[0])
	assert.NotSame(t, src.Payloads()[0], sinks[1].Payloads()[0])
	assert.NoError(t, e.Destroy())
}

func TestCopierPassThrough(t *testing.T) {
	ctx := context.Background()
	src := &mock.Source{Limit: 100, Value: 9}
	e, err := copier.New(copier.Config{Size: 32})
	require.NoError(t, err)
	require.NoError(t, e.RegisterInPort(port.New(port.In, port.Byte, port.WithIO(src))))
	var readers []*port.Port
	for range 2 {
		bus, err := databus.NewPassThrough(4)
		require.NoError(t, err)
		out, in := databus.Ports(bus, port.Byte, port.WithWait(port.NoWait))
		require.NoError(t, e.RegisterOutPort(out))
		readers = append(readers, in)
	}
	require.NoError(t, src.Open(ctx))

	status, err := e.ProcessOpen(ctx)
	require.NoError(t, err)
	for status != element.Done {
		status, err = e.ProcessRunning(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, e.ProcessClose(ctx))

	expected := bytes.Repeat([]byte{9}, 100)
	for i, in := range readers {
		var result []byte
		for {
			pl, n, err := port.AcquireIn(ctx, in, 32)
			require.NoError(t, err)
			result = append(result, pl.Bytes()[:n]...)
			done := pl.Done()
			require.NoError(t, port.ReleaseIn(ctx, in))
			if done {
				break
			}
		}
		assert.Equal(t, expected, result, "output %d", i)
		port.Delete(in)
	}
	assert.NoError(t, e.Destroy())
}

func TestCopierInputMissing(t *testing.T) {
	e, err := copier.New(copier.Config{})
	require.NoError(t, err)
	_, err = e.ProcessOpen(context.Background())
	assert.ErrorIs(t, err, fault.ErrNotFound)
}
