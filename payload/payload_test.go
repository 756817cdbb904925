package payload_test

import (
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/payload"
)

func TestRealloc(t *testing.T) {
	tests := []struct {
		desc  string
		size  int
		align int
		err   error
	}{
		{desc: "plain", size: 100},
		{desc: "aligned 16", size: 100, align: 16},
		{desc: "aligned 32", size: 1000, align: 32},
		{desc: "zero", size: 0, err: fault.ErrInvalidArgument},
		{desc: "negative align", size: 10, align: -1, err: fault.ErrInvalidArgument},
		{desc: "too big", size: payload.MaxSize + 1, err: fault.ErrMemoryExhausted},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			p := payload.New()
			err := p.Realloc(test.size, test.align)
			if test.err != nil {
				assert.ErrorIs(t, err, test.err)
				assert.Equal(t, 0, p.Cap())
				return
			}
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, p.Cap(), test.size)
			assert.True(t, p.Owned())
			if test.align > 1 {
				assert.Zero(t, uintptr(unsafe.Pointer(&p.Buf()[0]))%uintptr(test.align))
			}
			assert.LessOrEqual(t, p.ValidSize(), p.Cap())
			p.Delete()
		})
	}
}

func TestReallocGrowOnly(t *testing.T) {
	p, err := payload.NewWithCapacity(1000)
	assert.NoError(t, err)
	buf := &p.Buf()[0]
	capacity := p.Cap()

	assert.NoError(t, p.Realloc(10, 0))
	assert.Same(t, buf, &p.Buf()[0])
	assert.Equal(t, capacity, p.Cap())

	assert.NoError(t, p.Realloc(capacity+1, 0))
	assert.GreaterOrEqual(t, p.Cap(), capacity+1)
	p.Delete()
}

func TestCopy(t *testing.T) {
	src, err := payload.NewWithCapacity(8)
	assert.NoError(t, err)
	copy(src.Buf(), "payload")
	assert.NoError(t, src.SetValidSize(7))
	src.SetDone()
	src.SetPTS(time.Millisecond)

	dst := payload.New()
	assert.NoError(t, payload.Copy(src, dst))
	assert.Equal(t, "payload", string(dst.Bytes()))
	assert.True(t, dst.Done())
	assert.Equal(t, time.Millisecond, dst.PTS())

	assert.ErrorIs(t, payload.Copy(nil, dst), fault.ErrInvalidArgument)
	assert.ErrorIs(t, payload.Copy(src, nil), fault.ErrInvalidArgument)
}

func TestValidSize(t *testing.T) {
	p, err := payload.NewWithCapacity(10)
	assert.NoError(t, err)
	assert.NoError(t, p.SetValidSize(p.Cap()))
	assert.ErrorIs(t, p.SetValidSize(p.Cap()+1), fault.ErrInvalidArgument)
	assert.ErrorIs(t, p.SetValidSize(-1), fault.ErrInvalidArgument)
	assert.Equal(t, p.Cap(), p.ValidSize())
}

func TestDone(t *testing.T) {
	p := payload.New()
	assert.False(t, p.Done())
	p.SetDone()
	p.SetDone()
	assert.True(t, p.Done())
	p.ClearDone()
	assert.False(t, p.Done())
	p.SetDone()
	p.Reset()
	assert.False(t, p.Done())
}

func TestReferences(t *testing.T) {
	p, err := payload.NewWithCapacity(10)
	assert.NoError(t, err)
	assert.Equal(t, 1, p.Refs())
	p.Retain()
	assert.Equal(t, 2, p.Refs())
	p.Delete()
	assert.False(t, p.Released())
	assert.NotZero(t, p.Cap())

	p.Delete()
	assert.True(t, p.Released())
	assert.Zero(t, p.Cap())

	// no-op on released payload.
	p.Delete()
	assert.True(t, p.Released())
}

func TestAttach(t *testing.T) {
	ext := make([]byte, 16)
	p := payload.New()
	assert.NoError(t, p.Attach(ext, 4))
	assert.False(t, p.Owned())
	assert.Equal(t, 4, p.ValidSize())
	assert.Same(t, &ext[0], &p.Buf()[0])
	assert.ErrorIs(t, p.Attach(ext, 17), fault.ErrInvalidArgument)
	p.Delete()
	assert.Len(t, ext, 16)
}

func TestDetachAdopt(t *testing.T) {
	src, err := payload.NewWithCapacity(32)
	assert.NoError(t, err)
	copy(src.Buf(), "owned")
	assert.NoError(t, src.SetValidSize(5))
	buf := src.Detach()
	assert.Zero(t, src.Cap())
	assert.False(t, src.Owned())

	dst := payload.New()
	assert.NoError(t, dst.Adopt(buf, 5))
	assert.True(t, dst.Owned())
	assert.Equal(t, "owned", string(dst.Bytes()))
	src.Delete()
	dst.Delete()
}

func TestOwn(t *testing.T) {
	ext := make([]byte, 16)
	copy(ext, "external")
	p := payload.New()
	assert.NoError(t, p.Attach(ext, 8))
	assert.NoError(t, p.Own())
	assert.True(t, p.Owned())
	assert.NotSame(t, &ext[0], &p.Buf()[0])
	assert.GreaterOrEqual(t, p.Cap(), 16)

	copy(ext, "rewritten")
	assert.Equal(t, "external", string(p.Bytes()))

	buf := &p.Buf()[0]
	assert.NoError(t, p.Own())
	assert.Same(t, buf, &p.Buf()[0])
	p.Delete()
	assert.NoError(t, payload.New().Own())
}
