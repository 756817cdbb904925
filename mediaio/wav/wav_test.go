package wav_test

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/mediaio"
	"pipelined.dev/flow/mediaio/wav"
	"pipelined.dev/flow/payload"
	"pipelined.dev/flow/port"
)

var _ mediaio.InfoReporter = (*wav.Reader)(nil)

func pcm(frames, channels int) []byte {
	b := make([]byte, frames*channels*2)
	for i := 0; i < frames*channels; i++ {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(int16(i*31-500)))
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.wav")
	info := element.SoundInfo{SampleRate: 44100, Channels: 2, Bits: 16}
	data := pcm(1000, 2)

	w, err := wav.NewWriter(path, info)
	assert.NoError(t, err)
	assert.NoError(t, w.Open(ctx))
	p, err := payload.NewWithCapacity(len(data))
	assert.NoError(t, err)
	copy(p.Buf(), data)
	assert.NoError(t, p.SetValidSize(len(data)))
	n, err := w.Acquire(ctx, p, len(data), port.MaxWait)
	assert.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.NoError(t, w.Release(ctx, p, port.MaxWait))
	assert.Equal(t, int64(len(data)), w.Position())
	assert.NoError(t, w.Close(ctx))

	r := wav.NewReader(path)
	_, ok := r.Info()
	assert.False(t, ok)
	assert.NoError(t, r.Open(ctx))
	got, ok := r.Info()
	assert.True(t, ok)
	assert.Equal(t, info, got)

	var result []byte
	in, err := payload.NewWithCapacity(1000)
	assert.NoError(t, err)
	for !in.Done() {
		n, err := r.Acquire(ctx, in, 999, port.MaxWait)
		assert.NoError(t, err)
		assert.Zero(t, n%info.FrameSize())
		result = append(result, in.Buf()[:n]...)
	}
	assert.Equal(t, data, result)
	assert.Equal(t, int64(len(data)), r.Position())

	assert.NoError(t, r.Seek(400))
	n, err = r.Acquire(ctx, in, 4, port.MaxWait)
	assert.NoError(t, err)
	assert.Equal(t, data[400:404], in.Buf()[:n])
	assert.NoError(t, r.Close(ctx))
	assert.NoError(t, r.Close(ctx))
}

func TestWriterErrors(t *testing.T) {
	_, err := wav.NewWriter("x.wav", element.SoundInfo{SampleRate: 44100, Channels: 1, Bits: 12})
	assert.ErrorIs(t, err, wav.ErrUnsupportedBitDepth)
	assert.ErrorIs(t, err, fault.ErrNotSupported)
	_, err = wav.NewWriter("x.wav", element.SoundInfo{Channels: 1, Bits: 16})
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)

	w, err := wav.NewWriter("x.wav", element.SoundInfo{SampleRate: 8000, Channels: 1, Bits: 16})
	assert.NoError(t, err)
	assert.ErrorIs(t, w.Seek(0), fault.ErrNotSupported)
	assert.ErrorIs(t, w.Release(context.Background(), payload.New(), port.NoWait), fault.ErrIOFail)
}

func TestReaderErrors(t *testing.T) {
	ctx := context.Background()
	r := wav.NewReader(filepath.Join(t.TempDir(), "missing.wav"))
	assert.ErrorIs(t, r.Open(ctx), fault.ErrIOFail)
	_, err := r.Acquire(ctx, payload.New(), 10, port.NoWait)
	assert.ErrorIs(t, err, fault.ErrIOFail)

	clone, err := r.Clone()
	assert.NoError(t, err)
	assert.Equal(t, wav.Tag, clone.Tag())
	assert.Equal(t, mediaio.Reader, clone.Direction())
}
