// Package wav provides IO that reads and writes wav files.
//
// Payloads carry interleaved little-endian PCM samples. Reader reports
// sound info of the file to the first element of the pipeline.
package wav

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/mediaio"
	"pipelined.dev/flow/payload"
)

// Tag of wav IO.
const Tag = "wav"

// pcmFormat is the wav audio format of linear PCM.
const pcmFormat = 1

// ErrUnsupportedBitDepth is returned when unsupported bit depth is used.
var ErrUnsupportedBitDepth = errors.New("only 8, 16, 24 and 32 bit depth is supported")

type (
	// Reader reads PCM samples from wav file. It can be reused for
	// consequent runs.
	Reader struct {
		path    string
		file    *os.File
		decoder *wav.Decoder
		buf     *audio.IntBuffer
		info    element.SoundInfo
		pos     int64
	}

	// Writer writes PCM samples into wav file.
	Writer struct {
		path    string
		info    element.SoundInfo
		file    *os.File
		encoder *wav.Encoder
		buf     *audio.IntBuffer
		pos     int64
	}
)

// NewReader returns wav reader.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Tag returns the tag of IO.
func (r *Reader) Tag() string {
	return Tag
}

// Direction returns mediaio.Reader.
func (r *Reader) Direction() mediaio.Direction {
	return mediaio.Reader
}

// Open opens the file and reads wav header.
func (r *Reader) Open(context.Context) error {
	if r.file != nil {
		return fmt.Errorf("open %s: %w", r.path, fault.ErrInvalidState)
	}
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open %s: %w: %w", r.path, fault.ErrIOFail, err)
	}
	decoder, err := newDecoder(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("open %s: %w", r.path, err)
	}
	r.file, r.decoder, r.pos = file, decoder, 0
	r.info = element.SoundInfo{
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		Bits:       int(decoder.BitDepth),
	}
	r.buf = &audio.IntBuffer{
		Format:         decoder.Format(),
		SourceBitDepth: int(decoder.BitDepth),
	}
	return nil
}

func newDecoder(file *os.File) (*wav.Decoder, error) {
	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("wav is not valid: %w", fault.ErrNotSupported)
	}
	if err := checkBitDepth(int(decoder.BitDepth)); err != nil {
		return nil, err
	}
	if err := decoder.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %w", fault.ErrIOFail, err)
	}
	return decoder, nil
}

// Close closes the file.
func (r *Reader) Close(context.Context) error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.decoder = nil, nil
	if err != nil {
		return fmt.Errorf("close %s: %w: %w", r.path, fault.ErrIOFail, err)
	}
	return nil
}

// Info returns sound info of opened file.
func (r *Reader) Info() (element.Info, bool) {
	if r.decoder == nil {
		return nil, false
	}
	return r.info, true
}

// Seek sets position in bytes of PCM data. Offset is rounded down to
// the whole frame.
func (r *Reader) Seek(offset int64) error {
	if r.file == nil {
		return fmt.Errorf("seek %s: %w", r.path, fault.ErrInvalidState)
	}
	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w: %w", r.path, fault.ErrIOFail, err)
	}
	decoder, err := newDecoder(r.file)
	if err != nil {
		return fmt.Errorf("seek %s: %w", r.path, err)
	}
	r.decoder, r.pos = decoder, 0
	frameSize := int64(r.info.FrameSize())
	skip := make([]int, 1024*r.info.Channels)
	for left := offset / frameSize * int64(r.info.Channels); left > 0; {
		r.buf.Data = skip[:min(int64(len(skip)), left)]
		n, err := r.decoder.PCMBuffer(r.buf)
		if err != nil {
			return fmt.Errorf("seek %s: %w: %w", r.path, fault.ErrIOFail, err)
		}
		if n == 0 {
			break
		}
		left -= int64(n)
		r.pos += int64(n * r.info.Bits / 8)
	}
	return nil
}

// Position returns the number of PCM bytes read.
func (r *Reader) Position() int64 {
	return r.pos
}

// Acquire reads whole frames that fit in wanted bytes. Payload is marked
// done when there are no more samples.
func (r *Reader) Acquire(_ context.Context, p *payload.Payload, wanted int, _ time.Duration) (int, error) {
	if r.decoder == nil {
		return 0, fmt.Errorf("acquire %s: %w", r.path, fault.ErrIOFail)
	}
	frameSize := r.info.FrameSize()
	frames := min(wanted, p.Cap()) / frameSize
	if frames == 0 {
		return 0, fmt.Errorf("acquire %d bytes, frame is %d: %w", wanted, frameSize, fault.ErrInvalidArgument)
	}
	samples := frames * r.info.Channels
	if cap(r.buf.Data) < samples {
		r.buf.Data = make([]int, samples)
	}
	r.buf.Data = r.buf.Data[:samples]
	n, err := r.decoder.PCMBuffer(r.buf)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w: %w", r.path, fault.ErrIOFail, err)
	}
	size := encode(p.Buf(), r.buf.Data[:n], r.info.Bits/8)
	r.pos += int64(size)
	if n < samples || r.decoder.EOF() {
		p.SetDone()
	} else {
		p.ClearDone()
	}
	return size, nil
}

// Release has nothing to do for reader.
func (r *Reader) Release(context.Context, *payload.Payload, time.Duration) error {
	return nil
}

// Clone returns new closed reader of the same file.
func (r *Reader) Clone() (mediaio.IO, error) {
	return NewReader(r.path), nil
}

// NewWriter returns wav writer with provided sound info.
func NewWriter(path string, info element.SoundInfo) (*Writer, error) {
	if err := checkBitDepth(info.Bits); err != nil {
		return nil, err
	}
	if info.SampleRate <= 0 || info.Channels <= 0 {
		return nil, fmt.Errorf("wav writer %+v: %w", info, fault.ErrInvalidArgument)
	}
	return &Writer{path: path, info: info}, nil
}

// Tag returns the tag of IO.
func (w *Writer) Tag() string {
	return Tag
}

// Direction returns mediaio.Writer.
func (w *Writer) Direction() mediaio.Direction {
	return mediaio.Writer
}

// Open creates the file and the encoder.
func (w *Writer) Open(context.Context) error {
	if w.file != nil {
		return fmt.Errorf("open %s: %w", w.path, fault.ErrInvalidState)
	}
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("open %s: %w: %w", w.path, fault.ErrIOFail, err)
	}
	w.file, w.pos = f, 0
	w.encoder = wav.NewEncoder(f, w.info.SampleRate, w.info.Bits, w.info.Channels, pcmFormat)
	w.buf = &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: w.info.Channels,
			SampleRate:  w.info.SampleRate,
		},
		SourceBitDepth: w.info.Bits,
	}
	return nil
}

// Close flushes the encoder and closes the file.
func (w *Writer) Close(context.Context) error {
	if w.file == nil {
		return nil
	}
	err := w.encoder.Close()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file, w.encoder = nil, nil
	if err != nil {
		return fmt.Errorf("close %s: %w: %w", w.path, fault.ErrIOFail, err)
	}
	return nil
}

// Seek is not supported by writer.
func (w *Writer) Seek(int64) error {
	return fmt.Errorf("seek wav writer: %w", fault.ErrNotSupported)
}

// Position returns the number of PCM bytes written.
func (w *Writer) Position() int64 {
	return w.pos
}

// Acquire reports the number of bytes available in the payload.
func (w *Writer) Acquire(_ context.Context, p *payload.Payload, wanted int, _ time.Duration) (int, error) {
	if w.encoder == nil {
		return 0, fmt.Errorf("acquire %s: %w", w.path, fault.ErrIOFail)
	}
	return min(wanted, p.Cap()), nil
}

// Release encodes whole frames of the payload. Trailing partial frame is
// dropped.
func (w *Writer) Release(_ context.Context, p *payload.Payload, _ time.Duration) error {
	if w.encoder == nil {
		return fmt.Errorf("release %s: %w", w.path, fault.ErrIOFail)
	}
	frameSize := w.info.FrameSize()
	size := p.ValidSize() / frameSize * frameSize
	if size == 0 {
		return nil
	}
	w.buf.Data = decode(w.buf.Data[:0], p.Bytes()[:size], w.info.Bits/8)
	if err := w.encoder.Write(w.buf); err != nil {
		return fmt.Errorf("write %s: %w: %w", w.path, fault.ErrIOFail, err)
	}
	w.pos += int64(size)
	return nil
}

// Clone returns new closed writer of the same file.
func (w *Writer) Clone() (mediaio.IO, error) {
	return NewWriter(w.path, w.info)
}

func checkBitDepth(bits int) error {
	switch bits {
	case 8, 16, 24, 32:
		return nil
	}
	return fmt.Errorf("%d bits: %w: %w", bits, ErrUnsupportedBitDepth, fault.ErrNotSupported)
}

// encode writes samples into b as little-endian integers of bps bytes.
func encode(b []byte, samples []int, bps int) int {
	for i, s := range samples {
		o := i * bps
		switch bps {
		case 1:
			b[o] = byte(s)
		case 2:
			binary.LittleEndian.PutUint16(b[o:], uint16(int16(s)))
		case 3:
			b[o], b[o+1], b[o+2] = byte(s), byte(s>>8), byte(s>>16)
		case 4:
			binary.LittleEndian.PutUint32(b[o:], uint32(int32(s)))
		}
	}
	return len(samples) * bps
}

// decode appends samples of bps bytes from b.
func decode(samples []int, b []byte, bps int) []int {
	for o := 0; o+bps <= len(b); o += bps {
		var s int
		switch bps {
		case 1:
			s = int(b[o])
		case 2:
			s = int(int16(binary.LittleEndian.Uint16(b[o:])))
		case 3:
			s = int(int32(uint32(b[o])|uint32(b[o+1])<<8|uint32(b[o+2])<<16) << 8 >> 8)
		case 4:
			s = int(int32(binary.LittleEndian.Uint32(b[o:])))
		}
		samples = append(samples, s)
	}
	return samples
}
