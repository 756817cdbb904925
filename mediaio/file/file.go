// Package file provides file reader and writer IO.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/mediaio"
	"pipelined.dev/flow/payload"
)

// Tag of file IO.
const Tag = "file"

// File is a reader or writer of a file on disk. It can be reused for
// consequent runs: every open starts from the beginning of the file.
type File struct {
	path string
	dir  mediaio.Direction
	file *os.File
	pos  int64
	eof  bool
}

// NewReader returns IO that reads the file at path.
func NewReader(path string) *File {
	return &File{path: path, dir: mediaio.Reader}
}

// NewWriter returns IO that writes the file at path. The file is
// truncated on open.
func NewWriter(path string) *File {
	return &File{path: path, dir: mediaio.Writer}
}

// Tag returns the tag of IO.
func (f *File) Tag() string {
	return Tag
}

// Direction returns IO direction.
func (f *File) Direction() mediaio.Direction {
	return f.dir
}

// Path returns path of the file.
func (f *File) Path() string {
	return f.path
}

// SetPath changes path of the file. It takes effect on the next open.
func (f *File) SetPath(path string) {
	f.path = path
}

// Open opens the file.
func (f *File) Open(context.Context) error {
	if f.file != nil {
		return fmt.Errorf("open %s: %w", f.path, fault.ErrInvalidState)
	}
	var (
		file *os.File
		err  error
	)
	if f.dir == mediaio.Reader {
		file, err = os.Open(f.path)
	} else {
		file, err = os.Create(f.path)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w: %w", f.path, fault.ErrIOFail, err)
	}
	f.file, f.pos, f.eof = file, 0, false
	return nil
}

// Close closes the file. Closing closed file has no effect.
func (f *File) Close(context.Context) error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	if err != nil {
		return fmt.Errorf("close %s: %w: %w", f.path, fault.ErrIOFail, err)
	}
	return nil
}

// Seek sets position from the beginning of the file.
func (f *File) Seek(offset int64) error {
	if f.file == nil {
		return fmt.Errorf("seek %s: %w", f.path, fault.ErrInvalidState)
	}
	pos, err := f.file.Seek(offset, io.SeekStart)
	if err != nil {
		return fmt.Errorf("seek %s: %w: %w", f.path, fault.ErrIOFail, err)
	}
	f.pos, f.eof = pos, false
	return nil
}

// Position returns the number of bytes from the beginning of the file.
func (f *File) Position() int64 {
	return f.pos
}

// Acquire reads up to wanted bytes for reader. Payload is marked done
// when the end of file is reached. For writer it only reports the
// available size.
func (f *File) Acquire(_ context.Context, p *payload.Payload, wanted int, _ time.Duration) (int, error) {
	if f.file == nil {
		return 0, fmt.Errorf("acquire %s: %w", f.path, fault.ErrIOFail)
	}
	if f.dir == mediaio.Writer {
		return min(wanted, p.Cap()), nil
	}
	p.ClearDone()
	if f.eof {
		p.SetDone()
		return 0, nil
	}
	n, err := io.ReadFull(f.file, p.Buf()[:min(wanted, p.Cap())])
	f.pos += int64(n)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		f.eof = true
		p.SetDone()
	case err != nil:
		return n, fmt.Errorf("read %s: %w: %w", f.path, fault.ErrIOFail, err)
	}
	return n, nil
}

// Release writes valid bytes of the payload for writer.
func (f *File) Release(_ context.Context, p *payload.Payload, _ time.Duration) error {
	if f.dir == mediaio.Reader || p.ValidSize() == 0 {
		return nil
	}
	if f.file == nil {
		return fmt.Errorf("release %s: %w", f.path, fault.ErrIOFail)
	}
	n, err := f.file.Write(p.Bytes())
	f.pos += int64(n)
	if err != nil {
		return fmt.Errorf("write %s: %w: %w", f.path, fault.ErrIOFail, err)
	}
	return nil
}

// Clone returns new closed IO for the same path and direction.
func (f *File) Clone() (mediaio.IO, error) {
	return &File{path: f.path, dir: f.dir}, nil
}
