// Package mediaio defines the IO collaborators of a pipeline.
//
// IO is the source or the sink of a pipeline: the first element reads
// from the input IO and the last element writes to the output IO. IO is
// bound to the element port and driven by the pipeline task.
package mediaio

import (
	"context"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/port"
)

// Direction of the IO.
type Direction int

const (
	// Reader is a source of data.
	Reader Direction = iota
	// Writer is a sink of data.
	Writer
)

func (d Direction) String() string {
	if d == Writer {
		return "writer"
	}
	return "reader"
}

type (
	// IO is a pipeline source or sink. Acquire and Release follow port.IO:
	// reader fills the payload on acquire, writer consumes the payload on
	// release. Position is the number of bytes read or written since
	// open, it's updated on every acquire or release.
	IO interface {
		port.IO
		Tag() string
		Direction() Direction
		Open(ctx context.Context) error
		Close(ctx context.Context) error
		Seek(offset int64) error
		Position() int64
		// Clone returns new IO with the same configuration.
		Clone() (IO, error)
	}

	// InfoReporter is implemented by readers that know stream info after
	// open, e.g. a file with a header. The info is reported to the first
	// element of the pipeline.
	InfoReporter interface {
		Info() (element.Info, bool)
	}
)
