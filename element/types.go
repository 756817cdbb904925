package element

import "fmt"

// State is the lifecycle state of an element or a pipeline.
type State int

const (
	// None is the state of a pipeline that never ran.
	None State = iota
	// Uninitialized is the initial state of dependent elements. They wait
	// for stream info from their predecessor.
	Uninitialized
	// Initialized element is ready to be opened.
	Initialized
	// Running element is opened and processes data.
	Running
	// Paused element waits for resume.
	Paused
	// Stopped element was stopped before end of stream.
	Stopped
	// Finished element reached end of stream.
	Finished
	// Error element failed.
	Error
)

func (s State) String() string {
	switch s {
	case None:
		return "none"
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Finished:
		return "finished"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal returns true for states that end the run.
func (s State) Terminal() bool {
	return s == Stopped || s == Finished || s == Error
}

// Status is returned by process step.
type Status int

const (
	// OK means output was produced and input was consumed.
	OK Status = iota
	// Continue means no output was produced this round, e.g. more input
	// is needed. The pass is restarted.
	Continue
	// Done means end of stream was reached.
	Done
	// Truncate means input was consumed partially and more output is
	// pending. Input is not released and the element is processed again
	// on the next pass before its predecessors.
	Truncate
	// Fail means hard error.
	Fail
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Continue:
		return "continue"
	case Done:
		return "done"
	case Truncate:
		return "truncate"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Job is a bitmask of lifecycle jobs pending for the task.
type Job uint8

const (
	// JobOpen is pending until element is opened.
	JobOpen Job = 1 << iota
	// JobProcess is pending while element processes data.
	JobProcess
	// JobClose is pending until element is closed.
	JobClose
	// JobAll is the mask set when jobs are loaded.
	JobAll = JobOpen | JobProcess | JobClose
)

func (j Job) String() string {
	switch j {
	case JobOpen:
		return "open"
	case JobProcess:
		return "process"
	case JobClose:
		return "close"
	}
	return fmt.Sprintf("job(%d)", uint8(j))
}

// Capability declares how many ports of a direction element accepts.
type Capability int

const (
	// Single capability allows one port.
	Single Capability = iota
	// Multiple capability allows any number of ports.
	Multiple
)

// EventType identifies the kind of event.
type EventType int

const (
	// StateChange events carry the new state.
	StateChange EventType = iota
	// ReportInfo events carry stream info.
	ReportInfo
)

func (t EventType) String() string {
	if t == ReportInfo {
		return "report-info"
	}
	return "state-change"
}

type (
	// Event is delivered to application callback and to downstream
	// elements. Source is the element, the pipeline or the IO that emits
	// the event.
	Event struct {
		Source any
		Type   EventType
		State  State
		Info   Info
		Err    error
	}

	// Info is stream metadata reported by elements and IO.
	Info interface {
		info()
	}

	// SoundInfo describes PCM audio stream.
	SoundInfo struct {
		SampleRate int
		Channels   int
		Bits       int
	}

	// VideoInfo describes video stream.
	VideoInfo struct {
		Width  int
		Height int
		FPS    int
		Format string
	}
)

func (SoundInfo) info() {}

func (VideoInfo) info() {}

// FrameSize returns the size of one interleaved frame in bytes.
func (s SoundInfo) FrameSize() int {
	return s.Channels * s.Bits / 8
}
