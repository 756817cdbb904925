// Package mock provides mocks for pipeline components and allows to
// execute integration tests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/mediaio"
	"pipelined.dev/flow/payload"
	"pipelined.dev/flow/port"
)

const (
	// Tag of mock IO.
	Tag = "mock"

	defaultBufferSize = 512
)

// Hooks allows to mock components hooks.
type Hooks struct {
	Opened    bool
	Closed    bool
	Destroyed bool

	ErrorOnOpen    error
	ErrorOnClose   error
	ErrorOnDestroy error
}

// counter counts calls and bytes. It's safe to read while pipeline is
// running.
type counter struct {
	calls atomic.Int64
	bytes atomic.Int64
}

// advance counter's metrics.
func (c *counter) advance(size int) {
	c.calls.Add(1)
	c.bytes.Add(int64(size))
}

// reset counter's metrics.
func (c *counter) reset() {
	c.calls.Store(0)
	c.bytes.Store(0)
}

// Count returns calls and bytes metrics.
func (c *counter) Count() (int, int) {
	return int(c.calls.Load()), int(c.bytes.Load())
}

// Source mocks a reader IO. It produces Limit bytes of Value.
type Source struct {
	counter
	Limit       int
	Value       byte
	Interval    time.Duration
	StreamInfo  element.Info
	ErrorOnCall error
	Hooks

	mu       sync.Mutex
	payloads []*payload.Payload
	opened   bool
}

// Tag returns mock tag.
func (m *Source) Tag() string {
	return Tag
}

// Direction returns mediaio.Reader.
func (m *Source) Direction() mediaio.Direction {
	return mediaio.Reader
}

// Open implements mediaio.IO.
func (m *Source) Open(context.Context) error {
	m.Opened = true
	if m.ErrorOnOpen != nil {
		return m.ErrorOnOpen
	}
	m.opened = true
	m.reset()
	return nil
}

// Close implements mediaio.IO.
func (m *Source) Close(context.Context) error {
	m.Closed = true
	m.opened = false
	return m.ErrorOnClose
}

// Seek sets the number of produced bytes.
func (m *Source) Seek(offset int64) error {
	if offset < 0 || offset > int64(m.Limit) {
		return fmt.Errorf("seek %d: %w", offset, fault.ErrInvalidArgument)
	}
	m.bytes.Store(offset)
	return nil
}

// Position returns the number of produced bytes.
func (m *Source) Position() int64 {
	return m.bytes.Load()
}

// Info implements mediaio.InfoReporter.
func (m *Source) Info() (element.Info, bool) {
	return m.StreamInfo, m.StreamInfo != nil
}

// Acquire fills the payload with Value. The last payload is marked done.
func (m *Source) Acquire(ctx context.Context, p *payload.Payload, wanted int, _ time.Duration) (int, error) {
	if !m.opened {
		return 0, fmt.Errorf("acquire mock source: %w", fault.ErrIOFail)
	}
	if m.ErrorOnCall != nil {
		return 0, m.ErrorOnCall
	}
	if m.Interval > 0 {
		t := time.NewTimer(m.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return 0, fmt.Errorf("%w: %w", fault.ErrIOAbort, ctx.Err())
		}
	}
	n := min(wanted, p.Cap(), m.Limit-int(m.bytes.Load()))
	buf := p.Buf()[:n]
	for i := range buf {
		buf[i] = m.Value
	}
	m.advance(n)
	p.ClearDone()
	if int(m.bytes.Load()) >= m.Limit {
		p.SetDone()
	}
	m.mu.Lock()
	m.payloads = append(m.payloads, p)
	m.mu.Unlock()
	return n, nil
}

// Release implements port.IO.
func (m *Source) Release(context.Context, *payload.Payload, time.Duration) error {
	return nil
}

// Clone returns a closed source with the same configuration.
func (m *Source) Clone() (mediaio.IO, error) {
	return &Source{
		Limit:       m.Limit,
		Value:       m.Value,
		Interval:    m.Interval,
		StreamInfo:  m.StreamInfo,
		ErrorOnCall: m.ErrorOnCall,
		Hooks: Hooks{
			ErrorOnOpen:  m.ErrorOnOpen,
			ErrorOnClose: m.ErrorOnClose,
		},
	}, nil
}

// Payloads returns payloads filled by the source.
func (m *Source) Payloads() []*payload.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*payload.Payload(nil), m.payloads...)
}

// Sink mocks a writer IO. It collects received bytes unless Discard is
// set.
type Sink struct {
	counter
	Discard     bool
	ErrorOnCall error
	Hooks

	mu       sync.Mutex
	buffer   []byte
	payloads []*payload.Payload
	opened   bool
}

// Tag returns mock tag.
func (m *Sink) Tag() string {
	return Tag
}

// Direction returns mediaio.Writer.
func (m *Sink) Direction() mediaio.Direction {
	return mediaio.Writer
}

// Open implements mediaio.IO.
func (m *Sink) Open(context.Context) error {
	m.Opened = true
	if m.ErrorOnOpen != nil {
		return m.ErrorOnOpen
	}
	m.opened = true
	m.mu.Lock()
	m.buffer, m.payloads = nil, nil
	m.mu.Unlock()
	m.reset()
	return nil
}

// Close implements mediaio.IO.
func (m *Sink) Close(context.Context) error {
	m.Closed = true
	m.opened = false
	return m.ErrorOnClose
}

// Seek is not supported by sink.
func (m *Sink) Seek(int64) error {
	return fmt.Errorf("seek mock sink: %w", fault.ErrNotSupported)
}

// Position returns the number of received bytes.
func (m *Sink) Position() int64 {
	return m.bytes.Load()
}

// Acquire reports the available size.
func (m *Sink) Acquire(_ context.Context, p *payload.Payload, wanted int, _ time.Duration) (int, error) {
	if !m.opened {
		return 0, fmt.Errorf("acquire mock sink: %w", fault.ErrIOFail)
	}
	return min(wanted, p.Cap()), nil
}

// Release receives valid bytes of the payload.
func (m *Sink) Release(_ context.Context, p *payload.Payload, _ time.Duration) error {
	if m.ErrorOnCall != nil {
		return m.ErrorOnCall
	}
	m.mu.Lock()
	if !m.Discard {
		m.buffer = append(m.buffer, p.Bytes()...)
	}
	m.payloads = append(m.payloads, p)
	m.mu.Unlock()
	m.advance(p.ValidSize())
	return nil
}

// Clone returns a closed sink with the same configuration.
func (m *Sink) Clone() (mediaio.IO, error) {
	return &Sink{
		Discard:     m.Discard,
		ErrorOnCall: m.ErrorOnCall,
		Hooks: Hooks{
			ErrorOnOpen:  m.ErrorOnOpen,
			ErrorOnClose: m.ErrorOnClose,
		},
	}, nil
}

// Buffer returns received bytes.
func (m *Sink) Buffer() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buffer...)
}

// Payloads returns payloads received by the sink.
func (m *Sink) Payloads() []*payload.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*payload.Payload(nil), m.payloads...)
}

// Config of mock processor. It's the element config, so duplicated
// elements get their own copy.
type Config struct {
	// Size is wanted size of input that is not linked.
	Size int
	// Copy makes processor copy input into its own output payload instead
	// of forwarding it.
	Copy     bool
	Interval time.Duration
	// FailAfter makes process fail after the number of calls.
	FailAfter   int
	ErrorOnCall error
	Hooks
}

// Processor mocks element kernel. It passes input to output.
type Processor struct {
	counter
	Hooks
	cfg Config
}

// New creates processor kernel from element config.
func New(e *element.Element) (element.Kernel, error) {
	cfg, ok := e.Config().(*Config)
	if !ok {
		return nil, fmt.Errorf("mock config %T: %w", e.Config(), fault.ErrInvalidArgument)
	}
	if cfg.Size == 0 {
		cfg.Size = defaultBufferSize
	}
	return &Processor{
		cfg: *cfg,
		Hooks: Hooks{
			ErrorOnOpen:    cfg.ErrorOnOpen,
			ErrorOnClose:   cfg.ErrorOnClose,
			ErrorOnDestroy: cfg.ErrorOnDestroy,
		},
	}, nil
}

// Element returns new element with processor kernel.
func Element(tag string, cfg Config, options ...element.Option) (*element.Element, error) {
	return element.New(tag, &cfg, New, options...)
}

// Open implements element.Kernel.
func (m *Processor) Open(context.Context, *element.Element) error {
	m.Opened = true
	m.reset()
	return m.ErrorOnOpen
}

// Process passes input payload to output.
func (m *Processor) Process(ctx context.Context, e *element.Element) (element.Status, error) {
	if m.cfg.ErrorOnCall != nil {
		return element.Fail, m.cfg.ErrorOnCall
	}
	if m.cfg.FailAfter > 0 {
		if calls, _ := m.Count(); calls >= m.cfg.FailAfter {
			return element.Fail, fmt.Errorf("mock failed after %d calls: %w", calls, fault.ErrIOFail)
		}
	}
	if m.cfg.Interval > 0 {
		time.Sleep(m.cfg.Interval)
	}
	in, n, err := port.AcquireIn(ctx, e.In(), m.cfg.Size)
	if err != nil {
		return element.Fail, err
	}
	done := in.Done()
	if out := e.Out(); out != nil {
		if err := m.forward(ctx, out, in); err != nil {
			return element.Fail, err
		}
	}
	if err := port.ReleaseIn(ctx, e.In()); err != nil {
		return element.Fail, err
	}
	m.advance(n)
	if done {
		return element.Done, nil
	}
	return element.OK, nil
}

func (m *Processor) forward(ctx context.Context, out *port.Port, in *payload.Payload) error {
	if !m.cfg.Copy {
		if _, err := port.AcquireOut(ctx, out, in, in.ValidSize()); err != nil {
			return err
		}
		return port.ReleaseOut(ctx, out)
	}
	p, err := port.AcquireOut(ctx, out, nil, max(in.ValidSize(), 1))
	if err != nil {
		return err
	}
	if err := payload.Copy(in, p); err != nil {
		return err
	}
	return port.ReleaseOut(ctx, out)
}

// Close implements element.Kernel.
func (m *Processor) Close(context.Context, *element.Element) error {
	m.Closed = true
	return m.ErrorOnClose
}

// Destroy implements element.Destroyer.
func (m *Processor) Destroy() error {
	m.Destroyed = true
	return m.ErrorOnDestroy
}
