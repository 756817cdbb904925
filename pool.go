package flow

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
	"pipelined.dev/flow/mediaio"
)

type (
	// Pool is a registry of element and IO prototypes. Pipelines are
	// built from duplicates of the prototypes, so one prototype can be
	// used in many pipelines. Pool is not safe for concurrent use.
	Pool struct {
		elements []registered[*element.Element]
		ios      []registered[mediaio.IO]
		logger   logrus.FieldLogger
	}

	registered[T any] struct {
		name  string
		value T
	}
)

// NewPool returns an empty pool.
func NewPool(opts ...Option) *Pool {
	o := newOptions(opts)
	return &Pool{
		logger: o.logger.WithField("component", "pool"),
	}
}

// RegisterIO adds IO prototype. If name is empty, the tag of IO is used.
// The same name can be registered for reader and writer.
func (p *Pool) RegisterIO(io mediaio.IO, name string) error {
	if io == nil {
		return fmt.Errorf("register io: %w", fault.ErrInvalidArgument)
	}
	if name == "" {
		name = io.Tag()
	}
	for _, r := range p.ios {
		if r.value == io {
			return fmt.Errorf("register io %q: already registered as %q: %w", name, r.name, fault.ErrInvalidArgument)
		}
	}
	p.ios = append(p.ios, registered[mediaio.IO]{name: name, value: io})
	p.logger.WithFields(logrus.Fields{"io": name, "direction": io.Direction()}).Debug("registered")
	return nil
}

// RegisterElement adds element prototype. If name is empty, the tag of
// element is used. The same name can be registered multiple times, the
// first registered prototype is used.
func (p *Pool) RegisterElement(e *element.Element, name string) error {
	if e == nil {
		return fmt.Errorf("register element: %w", fault.ErrInvalidArgument)
	}
	if name == "" {
		name = e.Tag()
	}
	for _, r := range p.elements {
		if r.value == e {
			return fmt.Errorf("register element %q: already registered as %q: %w", name, r.name, fault.ErrInvalidArgument)
		}
	}
	p.elements = append(p.elements, registered[*element.Element]{name: name, value: e})
	p.logger.WithField("element", name).Debug("registered")
	return nil
}

// NewElement returns a duplicate of the element registered with name.
func (p *Pool) NewElement(name string) (*element.Element, error) {
	i := slices.IndexFunc(p.elements, func(r registered[*element.Element]) bool {
		return r.name == name
	})
	if i < 0 {
		return nil, fmt.Errorf("element %q: %w", name, fault.ErrNotFound)
	}
	return p.elements[i].value.Duplicate()
}

// NewIO returns a clone of the IO registered with name and direction.
func (p *Pool) NewIO(name string, dir mediaio.Direction) (mediaio.IO, error) {
	i := slices.IndexFunc(p.ios, func(r registered[mediaio.IO]) bool {
		return r.name == name && r.value.Direction() == dir
	})
	if i < 0 {
		return nil, fmt.Errorf("%v io %q: %w", dir, name, fault.ErrNotFound)
	}
	return p.ios[i].value.Clone()
}

// Destroy destroys all element prototypes and clears the pool.
func (p *Pool) Destroy() error {
	var err error
	for _, r := range p.elements {
		err = multierr.Append(err, r.value.Destroy())
	}
	p.elements, p.ios = nil, nil
	return err
}
