package element

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"pipelined.dev/flow/fault"
)

type (
	// Method is a named operation of an element that can be executed by a
	// generic control plane without knowing the element type.
	Method struct {
		Name string
		Args []Arg
		call func(ctx context.Context, args map[string]any) (any, error)
	}

	// Arg describes an argument field: its name in the arguments map, kind,
	// byte offset and size in the arguments struct. Arrays have Len set and
	// structs have nested Fields.
	Arg struct {
		Name   string
		Type   reflect.Kind
		Offset uintptr
		Size   uintptr
		Len    int
		Fields []Arg
	}
)

// MethodFunc is the implementation of a method. Arguments are decoded
// into T before the call.
type MethodFunc[T any] func(ctx context.Context, args T) (any, error)

// RegisterMethod adds a method to the element. Argument descriptors are
// derived from T, which should be a struct. Fields are named by their
// mapstructure tag or by field name.
func RegisterMethod[T any](e *Element, name string, fn MethodFunc[T]) error {
	if name == "" || fn == nil {
		return fmt.Errorf("register method %q: %w", name, fault.ErrInvalidArgument)
	}
	if _, ok := e.methods[name]; ok {
		return fmt.Errorf("register method %q: already registered: %w", name, fault.ErrInvalidArgument)
	}
	var zero T
	m := Method{
		Name: name,
		Args: describe(reflect.TypeOf(zero)),
		call: func(ctx context.Context, args map[string]any) (any, error) {
			var v T
			if err := decode(args, &v); err != nil {
				return nil, fmt.Errorf("method %q: %w: %w", name, fault.ErrInvalidArgument, err)
			}
			return fn(ctx, v)
		},
	}
	e.methods[name] = &m
	e.order = append(e.order, name)
	return nil
}

// ExecuteMethod decodes arguments and calls the method. It must be
// called from the goroutine that runs the element.
func (e *Element) ExecuteMethod(ctx context.Context, name string, args map[string]any) (any, error) {
	m, ok := e.methods[name]
	if !ok {
		return nil, fmt.Errorf("method %q of %q: %w", name, e.tag, fault.ErrNotFound)
	}
	return m.call(ctx, args)
}

// Methods returns registered methods in order of registration.
func (e *Element) Methods() []Method {
	methods := make([]Method, 0, len(e.order))
	for _, name := range e.order {
		methods = append(methods, *e.methods[name])
	}
	return methods
}

func decode(args map[string]any, v any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return d.Decode(args)
}

func describe(t reflect.Type) []Arg {
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	args := make([]Arg, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ","); tag != "" && tag != "-" {
			name = tag
		}
		arg := Arg{
			Name:   name,
			Type:   f.Type.Kind(),
			Offset: f.Offset,
			Size:   f.Type.Size(),
		}
		ft := f.Type
		if ft.Kind() == reflect.Array {
			arg.Len = ft.Len()
			ft = ft.Elem()
		}
		if ft.Kind() == reflect.Struct {
			arg.Fields = describe(ft)
		}
		args = append(args, arg)
	}
	return args
}
