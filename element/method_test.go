package element_test

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"

	"pipelined.dev/flow/element"
	"pipelined.dev/flow/fault"
)

type mixArgs struct {
	Level float64 `mapstructure:"level"`
	Mute  bool    `mapstructure:"mute,omitempty"`
	Bands [3]int  `mapstructure:"bands"`
	Range struct {
		Min int
		Max int
	} `mapstructure:"range"`
	hidden int
}

type mixer struct {
	kernel
	args mixArgs
}

func newMixer(t *testing.T) (*element.Element, *mixer) {
	t.Helper()
	m := &mixer{}
	e, err := element.New("mixer", nil, func(e *element.Element) (element.Kernel, error) {
		if err := element.RegisterMethod(e, "set", func(_ context.Context, args mixArgs) (any, error) {
			m.args = args
			return nil, nil
		}); err != nil {
			return nil, err
		}
		return m, element.RegisterMethod(e, "get_level", func(context.Context, struct{}) (any, error) {
			return m.args.Level, nil
		})
	})
	assert.NoError(t, err)
	return e, m
}

func TestExecuteMethod(t *testing.T) {
	ctx := context.Background()
	e, m := newMixer(t)

	_, err := e.ExecuteMethod(ctx, "set", map[string]any{
		"level": "0.5",
		"mute":  true,
		"bands": []int{1, 2, 3},
		"range": map[string]any{"min": 1, "max": 10},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0.5, m.args.Level)
	assert.True(t, m.args.Mute)
	assert.Equal(t, [3]int{1, 2, 3}, m.args.Bands)
	assert.Equal(t, 10, m.args.Range.Max)

	level, err := e.ExecuteMethod(ctx, "get_level", nil)
	assert.NoError(t, err)
	assert.Equal(t, 0.5, level)

	_, err = e.ExecuteMethod(ctx, "set", map[string]any{"unknown": 1})
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)

	_, err = e.ExecuteMethod(ctx, "missing", nil)
	assert.ErrorIs(t, err, fault.ErrNotFound)
}

func TestMethodDescriptors(t *testing.T) {
	e, _ := newMixer(t)
	methods := e.Methods()
	assert.Len(t, methods, 2)
	assert.Equal(t, "set", methods[0].Name)
	assert.Equal(t, "get_level", methods[1].Name)
	assert.Empty(t, methods[1].Args)

	args := methods[0].Args
	assert.Len(t, args, 4)
	typ := reflect.TypeOf(mixArgs{})

	assert.Equal(t, "level", args[0].Name)
	assert.Equal(t, reflect.Float64, args[0].Type)
	assert.Equal(t, uintptr(8), args[0].Size)

	assert.Equal(t, "mute", args[1].Name)
	assert.Equal(t, typ.Field(1).Offset, args[1].Offset)

	assert.Equal(t, "bands", args[2].Name)
	assert.Equal(t, reflect.Array, args[2].Type)
	assert.Equal(t, 3, args[2].Len)

	assert.Equal(t, "range", args[3].Name)
	assert.Len(t, args[3].Fields, 2)
	assert.Equal(t, "Max", args[3].Fields[1].Name)
}

func TestRegisterMethodErrors(t *testing.T) {
	e, _ := newMixer(t)
	err := element.RegisterMethod(e, "set", func(context.Context, struct{}) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
	err = element.RegisterMethod[struct{}](e, "", nil)
	assert.ErrorIs(t, err, fault.ErrInvalidArgument)
}
