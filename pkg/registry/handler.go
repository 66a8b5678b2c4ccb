package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/emberq/emberq/pkg/core"
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// Executable runs one task invocation. Implementations must be safe for
// concurrent use; the same executable runs for many envelopes at once.
type Executable interface {
	Execute(ctx context.Context, env *core.Envelope) (any, error)
}

// funcExecutable adapts an ordinary Go function through reflection.
// The function must look like
//
//	func(ctx context.Context, a A, b B, ...) error
//	func(ctx context.Context, a A, b B, ...) (R, error)
//
// Positional envelope arguments are unmarshaled into the parameters after
// ctx; missing trailing arguments become zero values.
type funcExecutable struct {
	fn       reflect.Value
	argTypes []reflect.Type
	hasValue bool
}

func newFuncExecutable(fn any) (*funcExecutable, error) {
	if fn == nil {
		return nil, fmt.Errorf("emberq: task function cannot be nil")
	}
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, fmt.Errorf("emberq: task executable must be a non-nil function")
	}
	t := v.Type()

	if t.NumIn() < 1 || !t.In(0).Implements(ctxType) {
		return nil, fmt.Errorf("emberq: task function must take context.Context as its first parameter")
	}
	if t.IsVariadic() {
		return nil, fmt.Errorf("emberq: variadic task functions are not supported")
	}

	e := &funcExecutable{fn: v}
	for i := 1; i < t.NumIn(); i++ {
		e.argTypes = append(e.argTypes, t.In(i))
	}

	switch t.NumOut() {
	case 1:
		if !t.Out(0).Implements(errType) {
			return nil, fmt.Errorf("emberq: task function must return error or (T, error)")
		}
	case 2:
		if !t.Out(1).Implements(errType) {
			return nil, fmt.Errorf("emberq: task function must return error or (T, error)")
		}
		e.hasValue = true
	default:
		return nil, fmt.Errorf("emberq: task function must return error or (T, error)")
	}
	return e, nil
}

func (e *funcExecutable) Execute(ctx context.Context, env *core.Envelope) (any, error) {
	in := make([]reflect.Value, 0, len(e.argTypes)+1)
	in = append(in, reflect.ValueOf(ctx))

	for i, argType := range e.argTypes {
		arg := reflect.New(argType)
		if i < len(env.Args) {
			if err := json.Unmarshal(env.Args[i], arg.Interface()); err != nil {
				return nil, core.NoRetry(fmt.Errorf("emberq: unmarshal arg %d for %q: %w", i, env.Name, err))
			}
		}
		in = append(in, arg.Elem())
	}

	out := e.fn.Call(in)

	var value any
	errIdx := 0
	if e.hasValue {
		value = out[0].Interface()
		errIdx = 1
	}
	if errVal := out[errIdx]; !errVal.IsNil() {
		return value, errVal.Interface().(error)
	}
	return value, nil
}
