// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package invoke calls reflected methods and normalises their results.
package invoke

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
)

// ErrPanic wraps a panic recovered from user code.
var ErrPanic = errors.New("panic in handler")

var errorType = reflect.TypeFor[error]()

// ErrorType is the reflect.Type of the error interface.
func ErrorType() reflect.Type { return errorType }

// Call invokes fn with in, converting a panic into an error wrapping ErrPanic.
// The trailing error result, if any, is split off and returned separately.
func Call(fn reflect.Value, in []reflect.Value) (out []reflect.Value, err error) {
	defer recoverInto(&err)
	out = fn.Call(in)
	if n := len(out); n > 0 && out[n-1].Type() == errorType {
		if e := out[n-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
		out = out[:n-1]
	}
	return out, err
}

// Guard runs fn, converting a panic into an error wrapping ErrPanic.
func Guard(fn func() error) (err error) {
	defer recoverInto(&err)
	return fn()
}

func recoverInto(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
	}
}

// Values converts decoded arguments back to call values, using the zero value
// of the declared type where an argument is nil.
func Values(args []any, types []reflect.Type) []reflect.Value {
	vs := make([]reflect.Value, len(types))
	for i, t := range types {
		if i >= len(args) || args[i] == nil {
			vs[i] = reflect.Zero(t)
			continue
		}
		vs[i] = reflect.ValueOf(args[i])
	}
	return vs
}
