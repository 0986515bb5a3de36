// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package hub

import (
	"errors"
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"

	"github.com/luxfi/streamrpc"
	"github.com/luxfi/streamrpc/internal/filterchain"
	"github.com/luxfi/streamrpc/internal/invoke"
)

// MethodID returns the default id of a hub or receiver method: the FNV-1a
// 32-bit hash of its name.
func MethodID(name string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int32(h.Sum32())
}

// Method is a compiled hub method.
type Method struct {
	Name         string
	ID           int32
	ArgTypes     []reflect.Type
	ResponseType reflect.Type

	invoker Handler
}

func (m *Method) String() string { return fmt.Sprintf("%s(%d)", m.Name, m.ID) }

var ErrUnknownMethod = errors.New("hub: unknown method")

var contextType = reflect.TypeFor[*Context]()

// compileMethods builds a method for every exported method of typ whose first
// parameter is *Context. Accepted signatures:
//
//	M(c *Context, a1 A1, ..., an An) (R, error)
//	M(c *Context, a1 A1, ..., an An) error
func compileMethods(hub string, typ reflect.Type, o *options) (map[int32]*Method, error) {
	recv := 1
	if typ.Kind() == reflect.Interface {
		recv = 0
	}

	methods := make(map[int32]*Method)
	names := make(map[string]bool)
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		ft := m.Type
		if !m.IsExported() || ft.NumIn() <= recv || ft.In(recv) != contextType {
			continue
		}
		sig, err := hubSignature(ft, recv)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", streamrpc.ErrInvalidMethodShape, hub, m.Name, err)
		}

		id := MethodID(m.Name)
		if override, ok := o.methodIDs[m.Name]; ok {
			id = override
		}
		if prev, ok := methods[id]; ok {
			return nil, fmt.Errorf("%w: %s.%s and %s.%s share method id %d",
				streamrpc.ErrDuplicateMethod, hub, prev.Name, hub, m.Name, id)
		}

		filters := filterchain.Flatten(o.filters, o.methodFilters[m.Name])
		methods[id] = &Method{
			Name:         m.Name,
			ID:           id,
			ArgTypes:     sig.args,
			ResponseType: sig.response,
			invoker:      filterchain.Build(filters, methodBody(m.Name, sig.args)),
		}
		names[m.Name] = true
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: %s", streamrpc.ErrNoMethods, hub)
	}
	var unknown []string
	for name := range o.methodIDs {
		if !names[name] {
			unknown = append(unknown, name)
		}
	}
	for name := range o.methodFilters {
		if !names[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s has no methods %v", ErrUnknownMethod, hub, unknown)
	}
	return methods, nil
}

type hubSig struct {
	args     []reflect.Type
	response reflect.Type
}

func hubSignature(ft reflect.Type, recv int) (hubSig, error) {
	var sig hubSig
	if ft.IsVariadic() {
		return sig, errors.New("variadic parameters")
	}
	for j := recv + 1; j < ft.NumIn(); j++ {
		sig.args = append(sig.args, ft.In(j))
	}
	switch {
	case ft.NumOut() == 1 && ft.Out(0) == invoke.ErrorType():
		sig.response = reflect.TypeFor[streamrpc.Nil]()
	case ft.NumOut() == 2 && ft.Out(1) == invoke.ErrorType():
		sig.response = ft.Out(0)
	default:
		return sig, errors.New("results must be (R, error) or error")
	}
	return sig, nil
}

// methodBody calls the method on the connection's hub instance.
func methodBody(name string, args []reflect.Type) Handler {
	return func(c *Context) error {
		fn := reflect.ValueOf(c.conn.hub).MethodByName(name)
		if !fn.IsValid() {
			return fmt.Errorf("%w: %s", ErrUnknownMethod, name)
		}
		in := make([]reflect.Value, 0, len(args)+1)
		in = append(in, reflect.ValueOf(c))
		in = append(in, invoke.Values(c.args, args)...)

		out, err := invoke.Call(fn, in)
		if err != nil {
			return err
		}
		if len(out) == 1 {
			c.result = out[0].Interface()
		}
		return nil
	}
}
