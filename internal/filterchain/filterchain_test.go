// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package filterchain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handler func(*[]string) error

type filter func(*[]string, handler) error

func record(name string) filter {
	return func(trace *[]string, next handler) error {
		*trace = append(*trace, name+":before")
		err := next(trace)
		*trace = append(*trace, name+":after")
		return err
	}
}

func TestFlattenOrdersEachLevel(t *testing.T) {
	got := Flatten(
		[]Entry[string]{{Order: 5, Filter: "g5"}, {Order: 1, Filter: "g1"}},
		[]Entry[string]{{Order: 0, Filter: "s0"}, {Order: -3, Filter: "s-3"}, {Order: 0, Filter: "s0b"}},
		nil,
		[]Entry[string]{{Order: 2, Filter: "m2"}},
	)
	assert.Equal(t, []string{"g1", "g5", "s-3", "s0", "s0b", "m2"}, got)
}

func TestBuildRunsOutermostFirst(t *testing.T) {
	body := handler(func(trace *[]string) error {
		*trace = append(*trace, "body")
		return nil
	})
	chain := Build([]filter{record("a"), record("b")}, body)

	var trace []string
	require.NoError(t, chain(&trace))
	assert.Equal(t, []string{"a:before", "b:before", "body", "b:after", "a:after"}, trace)
}

func TestBuildShortCircuit(t *testing.T) {
	stop := errors.New("stop")
	called := false
	body := handler(func(*[]string) error {
		called = true
		return nil
	})
	deny := filter(func(*[]string, handler) error { return stop })
	chain := Build([]filter{record("a"), deny, record("c")}, body)

	var trace []string
	assert.ErrorIs(t, chain(&trace), stop)
	assert.False(t, called)
	assert.Equal(t, []string{"a:before", "a:after"}, trace)
}

func TestBuildWithoutFilters(t *testing.T) {
	n := 0
	chain := Build[*[]string, handler, filter](nil, func(*[]string) error {
		n++
		return nil
	})
	require.NoError(t, chain(nil))
	assert.Equal(t, 1, n)
}
