// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package filterchain composes ordered interceptors around an invoker.
package filterchain

import "sort"

// Entry is a filter with its declared order.
type Entry[F any] struct {
	Order  int
	Filter F
}

// Flatten concatenates the given levels, sorting each level by Order.
// Entries with equal Order keep their registration order.
func Flatten[F any](levels ...[]Entry[F]) []F {
	var n int
	for _, level := range levels {
		n += len(level)
	}
	out := make([]F, 0, n)
	for _, level := range levels {
		sorted := make([]Entry[F], len(level))
		copy(sorted, level)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
		for _, e := range sorted {
			out = append(out, e.Filter)
		}
	}
	return out
}

// Build wraps body with filters. filters[0] is the outermost: its code before
// calling next runs first and its code after next returns runs last.
func Build[C any, H ~func(C) error, F ~func(C, H) error](filters []F, body H) H {
	next := body
	for i := len(filters) - 1; i >= 0; i-- {
		f, inner := filters[i], next
		next = H(func(c C) error { return f(c, inner) })
	}
	return next
}
