// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import "github.com/luxfi/streamrpc/internal/filterchain"

// Handler runs one call against its context.
type Handler func(c *ServiceContext) error

// Filter intercepts a call. It may act before and after calling next, skip
// next to short-circuit the call, or replace its error.
type Filter func(c *ServiceContext, next Handler) error

// ServiceOption configures a service registered with RegisterService or a
// method registered with Server.AddMethod.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	filters       []filterchain.Entry[Filter]
	methodFilters map[string][]filterchain.Entry[Filter]
}

// WithServiceFilter adds a filter to every method of the service. Filters run
// in ascending order; equal orders keep registration order.
func WithServiceFilter(order int, f Filter) ServiceOption {
	return func(o *serviceOptions) {
		o.filters = append(o.filters, filterchain.Entry[Filter]{Order: order, Filter: f})
	}
}

// WithMethodFilter adds a filter to one method of the service. Method filters
// run inside service filters.
func WithMethodFilter(method string, order int, f Filter) ServiceOption {
	return func(o *serviceOptions) {
		if o.methodFilters == nil {
			o.methodFilters = make(map[string][]filterchain.Entry[Filter])
		}
		o.methodFilters[method] = append(o.methodFilters[method], filterchain.Entry[Filter]{Order: order, Filter: f})
	}
}

func newServiceOptions(opts []ServiceOption) *serviceOptions {
	o := &serviceOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
