// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gorillarpc "github.com/gorilla/rpc/v2"
	rpc "github.com/gorilla/rpc/v2/json2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxRetries    = 3
	retryBaseWait = 500 * time.Millisecond

	// AdminRPCPath serves the JSON-RPC 2.0 admin services.
	AdminRPCPath = "/rpc"
	// MetricsPath serves the Prometheus metrics.
	MetricsPath = "/metrics"
)

// Option configures a JSON-RPC request.
type Option func(*Options)

type Options struct {
	headers     http.Header
	queryParams url.Values
}

func NewOptions(ops []Option) *Options {
	o := &Options{
		headers:     http.Header{},
		queryParams: url.Values{},
	}
	for _, op := range ops {
		op(o)
	}
	return o
}

func WithHeader(key, value string) Option {
	return func(o *Options) { o.headers.Set(key, value) }
}

func WithQueryParam(key, value string) Option {
	return func(o *Options) { o.queryParams.Add(key, value) }
}

// newHTTPClient creates a fresh HTTP client with disabled connection reuse.
// This avoids EOF errors that can occur with connection pooling in complex
// process hierarchies.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DisableKeepAlives: true,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError checks if an error is transient and worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	if errors.Is(err, io.EOF) || strings.Contains(errStr, "EOF") {
		return true
	}
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe")
}

// SendJSONRequest calls a JSON-RPC 2.0 method, such as one of the admin
// services, retrying transient connection errors with exponential backoff.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params interface{},
	reply interface{},
	options ...Option,
) error {
	slog.Debug("sending json request", "method", method, "uri", uri.String())
	requestBodyBytes, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}

	ops := NewOptions(options)
	target := *uri
	target.RawQuery = ops.queryParams.Encode()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// Create fresh request for each attempt (body buffer is consumed)
		request, err := http.NewRequestWithContext(
			ctx,
			http.MethodPost,
			target.String(),
			bytes.NewBuffer(requestBodyBytes),
		)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		request.Header = ops.headers.Clone()
		request.Header.Set("Content-Type", "application/json")

		resp, err := newHTTPClient().Do(request)
		if err != nil {
			lastErr = err
			retryable := isRetryableError(err)
			slog.Warn("json request attempt failed", "method", method, "attempt", attempt+1, "error", err, "retryable", retryable)
			if retryable {
				continue
			}
			return fmt.Errorf("failed to issue request: %w", err)
		}
		if attempt > 0 {
			slog.Debug("json request succeeded after retry", "method", method, "attempt", attempt+1)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("received status code: %d", resp.StatusCode)
		}

		if err := rpc.DecodeClientResponse(resp.Body, reply); err != nil {
			CleanlyCloseBody(resp.Body)
			return fmt.Errorf("failed to decode client response: %w", err)
		}
		CleanlyCloseBody(resp.Body)
		return nil
	}

	return fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// AdminService is a JSON-RPC receiver exposed by NewAdminHandler. Its methods
// follow the gorilla/rpc convention:
//
//	func (s *T) Method(r *http.Request, args *Args, reply *Reply) error
type AdminService struct {
	Name     string
	Receiver any
}

// NewAdminHandler routes the admin JSON-RPC services at AdminRPCPath and, when
// gatherer is not nil, the Prometheus metrics at MetricsPath.
func NewAdminHandler(gatherer prometheus.Gatherer, services ...AdminService) (http.Handler, error) {
	rpcServer := gorillarpc.NewServer()
	rpcServer.RegisterCodec(rpc.NewCodec(), "application/json")
	rpcServer.RegisterCodec(rpc.NewCodec(), "application/json;charset=UTF-8")
	for _, svc := range services {
		if err := rpcServer.RegisterService(svc.Receiver, svc.Name); err != nil {
			return nil, fmt.Errorf("register admin service %q: %w", svc.Name, err)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(AdminRPCPath, rpcServer)
	if gatherer != nil {
		r.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r, nil
}
