// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package streamrpc

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
)

const metricsNamespace = "streamrpc"

// Metrics holds the Prometheus collectors of a server and its hubs. All
// methods are safe on a nil *Metrics, which records nothing.
type Metrics struct {
	callsTotal      *prometheus.CounterVec
	callDuration    *prometheus.HistogramVec
	hubConnections  *prometheus.GaugeVec
	hubInvocations  *prometheus.CounterVec
	broadcastFrames *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Completed calls by method and status code",
		}, []string{"service", "method", "shape", "code"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "call_duration_seconds",
			Help:      "Call duration, from the first request message to the final status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"}),
		hubConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Currently connected hub clients",
		}, []string{"hub"}),
		hubInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "hub",
			Name:      "invocations_total",
			Help:      "Hub method invocations by status code",
		}, []string{"hub", "method", "code"}),
		broadcastFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "hub",
			Name:      "broadcast_frames_total",
			Help:      "Frames enqueued by group broadcasts",
		}, []string{"hub"}),
	}
}

// Register registers the collectors. Collectors already registered are
// not an error.
func (m *Metrics) Register() error {
	for _, c := range []prometheus.Collector{
		m.callsTotal,
		m.callDuration,
		m.hubConnections,
		m.hubInvocations,
		m.broadcastFrames,
	} {
		if err := m.registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) ObserveCall(service, method string, shape CallShape, code codes.Code, d time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(service, method, shape.String(), code.String()).Inc()
	m.callDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

func (m *Metrics) HubConnected(hub string) {
	if m == nil {
		return
	}
	m.hubConnections.WithLabelValues(hub).Inc()
}

func (m *Metrics) HubDisconnected(hub string) {
	if m == nil {
		return
	}
	m.hubConnections.WithLabelValues(hub).Dec()
}

func (m *Metrics) ObserveHubInvocation(hub, method string, code codes.Code) {
	if m == nil {
		return
	}
	m.hubInvocations.WithLabelValues(hub, method, code.String()).Inc()
}

// ObserveBroadcast counts frames enqueued by one broadcast.
func (m *Metrics) ObserveBroadcast(hub string, frames int) {
	if m == nil || frames == 0 {
		return
	}
	m.broadcastFrames.WithLabelValues(hub).Add(float64(frames))
}
