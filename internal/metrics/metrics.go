// Package metrics holds the Prometheus collectors of the HID client.
//
// A nil *Metrics is valid and records nothing, so components take one
// unconditionally.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hidm"

// Metrics contains the client's collectors.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	EventsReceived  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	ListenerPanics  prometheus.Counter
	Listeners       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered. Collectors already registered by another Metrics are
// reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "requests_total",
				Help:      "Total number of requests sent to the server, by result",
			},
			[]string{"function", "result"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "client",
				Name:      "request_duration_seconds",
				Help:      "Request round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"function"},
		),

		EventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "events_received_total",
				Help:      "Total number of server events received",
			},
			[]string{"function"},
		),

		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "events_dropped_total",
				Help:      "Total number of server events dropped before reaching a listener",
			},
			[]string{"reason"},
		),

		ListenerPanics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "listener_panics_total",
				Help:      "Total number of listener callbacks that panicked",
			},
		),

		Listeners: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "listeners",
				Help:      "Registered listeners by kind",
			},
			[]string{"kind"},
		),
	}
	if reg == nil {
		return m
	}

	m.RequestsTotal = register(reg, m.RequestsTotal)
	m.RequestDuration = register(reg, m.RequestDuration)
	m.EventsReceived = register(reg, m.EventsReceived)
	m.EventsDropped = register(reg, m.EventsDropped)
	m.ListenerPanics = register(reg, m.ListenerPanics)
	m.Listeners = register(reg, m.Listeners)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// RecordRequest counts one request and observes its duration.
func (m *Metrics) RecordRequest(function, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(function, result).Inc()
	m.RequestDuration.WithLabelValues(function).Observe(d.Seconds())
}

// RecordEventReceived counts one inbound event.
func (m *Metrics) RecordEventReceived(function string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(function).Inc()
}

// RecordEventDropped counts one inbound event that reached no listener.
func (m *Metrics) RecordEventDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordListenerPanic counts one recovered listener panic.
func (m *Metrics) RecordListenerPanic() {
	if m == nil {
		return
	}
	m.ListenerPanics.Inc()
}

// SetListeners sets the listener gauge for kind.
func (m *Metrics) SetListeners(kind string, n int) {
	if m == nil {
		return
	}
	m.Listeners.WithLabelValues(kind).Set(float64(n))
}
