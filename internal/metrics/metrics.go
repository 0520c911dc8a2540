// Package metrics holds the Prometheus collectors for callback routing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded on Dispatch.Dropped.
const (
	ReasonStale     = "stale"
	ReasonDuplicate = "duplicate"
	ReasonNotLocal  = "not_local"
	ReasonMalformed = "malformed"
)

// Dispatch counts what happened to events consumed from the bus.
type Dispatch struct {
	Received         prometheus.Counter
	Dropped          *prometheus.CounterVec
	Parked           prometheus.Counter
	Delivered        *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	Consumed         prometheus.Counter
}

// Sessions reports registry and connection state.
type Sessions struct {
	Entries     prometheus.GaugeFunc
	Connections prometheus.GaugeFunc
	Evicted     prometheus.Counter
}

// Publish counts events handed to the bus by this process.
type Publish struct {
	Published *prometheus.CounterVec
	Failures  *prometheus.CounterVec
}

// Metrics bundles every collector.
type Metrics struct {
	Dispatch Dispatch
	Publish  Publish

	reg prometheus.Registerer
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		Dispatch: Dispatch{
			Received: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "callbacks", Subsystem: "dispatch", Name: "received_total",
				Help: "Events consumed from the broadcast bus.",
			}),
			Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "callbacks", Subsystem: "dispatch", Name: "dropped_total",
				Help: "Events dropped before delivery, by reason.",
			}, []string{"reason"}),
			Parked: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "callbacks", Subsystem: "dispatch", Name: "parked_total",
				Help: "Events held for a session that had not subscribed yet.",
			}),
			Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "callbacks", Subsystem: "dispatch", Name: "delivered_total",
				Help: "Events delivered to a live connection, by callback type.",
			}, []string{"type"}),
			DeliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "callbacks", Subsystem: "dispatch", Name: "delivery_failures_total",
				Help: "Events whose delivery to the local connection failed, by callback type.",
			}, []string{"type"}),
			Consumed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "callbacks", Subsystem: "sessions", Name: "consumed_total",
				Help: "Sessions moved to consumed by a terminal event.",
			}),
		},
		Publish: Publish{
			Published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "callbacks", Subsystem: "publish", Name: "published_total",
				Help: "Events published to the broadcast bus, by callback type.",
			}, []string{"type"}),
			Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "callbacks", Subsystem: "publish", Name: "failures_total",
				Help: "Publish attempts that failed, by callback type.",
			}, []string{"type"}),
		},
	}
	if reg != nil {
		reg.MustRegister(
			m.Dispatch.Received,
			m.Dispatch.Dropped,
			m.Dispatch.Parked,
			m.Dispatch.Delivered,
			m.Dispatch.DeliveryFailures,
			m.Dispatch.Consumed,
			m.Publish.Published,
			m.Publish.Failures,
		)
	}
	return m
}

// RegisterSessionGauges exposes live sizes read from the given functions on
// each scrape.
func (m *Metrics) RegisterSessionGauges(entries, connections func() int) *Sessions {
	s := &Sessions{
		Entries: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "callbacks", Subsystem: "sessions", Name: "entries",
			Help: "Registry entries held by this instance.",
		}, func() float64 { return float64(entries()) }),
		Connections: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "callbacks", Subsystem: "sessions", Name: "connections",
			Help: "Realtime connections bound to at least one session.",
		}, func() float64 { return float64(connections()) }),
		Evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "callbacks", Subsystem: "sessions", Name: "evicted_total",
			Help: "Registry entries removed by the periodic sweep.",
		}),
	}
	if m.reg != nil {
		m.reg.MustRegister(s.Entries, s.Connections, s.Evicted)
	}
	return s
}
