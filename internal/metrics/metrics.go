// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes the manager's Prometheus instruments.
//
// Every method is safe to call on a nil *Metrics, which records nothing. Services
// take a *Metrics and never check whether metrics are enabled.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry and the instruments registered on it
type Metrics struct {
	registry *prometheus.Registry

	messagesReceived  *prometheus.CounterVec
	messagesPublished *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	transitions       *prometheus.CounterVec
	offers            *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	workflowsCreated  prometheus.Counter
}

// New creates the instruments under namespace
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		messagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received by the manager, by kind",
		}, []string{"kind"}),
		messagesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages published by the manager, by kind",
		}, []string{"kind"}),
		messagesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Inbound messages discarded, by reason",
		}, []string{"reason"}),
		handlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling one inbound message",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"kind"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Committed state machine transitions",
		}, []string{"entity", "event"}),
		offers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_total",
			Help:      "Offers answered, by outcome",
		}, []string{"outcome"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dataflow_deliveries_total",
			Help:      "Dataflow values handled, by mode",
		}, []string{"mode"}),
		workflowsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_created_total",
			Help:      "Workflows instantiated from templates",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) MessageReceived(kind string, took time.Duration) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
	m.handlerDuration.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *Metrics) MessagePublished(kind string) {
	if m == nil {
		return
	}
	m.messagesPublished.WithLabelValues(kind).Inc()
}

// MessageDropped counts an inbound frame that was never handled
func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Transition(entity, event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(entity, event).Inc()
}

// Offer counts an answered offer; outcome is "accepted" or "rejected"
func (m *Metrics) Offer(outcome string) {
	if m == nil {
		return
	}
	m.offers.WithLabelValues(outcome).Inc()
}

// Delivery counts a dataflow value; mode is "pushed" or "buffered"
func (m *Metrics) Delivery(mode string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(mode).Inc()
}

func (m *Metrics) WorkflowCreated() {
	if m == nil {
		return
	}
	m.workflowsCreated.Inc()
}
