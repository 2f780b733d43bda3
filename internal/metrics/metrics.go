// Package metrics holds the prometheus collectors shared by the core service
// and the event broadcaster. The server exposes them on a dedicated metrics
// listener; a nil *Set disables recording entirely.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set aggregates every pickd collector on one registry.
type Set struct {
	registry *prometheus.Registry

	LockOps         *prometheus.CounterVec
	LeasesReclaimed prometheus.Counter
	SweepsTotal     prometheus.Counter
	PicksTotal      *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
	Subscribers     prometheus.Gauge
	ActiveLeases    prometheus.Gauge
}

// New registers all pickd collectors on a fresh registry.
func New() *Set {
	registry := prometheus.NewRegistry()
	set := &Set{
		registry: registry,
		LockOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pickd",
			Name:      "lock_operations_total",
			Help:      "Lock manager operations by operation and result.",
		}, []string{"op", "result"}),
		LeasesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pickd",
			Name:      "leases_reclaimed_total",
			Help:      "Leases force-released by the heartbeat sweeper.",
		}),
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pickd",
			Name:      "sweeps_total",
			Help:      "Heartbeat sweeper iterations.",
		}),
		PicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pickd",
			Name:      "picks_total",
			Help:      "Accepted pick submissions by result.",
		}, []string{"result"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pickd",
			Name:      "events_published_total",
			Help:      "Broadcast events published by type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pickd",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pickd",
			Name:      "event_subscribers",
			Help:      "Currently connected event subscribers.",
		}),
		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pickd",
			Name:      "active_leases",
			Help:      "Active leases observed by the last sweep.",
		}),
	}
	registry.MustRegister(
		set.LockOps,
		set.LeasesReclaimed,
		set.SweepsTotal,
		set.PicksTotal,
		set.EventsPublished,
		set.EventsDropped,
		set.Subscribers,
		set.ActiveLeases,
	)
	return set
}

// Registry exposes the underlying registry for the metrics listener.
func (s *Set) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

// IncLockOp records one lock manager operation outcome; nil-safe.
func (s *Set) IncLockOp(op, result string) {
	if s == nil {
		return
	}
	s.LockOps.WithLabelValues(op, result).Inc()
}

// IncPick records one pick submission outcome; nil-safe.
func (s *Set) IncPick(result string) {
	if s == nil {
		return
	}
	s.PicksTotal.WithLabelValues(result).Inc()
}

// IncEvent records one published event; nil-safe.
func (s *Set) IncEvent(eventType string) {
	if s == nil {
		return
	}
	s.EventsPublished.WithLabelValues(eventType).Inc()
}

// IncDropped records one dropped event delivery; nil-safe.
func (s *Set) IncDropped() {
	if s == nil {
		return
	}
	s.EventsDropped.Inc()
}

// SetSubscribers records the current subscriber count; nil-safe.
func (s *Set) SetSubscribers(n int) {
	if s == nil {
		return
	}
	s.Subscribers.Set(float64(n))
}

// RecordSweep records one sweeper pass and its observations; nil-safe.
func (s *Set) RecordSweep(activeLeases, reclaimed int) {
	if s == nil {
		return
	}
	s.SweepsTotal.Inc()
	s.ActiveLeases.Set(float64(activeLeases))
	if reclaimed > 0 {
		s.LeasesReclaimed.Add(float64(reclaimed))
	}
}
