package vmi

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats counts Manager activity. The zero value is ready to use and every
// method is safe for concurrent use.
//
// Every published event ends in exactly one of responses, timeouts, detached
// or canceled, so once nothing is pending
//
//	EventsPublished == ResponsesReceived + Timeouts + Detached + Canceled
type Stats struct {
	eventsPublished    atomic.Uint64
	responsesReceived  atomic.Uint64
	timeouts           atomic.Uint64
	detached           atomic.Uint64
	canceled           atomic.Uint64
	drops              atomic.Uint64
	protocolViolations atomic.Uint64
	passThroughs       atomic.Uint64
	unsupportedExits   atomic.Uint64
	translationErrors  atomic.Uint64
	queriesServed      atomic.Uint64
	disconnects        atomic.Uint64
	actionsApplied     atomic.Uint64
	applyErrors        atomic.Uint64

	// Timing (nanoseconds)
	totalResponseTime atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	EventsPublished    uint64 `json:"events_published"`
	ResponsesReceived  uint64 `json:"responses_received"`
	Timeouts           uint64 `json:"timeouts"`
	Detached           uint64 `json:"detached"`
	Canceled           uint64 `json:"canceled"`
	Drops              uint64 `json:"drops"`
	ProtocolViolations uint64 `json:"protocol_violations"`
	PassThroughs       uint64 `json:"pass_throughs"`
	UnsupportedExits   uint64 `json:"unsupported_exits"`
	TranslationErrors  uint64 `json:"translation_errors"`
	QueriesServed      uint64 `json:"queries_served"`
	Disconnects        uint64 `json:"disconnects"`
	ActionsApplied     uint64 `json:"actions_applied"`
	ApplyErrors        uint64 `json:"apply_errors"`
	AvgResponseTimeNs  uint64 `json:"avg_response_time_ns"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	responses := s.responsesReceived.Load()

	var avgResponse uint64
	if responses > 0 {
		avgResponse = s.totalResponseTime.Load() / responses
	}

	return StatsSnapshot{
		EventsPublished:    s.eventsPublished.Load(),
		ResponsesReceived:  responses,
		Timeouts:           s.timeouts.Load(),
		Detached:           s.detached.Load(),
		Canceled:           s.canceled.Load(),
		Drops:              s.drops.Load(),
		ProtocolViolations: s.protocolViolations.Load(),
		PassThroughs:       s.passThroughs.Load(),
		UnsupportedExits:   s.unsupportedExits.Load(),
		TranslationErrors:  s.translationErrors.Load(),
		QueriesServed:      s.queriesServed.Load(),
		Disconnects:        s.disconnects.Load(),
		ActionsApplied:     s.actionsApplied.Load(),
		ApplyErrors:        s.applyErrors.Load(),
		AvgResponseTimeNs:  avgResponse,
	}
}

// Reset clears all counters.
func (s *Stats) Reset() {
	s.eventsPublished.Store(0)
	s.responsesReceived.Store(0)
	s.timeouts.Store(0)
	s.detached.Store(0)
	s.canceled.Store(0)
	s.drops.Store(0)
	s.protocolViolations.Store(0)
	s.passThroughs.Store(0)
	s.unsupportedExits.Store(0)
	s.translationErrors.Store(0)
	s.queriesServed.Store(0)
	s.disconnects.Store(0)
	s.actionsApplied.Store(0)
	s.applyErrors.Store(0)
	s.totalResponseTime.Store(0)
}

// Internal recording functions
func (s *Stats) recordPublished()         { s.eventsPublished.Add(1) }
func (s *Stats) recordTimeout()           { s.timeouts.Add(1) }
func (s *Stats) recordDetached()          { s.detached.Add(1) }
func (s *Stats) recordCanceled()          { s.canceled.Add(1) }
func (s *Stats) recordDrop()              { s.drops.Add(1) }
func (s *Stats) recordProtocolViolation() { s.protocolViolations.Add(1) }
func (s *Stats) recordPassThrough()       { s.passThroughs.Add(1) }
func (s *Stats) recordUnsupported()       { s.unsupportedExits.Add(1) }
func (s *Stats) recordTranslationError()  { s.translationErrors.Add(1) }
func (s *Stats) recordQuery()             { s.queriesServed.Add(1) }
func (s *Stats) recordDisconnect()        { s.disconnects.Add(1) }
func (s *Stats) recordApplied()           { s.actionsApplied.Add(1) }
func (s *Stats) recordApplyError()        { s.applyErrors.Add(1) }

func (s *Stats) recordResponse(wait time.Duration) {
	s.responsesReceived.Add(1)
	s.totalResponseTime.Add(uint64(wait.Nanoseconds()))
}

type statsCollector struct {
	stats *Stats
	descs []*prometheus.Desc
}

var statsMetrics = []struct {
	name, help string
	value      func(*StatsSnapshot) uint64
}{
	{"events_published_total", "Events published to the client.", func(s *StatsSnapshot) uint64 { return s.EventsPublished }},
	{"responses_received_total", "Client responses matched to a pending event.", func(s *StatsSnapshot) uint64 { return s.ResponsesReceived }},
	{"timeouts_total", "Events resolved by the timeout action.", func(s *StatsSnapshot) uint64 { return s.Timeouts }},
	{"detached_total", "Pending events abandoned because the client went away.", func(s *StatsSnapshot) uint64 { return s.Detached }},
	{"canceled_total", "Pending events abandoned because the caller's context ended.", func(s *StatsSnapshot) uint64 { return s.Canceled }},
	{"drops_total", "Events dropped because the event ring was full.", func(s *StatsSnapshot) uint64 { return s.Drops }},
	{"protocol_violations_total", "Discarded records for unknown, stale or malformed ids.", func(s *StatsSnapshot) uint64 { return s.ProtocolViolations }},
	{"pass_throughs_total", "Exits resumed without channel traffic.", func(s *StatsSnapshot) uint64 { return s.PassThroughs }},
	{"unsupported_exits_total", "Exits with no event mapping.", func(s *StatsSnapshot) uint64 { return s.UnsupportedExits }},
	{"translation_errors_total", "Exits that could not be translated.", func(s *StatsSnapshot) uint64 { return s.TranslationErrors }},
	{"queries_served_total", "Guest queries answered while a vCPU was paused.", func(s *StatsSnapshot) uint64 { return s.QueriesServed }},
	{"disconnects_total", "Transitions into pass-through after losing the client.", func(s *StatsSnapshot) uint64 { return s.Disconnects }},
	{"actions_applied_total", "Actions applied to the guest.", func(s *StatsSnapshot) uint64 { return s.ActionsApplied }},
	{"apply_errors_total", "Actions that failed to apply.", func(s *StatsSnapshot) uint64 { return s.ApplyErrors }},
}

// NewStatsCollector exposes s as Prometheus counters named
// <namespace>_<counter>_total.
func NewStatsCollector(namespace string, s *Stats) prometheus.Collector {
	c := &statsCollector{stats: s}
	for _, m := range statsMetrics {
		c.descs = append(c.descs, prometheus.NewDesc(prometheus.BuildFQName(namespace, "", m.name), m.help, nil, nil))
	}
	c.descs = append(c.descs, prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "response_time_avg_seconds"),
		"Average time between publication and response.", nil, nil))
	return c
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	for i, m := range statsMetrics {
		ch <- prometheus.MustNewConstMetric(c.descs[i], prometheus.CounterValue, float64(m.value(&snap)))
	}
	ch <- prometheus.MustNewConstMetric(c.descs[len(statsMetrics)], prometheus.GaugeValue,
		time.Duration(snap.AvgResponseTimeNs).Seconds())
}
