package observability

import (
	"sync"
	"time"
)

type SpanSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec     int64                   `json:"uptime_sec"`
	TotalCalls    int64                   `json:"total_calls"`
	TotalErrors   int64                   `json:"total_errors"`
	InFlight      int64                   `json:"in_flight"`
	PaymentWaits  int64                   `json:"payment_throttle_waits"`
	PaymentWaitMs int64                   `json:"payment_throttle_wait_ms"`
	Outcomes      map[string]int64        `json:"saga_outcomes"`
	Lifecycle     *LifecycleSnapshot      `json:"lifecycle,omitempty"`
	Spans         map[string]SpanSnapshot `json:"spans"`
}

type spanStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics tracks saga step and compensation call latencies, terminal saga
// outcomes, and time spent throttled at the payment capability.
type Metrics struct {
	mu           sync.Mutex
	start        time.Time
	spans        map[string]*spanStats
	outcomes     map[string]int64
	paymentWaits int64
	paymentWait  time.Duration
	lifecycle    lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	name    string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		spans:    make(map[string]*spanStats),
		outcomes: make(map[string]int64),
	}
}

// Start opens a span for a named call. Nil-safe so callers can wire metrics
// optionally.
func (m *Metrics) Start(name string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureSpan(name)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		name:    name,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.name, dur, err != nil)
}

// AddPaymentWait records time spent waiting on the payment rate limiter.
func (m *Metrics) AddPaymentWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.paymentWaits++
	m.paymentWait += d
	m.mu.Unlock()
}

// CountOutcome tallies a terminal saga state.
func (m *Metrics) CountOutcome(state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.outcomes[state]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:     int64(now.Sub(m.start).Seconds()),
		Spans:         make(map[string]SpanSnapshot),
		Outcomes:      make(map[string]int64),
		PaymentWaits:  m.paymentWaits,
		PaymentWaitMs: int64(m.paymentWait / time.Millisecond),
	}

	for name, stats := range m.spans {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Spans[name] = SpanSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalCalls += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}
	for state, n := range m.outcomes {
		snap.Outcomes[state] = n
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureSpan(name string) *spanStats {
	stats, ok := m.spans[name]
	if !ok {
		stats = &spanStats{}
		m.spans[name] = stats
	}
	return stats
}

func (m *Metrics) finish(name string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureSpan(name)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
