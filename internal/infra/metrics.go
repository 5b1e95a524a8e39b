package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability on the hot path.
// Uses atomic operations for thread-safety; PrometheusCollector exports it.
type Metrics struct {
	// Counters
	eventsProcessed   atomic.Uint64
	ordersSubmitted   atomic.Uint64
	ordersRejected    atomic.Uint64
	ordersFilled      atomic.Uint64
	transactions      atomic.Uint64
	errorsTotal       atomic.Uint64
	publishTimeouts   atomic.Uint64
	sequenceGaps      atomic.Uint64
	handlerPanics     atomic.Uint64
	persistRetries    atomic.Uint64
	persistDropped    atomic.Uint64
	balanceMismatches atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	readySessions     atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordEvent records an event processing with latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// RecordOrderSubmitted records an order that reached Submitted.
func (m *Metrics) RecordOrderSubmitted() {
	m.ordersSubmitted.Add(1)
}

// RecordOrderRejected records a synchronous or broker rejection.
func (m *Metrics) RecordOrderRejected() {
	m.ordersRejected.Add(1)
}

// RecordOrderFilled records a filled order.
func (m *Metrics) RecordOrderFilled() {
	m.ordersFilled.Add(1)
}

// RecordTransaction records a booked fill.
func (m *Metrics) RecordTransaction() {
	m.transactions.Add(1)
}

// RecordPublishTimeout records a sequencer publish that gave up on a full ring.
func (m *Metrics) RecordPublishTimeout() {
	m.publishTimeouts.Add(1)
}

// RecordSequenceGap records a chain observing a non-contiguous sequence.
func (m *Metrics) RecordSequenceGap() {
	m.sequenceGaps.Add(1)
}

// RecordPanic records a recovered panic in a filter or lane task.
func (m *Metrics) RecordPanic() {
	m.handlerPanics.Add(1)
}

// RecordPersistRetry records a failed async save that was re-enqueued.
func (m *Metrics) RecordPersistRetry() {
	m.persistRetries.Add(1)
}

// RecordPersistDropped records an async save abandoned after all retries.
func (m *Metrics) RecordPersistDropped() {
	m.persistDropped.Add(1)
}

// RecordBalanceMismatch records a resync where broker and ledger disagree.
func (m *Metrics) RecordBalanceMismatch() {
	m.balanceMismatches.Add(1)
}

// SetActiveConnections sets the current active connection count.
func (m *Metrics) SetActiveConnections(count int32) {
	m.activeConnections.Store(count)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SessionReady adjusts the number of sessions that completed synchronization.
func (m *Metrics) SessionReady(ready bool) {
	if ready {
		m.readySessions.Add(1)
	} else {
		m.readySessions.Add(-1)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsProcessed   uint64
	OrdersSubmitted   uint64
	OrdersRejected    uint64
	OrdersFilled      uint64
	Transactions      uint64
	ErrorsTotal       uint64
	PublishTimeouts   uint64
	SequenceGaps      uint64
	Panics            uint64
	PersistRetries    uint64
	PersistDropped    uint64
	BalanceMismatches uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	ReadySessions     int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsProcessed:   m.eventsProcessed.Load(),
		OrdersSubmitted:   m.ordersSubmitted.Load(),
		OrdersRejected:    m.ordersRejected.Load(),
		OrdersFilled:      m.ordersFilled.Load(),
		Transactions:      m.transactions.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		PublishTimeouts:   m.publishTimeouts.Load(),
		SequenceGaps:      m.sequenceGaps.Load(),
		Panics:            m.handlerPanics.Load(),
		PersistRetries:    m.persistRetries.Load(),
		PersistDropped:    m.persistDropped.Load(),
		BalanceMismatches: m.balanceMismatches.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		ReadySessions:     m.readySessions.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsProcessed.Store(0)
	m.ordersSubmitted.Store(0)
	m.ordersRejected.Store(0)
	m.ordersFilled.Store(0)
	m.transactions.Store(0)
	m.errorsTotal.Store(0)
	m.publishTimeouts.Store(0)
	m.sequenceGaps.Store(0)
	m.handlerPanics.Store(0)
	m.persistRetries.Store(0)
	m.persistDropped.Store(0)
	m.balanceMismatches.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.readySessions.Store(0)
}
