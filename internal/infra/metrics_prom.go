package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "trader"

// PrometheusCollector exports a Metrics instance on scrape.
// The hot path keeps writing atomics; values are only read here.
type PrometheusCollector struct {
	m *Metrics

	eventsProcessed   *prometheus.Desc
	ordersSubmitted   *prometheus.Desc
	ordersRejected    *prometheus.Desc
	ordersFilled      *prometheus.Desc
	transactions      *prometheus.Desc
	errorsTotal       *prometheus.Desc
	publishTimeouts   *prometheus.Desc
	sequenceGaps      *prometheus.Desc
	panics            *prometheus.Desc
	persistRetries    *prometheus.Desc
	persistDropped    *prometheus.Desc
	balanceMismatches *prometheus.Desc
	avgLatency        *prometheus.Desc
	activeConnections *prometheus.Desc
	readySessions     *prometheus.Desc
}

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "", name), help, nil, nil)
}

// NewPrometheusCollector creates a collector over m.
func NewPrometheusCollector(m *Metrics) *PrometheusCollector {
	return &PrometheusCollector{
		m:                 m,
		eventsProcessed:   newDesc("events_processed_total", "Sequencer events dispatched to filter chains."),
		ordersSubmitted:   newDesc("orders_submitted_total", "Orders that reached the Submitted state."),
		ordersRejected:    newDesc("orders_rejected_total", "Orders rejected synchronously or by the broker."),
		ordersFilled:      newDesc("orders_filled_total", "Orders that reached the Filled state."),
		transactions:      newDesc("transactions_total", "Fills booked into the ledger."),
		errorsTotal:       newDesc("errors_total", "Errors logged by core components."),
		publishTimeouts:   newDesc("sequencer_publish_timeouts_total", "Publishes abandoned on a full ring."),
		sequenceGaps:      newDesc("sequencer_gaps_total", "Non-contiguous sequence numbers observed by a chain."),
		panics:            newDesc("recovered_panics_total", "Panics recovered in filters and lane tasks."),
		persistRetries:    newDesc("persist_retries_total", "Async saves re-enqueued after a failure."),
		persistDropped:    newDesc("persist_dropped_total", "Async saves abandoned after all retries."),
		balanceMismatches: newDesc("resync_balance_mismatches_total", "Resyncs where broker money differs from the ledger."),
		avgLatency:        newDesc("event_latency_avg_seconds", "Average publish-to-dispatch latency."),
		activeConnections: newDesc("active_connections", "Open broker and feed connections."),
		readySessions:     newDesc("ready_sessions", "Sessions that completed synchronization."),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsProcessed
	ch <- c.ordersSubmitted
	ch <- c.ordersRejected
	ch <- c.ordersFilled
	ch <- c.transactions
	ch <- c.errorsTotal
	ch <- c.publishTimeouts
	ch <- c.sequenceGaps
	ch <- c.panics
	ch <- c.persistRetries
	ch <- c.persistDropped
	ch <- c.balanceMismatches
	ch <- c.avgLatency
	ch <- c.activeConnections
	ch <- c.readySessions
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()

	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.eventsProcessed, s.EventsProcessed)
	counter(c.ordersSubmitted, s.OrdersSubmitted)
	counter(c.ordersRejected, s.OrdersRejected)
	counter(c.ordersFilled, s.OrdersFilled)
	counter(c.transactions, s.Transactions)
	counter(c.errorsTotal, s.ErrorsTotal)
	counter(c.publishTimeouts, s.PublishTimeouts)
	counter(c.sequenceGaps, s.SequenceGaps)
	counter(c.panics, s.Panics)
	counter(c.persistRetries, s.PersistRetries)
	counter(c.persistDropped, s.PersistDropped)
	counter(c.balanceMismatches, s.BalanceMismatches)
	gauge(c.avgLatency, float64(s.AvgLatencyNs)/1e9)
	gauge(c.activeConnections, float64(s.ActiveConnections))
	gauge(c.readySessions, float64(s.ReadySessions))
}
