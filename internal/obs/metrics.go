package obs

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects lightweight counters and latency stats, mirrored into a
// prometheus registry for scraping.
type Metrics struct {
	ordersFilled    uint64
	ordersRejected  uint64
	ticks           uint64
	droppedMessages uint64
	disconnects     uint64
	epochs          uint64
	llmFallbacks    uint64

	executionLatency LatencyStats
	pollLatency      LatencyStats

	registry      *prometheus.Registry
	ordersTotal   *prometheus.CounterVec
	ticksTotal    prometheus.Counter
	droppedTotal  *prometheus.CounterVec
	epochsTotal   prometheus.Counter
	llmCallsTotal *prometheus.CounterVec
	execSeconds   prometheus.Histogram
	liveAgents    prometheus.Gauge
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	OrdersFilled     uint64
	OrdersRejected   uint64
	Ticks            uint64
	DroppedMessages  uint64
	Disconnects      uint64
	Epochs           uint64
	LLMFallbacks     uint64
	ExecutionLatency LatencySnapshot
	PollLatency      LatencySnapshot
}

// NewMetrics allocates a metrics container with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ordersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "arena_orders_total", Help: "Orders processed by result"},
			[]string{"result"},
		),
		ticksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "arena_ticks_total", Help: "Price snapshots published"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "arena_outbox_dropped_total", Help: "Outbound messages dropped or disconnected"},
			[]string{"kind"},
		),
		epochsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "arena_epochs_total", Help: "Epochs closed"},
		),
		llmCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "arena_llm_calls_total", Help: "LLM provider calls by outcome"},
			[]string{"provider", "outcome"},
		),
		execSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "arena_execution_seconds", Help: "Order execution latency", Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10)},
		),
		liveAgents: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "arena_live_agents", Help: "Agents with an attached channel"},
		),
	}
	m.registry.MustRegister(
		m.ordersTotal,
		m.ticksTotal,
		m.droppedTotal,
		m.epochsTotal,
		m.llmCallsTotal,
		m.execSeconds,
		m.liveAgents,
	)
	return m
}

// Handler serves the prometheus exposition of this container.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOrder records an order outcome. result is "filled" or the rejection reason.
func (m *Metrics) ObserveOrder(result string, d time.Duration) {
	if m == nil {
		return
	}
	if result == "filled" {
		atomic.AddUint64(&m.ordersFilled, 1)
	} else {
		atomic.AddUint64(&m.ordersRejected, 1)
	}
	m.ordersTotal.WithLabelValues(result).Inc()
	m.executionLatency.Observe(d)
	m.execSeconds.Observe(d.Seconds())
}

// ObserveTick records a published price snapshot and the poll duration behind it.
func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ticks, 1)
	m.ticksTotal.Inc()
	m.pollLatency.Observe(d)
}

// IncDropped records a price update dropped from a slow outbox.
func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.droppedMessages, 1)
	m.droppedTotal.WithLabelValues("dropped").Inc()
}

// IncDisconnect records a binding closed because its outbox stayed full.
func (m *Metrics) IncDisconnect() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.disconnects, 1)
	m.droppedTotal.WithLabelValues("disconnected").Inc()
}

// IncEpoch records a closed epoch.
func (m *Metrics) IncEpoch() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.epochs, 1)
	m.epochsTotal.Inc()
}

// ObserveLLMCall records one provider attempt.
func (m *Metrics) ObserveLLMCall(provider, outcome string) {
	if m == nil {
		return
	}
	if outcome == "fallback" {
		atomic.AddUint64(&m.llmFallbacks, 1)
	}
	m.llmCallsTotal.WithLabelValues(provider, outcome).Inc()
}

// SetLiveAgents sets the attached agent gauge.
func (m *Metrics) SetLiveAgents(n int) {
	if m == nil {
		return
	}
	m.liveAgents.Set(float64(n))
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		OrdersFilled:     atomic.LoadUint64(&m.ordersFilled),
		OrdersRejected:   atomic.LoadUint64(&m.ordersRejected),
		Ticks:            atomic.LoadUint64(&m.ticks),
		DroppedMessages:  atomic.LoadUint64(&m.droppedMessages),
		Disconnects:      atomic.LoadUint64(&m.disconnects),
		Epochs:           atomic.LoadUint64(&m.epochs),
		LLMFallbacks:     atomic.LoadUint64(&m.llmFallbacks),
		ExecutionLatency: m.executionLatency.Snapshot(),
		PollLatency:      m.pollLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		cur := atomic.LoadUint64(&l.min)
		if cur != 0 && nanos >= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, cur, nanos) {
			break
		}
	}

	for {
		cur := atomic.LoadUint64(&l.max)
		if nanos <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
	}
}
