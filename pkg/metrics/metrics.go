// Package metrics provides Prometheus metrics for the ledger client.
package metrics

import (
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// ClientMetrics collects ledger read, snapshot and action metrics.
// A nil *ClientMetrics is valid and records nothing.
type ClientMetrics struct {
	registry *prometheus.Registry

	// Chain reads
	ReadsTotal  *prometheus.CounterVec
	ReadLatency *prometheus.HistogramVec

	// Snapshot builds
	BuildsTotal   *prometheus.CounterVec
	BuildDuration *prometheus.HistogramVec
	StaleDiscards *prometheus.CounterVec
	ListedBets    *prometheus.GaugeVec

	// Actions
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	WageredVolume  prometheus.Counter
}

// NewClientMetrics creates a collector with its own registry.
func NewClientMetrics() *ClientMetrics {
	m := &ClientMetrics{
		registry: prometheus.NewRegistry(),

		ReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surebet_chain_reads_total",
				Help: "Total number of ledger read calls",
			},
			[]string{"method", "status"},
		),
		ReadLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "surebet_chain_read_duration_seconds",
				Help:    "Ledger read call latency",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"method"},
		),

		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surebet_snapshot_builds_total",
				Help: "Total number of snapshot builds",
			},
			[]string{"view", "status"},
		),
		BuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "surebet_snapshot_build_duration_seconds",
				Help:    "Time to build a view snapshot",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"view"},
		),
		StaleDiscards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surebet_snapshot_stale_discards_total",
				Help: "Snapshot passes discarded because a newer pass had started",
			},
			[]string{"view"},
		),
		ListedBets: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "surebet_snapshot_bets",
				Help: "Bets in the latest published snapshot",
			},
			[]string{"view"},
		),

		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "surebet_actions_total",
				Help: "Dispatched ledger actions by final state",
			},
			[]string{"kind", "state"},
		),
		ActionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "surebet_action_duration_seconds",
				Help:    "Time from submission to confirmation or failure",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7min
			},
			[]string{"kind"},
		),
		WageredVolume: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "surebet_wagered_native_total",
				Help: "Confirmed wager volume in native units",
			},
		),
	}

	m.registry.MustRegister(
		m.ReadsTotal,
		m.ReadLatency,
		m.BuildsTotal,
		m.BuildDuration,
		m.StaleDiscards,
		m.ListedBets,
		m.ActionsTotal,
		m.ActionDuration,
		m.WageredVolume,
	)

	return m
}

// Registry returns the prometheus registry.
func (m *ClientMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRead records one ledger read call.
func (m *ClientMetrics) ObserveRead(method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.ReadsTotal.WithLabelValues(method, status(err)).Inc()
	m.ReadLatency.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveBuild records a finished snapshot pass.
func (m *ClientMetrics) ObserveBuild(view string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.BuildsTotal.WithLabelValues(view, status(err)).Inc()
	m.BuildDuration.WithLabelValues(view).Observe(d.Seconds())
}

// SetListed records the size of a published snapshot.
func (m *ClientMetrics) SetListed(view string, n int) {
	if m == nil {
		return
	}
	m.ListedBets.WithLabelValues(view).Set(float64(n))
}

// RecordStaleDiscard records a superseded snapshot pass.
func (m *ClientMetrics) RecordStaleDiscard(view string) {
	if m == nil {
		return
	}
	m.StaleDiscards.WithLabelValues(view).Inc()
}

// ObserveAction records an action reaching a final state.
func (m *ClientMetrics) ObserveAction(kind, state string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActionsTotal.WithLabelValues(kind, state).Inc()
	if d > 0 {
		m.ActionDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// RecordWager adds a confirmed wager of wei to the volume counter.
func (m *ClientMetrics) RecordWager(wei *big.Int) {
	if m == nil || wei == nil {
		return
	}
	m.WageredVolume.Add(WeiToFloat64(wei))
}

// WeiToFloat64 converts wei to native units for metrics.
func WeiToFloat64(wei *big.Int) float64 {
	f, _ := decimal.NewFromBigInt(wei, -18).Float64()
	return f
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
