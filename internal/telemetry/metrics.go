package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEMETRY - Injected metrics handle, no process-wide singletons
// ═══════════════════════════════════════════════════════════════════════════════

// Metrics is the counter/gauge handle passed to every component.
type Metrics struct {
	OrdersPlaced    *prometheus.CounterVec // venue, role
	OrdersRejected  *prometheus.CounterVec // venue, reason
	OrdersCancelled *prometheus.CounterVec // venue
	FillsEmitted    *prometheus.CounterVec // venue, source
	FillsDeduped    *prometheus.CounterVec // venue, source
	HedgesPlaced    *prometheus.CounterVec // venue
	HedgeShortfall  prometheus.Counter
	Incidents       *prometheus.CounterVec // severity, code
	LiveOrders      *prometheus.GaugeVec   // pair
	SpreadNet       *prometheus.GaugeVec   // pair
	TickDuration    prometheus.Histogram
}

// New registers all metrics on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgebot_orders_placed_total",
			Help: "Orders placed by venue and role",
		}, []string{"venue", "role"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgebot_orders_rejected_total",
			Help: "Orders rejected by venue and reason",
		}, []string{"venue", "reason"}),
		OrdersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgebot_orders_cancelled_total",
			Help: "Orders cancelled by venue",
		}, []string{"venue"}),
		FillsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgebot_fills_emitted_total",
			Help: "Canonical fills emitted by venue and source",
		}, []string{"venue", "source"}),
		FillsDeduped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgebot_fills_deduped_total",
			Help: "Duplicate fill events dropped by venue and source",
		}, []string{"venue", "source"}),
		HedgesPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgebot_hedges_placed_total",
			Help: "Hedge legs placed by venue",
		}, []string{"venue"}),
		HedgeShortfall: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hedgebot_hedge_shortfall_total",
			Help: "Hedges that ended undersized after retries",
		}),
		Incidents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hedgebot_incidents_total",
			Help: "Incidents recorded by severity and code",
		}, []string{"severity", "code"}),
		LiveOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedgebot_live_orders",
			Help: "Currently live orders per pair",
		}, []string{"pair"}),
		SpreadNet: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hedgebot_spread_net",
			Help: "Last observed net spread per pair",
		}, []string{"pair"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hedgebot_pair_tick_seconds",
			Help:    "Pair controller tick duration",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.OrdersPlaced, m.OrdersRejected, m.OrdersCancelled,
		m.FillsEmitted, m.FillsDeduped,
		m.HedgesPlaced, m.HedgeShortfall,
		m.Incidents, m.LiveOrders, m.SpreadNet, m.TickDuration,
	)
	return m
}

// NewNop returns a handle backed by a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
