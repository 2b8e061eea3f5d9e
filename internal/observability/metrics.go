package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pumpsniper"

// Metrics is the sniper's Prometheus instrumentation.
type Metrics struct {
	FramesTotal        *prometheus.CounterVec // kind
	MalformedTotal     prometheus.Counter
	StaleDropped       prometheus.Counter
	CandidatesTotal    *prometheus.CounterVec // result
	HolderLookupFailed prometheus.Counter
	TradesTotal        *prometheus.CounterVec // side, result
	TradeDuration      *prometheus.HistogramVec
	ExitsTotal         *prometheus.CounterVec // reason
	OpenPositions      prometheus.Gauge
	RealizedPnLSOL     prometheus.Gauge
	MailboxDepth       prometheus.Gauge
	SOLUSD             prometheus.Gauge
	EventsDropped      prometheus.Counter
	FeedConnected      prometheus.Gauge
	WalletBalanceSOL   prometheus.Gauge
}

// NewMetrics registers every metric with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_frames_total",
			Help:      "Feed frames processed by classification kind",
		}, []string{"kind"}),
		MalformedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_malformed_total",
			Help:      "Feed frames that failed to parse",
		}),
		StaleDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_messages_dropped_total",
			Help:      "Queued frames and evaluations discarded after a stop",
		}),
		CandidatesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "New-token candidates by filter result",
		}, []string{"result"}),
		HolderLookupFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holder_lookup_failures_total",
			Help:      "Holder lookups where every provider failed",
		}),
		TradesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades by side and result",
		}, []string{"side", "result"}),
		TradeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_duration_seconds",
			Help:      "Build, sign, submit and confirm latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"side"}),
		ExitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exits_total",
			Help:      "Positions moved to closing by exit reason",
		}, []string{"reason"}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Opening, active and closing positions",
		}),
		RealizedPnLSOL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl_sol",
			Help:      "Realized P&L of closed positions in SOL",
		}),
		MailboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mailbox_depth",
			Help:      "Messages waiting for the engine loop",
		}),
		SOLUSD: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sol_usd_rate",
			Help:      "Cached SOL/USD rate",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Engine events lost to slow subscribers",
		}),
		FeedConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_connected",
			Help:      "1 while the feed websocket is up",
		}),
		WalletBalanceSOL: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallet_balance_sol",
			Help:      "Wallet SOL balance at last check",
		}),
	}
}

// NewDiscardMetrics returns metrics on a private registry, for tests and
// callers that do not export.
func NewDiscardMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// BoolGauge converts b to 0 or 1.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
