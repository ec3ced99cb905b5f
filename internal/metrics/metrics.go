package metrics

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// expvar 计数器（/debug/vars），便于无 Prometheus 环境下快速查看
var (
	QuoteCycles     = expvar.NewInt("quote_cycles")
	QuoteCycleSkips = expvar.NewInt("quote_cycle_skips")
	FillPolls       = expvar.NewInt("fill_polls")
	FillPollErrors  = expvar.NewInt("fill_poll_errors")
	AlertsDropped   = expvar.NewInt("alerts_dropped")
)

// Registry 独立注册表，避免与默认全局注册表冲突
var Registry = prometheus.NewRegistry()

var (
	NetPosition = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossmm", Name: "net_position",
		Help: "Net base-asset position across both venues.",
	})
	UnhedgedExposure = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossmm", Name: "unhedged_exposure",
		Help: "Absolute quantity still awaiting hedge confirmation.",
	})
	HedgeQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossmm", Name: "hedge_queue_depth",
		Help: "Hedge requests not yet confirmed or failed.",
	})
	HedgeQueueAge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crossmm", Name: "hedge_queue_oldest_seconds",
		Help: "Age of the oldest outstanding hedge request.",
	})
	QuoteEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossmm", Name: "quote_events_total",
		Help: "Quote lifecycle events by side and outcome.",
	}, []string{"side", "event"})
	FillsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossmm", Name: "fills_total",
		Help: "Maker fills seen by the reconciler.",
	}, []string{"result"})
	HedgeEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossmm", Name: "hedge_events_total",
		Help: "Hedge request outcomes.",
	}, []string{"event"})
	RetryEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossmm", Name: "venue_calls_total",
		Help: "Supervised venue calls by operation and outcome.",
	}, []string{"op", "outcome"})
	Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crossmm", Name: "alerts_total",
		Help: "Operator alerts fired by kind.",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NetPosition, UnhedgedExposure, HedgeQueueDepth, HedgeQueueAge,
		QuoteEvents, FillsProcessed, HedgeEvents, RetryEvents, Alerts,
	)
}
