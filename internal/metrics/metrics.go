package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskbot_decisions_total",
			Help: "Total number of decisions processed, by mode and outcome.",
		},
		[]string{"mode", "status"},
	)
	rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "riskbot_rejections_total",
			Help: "Total number of risk rejections, by reason.",
		},
		[]string{"reason"},
	)
	killSwitchActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskbot_kill_switch_active",
		Help: "Whether the kill switch is active (1) or not (0).",
	})
	drawdownPct = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskbot_daily_drawdown_pct",
		Help: "Current daily drawdown from peak equity, percent.",
	})
	dailyPnL = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskbot_daily_realized_pnl",
		Help: "Realized PnL accumulated since the UTC day start.",
	})
	openOrders = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskbot_open_orders",
		Help: "Number of currently open orders.",
	})
	connectionStale = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "riskbot_connection_stale",
		Help: "Whether the venue stream is stale (1) or not (0).",
	})
	ackLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "riskbot_ack_latency_seconds",
		Help:    "Latency between order placement and venue acknowledgement.",
		Buckets: prometheus.DefBuckets,
	})
)

// Init регистрирует коллекторы в реестре, повторные вызовы — no-op.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			decisionsTotal,
			rejectionsTotal,
			killSwitchActive,
			drawdownPct,
			dailyPnL,
			openOrders,
			connectionStale,
			ackLatency,
		)
	})
}

// Handler отдаёт HTTP-обработчик для эндпоинта метрик Prometheus.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncDecision(mode, status string) {
	Init()
	decisionsTotal.WithLabelValues(mode, status).Inc()
}

func IncRejection(reason string) {
	Init()
	rejectionsTotal.WithLabelValues(reason).Inc()
}

func SetKillSwitch(active bool) {
	Init()
	if active {
		killSwitchActive.Set(1)
	} else {
		killSwitchActive.Set(0)
	}
}

func SetDrawdownPct(pct float64) {
	Init()
	drawdownPct.Set(pct)
}

func SetDailyPnL(pnl float64) {
	Init()
	dailyPnL.Set(pnl)
}

func SetOpenOrders(n int) {
	Init()
	openOrders.Set(float64(n))
}

func SetConnectionStale(stale bool) {
	Init()
	if stale {
		connectionStale.Set(1)
	} else {
		connectionStale.Set(0)
	}
}

func ObserveAckLatency(d time.Duration) {
	Init()
	ackLatency.Observe(d.Seconds())
}
