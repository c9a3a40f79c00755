package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

type Metrics struct {
	// Traffic: платежи по исходу (settled, failed, rejected)
	PaymentsTotal *prometheus.CounterVec

	// Latency: полный расчет, включая повтор
	SettlementDuration *prometheus.HistogramVec

	// Попытки на рельсе по классу результата
	SettlementAttempts *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Брошенные pending, закрытые sweeper'ом
	SweptTotal prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		PaymentsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vots_payments_total",
			Help: "Total number of payment requests by outcome.",
		}, []string{"outcome", "kind"}),

		SettlementDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vots_settlement_duration_seconds",
			Help:    "Histogram of settlement latencies including the retry.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"rail", "status"}),

		SettlementAttempts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "vots_settlement_attempts_total",
			Help: "Settlement attempts by rail and outcome.",
		}, []string{"rail", "outcome"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "vots_circuit_breaker_state",
			Help: "Current state of the settlement circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"rail"}),

		SweptTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "vots_stale_transactions_swept_total",
			Help: "Pending transactions failed by the stale sweeper.",
		}),
	}
}

// OnBreakerStateChange подключается в settlement.ReliabilityConfig.OnStateChange.
func (m *Metrics) OnBreakerStateChange(name string, _, to gobreaker.State) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}
