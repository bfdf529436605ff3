package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livequiz"

var (
	answersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "answers_total",
		Help:      "Submitted answers by outcome: accepted, or the rejection reason.",
	}, []string{"result"})

	engineOpSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "engine_op_seconds",
		Help:      "Latency of live session engine operations, lock wait included.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 2.5},
	}, []string{"op"})

	liveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "live_sessions",
		Help:      "Sessions currently held in memory.",
	})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_connections",
		Help:      "Open realtime websocket connections.",
	})
)

func CountAnswer(result string) {
	answersTotal.WithLabelValues(result).Inc()
}

// ObserveOp records the duration of an engine operation; use as defer telemetry.ObserveOp("op", time.Now()).
func ObserveOp(op string, start time.Time) {
	engineOpSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func SetLiveSessions(n int) {
	liveSessions.Set(float64(n))
}

func AddWSConnections(delta int) {
	wsConnections.Add(float64(delta))
}
