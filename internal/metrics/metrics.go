// Package metrics centralizes prometheus series for the monitor.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QuotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quotes_total", Help: "Price quotes accepted from oracle sources"},
		[]string{"asset", "source"},
	)
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "evaluations_total", Help: "Evaluation cycles by outcome"},
		[]string{"result"},
	)
	DeviationBps = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "deviation_bps", Help: "Signed per-asset deviation in basis points"},
		[]string{"asset"},
	)
	SignalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rebalance_signals_total", Help: "Rebalance signals emitted"},
	)
	PublishRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "publish_retries_total", Help: "Failed signal publication attempts"},
	)
	AgentInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "agent_invocations_total", Help: "Decision agent invocations by outcome"},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		QuotesTotal,
		EvaluationsTotal,
		DeviationBps,
		SignalsTotal,
		PublishRetriesTotal,
		AgentInvocationsTotal,
	)
}

// Serve exposes /metrics on the given address in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
