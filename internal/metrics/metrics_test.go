package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestServeRegistersMetrics(t *testing.T) {
	srv := Serve(":0")
	defer srv.Close()

	EvaluationsTotal.WithLabelValues("triggered").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "evaluations_total" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("evaluations_total metric not found")
	}
}
