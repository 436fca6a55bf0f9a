package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterVecValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func histogramCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	if c, ok := h.(prometheus.Metric); ok {
		if err := c.Write(m); err != nil {
			return 0
		}
		return m.GetHistogram().GetSampleCount()
	}
	return 0
}

func TestRecordRunFinished(t *testing.T) {
	before := counterVecValue(RunsTotal, "completed")
	samples := histogramCount(RunDurationSeconds)

	RecordRunFinished("completed", 42*time.Second)

	if got := counterVecValue(RunsTotal, "completed"); got != before+1 {
		t.Errorf("RunsTotal = %f, want %f", got, before+1)
	}
	if got := histogramCount(RunDurationSeconds); got != samples+1 {
		t.Errorf("RunDurationSeconds samples = %d, want %d", got, samples+1)
	}

	// zero duration (agent runs with no server-side start) skips the histogram
	RecordRunFinished("cancelled", 0)
	if got := histogramCount(RunDurationSeconds); got != samples+1 {
		t.Errorf("zero duration observed: samples = %d, want %d", got, samples+1)
	}
}

func TestRecordResultLabelIsolation(t *testing.T) {
	passed := counterVecValue(ResultsTotal, "passed")
	failed := counterVecValue(ResultsTotal, "failed")

	RecordResult("passed")
	RecordResult("passed")
	RecordResult("failed")

	if got := counterVecValue(ResultsTotal, "passed"); got != passed+2 {
		t.Errorf("passed = %f, want %f", got, passed+2)
	}
	if got := counterVecValue(ResultsTotal, "failed"); got != failed+1 {
		t.Errorf("failed = %f, want %f", got, failed+1)
	}
}

func TestAgentCounters(t *testing.T) {
	pulls := counterValue(AgentPullsTotal)
	reclaims := counterValue(LeaseReclaimsTotal)

	AgentPullsTotal.Inc()
	LeaseReclaimsTotal.Inc()

	if got := counterValue(AgentPullsTotal); got != pulls+1 {
		t.Errorf("AgentPullsTotal = %f, want %f", got, pulls+1)
	}
	if got := counterValue(LeaseReclaimsTotal); got != reclaims+1 {
		t.Errorf("LeaseReclaimsTotal = %f, want %f", got, reclaims+1)
	}
}
