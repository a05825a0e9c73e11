package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorstStatusOrdering(t *testing.T) {
	assert.Equal(t, StatusCritical, Worst(StatusHealthy, StatusCritical))
	assert.Equal(t, StatusCritical, Worst(StatusCritical, StatusDegraded))
	assert.Equal(t, StatusDegraded, Worst(StatusUnknown, StatusDegraded))
	assert.Equal(t, StatusUnknown, Worst(StatusHealthy, StatusUnknown))
	assert.Equal(t, StatusHealthy, Worst(StatusHealthy, StatusHealthy))
}

func TestAggregateWorstCaseRule(t *testing.T) {
	specs := []Spec{
		{ID: "a", Weight: 100},
		{ID: "b", Weight: 1},
		{ID: "c", Weight: 1},
	}
	// One CRITICAL among HEALTHY results dominates regardless of weights.
	results := []Result{
		{CheckID: "a", Status: StatusHealthy, Score: 100},
		{CheckID: "b", Status: StatusCritical, Score: 0},
		{CheckID: "c", Status: StatusHealthy, Score: 100},
	}
	sum := Aggregate(specs, results)
	assert.Equal(t, StatusCritical, sum.Status)
	assert.Equal(t, 2, sum.ByStatus[StatusHealthy])
	assert.Equal(t, 1, sum.ByStatus[StatusCritical])
}

func TestAggregateWeightedScore(t *testing.T) {
	specs := []Spec{
		{ID: "a", Weight: 3},
		{ID: "b", Weight: 1},
	}
	results := []Result{
		{CheckID: "a", Status: StatusHealthy, Score: 100},
		{CheckID: "b", Status: StatusDegraded, Score: 60},
	}
	sum := Aggregate(specs, results)
	assert.InDelta(t, 90.0, sum.WeightedScore, 1e-9) // (3*100 + 1*60) / 4
}

func TestThresholdBreachDirections(t *testing.T) {
	above := Threshold{Warn: 200, Fail: 500}
	assert.Equal(t, 0, above.breach(100))
	assert.Equal(t, 1, above.breach(300))
	assert.Equal(t, 2, above.breach(600))

	below := Threshold{Warn: 99.0, Fail: 95.0, Direction: "below"}
	assert.Equal(t, 0, below.breach(99.9))
	assert.Equal(t, 1, below.breach(97.0))
	assert.Equal(t, 2, below.breach(90.0))
}

func TestScoreResult(t *testing.T) {
	spec := Spec{
		ID: "api",
		Thresholds: map[string]Threshold{
			"latency_ms": {Warn: 200, Fail: 500},
			"error_rate": {Warn: 1, Fail: 5},
		},
	}

	status, score := scoreResult(spec, map[string]float64{"latency_ms": 100, "error_rate": 0.2})
	assert.Equal(t, StatusHealthy, status)
	assert.InDelta(t, 100, score, 1e-9)

	status, score = scoreResult(spec, map[string]float64{"latency_ms": 300, "error_rate": 0.2})
	assert.Equal(t, StatusDegraded, status)
	assert.InDelta(t, 80, score, 1e-9)

	status, _ = scoreResult(spec, map[string]float64{"latency_ms": 900, "error_rate": 0.2})
	assert.Equal(t, StatusCritical, status)

	// No thresholds: answering at all is healthy.
	status, score = scoreResult(Spec{ID: "ping"}, map[string]float64{"latency_ms": 5})
	assert.Equal(t, StatusHealthy, status)
	assert.InDelta(t, 100, score, 1e-9)
}
