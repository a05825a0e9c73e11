// Package health runs heterogeneous health checks concurrently and aggregates
// their results into a single gating-grade verdict.
package health

import (
	"errors"
	"time"
)

var (
	ErrProbeTimeout = errors.New("probe timed out")
	ErrProbeFailed  = errors.New("probe failed")
)

// Status is a check verdict. Severity order for aggregation:
// CRITICAL > DEGRADED > UNKNOWN > HEALTHY.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusCritical Status = "CRITICAL"
	StatusUnknown  Status = "UNKNOWN"
)

func severity(s Status) int {
	switch s {
	case StatusCritical:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnknown:
		return 1
	default:
		return 0
	}
}

// Worst returns the more severe of two statuses.
func Worst(a, b Status) Status {
	if severity(b) > severity(a) {
		return b
	}
	return a
}

// Category tiers a check.
type Category string

const (
	CategoryInfrastructure Category = "infrastructure"
	CategoryApplication    Category = "application"
	CategoryBusiness       Category = "business"
)

// Target describes what a check probes.
type Target struct {
	Kind string `yaml:"kind" json:"kind"` // "http" or "tcp"
	URL  string `yaml:"url" json:"url"`
	Addr string `yaml:"addr" json:"addr,omitempty"` // host:port for tcp
}

// Threshold bounds one metric. Values beyond Warn degrade the check; beyond
// Fail they make it critical. Direction "above" means larger is worse.
type Threshold struct {
	Warn      float64 `yaml:"warn" json:"warn"`
	Fail      float64 `yaml:"fail" json:"fail"`
	Direction string  `yaml:"direction" json:"direction"` // "above" (default) or "below"
}

// breach classifies v against t: 0 pass, 1 warn, 2 fail.
func (t Threshold) breach(v float64) int {
	if t.Direction == "below" {
		switch {
		case v < t.Fail:
			return 2
		case v < t.Warn:
			return 1
		}
		return 0
	}
	switch {
	case v > t.Fail:
		return 2
	case v > t.Warn:
		return 1
	}
	return 0
}

// Spec configures one health check.
type Spec struct {
	ID         string               `yaml:"id" json:"id"`
	Category   Category             `yaml:"category" json:"category"`
	Target     Target               `yaml:"target" json:"target"`
	Timeout    time.Duration        `yaml:"timeout" json:"timeout"`
	Weight     float64              `yaml:"weight" json:"weight"`
	Thresholds map[string]Threshold `yaml:"thresholds" json:"thresholds"`
}

// Result is the immutable outcome of one check execution.
type Result struct {
	CheckID   string             `json:"check_id"`
	SessionID string             `json:"session_id,omitempty"`
	Status    Status             `json:"status"`
	Score     float64            `json:"score"` // 0-100
	Metrics   map[string]float64 `json:"metrics"`
	Evidence  string             `json:"evidence,omitempty"`
	Duration  time.Duration      `json:"duration"`
	Timestamp time.Time          `json:"timestamp"`
}

// Summary aggregates one batch of results.
type Summary struct {
	Status         Status         `json:"status"`
	WeightedScore  float64        `json:"weighted_score"`
	Results        []Result       `json:"results"`
	ByStatus       map[Status]int `json:"by_status"`
	EvidenceErrors []string       `json:"evidence_errors,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
}

// Aggregate applies the worst-status rule and the weight-normalized score.
func Aggregate(specs []Spec, results []Result) Summary {
	weights := make(map[string]float64, len(specs))
	for _, s := range specs {
		w := s.Weight
		if w <= 0 {
			w = 1
		}
		weights[s.ID] = w
	}

	sum := Summary{Status: StatusHealthy, ByStatus: make(map[Status]int)}
	var weightTotal, scoreTotal float64
	for _, r := range results {
		sum.Status = Worst(sum.Status, r.Status)
		sum.ByStatus[r.Status]++
		w := weights[r.CheckID]
		if w <= 0 {
			w = 1
		}
		weightTotal += w
		scoreTotal += w * r.Score
	}
	if weightTotal > 0 {
		sum.WeightedScore = scoreTotal / weightTotal
	}
	sum.Results = results
	return sum
}

// scoreResult grades metrics against thresholds. A probe that produced no
// thresholds is graded purely on having answered.
func scoreResult(spec Spec, metrics map[string]float64) (Status, float64) {
	if len(spec.Thresholds) == 0 {
		return StatusHealthy, 100
	}
	status := StatusHealthy
	var total, n float64
	for name, th := range spec.Thresholds {
		v, ok := metrics[name]
		if !ok {
			continue
		}
		n++
		switch th.breach(v) {
		case 2:
			status = Worst(status, StatusCritical)
			total += 10
		case 1:
			status = Worst(status, StatusDegraded)
			total += 60
		default:
			total += 100
		}
	}
	if n == 0 {
		return StatusHealthy, 100
	}
	return status, total / n
}
