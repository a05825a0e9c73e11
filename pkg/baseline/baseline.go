// Package baseline maintains rolling statistical baselines per (check, metric)
// and flags regressions against them.
//
// A baseline is a fixed sliding window of historical samples. Below a minimum
// sample count it is "cold": cold baselines never produce regression verdicts,
// only UNKNOWN-confidence observations.
package baseline

import (
	"math"
	"sort"
	"time"
)

// Key identifies one tracked metric series.
type Key struct {
	CheckID string `json:"check_id"`
	Metric  string `json:"metric"`
}

// Baseline is the rolling window for one metric series. Mutated only by the
// Detector, which serializes updates per key.
type Baseline struct {
	Key         Key       `json:"key"`
	Samples     []float64 `json:"samples"`
	WindowSize  int       `json:"window_size"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// NewBaseline creates an empty baseline with the given window size.
func NewBaseline(key Key, windowSize int) *Baseline {
	return &Baseline{Key: key, WindowSize: windowSize}
}

// Add appends a sample, evicting the oldest once the window is full.
func (b *Baseline) Add(value float64, ts time.Time) {
	if len(b.Samples) == 0 {
		b.WindowStart = ts
	}
	b.Samples = append(b.Samples, value)
	if b.WindowSize > 0 && len(b.Samples) > b.WindowSize {
		drop := len(b.Samples) - b.WindowSize
		b.Samples = b.Samples[drop:]
	}
	b.WindowEnd = ts
}

// SampleCount returns the number of samples currently in the window.
func (b *Baseline) SampleCount() int {
	return len(b.Samples)
}

// Cold reports whether the baseline has too few samples for regression
// judgments.
func (b *Baseline) Cold(minSamples int) bool {
	return len(b.Samples) < minSamples
}

// Stats is a point-in-time statistical summary of the window.
type Stats struct {
	Mean        float64   `json:"mean"`
	StdDev      float64   `json:"stddev"`
	P95         float64   `json:"p95"`
	P99         float64   `json:"p99"`
	SampleCount int       `json:"sample_count"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// Stats summarizes the current window.
func (b *Baseline) Stats() Stats {
	s := Stats{
		SampleCount: len(b.Samples),
		WindowStart: b.WindowStart,
		WindowEnd:   b.WindowEnd,
	}
	if len(b.Samples) == 0 {
		return s
	}
	s.Mean, s.StdDev = meanStdDev(b.Samples)
	sorted := append([]float64(nil), b.Samples...)
	sort.Float64s(sorted)
	s.P95 = percentile(sorted, 0.95)
	s.P99 = percentile(sorted, 0.99)
	return s
}

func meanStdDev(samples []float64) (mean, stddev float64) {
	n := float64(len(samples))
	for _, v := range samples {
		mean += v
	}
	mean /= n
	if len(samples) < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range samples {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}

// percentile interpolates linearly on a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// welchT computes the two-sample Welch t statistic between a and b.
// Returns 0 when either variance collapses to zero with equal means.
func welchT(a, b []float64) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	ma, sa := meanStdDev(a)
	mb, sb := meanStdDev(b)
	va := sa * sa / float64(len(a))
	vb := sb * sb / float64(len(b))
	if va+vb == 0 {
		return 0
	}
	return (mb - ma) / math.Sqrt(va+vb)
}
