package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/crucible-sre/crucible/pkg/evidence"
)

// ErrRegressionCompute marks a single metric whose data could not be scored.
// The detector drops that finding and proceeds with the rest.
var ErrRegressionCompute = errors.New("regression computation failed")

// Method names one detection technique.
type Method string

const (
	MethodZScore       Method = "zscore"
	MethodPercentile   Method = "percentile"
	MethodMultivariate Method = "multivariate"
	MethodChangepoint  Method = "changepoint"
)

// Finding is one regression verdict for a metric.
type Finding struct {
	CheckID          string    `json:"check_id"`
	SessionID        string    `json:"session_id,omitempty"`
	Metric           string    `json:"metric_name"`
	Method           Method    `json:"method"`
	Value            float64   `json:"value"`
	DeviationPercent float64   `json:"deviation_percent"`
	Confidence       float64   `json:"confidence"`
	IsRegression     bool      `json:"is_regression"`
	Detail           string    `json:"detail,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Observation is one batch of metric values from a single check execution.
type Observation struct {
	CheckID   string
	SessionID string
	Metrics   map[string]float64
	Timestamp time.Time
}

// Config holds the detector's tunables. All values are deterministic inputs;
// there is no hidden adaptive state.
type Config struct {
	WindowSize          int     `yaml:"window_size"`
	MinSamples          int     `yaml:"min_samples"`
	ZScoreThreshold     float64 `yaml:"zscore_threshold"`
	PercentileMargin    float64 `yaml:"percentile_margin"`
	MultivariateMinDims int     `yaml:"multivariate_min_dims"`
	DistanceThreshold   float64 `yaml:"distance_threshold"`
	ChangepointT        float64 `yaml:"changepoint_t"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:          120,
		MinSamples:          30,
		ZScoreThreshold:     3.0,
		PercentileMargin:    0.10,
		MultivariateMinDims: 3,
		DistanceThreshold:   3.0,
		ChangepointT:        3.0,
		ConfidenceThreshold: 0.8,
	}
}

// Detector updates baselines and flags regressions. Updates to different
// metric keys proceed concurrently; updates to the same key serialize.
type Detector struct {
	cfg    Config
	store  Store
	ledger evidence.Ledger
	logger *slog.Logger

	mu    sync.Mutex
	locks map[Key]*sync.Mutex
}

// NewDetector creates a detector over the given baseline store. ledger may be
// nil for standalone use; findings are then not persisted as evidence.
func NewDetector(cfg Config, store Store, ledger evidence.Ledger, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultConfig().MinSamples
	}
	return &Detector{
		cfg:    cfg,
		store:  store,
		ledger: ledger,
		logger: logger,
		locks:  make(map[Key]*sync.Mutex),
	}
}

func (d *Detector) keyLock(key Key) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[key]
	if !ok {
		l = &sync.Mutex{}
		d.locks[key] = l
	}
	return l
}

// Update scores every metric in obs against its baseline, records findings as
// evidence, then folds the new samples into the baselines. Malformed metric
// values are skipped without aborting the rest of the batch.
func (d *Detector) Update(ctx context.Context, obs Observation) ([]Finding, error) {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now().UTC()
	}

	// Deterministic metric order for reproducible evidence.
	names := make([]string, 0, len(obs.Metrics))
	for name := range obs.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	var findings []Finding
	deviations := make(map[string]float64)

	for _, name := range names {
		value := obs.Metrics[name]
		if math.IsNaN(value) || math.IsInf(value, 0) {
			d.logger.Warn("dropping malformed metric",
				"check", obs.CheckID, "metric", name, "err", ErrRegressionCompute)
			continue
		}

		key := Key{CheckID: obs.CheckID, Metric: name}
		lock := d.keyLock(key)
		lock.Lock()

		b, ok, err := d.store.Get(ctx, key)
		if err != nil {
			lock.Unlock()
			d.logger.Warn("baseline load failed", "key", key, "err", err)
			continue
		}
		if !ok || b == nil {
			b = NewBaseline(key, d.cfg.WindowSize)
		}

		metricFindings, z := d.scoreMetric(b, value, obs.Timestamp)
		findings = append(findings, metricFindings...)
		if !b.Cold(d.cfg.MinSamples) {
			deviations[name] = z
		}

		b.Add(value, obs.Timestamp)
		if err := d.store.Put(ctx, key, b); err != nil {
			d.logger.Warn("baseline save failed", "key", key, "err", err)
		}
		lock.Unlock()
	}

	if f, ok := d.multivariate(obs, deviations); ok {
		findings = append(findings, f)
	}
	for i := range findings {
		findings[i].SessionID = obs.SessionID
	}

	d.persist(ctx, findings)
	return findings, nil
}

// scoreMetric runs the single-series methods. Returns the findings plus the
// z-score for the multivariate pass.
func (d *Detector) scoreMetric(b *Baseline, value float64, ts time.Time) ([]Finding, float64) {
	stats := b.Stats()
	cold := b.Cold(d.cfg.MinSamples)

	var findings []Finding
	var z float64

	// Method 1: z-score.
	if stats.StdDev > 0 {
		z = (value - stats.Mean) / stats.StdDev
	}
	if math.Abs(z) > d.cfg.ZScoreThreshold {
		f := Finding{
			CheckID:   b.Key.CheckID,
			Metric:    b.Key.Metric,
			Method:    MethodZScore,
			Value:     value,
			Timestamp: ts,
			Detail:    fmt.Sprintf("z=%.2f mean=%.2f stddev=%.2f n=%d", z, stats.Mean, stats.StdDev, stats.SampleCount),
		}
		if stats.Mean != 0 {
			f.DeviationPercent = (value - stats.Mean) / math.Abs(stats.Mean) * 100
		}
		f.Confidence = d.confidence(cold, math.Abs(z)/d.cfg.ZScoreThreshold, stats.SampleCount)
		f.IsRegression = !cold && f.Confidence >= d.cfg.ConfidenceThreshold
		findings = append(findings, f)
	}

	// Method 2: percentile exceedance over p99.
	if stats.P99 > 0 && value > stats.P99*(1+d.cfg.PercentileMargin) {
		f := Finding{
			CheckID:          b.Key.CheckID,
			Metric:           b.Key.Metric,
			Method:           MethodPercentile,
			Value:            value,
			DeviationPercent: (value - stats.P99) / stats.P99 * 100,
			Timestamp:        ts,
			Detail:           fmt.Sprintf("value=%.2f p99=%.2f margin=%.0f%%", value, stats.P99, d.cfg.PercentileMargin*100),
		}
		f.Confidence = d.confidence(cold, value/(stats.P99*(1+d.cfg.PercentileMargin)), stats.SampleCount)
		f.IsRegression = !cold && f.Confidence >= d.cfg.ConfidenceThreshold
		findings = append(findings, f)
	}

	// Method 4: change-point between the two most recent half-windows.
	if n := len(b.Samples); !cold && n >= d.cfg.MinSamples {
		half := n / 2
		t := welchT(b.Samples[:half], b.Samples[half:])
		if math.Abs(t) > d.cfg.ChangepointT {
			prevMean, _ := meanStdDev(b.Samples[:half])
			curMean, _ := meanStdDev(b.Samples[half:])
			f := Finding{
				CheckID:   b.Key.CheckID,
				Metric:    b.Key.Metric,
				Method:    MethodChangepoint,
				Value:     value,
				Timestamp: ts,
				Detail:    fmt.Sprintf("t=%.2f prev_mean=%.2f cur_mean=%.2f", t, prevMean, curMean),
			}
			if prevMean != 0 {
				f.DeviationPercent = (curMean - prevMean) / math.Abs(prevMean) * 100
			}
			f.Confidence = d.confidence(cold, math.Abs(t)/d.cfg.ChangepointT, n)
			f.IsRegression = f.Confidence >= d.cfg.ConfidenceThreshold
			findings = append(findings, f)
		}
	}

	return findings, z
}

// multivariate flags correlated drift across metrics of one check: the
// root-mean-square of per-metric z-scores, requiring at least MinDims warm
// series. Catches batches where no single metric crosses its own threshold.
func (d *Detector) multivariate(obs Observation, deviations map[string]float64) (Finding, bool) {
	if len(deviations) < d.cfg.MultivariateMinDims {
		return Finding{}, false
	}
	var ss float64
	for _, z := range deviations {
		ss += z * z
	}
	score := math.Sqrt(ss / float64(len(deviations)))
	if score <= d.cfg.DistanceThreshold {
		return Finding{}, false
	}
	f := Finding{
		CheckID:          obs.CheckID,
		Metric:           "*",
		Method:           MethodMultivariate,
		Value:            score,
		DeviationPercent: (score - d.cfg.DistanceThreshold) / d.cfg.DistanceThreshold * 100,
		Confidence:       math.Min(1.0, score/(d.cfg.DistanceThreshold*2)),
		Timestamp:        obs.Timestamp,
		Detail:           fmt.Sprintf("rms distance %.2f over %d metrics", score, len(deviations)),
	}
	f.IsRegression = f.Confidence >= d.cfg.ConfidenceThreshold
	return f, true
}

// confidence scales a raw exceedance ratio by sample depth. Cold baselines
// always yield zero so they can never trip a gating action.
func (d *Detector) confidence(cold bool, exceedance float64, samples int) float64 {
	if cold {
		return 0
	}
	depth := math.Min(1.0, float64(samples)/float64(2*d.cfg.MinSamples))
	return math.Min(1.0, exceedance*depth)
}

// persist appends findings as regression_detection evidence. Evidence
// durability failures are logged, not returned: monitoring must not be blocked
// by an audit-subsystem hiccup.
func (d *Detector) persist(ctx context.Context, findings []Finding) {
	if d.ledger == nil || len(findings) == 0 {
		return
	}
	for _, f := range findings {
		if _, err := d.ledger.Append(ctx, evidence.TypeRegressionDetection, f); err != nil {
			d.logger.Warn("regression finding not persisted",
				"check", f.CheckID, "metric", f.Metric, "err", err)
		}
	}
}
