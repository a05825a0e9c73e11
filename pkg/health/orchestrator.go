package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crucible-sre/crucible/pkg/baseline"
	"github.com/crucible-sre/crucible/pkg/evidence"
)

// RegressionSink receives every check result for baseline scoring.
type RegressionSink interface {
	Update(ctx context.Context, obs baseline.Observation) ([]baseline.Finding, error)
}

// Orchestrator fans health checks out over a bounded worker pool.
type Orchestrator struct {
	httpProber *HTTPProber
	tcpProber  *TCPProber
	detector   RegressionSink
	ledger     evidence.Ledger
	logger     *slog.Logger
	maxWorkers int
	clock      func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMaxWorkers caps the worker pool (default 8).
func WithMaxWorkers(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxWorkers = n }
}

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithProbers injects custom probers.
func WithProbers(httpProber *HTTPProber, tcpProber *TCPProber) OrchestratorOption {
	return func(o *Orchestrator) {
		o.httpProber = httpProber
		o.tcpProber = tcpProber
	}
}

// NewOrchestrator builds an orchestrator. detector and ledger may be nil for
// standalone probing; evidence writes here are fail-open by design, because
// blocking monitoring on an audit hiccup would mask real incidents.
func NewOrchestrator(detector RegressionSink, ledger evidence.Ledger, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		httpProber: NewHTTPProber(nil, 0, 0),
		tcpProber:  NewTCPProber(),
		detector:   detector,
		ledger:     ledger,
		logger:     logger,
		maxWorkers: 8,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Batch is the outcome of one orchestrated run.
type Batch struct {
	Summary  Summary
	Findings []baseline.Finding
}

// Run executes every spec concurrently, each bounded by its own timeout and
// the batch deadline. A check that cannot finish still yields an UNKNOWN
// result: the batch never waits indefinitely.
func (o *Orchestrator) Run(ctx context.Context, specs []Spec, deadline time.Duration) (Batch, error) {
	started := o.clock()
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	workers := o.maxWorkers
	if workers <= 0 {
		workers = 8
	}
	if len(specs) < workers {
		workers = len(specs)
	}

	jobs := make(chan Spec)
	results := make([]Result, 0, len(specs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for spec := range jobs {
				r := o.runCheck(ctx, spec)
				mu.Lock()
				results = append(results, r)
				mu.Unlock()
			}
		}()
	}
	for _, spec := range specs {
		jobs <- spec
	}
	close(jobs)
	wg.Wait()

	// Stable order for reports and evidence.
	ordered := make([]Result, 0, len(results))
	for _, spec := range specs {
		for _, r := range results {
			if r.CheckID == spec.ID {
				ordered = append(ordered, r)
				break
			}
		}
	}

	batch := Batch{Summary: Aggregate(specs, ordered)}
	batch.Summary.StartedAt = started.UTC()
	batch.Summary.Duration = o.clock().Sub(started)

	for _, r := range ordered {
		batch.Findings = append(batch.Findings, o.forward(ctx, r)...)
		if o.ledger != nil {
			if _, err := o.ledger.Append(ctx, evidence.TypeHealthCheck, r); err != nil {
				msg := fmt.Sprintf("check %s: %v", r.CheckID, err)
				batch.Summary.EvidenceErrors = append(batch.Summary.EvidenceErrors, msg)
				o.logger.Warn("health evidence not persisted", "check", r.CheckID, "err", err)
			}
		}
	}
	return batch, nil
}

// runCheck executes a single spec under its own timeout.
func (o *Orchestrator) runCheck(ctx context.Context, spec Spec) Result {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := o.clock()
	metrics, evidenceSnippet, err := ProberFor(spec, o.httpProber, o.tcpProber).Probe(checkCtx, spec)
	duration := o.clock().Sub(start)

	r := Result{
		CheckID:   spec.ID,
		SessionID: evidence.SessionFrom(ctx),
		Metrics:   metrics,
		Evidence:  evidenceSnippet,
		Duration:  duration,
		Timestamp: start.UTC(),
	}
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		r.Status = StatusUnknown
		r.Evidence = ErrProbeTimeout.Error()
	case err != nil:
		r.Status = StatusCritical
		r.Score = 0
		r.Evidence = err.Error()
	default:
		r.Status, r.Score = scoreResult(spec, metrics)
	}
	return r
}

// forward hands a result to the regression detector. Detector failures are
// isolated per check.
func (o *Orchestrator) forward(ctx context.Context, r Result) []baseline.Finding {
	if o.detector == nil || len(r.Metrics) == 0 || r.Status == StatusUnknown {
		return nil
	}
	findings, err := o.detector.Update(ctx, baseline.Observation{
		CheckID:   r.CheckID,
		SessionID: r.SessionID,
		Metrics:   r.Metrics,
		Timestamp: r.Timestamp,
	})
	if err != nil {
		o.logger.Warn("regression update failed", "check", r.CheckID, "err", err)
		return nil
	}
	return findings
}

// Monitor runs batches at the given interval for the given duration, invoking
// fn after each batch. A non-nil error from fn stops monitoring early and is
// returned. Context cancellation also stops the loop.
func (o *Orchestrator) Monitor(ctx context.Context, specs []Spec, interval, duration time.Duration, fn func(Batch) error) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	deadline := o.clock().Add(duration)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		batch, err := o.Run(ctx, specs, interval)
		if err != nil {
			return err
		}
		if fn != nil {
			if err := fn(batch); err != nil {
				return err
			}
		}
		if !o.clock().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
