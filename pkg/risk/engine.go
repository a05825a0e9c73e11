package risk

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/crucible-sre/crucible/pkg/evidence"
)

// Input is everything an assessment depends on. Assess is a pure function of
// this input and the engine's Weights: the same input always yields the same
// score, level, and decision.
type Input struct {
	Environment  Environment
	Applications []string // one app, or several for a combined deployment
	RepoState    RepoState
	Now          time.Time
	Override     string // optional signed override token
}

// Engine computes risk assessments and records them as evidence.
type Engine struct {
	weights  Weights
	registry *Registry
	ledger   evidence.Ledger
	verifier *OverrideVerifier
	logger   *slog.Logger
}

// NewEngine builds an engine. verifier may be nil when signed overrides are
// not accepted.
func NewEngine(weights Weights, registry *Registry, ledger evidence.Ledger, verifier *OverrideVerifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{
		weights:  weights,
		registry: registry,
		ledger:   ledger,
		verifier: verifier,
		logger:   logger,
	}
}

// Assess scores the deployment and appends the result to the evidence ledger
// before returning. If the ledger append fails the decision is forced to
// BLOCK: a gating decision that cannot be audited must fail closed.
func (e *Engine) Assess(ctx context.Context, in Input) (Assessment, error) {
	if len(in.Applications) == 0 {
		return Assessment{}, fmt.Errorf("%w: no application named", ErrValidation)
	}
	if in.Now.IsZero() {
		return Assessment{}, fmt.Errorf("%w: assessment time required", ErrValidation)
	}

	profiles := make([]ApplicationProfile, 0, len(in.Applications))
	for _, name := range in.Applications {
		p, err := e.registry.Lookup(name)
		if err != nil {
			return Assessment{}, err
		}
		profiles = append(profiles, p)
	}

	a := Assessment{
		SessionID:    evidence.SessionFrom(ctx),
		Environment:  string(in.Environment),
		Applications: in.Applications,
		AssessedAt:   in.Now.UTC(),
	}

	a.add(Factor{
		Name:      "environment",
		Points:    e.weights.environmentPoints(in.Environment),
		Rationale: fmt.Sprintf("target environment is %s", in.Environment),
	})

	for _, p := range profiles {
		a.add(Factor{
			Name:      "application:" + p.Name,
			Points:    p.BasePoints,
			Rationale: p.Description,
		})
	}
	if len(profiles) > 1 {
		a.add(Factor{
			Name:   "combined_deployment",
			Points: e.weights.CombinedSurcharge,
			Rationale: fmt.Sprintf(
				"simultaneous change to %s compounds failure blast radius",
				strings.Join(in.Applications, " and ")),
		})
	}

	if sensitive, which := inSensitiveHours(profiles, in.Now); sensitive {
		a.add(Factor{
			Name:      "sensitive_hours",
			Points:    e.weights.SensitiveHours,
			Rationale: fmt.Sprintf("inside %s sensitive hours", which),
		})
	}

	if in.RepoState.Dirty {
		a.add(Factor{
			Name:      "uncommitted_changes",
			Points:    e.weights.DirtyRepo,
			Rationale: "working tree has uncommitted local changes",
		})
	}

	a.Level = e.weights.LevelFor(a.TotalScore)
	switch a.Level {
	case LevelCritical:
		a.Decision = DecisionBlock
	case LevelHigh:
		a.Decision = DecisionRequireApproval
	case LevelMedium:
		a.Decision = DecisionAllow
		a.EnhancedMonitoring = true
	default:
		a.Decision = DecisionAllow
	}

	// A valid signed override downgrades a CRITICAL block to approval; it
	// never silences the evidence trail.
	if a.Decision == DecisionBlock && in.Override != "" && e.verifier != nil {
		claims, err := e.verifier.Verify(in.Override, string(in.Environment), in.Applications, in.Now)
		if err != nil {
			e.logger.Warn("override token rejected", "err", err)
		} else {
			a.Decision = DecisionRequireApproval
			a.OverrideSubject = claims.Subject
			a.add(Factor{
				Name:      "signed_override",
				Points:    0,
				Rationale: fmt.Sprintf("block overridden by %s", claims.Subject),
			})
		}
	}

	if e.ledger != nil {
		if _, err := e.ledger.Append(ctx, evidence.TypeRiskAssessment, a); err != nil {
			a.Decision = DecisionBlock
			return a, fmt.Errorf("%w: %v", ErrFailClosed, err)
		}
	}
	return a, nil
}

// CriticalMetrics returns the union of business-critical metrics for the
// named applications, for rollback policy.
func (e *Engine) CriticalMetrics(apps []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range apps {
		p, err := e.registry.Lookup(name)
		if err != nil {
			continue
		}
		for _, m := range p.CriticalMetrics {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

func (a *Assessment) add(f Factor) {
	if f.Points < 0 {
		f.Points = 0
	}
	a.Factors = append(a.Factors, f)
	a.TotalScore += f.Points
}

func inSensitiveHours(profiles []ApplicationProfile, now time.Time) (bool, string) {
	for _, p := range profiles {
		for _, w := range p.SensitiveHours {
			if w.Contains(now) {
				return true, p.Name
			}
		}
	}
	return false, ""
}
