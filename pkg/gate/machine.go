package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/crucible-sre/crucible/pkg/baseline"
	"github.com/crucible-sre/crucible/pkg/evidence"
	"github.com/crucible-sre/crucible/pkg/health"
	"github.com/crucible-sre/crucible/pkg/risk"
)

// Controller runs deployment sessions through the gate.
type Controller struct {
	riskEngine *risk.Engine
	orch       *health.Orchestrator
	ledger     evidence.Ledger
	windows    *WindowPolicy
	deployer   Deployer
	rollbacker Rollbacker
	signer     *ReportSigner
	archiver   Archiver
	logger     *slog.Logger
	clock      func() time.Time

	monitorInterval time.Duration
	monitorDuration time.Duration
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	RiskEngine      *risk.Engine
	Orchestrator    *health.Orchestrator
	Ledger          evidence.Ledger
	Windows         *WindowPolicy
	Deployer        Deployer
	Rollbacker      Rollbacker
	Signer          *ReportSigner
	Archiver        Archiver // optional
	Logger          *slog.Logger
	Clock           func() time.Time
	MonitorInterval time.Duration
	MonitorDuration time.Duration
}

// NewController validates wiring and builds the controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.RiskEngine == nil || cfg.Orchestrator == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: risk engine, orchestrator, and ledger are required", ErrValidation)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 15 * time.Second
	}
	if cfg.MonitorDuration <= 0 {
		cfg.MonitorDuration = 5 * time.Minute
	}
	return &Controller{
		riskEngine:      cfg.RiskEngine,
		orch:            cfg.Orchestrator,
		ledger:          cfg.Ledger,
		windows:         cfg.Windows,
		deployer:        cfg.Deployer,
		rollbacker:      cfg.Rollbacker,
		signer:          cfg.Signer,
		archiver:        cfg.Archiver,
		logger:          cfg.Logger,
		clock:           cfg.Clock,
		monitorInterval: cfg.MonitorInterval,
		monitorDuration: cfg.MonitorDuration,
	}, nil
}

// Request describes the deployment to gate.
type Request struct {
	Environment  risk.Environment
	Applications []string
	Version      string
	RepoState    risk.RepoState
	Override     string
	Approved     bool // operator acknowledgement for REQUIRE_APPROVAL verdicts
	Specs        []health.Spec
}

// Execute drives a session from INIT to a terminal state and returns the
// signed report. The report is returned even for BLOCKED/FAILED outcomes.
func (c *Controller) Execute(ctx context.Context, req Request) (*Report, error) {
	sess := &Session{
		ID:           uuid.NewString(),
		Environment:  req.Environment,
		Applications: req.Applications,
		Version:      req.Version,
		State:        StateInit,
		StartedAt:    c.clock().UTC(),
	}

	ctx = evidence.WithSession(ctx, sess.ID)
	if err := c.run(ctx, sess, req); err != nil {
		c.logger.Error("deployment session ended with error",
			"session", sess.ID, "state", sess.State, "err", err)
	}
	sess.EndedAt = c.clock().UTC()
	return c.finalize(ctx, sess)
}

func (c *Controller) run(ctx context.Context, sess *Session, req Request) error {
	if err := c.transition(ctx, sess, StateValidating, "session created"); err != nil {
		return c.fail(ctx, sess, err)
	}

	if err := c.validate(req); err != nil {
		return c.fail(ctx, sess, err)
	}

	assessment, err := c.riskEngine.Assess(ctx, risk.Input{
		Environment:  req.Environment,
		Applications: req.Applications,
		RepoState:    req.RepoState,
		Now:          c.clock(),
		Override:     req.Override,
	})
	if err != nil && !errors.Is(err, risk.ErrFailClosed) {
		return c.fail(ctx, sess, err)
	}
	sess.Risk = &assessment

	if terr := c.transition(ctx, sess, StateRiskAssessed,
		fmt.Sprintf("risk %d (%s), decision %s", assessment.TotalScore, assessment.Level, assessment.Decision)); terr != nil {
		return c.fail(ctx, sess, terr)
	}
	switch {
	case assessment.Decision == risk.DecisionBlock:
		reason := blockingFactors(assessment)
		if err != nil {
			reason = "risk assessment could not be recorded: " + err.Error()
		}
		return c.block(ctx, sess, reason)
	case assessment.Decision == risk.DecisionRequireApproval && !req.Approved:
		return c.block(ctx, sess, "approval required: "+blockingFactors(assessment))
	}

	if c.windows != nil {
		failed, werr := c.windows.Evaluate(string(req.Environment), req.Applications,
			string(assessment.Level), c.clock())
		if werr != nil {
			return c.fail(ctx, sess, werr)
		}
		if failed != "" {
			return c.block(ctx, sess, fmt.Sprintf("window rule %q: %v", failed, ErrWindowViolation))
		}
	}
	if err := c.transition(ctx, sess, StateWindowChecked, "deployment window open"); err != nil {
		return c.fail(ctx, sess, err)
	}

	if err := c.transition(ctx, sess, StateDeploying, "invoking deploy action"); err != nil {
		return c.fail(ctx, sess, err)
	}
	receipt, err := c.deployer.Deploy(ctx, DeployRequest{
		SessionID:    sess.ID,
		Environment:  string(req.Environment),
		Applications: req.Applications,
		Version:      req.Version,
	})
	if err != nil {
		return c.fail(ctx, sess, fmt.Errorf("deploy action: %w", err))
	}
	sess.ArtifactID = receipt.ArtifactID

	if err := c.transition(ctx, sess, StateMonitoring,
		fmt.Sprintf("deploy complete, artifact %s", receipt.ArtifactID)); err != nil {
		return c.fail(ctx, sess, err)
	}

	return c.monitor(ctx, sess, req)
}

// monitor watches the deployment. CRITICAL aggregate status or a confirmed
// regression on a business-critical metric triggers rollback; operator
// cancellation is treated identically, never as a silent abort.
func (c *Controller) monitor(ctx context.Context, sess *Session, req Request) error {
	critical := make(map[string]bool)
	for _, m := range c.riskEngine.CriticalMetrics(req.Applications) {
		critical[m] = true
	}

	interval := c.monitorInterval
	if sess.Risk != nil && sess.Risk.EnhancedMonitoring {
		interval /= 2
	}

	var cite string
	err := c.orch.Monitor(ctx, req.Specs, interval, c.monitorDuration, func(batch health.Batch) error {
		sess.Results = append(sess.Results, batch.Summary.Results...)
		sess.Findings = append(sess.Findings, batch.Findings...)

		if batch.Summary.Status == health.StatusCritical {
			for _, r := range batch.Summary.Results {
				if r.Status == health.StatusCritical {
					cite = fmt.Sprintf("check %s CRITICAL (score %.0f): %s", r.CheckID, r.Score, r.Evidence)
					break
				}
			}
			return errRollbackTriggered
		}
		for _, f := range batch.Findings {
			if f.IsRegression && (critical[f.Metric] || f.Metric == "*") {
				cite = fmt.Sprintf("regression on %s/%s via %s (%.0f%% deviation, confidence %.2f)",
					f.CheckID, f.Metric, f.Method, f.DeviationPercent, f.Confidence)
				return errRollbackTriggered
			}
		}
		return nil
	})

	switch {
	case err == nil:
		return c.transition(ctx, sess, StateSuccess, "monitoring window clean")
	case errors.Is(err, errRollbackTriggered):
		return c.rollback(ctx, sess, cite, "crucible-gate")
	case errors.Is(err, context.Canceled):
		return c.rollback(ctx, sess, "monitoring cancelled by operator", "operator")
	default:
		return c.fail(ctx, sess, err)
	}
}

var errRollbackTriggered = errors.New("rollback triggered")

func (c *Controller) validate(req Request) error {
	if c.deployer == nil || c.rollbacker == nil {
		return fmt.Errorf("%w: deploy and rollback capabilities not configured", ErrValidation)
	}
	if len(req.Specs) == 0 {
		return fmt.Errorf("%w: no health checks configured", ErrValidation)
	}
	if req.Version != "" {
		if _, err := semver.NewVersion(req.Version); err != nil {
			return fmt.Errorf("%w: artifact version %q is not semver: %v", ErrValidation, req.Version, err)
		}
	}
	return nil
}

// transition appends the decision record, then mutates state. The ledger is
// always at least as current as the live session.
func (c *Controller) transition(ctx context.Context, sess *Session, to State, detail string) error {
	if sess.State.Terminal() || !canTransition(sess.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrStateTransition, sess.State, to)
	}
	record := map[string]any{
		"session_id": sess.ID,
		"from":       sess.State,
		"to":         to,
		"detail":     detail,
	}
	if _, err := c.ledger.Append(ctx, evidence.TypeDeploymentDecision, record); err != nil {
		return fmt.Errorf("%w: transition %s -> %s not recorded: %v", evidence.ErrLedgerWrite, sess.State, to, err)
	}
	c.logger.Info("session transition", "session", sess.ID, "from", sess.State, "to", to, "detail", detail)
	sess.State = to
	return nil
}

func (c *Controller) block(ctx context.Context, sess *Session, reason string) error {
	sess.BlockReason = reason
	sess.Outcome = OutcomeBlocked
	return c.transition(ctx, sess, StateBlocked, reason)
}

func (c *Controller) fail(ctx context.Context, sess *Session, cause error) error {
	sess.FailReason = cause.Error()
	sess.Outcome = OutcomeFailed
	if !sess.State.Terminal() && canTransition(sess.State, StateFailed) {
		if terr := c.transition(ctx, sess, StateFailed, cause.Error()); terr != nil {
			c.logger.Error("failed to record FAILED transition", "session", sess.ID, "err", terr)
			sess.State = StateFailed
		}
	} else if !sess.State.Terminal() {
		sess.State = StateFailed
	}
	return cause
}

// rollback invokes the rollback capability and records the evidence, whatever
// the capability's own outcome.
func (c *Controller) rollback(ctx context.Context, sess *Session, cite, initiatedBy string) error {
	sess.RollbackCite = cite
	sess.Outcome = OutcomeRolledBack

	// The rollback action must run even when the triggering context is gone.
	actionCtx := context.WithoutCancel(ctx)
	rbErr := c.rollbacker.Rollback(actionCtx, RollbackRequest{
		SessionID:    sess.ID,
		Environment:  string(sess.Environment),
		Applications: sess.Applications,
		Reason:       cite,
		InitiatedBy:  initiatedBy,
	})
	record := map[string]any{
		"session_id":   sess.ID,
		"reason":       cite,
		"initiated_by": initiatedBy,
		"action_ok":    rbErr == nil,
	}
	if rbErr != nil {
		record["action_error"] = rbErr.Error()
	}
	if _, err := c.ledger.Append(actionCtx, evidence.TypeRollback, record); err != nil {
		c.logger.Error("rollback evidence not persisted", "session", sess.ID, "err", err)
	}
	if err := c.transition(actionCtx, sess, StateRolledBack, cite); err != nil {
		return err
	}
	if rbErr != nil {
		return fmt.Errorf("rollback action: %w", rbErr)
	}
	return nil
}

// finalize builds, signs, and archives the report.
func (c *Controller) finalize(ctx context.Context, sess *Session) (*Report, error) {
	if sess.Outcome == "" {
		switch sess.State {
		case StateSuccess:
			sess.Outcome = OutcomeSuccess
		case StateBlocked:
			sess.Outcome = OutcomeBlocked
		case StateRolledBack:
			sess.Outcome = OutcomeRolledBack
		default:
			sess.Outcome = OutcomeFailed
		}
	}

	head, err := c.ledger.Head(context.WithoutCancel(ctx))
	if err != nil {
		c.logger.Error("chain head unavailable for report", "session", sess.ID, "err", err)
		head = "unavailable"
	}

	report := &Report{
		SessionID:    sess.ID,
		Environment:  string(sess.Environment),
		Applications: sess.Applications,
		Version:      sess.Version,
		State:        sess.State,
		Outcome:      sess.Outcome,
		Risk:         sess.Risk,
		Checks:       summarizeChecks(sess.Results),
		Findings:     sess.Findings,
		BlockReason:  sess.BlockReason,
		FailReason:   sess.FailReason,
		RollbackCite: sess.RollbackCite,
		StartedAt:    sess.StartedAt,
		EndedAt:      sess.EndedAt,
		ChainHead:    head,
	}
	if report.Findings == nil {
		report.Findings = []baseline.Finding{}
	}
	if c.signer != nil {
		if err := c.signer.Sign(report); err != nil {
			return report, fmt.Errorf("sign report: %w", err)
		}
	}
	if c.archiver != nil {
		location, err := c.archiver.Archive(context.WithoutCancel(ctx), report)
		if err != nil {
			c.logger.Warn("report archival failed", "session", sess.ID, "err", err)
		} else {
			c.logger.Info("report archived", "session", sess.ID, "location", location)
		}
	}
	return report, nil
}

func summarizeChecks(results []health.Result) []CheckSummary {
	byID := make(map[string]*CheckSummary)
	var order []string
	for _, r := range results {
		s, ok := byID[r.CheckID]
		if !ok {
			s = &CheckSummary{CheckID: r.CheckID, Status: string(r.Status), Score: r.Score}
			byID[r.CheckID] = s
			order = append(order, r.CheckID)
		}
		// Keep the worst status and latest score seen across batches.
		s.Status = string(health.Worst(health.Status(s.Status), r.Status))
		s.Score = r.Score
		s.Batches++
	}
	out := make([]CheckSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out
}

func blockingFactors(a risk.Assessment) string {
	msg := fmt.Sprintf("risk score %d (%s)", a.TotalScore, a.Level)
	for _, f := range a.Factors {
		if f.Points > 0 {
			msg += fmt.Sprintf("; %s +%d (%s)", f.Name, f.Points, f.Rationale)
		}
	}
	return msg
}
