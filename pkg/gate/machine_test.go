package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-sre/crucible/pkg/evidence"
	"github.com/crucible-sre/crucible/pkg/health"
	"github.com/crucible-sre/crucible/pkg/risk"
)

// Tue 2026-03-03 11:00 UTC: inside the trading desk's sensitive window.
var tradingHours = time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)

// Sat 2026-03-07 03:00 UTC: outside every built-in sensitive window.
var quietHours = time.Date(2026, 3, 7, 3, 0, 0, 0, time.UTC)

type stubDeployer struct {
	mu     sync.Mutex
	called int
	err    error
}

func (d *stubDeployer) Deploy(_ context.Context, req DeployRequest) (DeployReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.called++
	if d.err != nil {
		return DeployReceipt{}, d.err
	}
	return DeployReceipt{ArtifactID: "artifact-" + req.Version}, nil
}

type stubRollbacker struct {
	mu     sync.Mutex
	called int
	last   RollbackRequest
}

func (r *stubRollbacker) Rollback(_ context.Context, req RollbackRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.called++
	r.last = req
	return nil
}

type gateHarness struct {
	ledger     *evidence.MemoryLedger
	deployer   *stubDeployer
	rollbacker *stubRollbacker
	controller *Controller
}

func newHarness(t *testing.T, now time.Time, windows *WindowPolicy) *gateHarness {
	t.Helper()
	ledger := evidence.NewMemoryLedger()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	registry := risk.NewRegistry()
	registry.Register(risk.ApplicationProfile{
		Name:        "billing-api",
		BasePoints:  0,
		Description: "internal billing service",
	})
	engine := risk.NewEngine(risk.DefaultWeights(), registry, ledger, nil, logger)
	// Single-attempt prober: a 500 fails the check immediately instead of
	// retrying past the short monitor interval used in tests.
	orch := health.NewOrchestrator(nil, ledger, logger,
		health.WithProbers(health.NewHTTPProber(nil, 0, 1), health.NewTCPProber()))
	signer, err := NewReportSigner("test-signer")
	require.NoError(t, err)

	deployer := &stubDeployer{}
	rollbacker := &stubRollbacker{}
	ctrl, err := NewController(ControllerConfig{
		RiskEngine:      engine,
		Orchestrator:    orch,
		Ledger:          ledger,
		Windows:         windows,
		Deployer:        deployer,
		Rollbacker:      rollbacker,
		Signer:          signer,
		Logger:          logger,
		Clock:           func() time.Time { return now },
		MonitorInterval: 20 * time.Millisecond,
		MonitorDuration: time.Millisecond,
	})
	require.NoError(t, err)
	return &gateHarness{ledger: ledger, deployer: deployer, rollbacker: rollbacker, controller: ctrl}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func healthySpec(t *testing.T) health.Spec {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"latency_ms": 40, "error_rate": 0.001}`))
	}))
	t.Cleanup(srv.Close)
	return health.Spec{
		ID:       "api-health",
		Category: health.CategoryApplication,
		Target:   health.Target{Kind: "http", URL: srv.URL},
		Timeout:  2 * time.Second,
		Thresholds: map[string]health.Threshold{
			"error_rate": {Warn: 0.01, Fail: 0.05},
		},
	}
}

func defaultWindowPolicy(t *testing.T) *WindowPolicy {
	t.Helper()
	p, err := NewWindowPolicy(DefaultWindowRules())
	require.NoError(t, err)
	return p
}

func failingSpec(t *testing.T) health.Spec {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "db down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	return health.Spec{
		ID:       "api-health",
		Category: health.CategoryApplication,
		Target:   health.Target{Kind: "http", URL: srv.URL},
		Timeout:  2 * time.Second,
	}
}

func TestExecuteBlocksCriticalProductionDeployment(t *testing.T) {
	h := newHarness(t, tradingHours, nil)

	report, err := h.controller.Execute(context.Background(), Request{
		Environment:  risk.EnvProduction,
		Applications: []string{"finance-trading"},
		Version:      "2.4.0",
		Specs:        []health.Spec{healthySpec(t)},
	})
	require.NoError(t, err)

	// production +30, trading +25, sensitive hours +15 => 70, CRITICAL, BLOCK.
	require.NotNil(t, report.Risk)
	assert.Equal(t, 70, report.Risk.TotalScore)
	assert.Equal(t, risk.LevelCritical, report.Risk.Level)
	assert.Equal(t, StateBlocked, report.State)
	assert.Equal(t, OutcomeBlocked, report.Outcome)
	assert.NotEmpty(t, report.BlockReason)
	assert.Zero(t, h.deployer.called, "blocked deployment must never reach the deploy action")
	assert.Zero(t, h.rollbacker.called)

	// The ledger saw the transitions up to and including BLOCKED.
	decisions, err := h.ledger.Query(context.Background(), evidence.Query{Type: evidence.TypeDeploymentDecision})
	require.NoError(t, err)
	require.Len(t, decisions, 3) // INIT->VALIDATING, VALIDATING->RISK_ASSESSED, RISK_ASSESSED->BLOCKED

	ok, err := VerifyReport(report)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecuteRollsBackOnCriticalCheck(t *testing.T) {
	h := newHarness(t, quietHours, nil)

	report, err := h.controller.Execute(context.Background(), Request{
		Environment:  risk.EnvDev,
		Applications: []string{"pharma-manufacturing"},
		Version:      "1.0.3",
		Specs:        []health.Spec{failingSpec(t)},
	})
	require.NoError(t, err)

	// dev +5, pharma +30 => 35, MEDIUM, ALLOW with enhanced monitoring.
	require.NotNil(t, report.Risk)
	assert.Equal(t, 35, report.Risk.TotalScore)
	assert.True(t, report.Risk.EnhancedMonitoring)

	assert.Equal(t, StateRolledBack, report.State)
	assert.Equal(t, OutcomeRolledBack, report.Outcome)
	assert.Equal(t, 1, h.deployer.called)
	assert.Equal(t, 1, h.rollbacker.called)
	assert.Contains(t, h.rollbacker.last.Reason, "api-health")
	assert.Contains(t, report.RollbackCite, "CRITICAL")

	rollbacks, err := h.ledger.Query(context.Background(), evidence.Query{Type: evidence.TypeRollback})
	require.NoError(t, err)
	require.Len(t, rollbacks, 1)
}

func TestExecuteSucceedsOnCleanMonitoring(t *testing.T) {
	h := newHarness(t, quietHours, defaultWindowPolicy(t))

	report, err := h.controller.Execute(context.Background(), Request{
		Environment:  risk.EnvDev,
		Applications: []string{"billing-api"},
		Version:      "3.1.0",
		Specs:        []health.Spec{healthySpec(t)},
	})
	require.NoError(t, err)

	assert.Equal(t, StateSuccess, report.State)
	assert.Equal(t, OutcomeSuccess, report.Outcome)
	assert.Equal(t, 1, h.deployer.called)
	assert.Zero(t, h.rollbacker.called)
	require.NotEmpty(t, report.Checks)
	assert.Equal(t, "api-health", report.Checks[0].CheckID)
	assert.Equal(t, string(health.StatusHealthy), report.Checks[0].Status)

	head, err := h.ledger.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, head, report.ChainHead)

	ok, err := VerifyReport(report)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvidenceRecordsCarrySessionID(t *testing.T) {
	h := newHarness(t, quietHours, defaultWindowPolicy(t))
	ctx := context.Background()

	report, err := h.controller.Execute(ctx, Request{
		Environment:  risk.EnvDev,
		Applications: []string{"billing-api"},
		Version:      "3.1.0",
		Specs:        []health.Spec{healthySpec(t)},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, report.Outcome)

	// Risk and health payloads must name the session so an auditor can
	// reassemble the full timeline from the ledger alone.
	for _, rt := range []evidence.RecordType{evidence.TypeRiskAssessment, evidence.TypeHealthCheck} {
		records, err := h.ledger.Query(ctx, evidence.Query{Type: rt})
		require.NoError(t, err)
		require.NotEmpty(t, records, "no %s records", rt)
		for _, rec := range records {
			var payload struct {
				SessionID string `json:"session_id"`
			}
			require.NoError(t, json.Unmarshal(rec.Payload, &payload))
			assert.Equal(t, report.SessionID, payload.SessionID, "record %d (%s)", rec.Sequence, rt)
		}
	}
}

func TestExecuteBlocksOnWindowViolation(t *testing.T) {
	// Saturday in production trips no-weekend-production even at low risk.
	h := newHarness(t, quietHours, defaultWindowPolicy(t))

	report, err := h.controller.Execute(context.Background(), Request{
		Environment:  risk.EnvProduction,
		Applications: []string{"billing-api"},
		Version:      "3.1.1",
		Approved:     true, // production alone scores 30: MEDIUM, no approval needed, but harmless
		Specs:        []health.Spec{healthySpec(t)},
	})
	require.NoError(t, err)

	assert.Equal(t, StateBlocked, report.State)
	assert.Contains(t, report.BlockReason, "no-weekend-production")
	assert.Zero(t, h.deployer.called)
}

func TestExecuteRequiresApprovalForHighRisk(t *testing.T) {
	// production +30, dirty repo +10 => 40, HIGH, REQUIRE_APPROVAL.
	req := Request{
		Environment:  risk.EnvProduction,
		Applications: []string{"billing-api"},
		Version:      "3.2.0",
		RepoState:    risk.RepoState{Dirty: true},
		Specs:        []health.Spec{healthySpec(t)},
	}

	h := newHarness(t, quietHours, nil)
	report, err := h.controller.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, report.State)
	assert.Contains(t, report.BlockReason, "approval required")
	assert.Zero(t, h.deployer.called)

	req.Approved = true
	h2 := newHarness(t, quietHours, nil)
	report2, err := h2.controller.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, report2.State)
	assert.Equal(t, 1, h2.deployer.called)
}

func TestExecuteFailsOnInvalidVersion(t *testing.T) {
	h := newHarness(t, quietHours, nil)

	report, err := h.controller.Execute(context.Background(), Request{
		Environment:  risk.EnvDev,
		Applications: []string{"billing-api"},
		Version:      "not-a-version",
		Specs:        []health.Spec{healthySpec(t)},
	})
	require.NoError(t, err) // the report is still produced
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Contains(t, report.FailReason, "semver")
	assert.Zero(t, h.deployer.called)
}

func TestExecuteFailsWhenDeployActionErrors(t *testing.T) {
	h := newHarness(t, quietHours, nil)
	h.deployer.err = context.DeadlineExceeded

	report, err := h.controller.Execute(context.Background(), Request{
		Environment:  risk.EnvDev,
		Applications: []string{"billing-api"},
		Version:      "1.2.3",
		Specs:        []health.Spec{healthySpec(t)},
	})
	require.NoError(t, err)
	assert.Equal(t, StateFailed, report.State)
	assert.Contains(t, report.FailReason, "deploy action")
	assert.Zero(t, h.rollbacker.called, "a failed deploy is not a rollback")
}

func TestTransitionsAreWriteAhead(t *testing.T) {
	h := newHarness(t, quietHours, nil)

	_, err := h.controller.Execute(context.Background(), Request{
		Environment:  risk.EnvDev,
		Applications: []string{"billing-api"},
		Version:      "1.0.0",
		Specs:        []health.Spec{healthySpec(t)},
	})
	require.NoError(t, err)

	decisions, err := h.ledger.Query(context.Background(), evidence.Query{Type: evidence.TypeDeploymentDecision})
	require.NoError(t, err)
	// INIT->VALIDATING, ->RISK_ASSESSED, ->WINDOW_CHECKED, ->DEPLOYING,
	// ->MONITORING, ->SUCCESS.
	require.Len(t, decisions, 6)

	report, err := h.ledger.Verify(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestStateMachineRejectsIllegalTransitions(t *testing.T) {
	assert.True(t, canTransition(StateInit, StateValidating))
	assert.True(t, canTransition(StateMonitoring, StateRolledBack))
	assert.False(t, canTransition(StateInit, StateDeploying))
	assert.False(t, canTransition(StateSuccess, StateValidating), "terminal states are final")
	assert.False(t, canTransition(StateBlocked, StateDeploying))
}
