// Package gate drives a deployment through risk assessment, window checks,
// the deploy action, and post-deploy monitoring, with automatic rollback on
// regression. Every state transition is written to the evidence ledger before
// the in-memory state changes.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/crucible-sre/crucible/pkg/baseline"
	"github.com/crucible-sre/crucible/pkg/health"
	"github.com/crucible-sre/crucible/pkg/risk"
)

var (
	ErrValidation      = errors.New("prerequisite validation failed")
	ErrStateTransition = errors.New("invalid state transition")
	ErrWindowViolation = errors.New("deployment window violation")
)

// State is a deployment session's position in the gate.
type State string

const (
	StateInit          State = "INIT"
	StateValidating    State = "VALIDATING"
	StateRiskAssessed  State = "RISK_ASSESSED"
	StateWindowChecked State = "WINDOW_CHECKED"
	StateDeploying     State = "DEPLOYING"
	StateMonitoring    State = "MONITORING"
	StateSuccess       State = "SUCCESS"
	StateRolledBack    State = "ROLLED_BACK"
	StateBlocked       State = "BLOCKED"
	StateFailed        State = "FAILED"
)

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateRolledBack, StateBlocked, StateFailed:
		return true
	}
	return false
}

// transitions is the closed edge set of the state machine.
var transitions = map[State][]State{
	StateInit:          {StateValidating},
	StateValidating:    {StateRiskAssessed, StateFailed},
	StateRiskAssessed:  {StateWindowChecked, StateBlocked},
	StateWindowChecked: {StateDeploying, StateBlocked},
	StateDeploying:     {StateMonitoring, StateFailed},
	StateMonitoring:    {StateSuccess, StateRolledBack, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome is the terminal result of a session.
type Outcome string

const (
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomeBlocked    Outcome = "BLOCKED"
	OutcomeRolledBack Outcome = "ROLLED_BACK"
	OutcomeFailed     Outcome = "FAILED"
)

// Session is one deployment attempt. Owned exclusively by the Controller for
// its lifetime.
type Session struct {
	ID           string             `json:"id"`
	Environment  risk.Environment   `json:"environment"`
	Applications []string           `json:"applications"`
	Version      string             `json:"version"`
	State        State              `json:"state"`
	Risk         *risk.Assessment   `json:"risk_assessment,omitempty"`
	Results      []health.Result    `json:"check_results,omitempty"`
	Findings     []baseline.Finding `json:"regression_findings,omitempty"`
	ArtifactID   string             `json:"artifact_id,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      time.Time          `json:"ended_at,omitempty"`
	Outcome      Outcome            `json:"outcome,omitempty"`
	BlockReason  string             `json:"block_reason,omitempty"`
	FailReason   string             `json:"fail_reason,omitempty"`
	RollbackCite string             `json:"rollback_cite,omitempty"`
}

// DeployRequest is handed to the external deploy capability.
type DeployRequest struct {
	SessionID    string   `json:"session_id"`
	Environment  string   `json:"environment"`
	Applications []string `json:"applications"`
	Version      string   `json:"version"`
}

// DeployReceipt is the deploy capability's answer.
type DeployReceipt struct {
	ArtifactID string `json:"artifact_id"`
	Detail     string `json:"detail,omitempty"`
}

// Deployer performs the actual deployment. The gate inspects its result; a
// deploy action is never fire-and-forget.
type Deployer interface {
	Deploy(ctx context.Context, req DeployRequest) (DeployReceipt, error)
}

// RollbackRequest is handed to the external rollback capability.
type RollbackRequest struct {
	SessionID    string   `json:"session_id,omitempty"`
	Environment  string   `json:"environment"`
	Applications []string `json:"applications"`
	Reason       string   `json:"reason"`
	InitiatedBy  string   `json:"initiated_by"`
}

// Rollbacker reverts a deployment.
type Rollbacker interface {
	Rollback(ctx context.Context, req RollbackRequest) error
}
