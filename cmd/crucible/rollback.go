package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/crucible-sre/crucible/pkg/evidence"
	"github.com/crucible-sre/crucible/pkg/gate"
)

// runRollbackCmd implements `crucible rollback`: an operator-initiated
// rollback outside a gate session. The rollback is recorded as evidence
// whether or not the action endpoint succeeds.
//
// Exit codes:
//
//	0 = rollback action accepted
//	1 = rollback action failed (evidence still recorded)
//	2 = usage or runtime error
func runRollbackCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rollback", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		cfgPath     string
		env         string
		reason      string
		initiatedBy string
	)
	cmd.StringVar(&cfgPath, "config", "", "Path to crucible.yaml")
	cmd.StringVar(&env, "environment", "production", "Environment to roll back")
	cmd.StringVar(&reason, "reason", "", "Why the rollback is needed (REQUIRED)")
	cmd.StringVar(&initiatedBy, "initiated-by", "operator", "Who initiated the rollback")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	apps := cmd.Args()
	if len(apps) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: crucible rollback [flags] <application>...")
		return 2
	}
	if reason == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -reason is required")
		return 2
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfgPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	if a.cfg.Actions.RollbackURL == "" {
		_, _ = fmt.Fprintln(stderr, "Error: actions.rollback_url is not configured")
		return 2
	}
	rollbacker := gate.NewWebhookRollbacker(a.cfg.Actions.RollbackURL, a.cfg.Actions.Timeout)

	actionErr := rollbacker.Rollback(ctx, gate.RollbackRequest{
		Environment:  env,
		Applications: apps,
		Reason:       reason,
		InitiatedBy:  initiatedBy,
	})

	record := map[string]any{
		"environment":  env,
		"applications": apps,
		"reason":       reason,
		"initiated_by": initiatedBy,
		"action_ok":    actionErr == nil,
	}
	if actionErr != nil {
		record["action_error"] = actionErr.Error()
	}
	if _, err := a.ledger.Append(ctx, evidence.TypeRollback, record); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: rollback evidence not persisted: %v\n", err)
		return 2
	}
	a.telem.RecordRollback(ctx, env)

	if actionErr != nil {
		_, _ = fmt.Fprintf(stderr, "Rollback action failed: %v\n", actionErr)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "Rollback recorded and invoked for %v in %s\n", apps, env)
	return 0
}
