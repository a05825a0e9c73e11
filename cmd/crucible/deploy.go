package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/crucible-sre/crucible/pkg/gate"
	"github.com/crucible-sre/crucible/pkg/risk"
)

// runDeployCmd implements `crucible deploy`.
//
// Exit codes:
//
//	0 = SUCCESS
//	1 = BLOCKED or FAILED
//	2 = ROLLED_BACK (or usage/runtime error before a session started)
func runDeployCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("deploy", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		cfgPath       string
		version       string
		overrideToken string
		approve       bool
		dirty         bool
		revision      string
		jsonOutput    bool
	)
	cmd.StringVar(&cfgPath, "config", "", "Path to crucible.yaml")
	cmd.StringVar(&version, "version", "", "Artifact version (semver)")
	cmd.StringVar(&overrideToken, "override-token", "", "Signed risk override token")
	cmd.BoolVar(&approve, "approve", false, "Acknowledge a REQUIRE_APPROVAL verdict")
	cmd.BoolVar(&dirty, "dirty-repo", false, "Source tree has uncommitted changes")
	cmd.StringVar(&revision, "revision", "", "Source revision being deployed")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit the signed report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	rest := cmd.Args()
	if len(rest) < 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: crucible deploy [flags] <environment> <application>...")
		return 2
	}
	env, err := risk.ParseEnvironment(rest[0])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	apps := rest[1:]

	// SIGINT/SIGTERM during monitoring triggers a rollback, not an abort.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfgPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	ctrl, err := a.controller(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	phaseCtx, done := a.telem.TrackPhase(ctx, "session")
	report, err := ctrl.Execute(phaseCtx, gate.Request{
		Environment:  env,
		Applications: apps,
		Version:      version,
		RepoState:    risk.RepoState{Dirty: dirty, Revision: revision},
		Override:     overrideToken,
		Approved:     approve,
		Specs:        a.cfg.Checks,
	})
	done(err)
	if report != nil {
		a.telem.RecordSession(ctx, string(env), string(report.Outcome))
		if report.Outcome == gate.OutcomeRolledBack {
			a.telem.RecordRollback(ctx, string(env))
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	if report == nil {
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printReportSummary(stdout, report)
	}

	switch report.Outcome {
	case gate.OutcomeSuccess:
		return 0
	case gate.OutcomeRolledBack:
		return 2
	default:
		return 1
	}
}

func printReportSummary(w io.Writer, r *gate.Report) {
	fmt.Fprintf(w, "Session:  %s\n", r.SessionID)
	fmt.Fprintf(w, "Outcome:  %s\n", r.Outcome)
	if r.Risk != nil {
		fmt.Fprintf(w, "Risk:     %d (%s) -> %s\n", r.Risk.TotalScore, r.Risk.Level, r.Risk.Decision)
		for _, f := range r.Risk.Factors {
			fmt.Fprintf(w, "  +%-3d %s: %s\n", f.Points, f.Name, f.Rationale)
		}
	}
	for _, c := range r.Checks {
		fmt.Fprintf(w, "Check:    %s %s (score %.0f, %d batches)\n", c.CheckID, c.Status, c.Score, c.Batches)
	}
	if r.BlockReason != "" {
		fmt.Fprintf(w, "Blocked:  %s\n", r.BlockReason)
	}
	if r.FailReason != "" {
		fmt.Fprintf(w, "Failed:   %s\n", r.FailReason)
	}
	if r.RollbackCite != "" {
		fmt.Fprintf(w, "Rollback: %s\n", r.RollbackCite)
	}
	fmt.Fprintf(w, "Chain:    %s\n", r.ChainHead)
}
