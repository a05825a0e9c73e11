package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/crucible-sre/crucible/pkg/health"
)

// runHealthCheckCmd implements `crucible health-check`: runs the configured
// checks outside a deployment session, once or in a monitoring loop.
//
// Exit codes:
//
//	0 = aggregate HEALTHY
//	1 = any other aggregate status
//	2 = usage or runtime error
func runHealthCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health-check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		cfgPath    string
		duration   time.Duration
		jsonOutput bool
	)
	cmd.StringVar(&cfgPath, "config", "", "Path to crucible.yaml")
	cmd.DurationVar(&duration, "duration", 0, "Monitor repeatedly for this long (one batch if zero)")
	cmd.BoolVar(&jsonOutput, "json", false, "Emit results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfgPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	specs := a.cfg.Checks
	if id := cmd.Arg(0); id != "" {
		specs = filterSpecs(specs, id)
		if len(specs) == 0 {
			_, _ = fmt.Fprintf(stderr, "Error: no check with id %q\n", id)
			return 2
		}
	}
	if len(specs) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: no checks configured")
		return 2
	}

	var last health.Batch
	ctx, done := a.telem.TrackPhase(ctx, "health-check")
	if duration > 0 {
		err = a.orch.Monitor(ctx, specs, a.cfg.Monitor.Interval, duration, func(b health.Batch) error {
			last = b
			for _, r := range b.Summary.Results {
				a.telem.RecordCheck(ctx, r.CheckID, string(r.Status))
			}
			if !jsonOutput {
				printBatch(stdout, b)
			}
			return nil
		})
	} else {
		last, err = a.orch.Run(ctx, specs, 0)
		for _, r := range last.Summary.Results {
			a.telem.RecordCheck(ctx, r.CheckID, string(r.Status))
		}
		if err == nil && !jsonOutput {
			printBatch(stdout, last)
		}
	}
	done(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(last, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	}
	if last.Summary.Status == health.StatusHealthy {
		return 0
	}
	return 1
}

func filterSpecs(specs []health.Spec, id string) []health.Spec {
	var out []health.Spec
	for _, s := range specs {
		if s.ID == id {
			out = append(out, s)
		}
	}
	return out
}

func printBatch(w io.Writer, b health.Batch) {
	fmt.Fprintf(w, "Aggregate: %s (score %.1f)\n", b.Summary.Status, b.Summary.WeightedScore)
	for _, r := range b.Summary.Results {
		fmt.Fprintf(w, "  %-24s %-9s score %.0f  %s\n", r.CheckID, r.Status, r.Score, r.Duration)
	}
	for _, f := range b.Findings {
		marker := "anomaly"
		if f.IsRegression {
			marker = "REGRESSION"
		}
		fmt.Fprintf(w, "  %s: %s/%s via %s (%.0f%% deviation, confidence %.2f)\n",
			marker, f.CheckID, f.Metric, f.Method, f.DeviationPercent, f.Confidence)
	}
	for _, e := range b.Summary.EvidenceErrors {
		fmt.Fprintf(w, "  evidence error: %s\n", e)
	}
}
