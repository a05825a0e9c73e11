package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/crucible-sre/crucible/pkg/evidence"
)

// sessionTimeline is the auditor view of one deployment session,
// reconstructed purely from ledger records.
type sessionTimeline struct {
	SessionID   string             `json:"session_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	ChainHead   string             `json:"chain_head"`
	ChainOK     bool               `json:"chain_ok"`
	Records     []*evidence.Record `json:"records"`
}

// runReportCmd implements `crucible report`: re-emits everything the ledger
// holds about one session, so past deployments can be audited without the
// original archived report.
//
// Exit codes:
//
//	0 = timeline emitted
//	1 = no records for the session
//	2 = usage or runtime error
func runReportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("report", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		cfgPath string
		session string
		outFile string
	)
	cmd.StringVar(&cfgPath, "config", "", "Path to crucible.yaml")
	cmd.StringVar(&session, "session", "", "Session id (REQUIRED)")
	cmd.StringVar(&outFile, "out", "", "Write the timeline to a file instead of stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if session == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -session is required")
		return 2
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfgPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer a.close()

	all, err := a.ledger.Query(ctx, evidence.Query{})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var records []*evidence.Record
	for _, r := range all {
		if payloadSessionID(r.Payload) == session {
			records = append(records, r)
		}
	}
	if len(records) == 0 {
		_, _ = fmt.Fprintf(stderr, "No records for session %s\n", session)
		return 1
	}

	head, err := a.ledger.Head(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	verification, err := a.ledger.Verify(ctx, 0)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	timeline := sessionTimeline{
		SessionID:   session,
		GeneratedAt: time.Now().UTC(),
		ChainHead:   head,
		ChainOK:     verification.OK,
		Records:     records,
	}
	data, err := json.MarshalIndent(timeline, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if outFile != "" {
		if err := os.WriteFile(outFile, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Timeline for %s written to %s (%d records)\n", session, outFile, len(records))
		return 0
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

func payloadSessionID(payload json.RawMessage) string {
	var envelope struct {
		SessionID string `json:"session_id"`
	}
	if json.Unmarshal(payload, &envelope) != nil {
		return ""
	}
	return envelope.SessionID
}
