// Command crucible gates deployments behind risk assessment, deployment
// windows, health monitoring, and an append-only evidence ledger.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	switch args[1] {
	case "deploy":
		return runDeployCmd(args[2:], stdout, stderr)
	case "health-check":
		return runHealthCheckCmd(args[2:], stdout, stderr)
	case "verify-evidence":
		return runVerifyEvidenceCmd(args[2:], stdout, stderr)
	case "rollback":
		return runRollbackCmd(args[2:], stdout, stderr)
	case "report":
		return runReportCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: crucible <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  deploy <environment> <application>...   Run a gated deployment")
	fmt.Fprintln(w, "  health-check [check-id]                 Run health checks standalone")
	fmt.Fprintln(w, "  verify-evidence                         Verify the evidence chain")
	fmt.Fprintln(w, "  rollback <application>...               Record and invoke a manual rollback")
	fmt.Fprintln(w, "  report                                  Re-emit a session's evidence timeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Run 'crucible <command> -h' for command flags.")
}
