// Package main provides the msgcode CLI: the daemon entry point plus
// the operator commands around it.
//
// Start the daemon:
//
//	msgcode daemon
//
// Check the environment before first start:
//
//	msgcode probe
//
// One-off actions over the transport and tool surfaces:
//
//	msgcode file send --path report.pdf --to "any;+;chat123"
//	msgcode web search --q "golang sqlite wal"
//	msgcode web fetch --url https://example.com
//	msgcode system info
//
// Every command accepts --json to emit a machine-readable result
// envelope with a stable schema and exit codes 0/1/2.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/msgcode/msgcode/internal/envelope"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// jsonOutput is the global --json flag.
var jsonOutput bool

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(envelope.ExitError)
	}
}

// buildRootCmd creates the command tree. Separated from main for tests.
func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "msgcode",
		Short: "msgcode - workspace-scoped conversational agent daemon",
		Long: `msgcode binds chats to project workspaces and answers them with a
local or hosted model, a policy-gated tool bus, and optional tmux-hosted
coding agents.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Emit a machine-readable result envelope")

	root.AddCommand(
		buildDaemonCmd(),
		buildProbeCmd(),
		buildFileCmd(),
		buildWebCmd(),
		buildSystemCmd(),
		buildHelpDocsCmd(),
	)
	return root
}
