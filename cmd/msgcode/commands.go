package main

import (
	"github.com/spf13/cobra"
)

func buildDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the message-processing daemon",
		Long: `Run the singleton daemon: acquire the instance lock, load the route
and cursor stores, watch the transport for inbound messages, and answer
them until SIGINT/SIGTERM.

Optional surfaces, all off unless configured:

  MSGCODE_METRICS_ADDR   Prometheus /metrics listener address
  MSGCODE_OTLP_ENDPOINT  OTLP gRPC collector for traces
  MSGCODE_STREAM_URL     websocket event stream instead of DB polling`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd)
		},
	}
}

func buildProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check the environment the daemon depends on",
		Long: `Run the health probes in order: transport CLI, transport RPC, routes
file readable and valid, workspace root writable, tmux, claude CLI.
Failures report a fix hint and never abort the remaining probes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd)
		},
	}
}

func buildFileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "file",
		Short: "File operations over the transport",
	}
	cmd.AddCommand(buildFileSendCmd())
	return cmd
}

func buildFileSendCmd() *cobra.Command {
	var (
		path    string
		to      string
		caption string
		mime    string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a file to a chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFileSend(cmd, path, to, caption, mime)
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "File to send")
	cmd.Flags().StringVar(&to, "to", "", "Destination chat GUID")
	cmd.Flags().StringVar(&caption, "caption", "", "Optional caption")
	cmd.Flags().StringVar(&mime, "mime", "", "Optional MIME type override")
	_ = cmd.MarkFlagRequired("path")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func buildWebCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "web",
		Short: "Run the web tools from the command line",
	}
	cmd.AddCommand(buildWebSearchCmd(), buildWebFetchCmd())
	return cmd
}

func buildWebSearchCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search the web via the configured search service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebSearch(cmd, query)
		},
	}
	cmd.Flags().StringVar(&query, "q", "", "Search query")
	_ = cmd.MarkFlagRequired("q")
	return cmd
}

func buildWebFetchCmd() *cobra.Command {
	var rawURL string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a URL and print its text content",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebFetch(cmd, rawURL)
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", "", "URL to fetch")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func buildSystemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Host and process inspection",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Print host and process information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSystemInfo(cmd)
		},
	})
	return cmd
}

func buildHelpDocsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "help-docs",
		Short: "Print the chat command contracts",
		Long:  "Print every /-command the daemon accepts, with usage and owner-gating flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHelpDocs(cmd)
		},
	}
}
