package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/msgcode/msgcode/internal/commands"
	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/internal/daemon"
	"github.com/msgcode/msgcode/internal/doctor"
	"github.com/msgcode/msgcode/internal/envelope"
	"github.com/msgcode/msgcode/internal/tools/system"
	"github.com/msgcode/msgcode/internal/tools/web"
	"github.com/msgcode/msgcode/internal/transport"
)

// exitCodeError carries the envelope's exit code through cobra without
// printing anything further.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

// finish renders the command result: the envelope in --json mode, the
// human rendering otherwise. A warning or error status surfaces as the
// matching exit code.
func finish(cmd *cobra.Command, b *envelope.Builder, data any, text func(w io.Writer)) error {
	env := b.Finish(data)
	if jsonOutput {
		if err := env.Write(cmd.OutOrStdout()); err != nil {
			return err
		}
	} else {
		if text != nil {
			text(cmd.OutOrStdout())
		}
		for _, w := range env.Warnings {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
		}
		for _, e := range env.Errors {
			fmt.Fprintln(cmd.ErrOrStderr(), "error:", e)
		}
	}
	if env.ExitCode != envelope.ExitPass {
		return &exitCodeError{code: env.ExitCode}
	}
	return nil
}

func writeIndented(w io.Writer, data any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}

func runDaemon(cmd *cobra.Command) error {
	return daemon.Run(cmd.Context(), daemon.OptionsFromEnv(version))
}

func runProbe(cmd *cobra.Command) error {
	b := envelope.NewBuilder("probe")
	checks := doctor.New().Run(cmd.Context())
	for _, c := range checks {
		if !c.OK {
			b.Errorf("%s: %s", c.Name, c.Details)
		}
	}
	return finish(cmd, b, checks, func(w io.Writer) {
		for _, c := range checks {
			mark := "ok  "
			if !c.OK {
				mark = "FAIL"
			}
			fmt.Fprintf(w, "[%s] %-24s %s\n", mark, c.Name, c.Details)
			if !c.OK && c.FixHint != "" {
				fmt.Fprintf(w, "       fix: %s\n", c.FixHint)
			}
		}
	})
}

func runFileSend(cmd *cobra.Command, path, to, caption, mime string) error {
	b := envelope.NewBuilder("file send")
	client := transport.NewClient("", nil, nil)
	err := client.SendFile(cmd.Context(), to, path, caption, mime)
	if err != nil {
		b.Errorf("send %s: %v", path, err)
	}
	data := map[string]any{"path": path, "to": to, "sent": err == nil}
	return finish(cmd, b, data, func(w io.Writer) {
		if err == nil {
			fmt.Fprintf(w, "sent %s to %s\n", path, to)
		}
	})
}

// CLI web commands are operator-driven, so they run outside the
// workspace egress policy.
func runWebSearch(cmd *cobra.Command, query string) error {
	b := envelope.NewBuilder("web search")
	tool := &web.SearchTool{
		SearchURL:  os.Getenv("MSGCODE_SEARCH_URL"),
		PolicyMode: web.PolicyModeEgressAllowed,
	}
	args, _ := json.Marshal(map[string]string{"query": query})
	data, err := tool.Execute(cmd.Context(), args)
	if err != nil {
		b.Errorf("web search: %v", err)
	}
	return finish(cmd, b, data, func(w io.Writer) {
		if err == nil {
			writeIndented(w, data)
		}
	})
}

func runWebFetch(cmd *cobra.Command, rawURL string) error {
	b := envelope.NewBuilder("web fetch")
	tool := &web.FetchTool{PolicyMode: web.PolicyModeEgressAllowed}
	args, _ := json.Marshal(map[string]string{"url": rawURL})
	data, err := tool.Execute(cmd.Context(), args)
	if err != nil {
		b.Errorf("web fetch: %v", err)
	}
	return finish(cmd, b, data, func(w io.Writer) {
		if err == nil {
			writeIndented(w, data)
		}
	})
}

func runSystemInfo(cmd *cobra.Command) error {
	b := envelope.NewBuilder("system info")
	info := system.Collect(time.Time{})
	return finish(cmd, b, info, func(w io.Writer) {
		writeIndented(w, info)
	})
}

func runHelpDocs(cmd *cobra.Command) error {
	b := envelope.NewBuilder("help-docs")
	registry := commands.NewBuiltinRegistry(commands.Deps{
		SettingsPath: config.SettingsPath(),
	})
	contracts := registry.Contracts()
	return finish(cmd, b, contracts, func(w io.Writer) {
		for _, c := range contracts {
			usage := c.Usage
			if usage == "" {
				usage = "/" + c.Name
			}
			gate := ""
			if c.Mutating {
				gate = "  [owner]"
			}
			fmt.Fprintf(w, "%-32s %s%s\n", usage, c.Description, gate)
		}
	})
}
