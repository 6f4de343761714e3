package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/HendryAvila/membus/internal/bustools"
	"github.com/HendryAvila/membus/internal/config"
	"github.com/HendryAvila/membus/internal/membus"
	"github.com/HendryAvila/membus/internal/server"
	"github.com/HendryAvila/membus/internal/vault"
)

// shutdownTimeout bounds how long Close may drain the sync queue.
const shutdownTimeout = 10 * time.Second

type globalFlags struct {
	configPath string
	logLevel   string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "membus",
		Short:         "Shared memory bus for agents (MCP server)",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `membus keeps a Markdown document store and a semantic vector index in step.

Configuration is read from membus.yaml (working directory or ~/.membus) and
MEMBUS_* environment variables.

Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "membus": {
        "command": "membus",
        "args": ["serve"]
      }
    }
  }`,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to membus.yaml")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newServeCmd(g),
		newStatsCmd(g),
		newCheckCmd(g),
		newRebuildCmd(g),
		newExportCmd(g),
		newImportCmd(g),
		newDeadLettersCmd(g),
		newVersionCmd(),
	)
	return root
}

// newLogger writes JSON logs to stderr; stdout carries the MCP transport.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// withRuntime loads configuration, opens the stack, runs fn and closes the
// stack. fn's context is cancelled on SIGINT or SIGTERM.
func withRuntime(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, rt *server.Runtime) error) error {
	logger, err := newLogger(g.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := server.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()
	return fn(ctx, rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ─── serve ───────────────────────────────────────────────────────────────────

func newServeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server (stdio transport)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, g, func(ctx context.Context, rt *server.Runtime) error {
				rt.Bus.Start(ctx)
				s := server.New(rt)
				err := mcpserver.NewStdioServer(s).Listen(ctx, os.Stdin, os.Stdout)
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			})
		},
	}
}

// ─── stats / check / rebuild ─────────────────────────────────────────────────

func newStatsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print document, vector and sync queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, g, func(ctx context.Context, rt *server.Runtime) error {
				stats, err := rt.Bus.Stats(ctx)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				fmt.Fprint(cmd.OutOrStdout(), bustools.FormatStats(stats))
				return nil
			})
		},
	}
}

func newCheckCmd(g *globalFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Compare the document store with the vector index",
		Long: `Compare the document store with the vector index.

Pending sync jobs are drained first so that only real divergence is
reported. Without --dry-run a divergent check counts toward the automatic
rebuild threshold. Exits non-zero when the stores are desynced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, g, func(ctx context.Context, rt *server.Runtime) error {
				if err := rt.Bus.WaitSynced(ctx); err != nil {
					return fmt.Errorf("waiting for sync: %w", err)
				}
				check := rt.Bus.Check
				if dryRun {
					check = rt.Bus.Inspect
				}
				snap, err := check(ctx)
				if err != nil {
					return err
				}
				if g.jsonOut {
					if err := printJSON(cmd.OutOrStdout(), snap); err != nil {
						return err
					}
				} else {
					fmt.Fprint(cmd.OutOrStdout(), bustools.FormatSnapshot(snap))
				}
				if snap.Desynced {
					return membus.ErrDesync
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "inspect only; never trigger a rebuild")
	return cmd
}

func newRebuildCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Re-embed every document into a fresh vector collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, g, func(ctx context.Context, rt *server.Runtime) error {
				inc, err := rt.Bus.Rebuild(ctx)
				if inc != nil {
					if g.jsonOut {
						if jerr := printJSON(cmd.OutOrStdout(), inc); jerr != nil {
							return jerr
						}
					} else {
						fmt.Fprintln(cmd.OutOrStdout(), bustools.FormatIncident(inc))
					}
				}
				return err
			})
		},
	}
}

// ─── export / import ─────────────────────────────────────────────────────────

func newExportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export <dir>",
		Short: "Write every note to a directory of Markdown files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, g, func(ctx context.Context, rt *server.Runtime) error {
				res, err := vault.New(args[0], nil).Export(ctx, rt.Bus)
				if err != nil {
					return err
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %s notes (%s) to %s\n",
					humanize.Comma(int64(res.Notes)), humanize.IBytes(uint64(res.Bytes)), args[0])
				return nil
			})
		},
	}
}

func newImportCmd(g *globalFlags) *cobra.Command {
	var (
		agentID    string
		resolution string
	)
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Write every Markdown note under a directory through the bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, g, func(ctx context.Context, rt *server.Runtime) error {
				res, err := vault.New(args[0], nil).Import(ctx, rt.Bus, vault.ImportOptions{
					AgentID:    agentID,
					Resolution: membus.Resolution(resolution),
				})
				if err != nil {
					return err
				}
				if err := rt.Bus.WaitSynced(ctx); err != nil {
					return fmt.Errorf("waiting for sync: %w", err)
				}
				if g.jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Imported %d notes (%d skipped, %d failed)\n", res.Written, res.Skipped, len(res.Failed))
				for path, msg := range res.Failed {
					fmt.Fprintf(out, "  %s: %s\n", path, msg)
				}
				if len(res.Failed) > 0 {
					return fmt.Errorf("%d notes failed to import", len(res.Failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "vault-import", "agent id recorded in the audit log")
	cmd.Flags().StringVar(&resolution, "resolution", string(membus.LastWriteWins),
		"conflict resolution: "+strings.Join([]string{string(membus.LastWriteWins), string(membus.Abort), string(membus.Merge)}, ", "))
	return cmd
}

// ─── dead-letters ────────────────────────────────────────────────────────────

func newDeadLettersCmd(g *globalFlags) *cobra.Command {
	var requeue []string
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List sync jobs that exhausted their retries, or requeue them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, g, func(ctx context.Context, rt *server.Runtime) error {
				out := cmd.OutOrStdout()
				if len(requeue) > 0 {
					for _, id := range requeue {
						if err := rt.Bus.RequeueDeadLetter(id); err != nil {
							return err
						}
						fmt.Fprintf(out, "Requeued %s\n", id)
					}
					return rt.Bus.WaitSynced(ctx)
				}

				dead := rt.Bus.DeadLetters()
				if g.jsonOut {
					return printJSON(out, dead)
				}
				if len(dead) == 0 {
					fmt.Fprintln(out, "No dead letters.")
					return nil
				}
				for _, d := range dead {
					fmt.Fprintf(out, "%s  %-6s %s  attempts=%d  failed %s\n    %s\n",
						d.Job.ID, d.Job.Op, d.Job.ContentID, d.Job.AttemptCount, humanize.Time(d.FailedAt), d.Error)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&requeue, "requeue", nil, "job ids to put back on the sync queue")
	return cmd
}

// ─── version ─────────────────────────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "membus v%s\n", server.Version)
		},
	}
}
