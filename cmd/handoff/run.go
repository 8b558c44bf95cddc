package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/davidahmann/handoff/core/executor"
	"github.com/davidahmann/handoff/core/layout"
	"github.com/davidahmann/handoff/core/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (c *cli) runCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the pending job directory and apply jobs",
		Long: `Run the Executor. Every poll interval it processes pending jobs oldest
first: applying them, or deferring them behind an approval or bundle
request. Activity is appended to <handoff>/logs/executor.log.

Examples:
  handoff run              # poll until interrupted
  handoff run --once       # one tick, then exit`,
		Args: exactArgs(0, "handoff run [--once]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			root, err := cfg.RepoRoot()
			if err != nil {
				return err
			}
			base, err := c.logger(cfg)
			if err != nil {
				return err
			}
			logger, closeLog, err := logging.TeeToFile(base, layout.New(root, cfg.Executor.HandoffDir).ExecutorLogPath())
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			exec, err := executor.New(cfg, executor.Options{Logger: logger, Now: c.now})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !once {
				return exec.Run(ctx)
			}
			results, err := exec.RunOnce(ctx)
			if err != nil {
				return err
			}
			logger.Info("tick complete", zap.Int("jobs", len(results)))
			if c.jsonMode {
				return c.writeJSON(map[string]any{"results": results})
			}
			for _, r := range results {
				line := fmt.Sprintf("%s %s", r.JobID, r.Outcome)
				if r.Code != "" {
					line += " " + string(r.Code)
				}
				if r.Artifact != "" {
					line += " artifact=" + r.Artifact
				}
				if r.Processed != "" {
					line += " processed=" + r.Processed
				}
				fmt.Fprintln(c.stdout, line)
			}
			if len(results) == 0 {
				fmt.Fprintln(c.stdout, "no pending jobs")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single tick and exit")
	return cmd
}
