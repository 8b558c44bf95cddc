package main

import (
	"fmt"

	"github.com/davidahmann/handoff/core/approve"
	"github.com/davidahmann/handoff/core/layout"
	"github.com/spf13/cobra"
)

func (c *cli) approveCmd() *cobra.Command {
	var reason, approvedBy string
	cmd := &cobra.Command{
		Use:   "approve <job-id>",
		Short: "File an approval token for a deferred job",
		Long: `Write <handoff>/approvals/inbox/<job-id>.approved.json. The Executor applies
the job on its next tick unless a guardrail still blocks it.`,
		Args: exactArgs(1, "handoff approve <job-id> --reason <text> [--by <name>]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			root, err := cfg.RepoRoot()
			if err != nil {
				return err
			}
			l := layout.New(root, cfg.Executor.HandoffDir)
			jobID := args[0]

			path, err := approve.WriteToken(l, approve.Token{
				JobID:      jobID,
				ApprovedBy: approve.ResolveApprovedBy(approvedBy),
				Reason:     reason,
				ApprovedAt: c.now(),
			})
			if err != nil {
				return err
			}
			_, reqErr := approve.ReadRequest(l.ApprovalRequestPath(jobID))
			hasRequest := reqErr == nil

			if c.jsonMode {
				return c.writeJSON(map[string]any{"job_id": jobID, "token": path, "had_request": hasRequest})
			}
			fmt.Fprintf(c.stdout, "approved job=%s token=%s\n", jobID, path)
			if !hasRequest {
				fmt.Fprintf(c.stderr, "note: no approval request is pending for %s\n", jobID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the job is approved (required)")
	cmd.Flags().StringVar(&approvedBy, "by", "", "approver name (default $HANDOFF_APPROVED_BY, then $USER)")
	return cmd
}
