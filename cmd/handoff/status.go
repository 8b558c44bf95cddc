package main

import (
	"fmt"
	"time"

	"github.com/davidahmann/handoff/core/gitx"
	"github.com/davidahmann/handoff/core/layout"
	"github.com/davidahmann/handoff/core/status"
	"github.com/spf13/cobra"
)

func (c *cli) statusCmd() *cobra.Command {
	var write, bundle bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Snapshot the handoff directory and working tree",
		Long: `Count pending and processed jobs, approval requests and tokens, and
bundle requests, and capture git status. --write stores the snapshot in
<handoff>/state/runtime.json; --bundle also zips it with the executor log
into <handoff>/state_bundles/.`,
		Args: exactArgs(0, "handoff status [--write] [--bundle]"),
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
			snap, err := status.Collect(cmd.Context(), status.Options{
				RepoRoot:        root,
				Layout:          l,
				Git:             gitx.New(root, gitx.Options{Binary: cfg.Git.Binary, Timeout: cfg.Git.Timeout}),
				ProducerVersion: version,
				Now:             c.now,
			})
			if err != nil {
				return err
			}

			var written, bundled string
			if write || bundle {
				if written, err = status.Write(l, snap); err != nil {
					return err
				}
			}
			if bundle {
				if bundled, err = status.Bundle(root, l, snap); err != nil {
					return err
				}
			}

			if c.jsonMode {
				return c.writeJSON(snap)
			}
			n := snap.Counts
			fmt.Fprintf(c.stdout, "pending=%d processed=%d approval_requests=%d approval_tokens=%d bundle_requests=%d\n",
				n.Pending, n.Processed, n.ApprovalRequests, n.ApprovalTokens, n.BundleRequests)
			for _, id := range snap.AwaitingToken {
				fmt.Fprintf(c.stdout, "awaiting approval: %s\n", id)
			}
			if snap.Lease != nil {
				fmt.Fprintf(c.stdout, "executor=%s expires_at=%s expired=%t\n",
					snap.Lease.WorkerID, snap.Lease.ExpiresAt.Format(time.RFC3339), snap.Lease.Expired)
			}
			switch {
			case snap.Git.Error != "":
				fmt.Fprintf(c.stdout, "git: %s\n", snap.Git.Error)
			case snap.Git.Clean:
				fmt.Fprintln(c.stdout, "git: clean")
			default:
				fmt.Fprintf(c.stdout, "git:\n%s", snap.Git.Status)
			}
			if written != "" {
				fmt.Fprintf(c.stdout, "wrote %s\n", written)
			}
			if bundled != "" {
				fmt.Fprintf(c.stdout, "bundled %s\n", bundled)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&write, "write", false, "persist the snapshot to runtime.json")
	cmd.Flags().BoolVar(&bundle, "bundle", false, "also write a zipped state bundle")
	return cmd
}
