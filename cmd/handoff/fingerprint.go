package main

import (
	"fmt"
	"os"

	"github.com/davidahmann/handoff/core/job"
	"github.com/spf13/cobra"
)

func (c *cli) fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <job.json>",
		Short: "Print the deterministic fingerprint of a job file",
		Long: `Validate a job file and print the SHA-256 of its canonical
{type, module, intent, ops}. Planners compare fingerprints to drop
duplicate jobs before writing them.`,
		Args: exactArgs(1, "handoff fingerprint <job.json>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			// #nosec G304 -- operator-supplied path.
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read job file: %w", err)
			}
			// Files outside the queue need not follow the id naming rule.
			id := job.IDFromPath(path)
			if job.ValidateID(id) != nil {
				id = "job"
			}
			j, err := job.Decode(id, raw)
			if err != nil {
				return err
			}
			matches := j.DeclaredFingerprint == "" || j.DeclaredFingerprint == j.Fingerprint
			if c.jsonMode {
				return c.writeJSON(map[string]any{
					"fingerprint":          j.Fingerprint,
					"declared_fingerprint": j.DeclaredFingerprint,
					"matches_declared":     matches,
				})
			}
			fmt.Fprintln(c.stdout, j.Fingerprint)
			if !matches {
				fmt.Fprintf(c.stderr, "note: declared fingerprint %s differs\n", j.DeclaredFingerprint)
			}
			return nil
		},
	}
}
