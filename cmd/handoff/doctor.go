package main

import (
	"fmt"

	"github.com/davidahmann/handoff/core/doctor"
	"github.com/spf13/cobra"
)

func (c *cli) doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check what the Executor needs before its first tick",
		Args:  exactArgs(0, "handoff doctor [--fix]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			result, err := doctor.Run(cmd.Context(), cfg, doctor.Options{Now: c.now, Fix: fix})
			if err != nil {
				return err
			}
			if !result.OK {
				c.exitCode = 1
			}
			if c.jsonMode {
				return c.writeJSON(result)
			}
			fmt.Fprintf(c.stdout, "doctor ok=%t checks=%d\n", result.OK, len(result.Checks))
			for _, check := range result.Checks {
				fmt.Fprintf(c.stdout, "- %s ok=%t %s\n", check.Name, check.OK, check.Details)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "create missing handoff directories")
	return cmd
}
