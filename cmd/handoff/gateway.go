package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/davidahmann/handoff/core/gateway"
	"github.com/spf13/cobra"
)

func (c *cli) gatewayCmd() *cobra.Command {
	var allowGlobs []string
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve the authenticated repository gateway",
		Long: `Serve sandboxed repository reads and, when enabled, dry-run-first plan and
patch application over HTTP. Every endpoint except /health requires the
shared token in the X-Gateway-Token header.

Examples:
  handoff gateway --token "$TOKEN"
  handoff gateway --token "$TOKEN" --allow-write --allow-patch-apply
  handoff gateway --token "$TOKEN" --allow-glob 'docs/**' --readonly`,
		Args: exactArgs(0, "handoff gateway --token <secret> [flags]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			cfg.Gateway.AllowGlobs = append(cfg.Gateway.AllowGlobs, allowGlobs...)
			gw, err := gateway.ValidateConfig(cfg.Gateway)
			if err != nil {
				return err
			}
			cfg.Gateway = gw

			logger, err := c.logger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			svc, err := gateway.NewService(cfg, gateway.Options{Logger: logger})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return gateway.NewServer(cfg.Gateway, svc, logger).ListenAndServe(ctx)
		},
	}

	f := cmd.Flags()
	f.String("host", "", "listen host (default 127.0.0.1)")
	f.Int("port", 0, "listen port (default 8732)")
	f.String("token", "", "shared secret; also HANDOFF_GATEWAY_TOKEN")
	f.Bool("readonly", false, "refuse every mutating endpoint")
	f.Bool("allow-write", false, "enable /repo/write and allow plan or patch apply")
	f.Bool("allow-apply-plan", false, "enable /plan/validate and /plan/apply")
	f.Bool("allow-patch-apply", false, "enable /patch/apply and /patch/revert")
	f.Bool("disallow-git", false, "disable /git/status and /git/diff")
	f.Bool("allow-non-loopback", false, "permit listening on a non-loopback host")
	f.StringArrayVar(&allowGlobs, "allow-glob", nil, "extra allow glob, repeatable")

	for key, name := range map[string]string{
		"gateway.host":               "host",
		"gateway.port":               "port",
		"gateway.token":              "token",
		"gateway.readonly":           "readonly",
		"gateway.allow_write":        "allow-write",
		"gateway.allow_apply_plan":   "allow-apply-plan",
		"gateway.allow_patch_apply":  "allow-patch-apply",
		"gateway.disallow_git":       "disallow-git",
		"gateway.allow_non_loopback": "allow-non-loopback",
	} {
		c.bind(key, f.Lookup(name))
	}
	return cmd
}
