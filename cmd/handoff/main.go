package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/davidahmann/handoff/core/config"
	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/davidahmann/handoff/core/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, time.Now))
}

// cli carries per-invocation state so commands share no package globals.
type cli struct {
	stdout     io.Writer
	stderr     io.Writer
	now        func() time.Time
	v          *viper.Viper
	configFile string
	jsonMode   bool
	// exitCode lets a command report failure without an error value.
	exitCode int
}

func run(args []string, stdout, stderr io.Writer, now func() time.Time) int {
	return runContext(context.Background(), args, stdout, stderr, now)
}

func runContext(ctx context.Context, args []string, stdout, stderr io.Writer, now func() time.Time) int {
	c := &cli{stdout: stdout, stderr: stderr, now: now, v: config.New()}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		return c.printError(err)
	}
	return c.exitCode
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "handoff",
		Short:         "File-queue executor and patch gateway for planner-driven repository changes",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return herrors.New(herrors.EInvalidInput, fmt.Sprintf("unknown command %q", args[0]), map[string]any{"command": args[0]})
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.printVersion()
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return herrors.New(herrors.EInvalidInput, err.Error(), map[string]any{"command": cmd.CommandPath()})
	})

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "config file (YAML); defaults to ./handoff.yaml when present")
	pf.BoolVar(&c.jsonMode, "json", false, "machine-readable output and error envelopes")
	pf.String("repo", "", "repository root")
	pf.String("log-level", "", "log level (debug, info, warn, error)")
	pf.String("log-format", "", "log format (console, json)")
	c.bind("repo.root", pf.Lookup("repo"))
	c.bind("logging.level", pf.Lookup("log-level"))
	c.bind("logging.format", pf.Lookup("log-format"))

	root.AddCommand(
		c.runCmd(),
		c.gatewayCmd(),
		c.approveCmd(),
		c.fingerprintCmd(),
		c.statusCmd(),
		c.doctorCmd(),
		c.versionCmd(),
	)
	return root
}

// bind layers a flag over the configuration key; viper only prefers the
// flag when it was set on the command line.
func (c *cli) bind(key string, flag *pflag.Flag) {
	_ = c.v.BindPFlag(key, flag)
}

func (c *cli) loadConfig() (config.Config, error) {
	cfg, err := config.Load(c.v, c.configFile)
	if err != nil {
		return config.Config{}, herrors.New(herrors.EInvalidInput, "load configuration", map[string]any{"error": err.Error()})
	}
	return cfg, nil
}

func (c *cli) logger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logging, c.stderr)
	if err != nil {
		return nil, herrors.New(herrors.EInvalidInput, "configure logging", map[string]any{"error": err.Error()})
	}
	return logger, nil
}

func (c *cli) writeJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func (c *cli) printError(err error) int {
	if c.jsonMode {
		out, marshalErr := herrors.MarshalEnvelope(err, version, c.now().UTC())
		if marshalErr != nil {
			fmt.Fprintf(c.stderr, "marshal error envelope: %v\n", marshalErr)
			return 1
		}
		fmt.Fprintln(c.stderr, string(out))
	} else {
		fmt.Fprintf(c.stderr, "%v\n", err)
	}

	var herr herrors.HandoffError
	if errors.As(err, &herr) {
		return herrors.ExitCodeFor(herr.Code)
	}
	return 1
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return herrors.New(herrors.EInvalidInput, "usage: "+usage, nil)
		}
		return nil
	}
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version, commit and build date",
		Args:  exactArgs(0, "handoff version"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.printVersion()
		},
	}
}

func (c *cli) printVersion() error {
	if c.jsonMode {
		return c.writeJSON(map[string]string{"version": version, "commit": commit, "date": date})
	}
	fmt.Fprintf(c.stdout, "handoff %s (commit=%s date=%s)\n", version, commit, date)
	return nil
}
