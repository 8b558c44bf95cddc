// Package config loads handoff settings from defaults, an optional YAML
// file, HANDOFF_* environment variables and bound command flags, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/davidahmann/handoff/core/policy"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "HANDOFF"
	ConfigName = "handoff"
)

type Config struct {
	Repo     RepoConfig     `mapstructure:"repo"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Git      GitConfig      `mapstructure:"git"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Policy   policy.Config  `mapstructure:"policy"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

type RepoConfig struct {
	Root string `mapstructure:"root"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GitConfig struct {
	Binary  string        `mapstructure:"binary"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ExecutorConfig struct {
	HandoffDir     string            `mapstructure:"handoff_dir"`
	Manifest       string            `mapstructure:"manifest"`
	PollInterval   time.Duration     `mapstructure:"poll_interval"`
	Commit         bool              `mapstructure:"commit"`
	CommitTemplate string            `mapstructure:"commit_template"`
	Modules        map[string]string `mapstructure:"modules"`
	LeaseTTL       time.Duration     `mapstructure:"lease_ttl"`
}

type GatewayConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Token            string        `mapstructure:"token"`
	AllowNonLoopback bool          `mapstructure:"allow_non_loopback"`
	Readonly         bool          `mapstructure:"readonly"`
	AllowWrite       bool          `mapstructure:"allow_write"`
	AllowApplyPlan   bool          `mapstructure:"allow_apply_plan"`
	AllowPatchApply  bool          `mapstructure:"allow_patch_apply"`
	DisallowGit      bool          `mapstructure:"disallow_git"`
	AllowGlobs       []string      `mapstructure:"allow_globs"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
	MaxWriteBytes    int           `mapstructure:"max_write_bytes"`
	RateLimit        float64       `mapstructure:"rate_limit"`
	RateBurst        int           `mapstructure:"rate_burst"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// SetDefaults registers every key so environment overrides are visible to
// Unmarshal.
func SetDefaults(v *viper.Viper) {
	pol := policy.DefaultConfig()

	v.SetDefault("repo.root", ".")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("git.binary", "git")
	v.SetDefault("git.timeout", "2m")

	v.SetDefault("executor.handoff_dir", "handoff")
	v.SetDefault("executor.manifest", "scripts/ai/PROMPT_ZERO.md")
	v.SetDefault("executor.poll_interval", "10s")
	v.SetDefault("executor.commit", true)
	v.SetDefault("executor.commit_template", "chore(handoff): apply %s %s")
	v.SetDefault("executor.modules", map[string]string{
		"cart":    "src/cart/AUTONOMOUS_TODO.md",
		"explore": "src/explore/AUTONOMOUS_TODO.md",
	})
	v.SetDefault("executor.lease_ttl", "0s")

	v.SetDefault("policy.never_touch", pol.NeverTouch)
	v.SetDefault("policy.rules_file", pol.RulesFile)
	v.SetDefault("policy.layout_frozen", pol.LayoutFrozen)
	v.SetDefault("policy.allow_prefixes", pol.AllowPrefixes)
	v.SetDefault("policy.approval.enabled", pol.Approval.Enabled)
	v.SetDefault("policy.approval.protected_prefixes", pol.Approval.ProtectedPrefixes)

	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 8732)
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.allow_non_loopback", false)
	v.SetDefault("gateway.readonly", false)
	v.SetDefault("gateway.allow_write", false)
	v.SetDefault("gateway.allow_apply_plan", false)
	v.SetDefault("gateway.allow_patch_apply", false)
	v.SetDefault("gateway.disallow_git", false)
	v.SetDefault("gateway.allow_globs", []string{})
	v.SetDefault("gateway.max_body_bytes", 8<<20)
	v.SetDefault("gateway.max_write_bytes", 600_000)
	v.SetDefault("gateway.rate_limit", 0)
	v.SetDefault("gateway.rate_burst", 10)
	v.SetDefault("gateway.read_timeout", "30s")
	v.SetDefault("gateway.write_timeout", "5m")
	v.SetDefault("gateway.shutdown_timeout", "10s")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile when given, otherwise an optional handoff.yaml in
// the working directory, then decodes v.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return Decode(v)
}

func Decode(v *viper.Viper) (Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// RepoRoot returns the absolute repository root.
func (c Config) RepoRoot() (string, error) {
	root := strings.TrimSpace(c.Repo.Root)
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve repo root: %w", err)
	}
	return abs, nil
}

// EffectiveLeaseTTL defaults to three poll intervals.
func (e ExecutorConfig) EffectiveLeaseTTL() time.Duration {
	if e.LeaseTTL > 0 {
		return e.LeaseTTL
	}
	if e.PollInterval > 0 {
		return 3 * e.PollInterval
	}
	return 30 * time.Second
}

// Addr is the gateway listen address.
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}
