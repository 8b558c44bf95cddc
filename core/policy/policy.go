// Package policy decides whether a queued operation may touch a path.
package policy

import (
	"path/filepath"
	"strings"

	"github.com/davidahmann/handoff/core/fsx"
)

type Config struct {
	NeverTouch    []string `mapstructure:"never_touch"`
	RulesFile     string   `mapstructure:"rules_file"`
	LayoutFrozen  bool     `mapstructure:"layout_frozen"`
	AllowPrefixes []string `mapstructure:"allow_prefixes"`
	Approval      Approval `mapstructure:"approval"`
}

type Approval struct {
	Enabled           bool     `mapstructure:"enabled"`
	ProtectedPrefixes []string `mapstructure:"protected_prefixes"`
}

func DefaultConfig() Config {
	return Config{
		NeverTouch:   []string{".git/", "node_modules/", ".env"},
		RulesFile:    "scripts/ai/autonomy.rules.json",
		LayoutFrozen: true,
		AllowPrefixes: []string{
			"src/", "app/", "components/", "hooks/", "utils/",
			"types/", "constants/", "context/", "data/",
		},
		Approval: Approval{
			Enabled:           true,
			ProtectedPrefixes: []string{"app/(tabs)"},
		},
	}
}

// Engine is immutable after construction and safe for concurrent use.
type Engine struct {
	neverTouch      []string
	reserved        []string
	layoutFrozen    bool
	allowPrefixes   []string
	approvalEnabled bool
	protected       []string
}

// New merges the static never-touch list with the rules file list.
func New(cfg Config, rules Rules) *Engine {
	never := make([]string, 0, len(cfg.NeverTouch)+len(rules.NeverTouch))
	never = appendPrefixes(never, cfg.NeverTouch)
	never = appendPrefixes(never, rules.NeverTouch)
	return &Engine{
		neverTouch:      never,
		layoutFrozen:    cfg.LayoutFrozen,
		allowPrefixes:   appendPrefixes(nil, cfg.AllowPrefixes),
		approvalEnabled: cfg.Approval.Enabled,
		protected:       appendPrefixes(nil, cfg.Approval.ProtectedPrefixes),
	}
}

// WithReserved returns a copy that also forbids everything below dirs,
// compared case-insensitively. The Executor reserves its own handoff
// directory this way whatever the configured lists say.
func (e *Engine) WithReserved(dirs ...string) *Engine {
	out := *e
	out.reserved = append([]string(nil), e.reserved...)
	for _, d := range appendPrefixes(nil, dirs) {
		out.reserved = append(out.reserved, strings.TrimSuffix(d, "/")+"/")
	}
	return &out
}

// IsForbidden reports whether path may not be mutated without approval.
// Absolute paths and paths with a ".." segment are always forbidden.
func (e *Engine) IsForbidden(path string) bool {
	p := normalize(path)
	if p == "" || isAbsolute(p) || fsx.HasTraversalSegment(p) {
		return true
	}
	for _, prefix := range e.neverTouch {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for _, dir := range e.reserved {
		if len(p) >= len(dir) && strings.EqualFold(p[:len(dir)], dir) {
			return true
		}
	}
	if !e.layoutFrozen {
		return false
	}
	for _, prefix := range e.allowPrefixes {
		if strings.HasPrefix(p, prefix) {
			return false
		}
	}
	return true
}

// ApprovalRequired reports whether path equals or is nested under a
// protected prefix while approvals are enabled.
func (e *Engine) ApprovalRequired(path string) bool {
	if !e.approvalEnabled {
		return false
	}
	p := normalize(path)
	for _, prefix := range e.protected {
		if p == prefix || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// Forbidden returns the members of paths that IsForbidden rejects, in order.
func (e *Engine) Forbidden(paths []string) []string {
	var out []string
	for _, p := range paths {
		if e.IsForbidden(p) {
			out = append(out, p)
		}
	}
	return out
}

// NeedingApproval returns the members of paths under a protected prefix, in order.
func (e *Engine) NeedingApproval(paths []string) []string {
	var out []string
	for _, p := range paths {
		if e.ApprovalRequired(p) {
			out = append(out, p)
		}
	}
	return out
}

func normalize(path string) string {
	p := strings.ReplaceAll(strings.TrimSpace(path), "\\", "/")
	for strings.HasPrefix(p, "./") {
		p = p[2:]
	}
	return p
}

func isAbsolute(p string) bool {
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) {
		return true
	}
	// Windows drive letters arrive in job files regardless of host OS.
	return len(p) >= 2 && p[1] == ':'
}

func appendPrefixes(dst, prefixes []string) []string {
	for _, prefix := range prefixes {
		p := normalize(prefix)
		if p == "" {
			continue
		}
		dst = append(dst, p)
	}
	return dst
}
