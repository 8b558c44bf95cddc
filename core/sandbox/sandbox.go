// Package sandbox confines caller-supplied relative paths to a repository
// root. A path is usable only when it has no ".." segment, is not a secret or
// under a blocked directory, matches an allow glob, and still resolves inside
// the root after symlinks are followed.
package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/davidahmann/handoff/core/fsx"
	"github.com/gobwas/glob"
)

const (
	ReasonEmpty      = "Empty path"
	ReasonTraversal  = "Path traversal denied"
	ReasonDenied     = "Denied by policy (secrets/blocked dirs)"
	ReasonNotAllowed = "Not in allowlist"
	ReasonOutOfRoot  = "Out of repo root"
)

func DefaultDenyPatterns() []string {
	return []string{
		".env", ".env.*", "*.pem", "*.p12", "*.pfx", "*.key", "*id_rsa*", "*id_ed25519*",
		"secrets.*", "*secret*", "*token*", "*private*key*",
	}
}

func DefaultDenyDirs() []string {
	return []string{
		".git", "node_modules", "dist", "dist-web", "build", ".expo", ".next", ".turbo",
		"android", "ios",
	}
}

func DefaultAllowGlobs() []string {
	return []string{
		"package.json",
		"tsconfig.json",
		"app/**",
		"components/**",
		"constants/**",
		"context/**",
		"data/**",
		"hooks/**",
		"utils/**",
		"types/**",
		".github/**",
		"README.md",
		"scripts/**",
	}
}

type Config struct {
	Root string
	// AllowGlobs replaces the defaults when non-empty; ExtraAllowGlobs is appended.
	AllowGlobs      []string
	ExtraAllowGlobs []string
	DenyDirs        []string
	DenyPatterns    []string
}

// DeniedError carries the rejection reason. It never includes a resolved path.
type DeniedError struct {
	Path   string
	Reason string
}

func (e *DeniedError) Error() string {
	return e.Reason
}

type Resolver struct {
	root     string
	allow    []string
	denyDirs map[string]struct{}
	deny     []glob.Glob
}

func New(cfg Config) (*Resolver, error) {
	root, err := fsx.AbsPath(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("sandbox root: %w", err)
	}

	allowGlobs := cfg.AllowGlobs
	if len(allowGlobs) == 0 {
		allowGlobs = DefaultAllowGlobs()
	}
	allow := make([]string, 0, len(allowGlobs)+len(cfg.ExtraAllowGlobs))
	for _, raw := range append(append([]string{}, allowGlobs...), cfg.ExtraAllowGlobs...) {
		g := strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/")
		if g == "" {
			continue
		}
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid allow glob %q", raw)
		}
		allow = append(allow, g)
	}

	dirs := cfg.DenyDirs
	if len(dirs) == 0 {
		dirs = DefaultDenyDirs()
	}
	denyDirs := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		denyDirs[strings.ToLower(d)] = struct{}{}
	}

	patterns := cfg.DenyPatterns
	if len(patterns) == 0 {
		patterns = DefaultDenyPatterns()
	}
	deny := make([]glob.Glob, 0, len(patterns))
	for _, raw := range patterns {
		// No separators: "*" crosses "/" so "*secret*" also catches directories.
		g, err := glob.Compile(strings.ToLower(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", raw, err)
		}
		deny = append(deny, g)
	}

	return &Resolver{root: root, allow: allow, denyDirs: denyDirs, deny: deny}, nil
}

func (r *Resolver) Root() string { return r.root }

// Clean converts rel to the slash form used for matching.
func Clean(rel string) string {
	p := strings.ReplaceAll(strings.TrimSpace(rel), "\\", "/")
	return strings.TrimLeft(p, "/")
}

// Resolve returns the absolute path for rel or a *DeniedError.
func (r *Resolver) Resolve(rel string) (string, error) {
	p := Clean(rel)
	if p == "" {
		return "", &DeniedError{Path: rel, Reason: ReasonEmpty}
	}
	if fsx.HasTraversalSegment(p) {
		return "", &DeniedError{Path: rel, Reason: ReasonTraversal}
	}
	if r.IsDenied(p) {
		return "", &DeniedError{Path: rel, Reason: ReasonDenied}
	}
	if !r.Allowed(p) {
		return "", &DeniedError{Path: rel, Reason: ReasonNotAllowed}
	}
	abs, err := fsx.ResolveWithinBase(r.root, filepath.FromSlash(p))
	if err != nil || abs == r.root {
		return "", &DeniedError{Path: rel, Reason: ReasonOutOfRoot}
	}
	return abs, nil
}

// IsDenied reports whether rel is under a blocked directory or matches a
// secrets pattern by base name or full path. Matching is case-insensitive.
func (r *Resolver) IsDenied(rel string) bool {
	p := strings.ToLower(Clean(rel))
	parts := strings.Split(p, "/")
	for _, part := range parts {
		if _, ok := r.denyDirs[part]; ok {
			return true
		}
	}
	name := parts[len(parts)-1]
	for _, g := range r.deny {
		if g.Match(name) || g.Match(p) {
			return true
		}
	}
	return false
}

// BlockedDir reports whether a directory name is in the blocked set; nothing
// below such a directory is ever visible.
func (r *Resolver) BlockedDir(name string) bool {
	_, ok := r.denyDirs[strings.ToLower(name)]
	return ok
}

// Allowed reports whether rel matches an allow glob. A glob ending in "/**"
// also admits everything below its base directory.
func (r *Resolver) Allowed(rel string) bool {
	p := Clean(rel)
	for _, g := range r.allow {
		if ok, err := doublestar.Match(g, p); err == nil && ok {
			return true
		}
		if base, found := strings.CutSuffix(g, "/**"); found && strings.HasPrefix(p, strings.TrimRight(base, "/")+"/") {
			return true
		}
	}
	return false
}

// Visible reports whether a listed file may be shown to a caller.
func (r *Resolver) Visible(rel string) bool {
	return !r.IsDenied(rel) && r.Allowed(rel)
}
