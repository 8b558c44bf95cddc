package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/handoff/core/config"
	"github.com/davidahmann/handoff/core/gitx"
	"github.com/davidahmann/handoff/core/layout"
	"github.com/davidahmann/handoff/core/policy"
	"github.com/davidahmann/handoff/core/schema/validate"
)

type CheckResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

type Result struct {
	CheckedAt time.Time     `json:"checked_at"`
	OK        bool          `json:"ok"`
	Checks    []CheckResult `json:"checks"`
}

type Options struct {
	Git *gitx.Runner
	Now func() time.Time
	// Fix creates missing handoff directories instead of only reporting them.
	Fix bool
}

// Run checks what the Executor needs before its first tick. It reports
// problems; it returns an error only when the configuration is unusable.
func Run(ctx context.Context, cfg config.Config, opts Options) (Result, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	root, err := cfg.RepoRoot()
	if err != nil {
		return Result{}, err
	}
	git := opts.Git
	if git == nil {
		git = gitx.New(root, gitx.Options{Binary: cfg.Git.Binary, Timeout: cfg.Git.Timeout})
	}

	results := make([]CheckResult, 0, 6)
	results = append(results, checkManifest(root, cfg.Executor.Manifest))
	results = append(results, checkGit(ctx, git))
	results = append(results, checkLayout(layout.New(root, cfg.Executor.HandoffDir), opts.Fix))
	results = append(results, checkRules(root, cfg.Policy.RulesFile))
	results = append(results, checkModules(root, cfg.Executor.Modules))
	results = append(results, checkSchemas())

	ok := true
	for _, check := range results {
		if !check.OK {
			ok = false
			break
		}
	}
	return Result{
		CheckedAt: now().UTC(),
		OK:        ok,
		Checks:    results,
	}, nil
}

func within(root, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, filepath.FromSlash(p))
}

func checkManifest(root, manifest string) CheckResult {
	if strings.TrimSpace(manifest) == "" {
		return CheckResult{Name: "manifest", OK: true, Details: "not configured"}
	}
	path := within(root, manifest)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return CheckResult{Name: "manifest", OK: false, Details: "missing: " + path}
	}
	return CheckResult{Name: "manifest", OK: true, Details: path}
}

func checkGit(ctx context.Context, git *gitx.Runner) CheckResult {
	if !git.Available() {
		return CheckResult{Name: "git", OK: false, Details: "git not found on PATH"}
	}
	res, err := git.Run(ctx, "", "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return CheckResult{Name: "git", OK: false, Details: err.Error()}
	}
	if !res.OK() || strings.TrimSpace(res.Stdout) != "true" {
		return CheckResult{Name: "git", OK: false, Details: "not a git work tree: " + git.Dir()}
	}
	return CheckResult{Name: "git", OK: true, Details: git.Dir()}
}

func checkLayout(l layout.Layout, fix bool) CheckResult {
	if fix {
		if err := l.Ensure(); err != nil {
			return CheckResult{Name: "layout", OK: false, Details: err.Error()}
		}
	}
	var missing []string
	for _, dir := range l.Dirs() {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			rel, relErr := filepath.Rel(l.Root(), dir)
			if relErr != nil {
				rel = dir
			}
			missing = append(missing, filepath.ToSlash(rel))
		}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "layout", OK: false, Details: "missing under " + l.Root() + ": " + strings.Join(missing, ", ")}
	}
	return CheckResult{Name: "layout", OK: true, Details: l.Root()}
}

func checkRules(root, rulesFile string) CheckResult {
	if strings.TrimSpace(rulesFile) == "" {
		return CheckResult{Name: "rules_file", OK: true, Details: "not configured"}
	}
	path := within(root, rulesFile)
	if _, err := os.Stat(path); err != nil {
		return CheckResult{Name: "rules_file", OK: true, Details: "absent: " + path}
	}
	rules, err := policy.LoadRules(path)
	if err != nil {
		return CheckResult{Name: "rules_file", OK: false, Details: err.Error()}
	}
	return CheckResult{Name: "rules_file", OK: true, Details: fmt.Sprintf("%s (never_touch=%d)", path, len(rules.NeverTouch))}
}

// checkModules reports module todo files that would be created on first
// use. Their absence is not a failure.
func checkModules(root string, modules map[string]string) CheckResult {
	var absent []string
	for key, rel := range modules {
		if _, err := os.Stat(within(root, rel)); err != nil {
			absent = append(absent, key)
		}
	}
	if len(absent) == 0 {
		return CheckResult{Name: "modules", OK: true, Details: fmt.Sprintf("%d configured", len(modules))}
	}
	sort.Strings(absent)
	return CheckResult{Name: "modules", OK: true, Details: "todo file not yet created: " + strings.Join(absent, ", ")}
}

func checkSchemas() CheckResult {
	var broken []string
	for _, rel := range validate.SchemaList() {
		if _, err := validate.Compile(rel); err != nil {
			broken = append(broken, rel)
		}
	}
	if len(broken) > 0 {
		return CheckResult{Name: "schemas", OK: false, Details: "cannot compile: " + strings.Join(broken, ", ")}
	}
	return CheckResult{Name: "schemas", OK: true, Details: fmt.Sprintf("%d compiled", len(validate.SchemaList()))}
}
