// Package gitx runs the git binary against one working tree. Every call is
// bounded by the runner timeout so a hung git cannot stall a caller forever.
package gitx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	herrors "github.com/davidahmann/handoff/core/errors"
)

const (
	DefaultBinary  = "git"
	DefaultTimeout = 2 * time.Minute
	// PreviewLimit caps git output echoed back to callers.
	PreviewLimit = 200_000
)

type Options struct {
	Binary  string
	Timeout time.Duration
	Env     []string
}

type Runner struct {
	dir     string
	binary  string
	timeout time.Duration
	env     []string
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r Result) OK() bool { return r.ExitCode == 0 }

// Message returns stderr, else stdout, else fallback.
func (r Result) Message(fallback string) string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.Stdout); s != "" {
		return s
	}
	return fallback
}

func New(dir string, opts Options) *Runner {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = DefaultBinary
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{dir: dir, binary: binary, timeout: timeout, env: opts.Env}
}

func (r *Runner) Dir() string { return r.dir }

func (r *Runner) Available() bool {
	_, err := exec.LookPath(r.binary)
	return err == nil
}

// Run executes git with args. A non-zero exit is reported through Result;
// the error is reserved for a missing binary, a timeout or a start failure.
func (r *Runner) Run(ctx context.Context, stdin string, args ...string) (Result, error) {
	if !r.Available() {
		return Result{}, herrors.New(herrors.EToolUnavailable, "git not found", map[string]any{"binary": r.binary})
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// #nosec G204 -- binary comes from operator configuration; args are fixed subcommands.
	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = r.dir
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, herrors.New(herrors.EToolUnavailable, "git timed out", map[string]any{
			"args":    strings.Join(args, " "),
			"timeout": r.timeout.String(),
		})
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run git %s: %w", strings.Join(args, " "), err)
	}
	return res, nil
}

func (r *Runner) Status(ctx context.Context, branch bool) (Result, error) {
	args := []string{"status", "--porcelain=v1"}
	if branch {
		args = append(args, "-b")
	}
	return r.Run(ctx, "", args...)
}

// IsClean reports whether `git status --porcelain` is empty. When it is not,
// the returned message explains why.
func (r *Runner) IsClean(ctx context.Context) (bool, string, error) {
	res, err := r.Status(ctx, false)
	if err != nil {
		return false, "", err
	}
	if !res.OK() {
		return false, res.Message("git status failed"), nil
	}
	if strings.TrimSpace(res.Stdout) != "" {
		return false, "working tree not clean (git status not empty)", nil
	}
	return true, "", nil
}

func (r *Runner) Diff(ctx context.Context, staged bool, paths []string) (Result, error) {
	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	return r.Run(ctx, "", args...)
}

func applyArgs(check, reverse bool) []string {
	args := []string{"apply"}
	if reverse {
		args = append(args, "-R")
	}
	if check {
		args = append(args, "--check")
	}
	return append(args, "--whitespace=nowarn")
}

// ApplyCheck runs `git apply --check` (reversed when asked) without touching
// the tree. A patch that does not apply yields EApplyConflict.
func (r *Runner) ApplyCheck(ctx context.Context, patch string, reverse bool) error {
	res, err := r.Run(ctx, patch, applyArgs(true, reverse)...)
	if err != nil {
		return err
	}
	if !res.OK() {
		return herrors.New(herrors.EApplyConflict, res.Message(strings.Join(append([]string{"git"}, applyArgs(true, reverse)...), " ")+" failed"), nil)
	}
	return nil
}

func (r *Runner) Apply(ctx context.Context, patch string, reverse bool) error {
	res, err := r.Run(ctx, patch, applyArgs(false, reverse)...)
	if err != nil {
		return err
	}
	if !res.OK() {
		return herrors.New(herrors.EApplyFailed, res.Message(strings.Join(append([]string{"git"}, applyArgs(false, reverse)...), " ")+" failed"), nil)
	}
	return nil
}

// ApplyPaths lists the files git itself would touch for patch, read from
// `git apply --numstat -z`. Renames contribute both names.
func (r *Runner) ApplyPaths(ctx context.Context, patch string) ([]string, error) {
	res, err := r.Run(ctx, patch, "apply", "--numstat", "-z")
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, herrors.New(herrors.EDiffUnparseable, res.Message("git apply --numstat failed"), nil)
	}
	return parseNumstatZ(res.Stdout), nil
}

// parseNumstatZ reads "added\tdeleted\tpath\x00" records; a rename leaves
// the path empty and follows with "old\x00new\x00".
func parseNumstatZ(out string) []string {
	fields := strings.Split(out, "\x00")
	var paths []string
	for i := 0; i < len(fields); i++ {
		parts := strings.SplitN(fields[i], "\t", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[2] != "" {
			paths = append(paths, parts[2])
			continue
		}
		for k := 0; k < 2 && i+1 < len(fields); k++ {
			i++
			paths = append(paths, fields[i])
		}
	}
	return paths
}

func (r *Runner) AddAll(ctx context.Context) error {
	res, err := r.Run(ctx, "", "add", "-A")
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("git add -A: %s", res.Message("failed"))
	}
	return nil
}

func (r *Runner) Commit(ctx context.Context, message string) error {
	res, err := r.Run(ctx, "", "commit", "-m", message)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("git commit: %s", res.Message("failed"))
	}
	return nil
}

// Preview truncates s to PreviewLimit bytes with a visible marker.
func Preview(s string) string {
	if len(s) <= PreviewLimit {
		return s
	}
	return s[:PreviewLimit] + "\n\n[TRUNCATED]\n"
}
