// Package layout names the files of the handoff directory shared by the
// Planner, the Executor and the operator.
package layout

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const DefaultDir = "handoff"

type Layout struct {
	root string
}

// New roots the layout at dir, resolved against repoRoot when relative.
func New(repoRoot, dir string) Layout {
	if dir == "" {
		dir = DefaultDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoRoot, dir)
	}
	return Layout{root: filepath.Clean(dir)}
}

func (l Layout) Root() string { return l.root }

func (l Layout) PendingDir() string          { return filepath.Join(l.root, "commands") }
func (l Layout) ProcessedDir() string        { return filepath.Join(l.root, "processed") }
func (l Layout) ApprovalRequestsDir() string { return filepath.Join(l.root, "approvals", "requests") }
func (l Layout) ApprovalInboxDir() string    { return filepath.Join(l.root, "approvals", "inbox") }
func (l Layout) BundleRequestsDir() string   { return filepath.Join(l.root, "bundle_requests") }
func (l Layout) LogsDir() string             { return filepath.Join(l.root, "logs") }
func (l Layout) StateDir() string            { return filepath.Join(l.root, "state") }
func (l Layout) StateBundlesDir() string     { return filepath.Join(l.root, "state_bundles") }

func (l Layout) PendingPath(jobID string) string {
	return filepath.Join(l.PendingDir(), jobID+".json")
}

func (l Layout) ProcessedPath(jobID string) string {
	return filepath.Join(l.ProcessedDir(), jobID+".json")
}

func (l Layout) ApprovalRequestPath(jobID string) string {
	return filepath.Join(l.ApprovalRequestsDir(), jobID+".json")
}

func (l Layout) ApprovalTokenPath(jobID string) string {
	return filepath.Join(l.ApprovalInboxDir(), jobID+".approved.json")
}

func (l Layout) BundleRequestPath(jobID string) string {
	return filepath.Join(l.BundleRequestsDir(), jobID+".json")
}

// GitignorePath keeps the Executor's runtime files out of the commits it makes.
func (l Layout) GitignorePath() string { return filepath.Join(l.root, ".gitignore") }

func (l Layout) ExecutorLogPath() string { return filepath.Join(l.LogsDir(), "executor.log") }
func (l Layout) LeasePath() string       { return filepath.Join(l.StateDir(), "executor.lease.json") }
func (l Layout) RuntimePath() string     { return filepath.Join(l.StateDir(), "runtime.json") }

func (l Layout) Dirs() []string {
	return []string{
		l.PendingDir(),
		l.ProcessedDir(),
		l.ApprovalRequestsDir(),
		l.ApprovalInboxDir(),
		l.BundleRequestsDir(),
		l.LogsDir(),
		l.StateDir(),
	}
}

// runtimeIgnore lists the per-process files that change on every tick. Jobs,
// approvals and bundle requests stay tracked.
const runtimeIgnore = "# written by handoff; runtime state is never committed\n" +
	"/state/\n" +
	"/logs/\n" +
	"/state_bundles/\n"

// Ensure creates the directories and, unless one already exists, the
// .gitignore that keeps runtime state out of the working tree's status.
func (l Layout) Ensure() error {
	for _, dir := range l.Dirs() {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create handoff dir %s: %w", dir, err)
		}
	}
	// #nosec G304 -- path is derived from the handoff layout.
	f, err := os.OpenFile(l.GitignorePath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create handoff .gitignore: %w", err)
	}
	if _, err := f.WriteString(runtimeIgnore); err != nil {
		_ = f.Close()
		return fmt.Errorf("write handoff .gitignore: %w", err)
	}
	return f.Close()
}
