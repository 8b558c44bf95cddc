// Package status snapshots the handoff directory and the working tree for a
// Planner that only sees exported files.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/handoff/core/approve"
	"github.com/davidahmann/handoff/core/fsx"
	"github.com/davidahmann/handoff/core/gitx"
	"github.com/davidahmann/handoff/core/job"
	"github.com/davidahmann/handoff/core/layout"
	"github.com/davidahmann/handoff/core/lease"
	"github.com/davidahmann/handoff/core/zipx"
)

const (
	SchemaID      = "handoff.runtime_state"
	SchemaVersion = "v1"

	// gitOutputTail keeps the last characters of git output in a snapshot.
	gitOutputTail = 4000
	logCount      = 10
)

type Counts struct {
	Pending          int `json:"pending"`
	Processed        int `json:"processed"`
	ApprovalRequests int `json:"approval_requests"`
	ApprovalTokens   int `json:"approval_tokens"`
	BundleRequests   int `json:"bundle_requests"`
}

type GitState struct {
	Available bool   `json:"available"`
	Clean     bool   `json:"clean"`
	Status    string `json:"status"`
	Log       string `json:"log,omitempty"`
	Error     string `json:"error,omitempty"`
}

type LeaseInfo struct {
	WorkerID    string    `json:"worker_id"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Expired     bool      `json:"expired"`
}

type Snapshot struct {
	SchemaID        string     `json:"schema_id"`
	SchemaVersion   string     `json:"schema_version"`
	CreatedAt       time.Time  `json:"created_at"`
	ProducerVersion string     `json:"producer_version"`
	RepoRoot        string     `json:"repo_root"`
	Counts          Counts     `json:"counts"`
	Pending         []string   `json:"pending"`
	AwaitingToken   []string   `json:"awaiting_token"`
	Lease           *LeaseInfo `json:"lease,omitempty"`
	Git             GitState   `json:"git"`
}

type Options struct {
	RepoRoot        string
	Layout          layout.Layout
	Git             *gitx.Runner
	ProducerVersion string
	Now             func() time.Time
}

// Collect reads the handoff directory without modifying it. Git problems are
// recorded in the snapshot rather than returned.
func Collect(ctx context.Context, opts Options) (Snapshot, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	l := opts.Layout
	snap := Snapshot{
		SchemaID:        SchemaID,
		SchemaVersion:   SchemaVersion,
		CreatedAt:       now().UTC(),
		ProducerVersion: opts.ProducerVersion,
		RepoRoot:        opts.RepoRoot,
	}

	pending, err := listNames(l.PendingDir(), job.FileExt)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Pending = make([]string, 0, len(pending))
	for _, name := range pending {
		snap.Pending = append(snap.Pending, job.IDFromPath(name))
	}
	snap.Counts.Pending = len(pending)

	counters := []struct {
		dir    string
		suffix string
		dst    *int
	}{
		{l.ProcessedDir(), ".json", &snap.Counts.Processed},
		{l.ApprovalRequestsDir(), ".json", &snap.Counts.ApprovalRequests},
		{l.ApprovalInboxDir(), ".approved.json", &snap.Counts.ApprovalTokens},
		{l.BundleRequestsDir(), ".json", &snap.Counts.BundleRequests},
	}
	for _, c := range counters {
		names, err := listNames(c.dir, c.suffix)
		if err != nil {
			return Snapshot{}, err
		}
		*c.dst = len(names)
	}

	awaiting, err := approve.PendingRequests(l)
	if err != nil {
		return Snapshot{}, err
	}
	snap.AwaitingToken = append([]string{}, awaiting...)

	rec, err := lease.Read(l.LeasePath())
	if err != nil {
		return Snapshot{}, err
	}
	if rec != nil {
		snap.Lease = &LeaseInfo{
			WorkerID:    rec.WorkerID,
			HeartbeatAt: rec.HeartbeatAt,
			ExpiresAt:   rec.ExpiresAt,
			Expired:     lease.IsExpired(rec, now()),
		}
	}

	if opts.Git != nil {
		snap.Git = collectGit(ctx, opts.Git)
	}
	return snap, nil
}

func collectGit(ctx context.Context, git *gitx.Runner) GitState {
	if !git.Available() {
		return GitState{Error: "git not found"}
	}
	st := GitState{Available: true}
	res, err := git.Status(ctx, true)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	if !res.OK() {
		st.Error = tail(res.Message("git status failed"))
		return st
	}
	st.Status = tail(res.Stdout)
	st.Clean = true
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		// The branch header from -b is not a change.
		if line != "" && !strings.HasPrefix(line, "##") {
			st.Clean = false
			break
		}
	}
	if logRes, err := git.Run(ctx, "", "log", "--oneline", fmt.Sprintf("-%d", logCount)); err == nil && logRes.OK() {
		st.Log = tail(logRes.Stdout)
	}
	return st
}

// Write persists the snapshot to the runtime file atomically.
func Write(l layout.Layout, snap Snapshot) (string, error) {
	path := l.RuntimePath()
	if err := fsx.AtomicWriteJSON(path, snap, 0o600); err != nil {
		return "", fmt.Errorf("write runtime state: %w", err)
	}
	return path, nil
}

// Bundle zips the runtime file, a git status capture and the executor log
// into a timestamped archive and refreshes latest.zip next to it.
func Bundle(repoRoot string, l layout.Layout, snap Snapshot) (string, error) {
	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal runtime state: %w", err)
	}
	entries, err := zipx.FromFiles(repoRoot, []string{l.ExecutorLogPath()})
	if err != nil {
		return "", err
	}
	stateRel := func(name string) string {
		rel, err := filepath.Rel(repoRoot, filepath.Join(l.StateDir(), name))
		if err != nil {
			return name
		}
		return filepath.ToSlash(rel)
	}
	entries = append(entries,
		zipx.Entry{Name: stateRel("runtime.json"), Data: append(raw, '\n')},
		zipx.Entry{Name: stateRel("git_status.txt"), Data: []byte(snap.Git.Status)},
	)
	archive, err := zipx.Build(entries)
	if err != nil {
		return "", err
	}

	dir := l.StateBundlesDir()
	path := filepath.Join(dir, "state_"+snap.CreatedAt.Format("20060102_150405")+".zip")
	if err := fsx.AtomicWriteFile(path, archive, 0o600); err != nil {
		return "", fmt.Errorf("write state bundle: %w", err)
	}
	if err := fsx.AtomicWriteFile(filepath.Join(dir, "latest.zip"), archive, 0o600); err != nil {
		return "", fmt.Errorf("write latest state bundle: %w", err)
	}
	return path, nil
}

// listNames returns sorted file names in dir ending in suffix. A missing
// directory is empty.
func listNames(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func tail(s string) string {
	if len(s) <= gitOutputTail {
		return s
	}
	return s[len(s)-gitOutputTail:]
}
