// Package executor drains the pending job directory. Jobs run one at a time;
// a job is complete only once its file has moved to the processed directory.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/handoff/core/config"
	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/davidahmann/handoff/core/fsx"
	"github.com/davidahmann/handoff/core/gitx"
	"github.com/davidahmann/handoff/core/layout"
	"github.com/davidahmann/handoff/core/lease"
	"github.com/davidahmann/handoff/core/policy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	Logger *zap.Logger
	Git    *gitx.Runner
	// Policy overrides the engine built from configuration and the rules file.
	Policy   *policy.Engine
	Now      func() time.Time
	WorkerID string
}

type Executor struct {
	cfg      config.ExecutorConfig
	repoRoot string
	layout   layout.Layout
	policy   *policy.Engine
	git      *gitx.Runner
	logger   *zap.Logger
	now      func() time.Time
	lease    *lease.File
	held     bool
}

func New(cfg config.Config, opts Options) (*Executor, error) {
	root, err := cfg.RepoRoot()
	if err != nil {
		return nil, err
	}
	engine := opts.Policy
	if engine == nil {
		rulesPath := cfg.Policy.RulesFile
		if rulesPath != "" && !filepath.IsAbs(rulesPath) {
			rulesPath = filepath.Join(root, rulesPath)
		}
		rules, err := policy.LoadRules(rulesPath)
		if err != nil {
			return nil, err
		}
		engine = policy.New(cfg.Policy, rules)
	}
	git := opts.Git
	if git == nil {
		git = gitx.New(root, gitx.Options{Binary: cfg.Git.Binary, Timeout: cfg.Git.Timeout})
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	workerID := opts.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	l := layout.New(root, cfg.Executor.HandoffDir)
	if rel, err := filepath.Rel(root, l.Root()); err == nil && rel != "." && !fsx.HasTraversalSegment(rel) {
		// Jobs may never write the queue, approvals or lease they are judged by.
		engine = engine.WithReserved(filepath.ToSlash(rel))
	}
	return &Executor{
		cfg:      cfg.Executor,
		repoRoot: root,
		layout:   l,
		policy:   engine,
		git:      git,
		logger:   logger.With(zap.String("component", "executor")),
		now:      now,
		lease: &lease.File{
			Path:     l.LeasePath(),
			WorkerID: workerID,
			LeaseID:  uuid.NewString(),
			TTL:      cfg.Executor.EffectiveLeaseTTL(),
			Now:      now,
		},
	}, nil
}

func (e *Executor) Layout() layout.Layout { return e.layout }

// CheckManifest fails with EManifestMissing when the manifest file is absent.
func (e *Executor) CheckManifest() error {
	manifest := e.cfg.Manifest
	if manifest == "" {
		return nil
	}
	if !filepath.IsAbs(manifest) {
		manifest = filepath.Join(e.repoRoot, manifest)
	}
	info, err := os.Stat(manifest)
	if err != nil || info.IsDir() {
		return herrors.New(herrors.EManifestMissing, "manifest file is missing", map[string]any{"path": manifest})
	}
	return nil
}

func (e *Executor) start() error {
	if err := e.CheckManifest(); err != nil {
		return err
	}
	if err := e.layout.Ensure(); err != nil {
		return err
	}
	if _, err := e.lease.Claim(); err != nil {
		return err
	}
	e.held = true
	return nil
}

func (e *Executor) stop() {
	e.held = false
	if err := e.lease.Release(); err != nil {
		e.logger.Warn("release lease", zap.Error(err))
	}
}

// Run polls until ctx is cancelled. Start-up failures are returned
// immediately; per-job failures never stop the loop.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	defer e.stop()

	interval := e.cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	e.logger.Info("executor started",
		zap.String("repo", e.repoRoot),
		zap.String("pending_dir", e.layout.PendingDir()),
		zap.Duration("poll_interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.Tick(ctx); err != nil {
			if herrors.Is(err, herrors.ELeaseConflict) {
				return err
			}
			e.logger.Error("tick failed", zap.Error(err))
		}
		if err := e.renew(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs the start-up checks and a single tick.
func (e *Executor) RunOnce(ctx context.Context) ([]Result, error) {
	if err := e.start(); err != nil {
		return nil, err
	}
	defer e.stop()
	return e.Tick(ctx)
}

// Tick processes every pending job, oldest first. While the lease is held it
// is renewed before each job, so a long tick cannot outlive it, and a lease
// lost to another executor stops the tick before the next job.
func (e *Executor) Tick(ctx context.Context) ([]Result, error) {
	pending, err := e.listPending()
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(pending))
	for _, path := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := e.renew(); err != nil {
			return results, err
		}
		results = append(results, e.ProcessJob(ctx, path))
	}
	return results, nil
}

// renew extends a held lease. A lock held by a process that is merely
// trying to claim is waited out until the next renewal.
func (e *Executor) renew() error {
	if !e.held {
		return nil
	}
	_, err := e.lease.Renew()
	if lease.IsBusy(err) {
		e.logger.Warn("lease renewal deferred: lease file busy")
		return nil
	}
	if err != nil {
		e.logger.Error("executor lease lost", zap.Error(err))
	}
	return err
}

func (e *Executor) listPending() ([]string, error) {
	entries, err := os.ReadDir(e.layout.PendingDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	type candidate struct {
		path    string
		name    string
		modTime time.Time
	}
	candidates := make([]candidate, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			path:    filepath.Join(e.layout.PendingDir(), name),
			name:    name,
			modTime: info.ModTime(),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].modTime.Before(candidates[j].modTime)
		}
		return candidates[i].name < candidates[j].name
	})
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.path
	}
	return out, nil
}
