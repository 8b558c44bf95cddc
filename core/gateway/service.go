// Package gateway is the Patch Safety Gateway: sandboxed repository reads,
// plan and patch validation, and flag-gated mutation of the working tree.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/davidahmann/handoff/core/config"
	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/davidahmann/handoff/core/fsx"
	"github.com/davidahmann/handoff/core/gitx"
	"github.com/davidahmann/handoff/core/sandbox"
	"go.uber.org/zap"
)

const (
	DefaultMaxEntries    = 2000
	DefaultMaxBytes      = 200_000
	DefaultMaxHits       = 50
	DefaultMaxWriteBytes = 600_000

	snippetContext = 60
)

type Options struct {
	Git    *gitx.Runner
	Logger *zap.Logger
}

type Service struct {
	cfg      config.GatewayConfig
	resolver *sandbox.Resolver
	git      *gitx.Runner
	logger   *zap.Logger
}

func NewService(cfg config.Config, opts Options) (*Service, error) {
	root, err := cfg.RepoRoot()
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, herrors.New(herrors.EInvalidInput, "repo root not found", map[string]any{"root": root})
	}
	resolver, err := sandbox.New(sandbox.Config{Root: root, ExtraAllowGlobs: cfg.Gateway.AllowGlobs})
	if err != nil {
		return nil, herrors.New(herrors.EInvalidInput, err.Error(), nil)
	}
	git := opts.Git
	if git == nil {
		git = gitx.New(resolver.Root(), gitx.Options{Binary: cfg.Git.Binary, Timeout: cfg.Git.Timeout})
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gw := cfg.Gateway
	if gw.MaxWriteBytes <= 0 {
		gw.MaxWriteBytes = DefaultMaxWriteBytes
	}
	return &Service{
		cfg:      gw,
		resolver: resolver,
		git:      git,
		logger:   logger.With(zap.String("component", "gateway")),
	}, nil
}

func (s *Service) Root() string { return s.resolver.Root() }

func (s *Service) Config() config.GatewayConfig { return s.cfg }

type TreeRequest struct {
	Path       string `json:"path"`
	MaxEntries int    `json:"maxEntries"`
}

type TreeResponse struct {
	OK        bool     `json:"ok"`
	Entries   []string `json:"entries"`
	Truncated bool     `json:"truncated"`
}

// Tree lists visible files below the requested base directory.
func (s *Service) Tree(ctx context.Context, req TreeRequest) (TreeResponse, error) {
	limit := req.MaxEntries
	if limit <= 0 {
		limit = DefaultMaxEntries
	}
	base := s.resolver.Root()
	if rel := strings.TrimSpace(req.Path); rel != "" && rel != "." {
		abs, err := s.resolver.Resolve(rel)
		if err != nil {
			return TreeResponse{}, herrors.New(herrors.EInvalidInput, "invalid base path", map[string]any{"path": rel, "reason": err.Error()})
		}
		base = abs
	}

	entries := []string{}
	err := s.walkFiles(ctx, base, func(rel, _ string) bool {
		if len(entries) >= limit {
			return false
		}
		if s.resolver.Visible(rel) {
			entries = append(entries, rel)
		}
		return true
	})
	if err != nil {
		return TreeResponse{}, err
	}
	return TreeResponse{OK: true, Entries: entries, Truncated: len(entries) >= limit}, nil
}

type ReadRequest struct {
	Path     string `json:"path"`
	MaxBytes int    `json:"maxBytes"`
}

type ReadResponse struct {
	OK        bool   `json:"ok"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// Read returns at most MaxBytes of a sandboxed file. Nothing is opened until
// the path has passed the resolver.
func (s *Service) Read(req ReadRequest) (ReadResponse, error) {
	rel := strings.TrimSpace(req.Path)
	abs, err := s.resolver.Resolve(rel)
	if err != nil {
		return ReadResponse{}, denied(rel, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return ReadResponse{}, herrors.New(herrors.ENotFound, "file not found", map[string]any{"path": rel})
	}
	limit := req.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}

	// #nosec G304 -- abs was confined to the repository root by the resolver.
	f, err := os.Open(abs)
	if err != nil {
		return ReadResponse{}, fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return ReadResponse{}, fmt.Errorf("read %s: %w", rel, err)
	}
	truncated := len(data) > limit
	if truncated {
		data = data[:limit]
	}
	return ReadResponse{
		OK:        true,
		Path:      rel,
		Content:   strings.ToValidUTF8(string(data), "\uFFFD"),
		Truncated: truncated,
	}, nil
}

type SearchRequest struct {
	Query   string `json:"query"`
	MaxHits int    `json:"maxHits"`
}

type SearchHit struct {
	Path string `json:"path"`
	// Index is the character offset of the match within the file.
	Index   int    `json:"index"`
	Snippet string `json:"snippet"`
}

type SearchResponse struct {
	OK        bool        `json:"ok"`
	Hits      []SearchHit `json:"hits"`
	Truncated bool        `json:"truncated"`
}

// Search does a case-insensitive literal match over every visible file.
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return SearchResponse{}, herrors.New(herrors.EInvalidInput, "query required", nil)
	}
	limit := req.MaxHits
	if limit <= 0 {
		limit = DefaultMaxHits
	}
	pattern := regexp.MustCompile("(?i)" + regexp.QuoteMeta(query))

	hits := []SearchHit{}
	err := s.walkFiles(ctx, s.resolver.Root(), func(rel, _ string) bool {
		if !s.resolver.Visible(rel) {
			return true
		}
		abs, err := s.resolver.Resolve(rel)
		if err != nil {
			return true
		}
		// #nosec G304 -- abs was confined to the repository root by the resolver.
		raw, err := os.ReadFile(abs)
		if err != nil {
			return true
		}
		text := strings.ToValidUTF8(string(raw), "\uFFFD")
		for _, m := range pattern.FindAllStringIndex(text, limit-len(hits)) {
			hits = append(hits, SearchHit{
				Path:    rel,
				Index:   utf8.RuneCountInString(text[:m[0]]),
				Snippet: snippet(text, m[0], m[1]),
			})
		}
		return len(hits) < limit
	})
	if err != nil {
		return SearchResponse{}, err
	}
	return SearchResponse{OK: true, Hits: hits, Truncated: len(hits) >= limit}, nil
}

// snippet widens [start,end) by snippetContext characters on each side and
// escapes newlines.
func snippet(text string, start, end int) string {
	from := start
	for i := 0; i < snippetContext && from > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:from])
		from -= size
	}
	to := end
	for i := 0; i < snippetContext && to < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[to:])
		to += size
	}
	return strings.ReplaceAll(text[from:to], "\n", `\n`)
}

type GitResponse struct {
	OK     bool   `json:"ok"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

func (s *Service) GitStatus(ctx context.Context) (GitResponse, error) {
	if err := s.require(CapGit); err != nil {
		return GitResponse{}, err
	}
	return gitResponse(s.git.Status(ctx, true)), nil
}

type GitDiffRequest struct {
	Staged bool     `json:"staged"`
	Paths  []string `json:"paths"`
}

// GitDiff passes through `git diff`. Requested paths that fail the resolver
// are dropped; when none survive the diff is empty rather than unfiltered.
func (s *Service) GitDiff(ctx context.Context, req GitDiffRequest) (GitResponse, error) {
	if err := s.require(CapGit); err != nil {
		return GitResponse{}, err
	}
	var paths []string
	for _, p := range req.Paths {
		if _, err := s.resolver.Resolve(p); err != nil {
			continue
		}
		paths = append(paths, sandbox.Clean(p))
	}
	if len(req.Paths) > 0 && len(paths) == 0 {
		return GitResponse{OK: true}, nil
	}
	return gitResponse(s.git.Diff(ctx, req.Staged, paths)), nil
}

func gitResponse(res gitx.Result, err error) GitResponse {
	if err != nil {
		return GitResponse{Stderr: messageOf(err)}
	}
	return GitResponse{OK: res.OK(), Stdout: gitx.Preview(res.Stdout), Stderr: gitx.Preview(res.Stderr)}
}

type WriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	DryRun  *bool  `json:"dryRun"`
}

type WriteResponse struct {
	OK     bool   `json:"ok"`
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	DryRun bool   `json:"dry_run"`
}

// Write replaces one sandboxed file.
func (s *Service) Write(req WriteRequest) (WriteResponse, error) {
	if err := s.require(CapWrite); err != nil {
		return WriteResponse{}, err
	}
	f := newFlow("repo_write", s.logger)
	rel := sandbox.Clean(req.Path)
	abs, err := s.resolver.Resolve(req.Path)
	if err != nil {
		f.to(StageRejected)
		return WriteResponse{}, denied(req.Path, err)
	}
	size := len(req.Content)
	if size > s.cfg.MaxWriteBytes {
		f.to(StageRejected)
		return WriteResponse{}, herrors.New(herrors.ESizeLimitExceeded, "content too large", map[string]any{"path": rel, "bytes": size, "limit": s.cfg.MaxWriteBytes})
	}
	f.to(StageValidated)
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		f.to(StageRejected)
		return WriteResponse{}, herrors.New(herrors.EInvalidInput, "path is a directory", map[string]any{"path": rel})
	}
	f.to(StageChecked)

	if dryRunOf(req.DryRun) {
		f.to(StageReported)
		return WriteResponse{OK: true, Path: rel, Bytes: size, DryRun: true}, nil
	}
	if err := fsx.AtomicWriteFile(abs, []byte(req.Content), filePerm(abs)); err != nil {
		f.to(StageFailed)
		return WriteResponse{}, herrors.New(herrors.EApplyFailed, err.Error(), map[string]any{"path": rel})
	}
	f.to(StageApplied)
	s.logger.Info("file written", zap.String("path", rel), zap.Int("bytes", size))
	return WriteResponse{OK: true, Path: rel, Bytes: size}, nil
}

// walkFiles visits every non-directory below base with its root-relative
// slash path. Blocked directories are not descended into. visit returns
// false to stop.
func (s *Service) walkFiles(ctx context.Context, base string, visit func(rel, abs string) bool) error {
	root := s.resolver.Root()
	errStop := errors.New("stop")
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != base && s.resolver.BlockedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if !visit(filepath.ToSlash(rel), path) {
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	return err
}

func denied(path string, err error) error {
	reason := err.Error()
	var d *sandbox.DeniedError
	if errors.As(err, &d) {
		reason = d.Reason
	}
	return herrors.New(herrors.EPathDenied, reason, map[string]any{"path": path})
}

func messageOf(err error) string {
	var herr herrors.HandoffError
	if errors.As(err, &herr) && herr.Message != "" {
		return herr.Message
	}
	return err.Error()
}

// dryRunOf defaults an absent flag to true.
func dryRunOf(v *bool) bool {
	return v == nil || *v
}

func filePerm(abs string) os.FileMode {
	if info, err := os.Stat(abs); err == nil {
		return info.Mode().Perm()
	}
	return 0o644
}
