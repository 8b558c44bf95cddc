package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/davidahmann/handoff/core/diff"
	herrors "github.com/davidahmann/handoff/core/errors"
	"go.uber.org/zap"
)

const dirtyHint = "Commit/stash changes or retry with force=true"

type PatchRequest struct {
	Patch  string `json:"patch"`
	DryRun *bool  `json:"dryRun"`
	Force  bool   `json:"force"`
}

type PatchValidation struct {
	OK      bool     `json:"ok"`
	Errors  []string `json:"errors"`
	Touched []string `json:"touched"`
}

type PatchResponse struct {
	OK      bool     `json:"ok"`
	DryRun  bool     `json:"dry_run"`
	Touched []string `json:"touched"`
}

// ValidatePatch parses the diff headers and runs every touched path through
// the resolver, then cross-checks the names git itself reads from the patch
// so that a header the parser misreads cannot smuggle in another file. It
// never mutates anything.
func (s *Service) ValidatePatch(ctx context.Context, patch string) PatchValidation {
	touched := diff.TouchedPaths(patch)
	errs := []string{}
	if len(touched) == 0 {
		errs = append(errs, "patch touches no files (could not parse diff headers)")
	}
	for _, p := range touched {
		if _, err := s.resolver.Resolve(p); err != nil {
			errs = append(errs, fmt.Sprintf("denied path: %s (%s)", p, err.Error()))
		}
	}
	if !s.git.Available() {
		errs = append(errs, "git not found; patch apply requires git installed")
		return PatchValidation{OK: false, Errors: errs, Touched: touched}
	}
	if len(touched) > 0 {
		errs = append(errs, s.crossCheck(ctx, patch, touched)...)
	}
	return PatchValidation{OK: len(errs) == 0, Errors: errs, Touched: touched}
}

func (s *Service) crossCheck(ctx context.Context, patch string, touched []string) []string {
	gitPaths, err := s.git.ApplyPaths(ctx, patch)
	if err != nil {
		return []string{"git cannot read patch: " + messageOf(err)}
	}
	known := make(map[string]struct{}, len(touched))
	for _, p := range touched {
		known[p] = struct{}{}
	}
	var errs []string
	for _, p := range gitPaths {
		if _, ok := known[p]; ok {
			continue
		}
		errs = append(errs, fmt.Sprintf("patch header mismatch: git reads %q", p))
		if _, err := s.resolver.Resolve(p); err != nil {
			errs = append(errs, fmt.Sprintf("denied path: %s (%s)", p, err.Error()))
		}
	}
	return errs
}

// PatchValidate is the request form of ValidatePatch; an empty patch is a
// bad request rather than a failed validation.
func (s *Service) PatchValidate(ctx context.Context, req PatchRequest) (PatchValidation, error) {
	if strings.TrimSpace(req.Patch) == "" {
		return PatchValidation{}, herrors.New(herrors.EInvalidInput, "patch required", nil)
	}
	return s.ValidatePatch(ctx, req.Patch), nil
}

func (s *Service) PatchApply(ctx context.Context, req PatchRequest) (PatchResponse, error) {
	return s.patch(ctx, req, false)
}

// PatchRevert applies the same diff in reverse under the same gates.
func (s *Service) PatchRevert(ctx context.Context, req PatchRequest) (PatchResponse, error) {
	return s.patch(ctx, req, true)
}

// patch runs the gates in order: validate, clean worktree unless forced, a
// non-mutating check, and only then the real apply.
func (s *Service) patch(ctx context.Context, req PatchRequest, reverse bool) (PatchResponse, error) {
	if err := s.require(CapPatchApply); err != nil {
		return PatchResponse{}, err
	}
	op := "patch_apply"
	if reverse {
		op = "patch_revert"
	}
	f := newFlow(op, s.logger)
	log := s.logger.With(zap.String("op", op))

	v := s.ValidatePatch(ctx, req.Patch)
	if !v.OK {
		f.to(StageRejected)
		code := herrors.EInvalidInput
		if len(v.Touched) == 0 {
			code = herrors.EDiffUnparseable
		}
		return PatchResponse{}, herrors.New(code, "patch validation failed", map[string]any{"errors": v.Errors, "touched": v.Touched})
	}
	f.to(StageValidated)

	clean, msg, err := s.git.IsClean(ctx)
	if err != nil {
		f.to(StageRejected)
		return PatchResponse{}, withTouched(err, v.Touched)
	}
	if !clean && !req.Force {
		f.to(StageRejected)
		return PatchResponse{}, herrors.New(herrors.EWorktreeDirty, msg, map[string]any{"hint": dirtyHint})
	}
	if !clean {
		log.Warn("applying to a dirty worktree", zap.Bool("force", true))
	}

	if err := s.git.ApplyCheck(ctx, req.Patch, reverse); err != nil {
		f.to(StageRejected)
		return PatchResponse{}, withTouched(err, v.Touched)
	}
	f.to(StageChecked)

	if dryRunOf(req.DryRun) {
		f.to(StageReported)
		return PatchResponse{OK: true, DryRun: true, Touched: v.Touched}, nil
	}
	if err := s.git.Apply(ctx, req.Patch, reverse); err != nil {
		f.to(StageFailed)
		return PatchResponse{}, withTouched(err, v.Touched)
	}
	f.to(StageApplied)
	log.Info("patch applied", zap.Strings("touched", v.Touched), zap.Bool("reverse", reverse))
	return PatchResponse{OK: true, DryRun: false, Touched: v.Touched}, nil
}

func withTouched(err error, touched []string) error {
	code := herrors.CodeOf(err)
	return herrors.New(code, messageOf(err), map[string]any{"touched": touched})
}
