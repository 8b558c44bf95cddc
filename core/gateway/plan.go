package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/davidahmann/handoff/core/fsx"
	"github.com/davidahmann/handoff/core/sandbox"
	"go.uber.org/zap"
)

const (
	ActionMkdir     = "mkdir"
	ActionWriteFile = "write_file"
)

// PlanRequest keeps actions raw so that shape errors are reported per action
// instead of failing the whole body.
type PlanRequest struct {
	Actions json.RawMessage `json:"actions"`
	DryRun  *bool           `json:"dryRun"`
}

type PlanAction struct {
	Type    string
	Path    string
	Content string
}

type PlanValidation struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors"`
}

type PlanActionResult struct {
	Type   string `json:"type"`
	Path   string `json:"path"`
	OK     bool   `json:"ok"`
	Bytes  *int   `json:"bytes,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`
	Error  string `json:"error,omitempty"`
}

type PlanResponse struct {
	OK      bool               `json:"ok"`
	DryRun  bool               `json:"dry_run"`
	Results []PlanActionResult `json:"results"`
}

func (s *Service) PlanValidate(req PlanRequest) (PlanValidation, error) {
	if err := s.require(CapPlanValidate); err != nil {
		return PlanValidation{}, err
	}
	_, errs, _ := s.parsePlan(req.Actions)
	return PlanValidation{OK: len(errs) == 0, Errors: errs}, nil
}

// PlanApply validates every action before touching anything, then performs
// them in order. A dry run reports what would happen, byte counts included.
func (s *Service) PlanApply(req PlanRequest) (PlanResponse, error) {
	if err := s.require(CapPlanApply); err != nil {
		return PlanResponse{}, err
	}
	f := newFlow("plan_apply", s.logger)
	actions, errs, oversized := s.parsePlan(req.Actions)
	if len(errs) > 0 {
		f.to(StageRejected)
		if oversized {
			// Same limit as /repo/write; the plan cannot pass until it shrinks.
			return PlanResponse{}, herrors.New(herrors.ESizeLimitExceeded, "plan content too large", map[string]any{"errors": errs, "limit": s.cfg.MaxWriteBytes})
		}
		return PlanResponse{}, herrors.New(herrors.EInvalidInput, "plan validation failed", map[string]any{"errors": errs})
	}
	f.to(StageValidated)
	f.to(StageChecked)

	dryRun := dryRunOf(req.DryRun)
	results := make([]PlanActionResult, 0, len(actions))
	failed := false
	for _, act := range actions {
		res := s.runAction(act, dryRun)
		if !res.OK {
			failed = true
		}
		results = append(results, res)
	}
	if failed {
		f.to(StageFailed)
		return PlanResponse{}, herrors.New(herrors.EOperationIncomplete, "plan partially applied", map[string]any{"results": results})
	}
	if dryRun {
		f.to(StageReported)
	} else {
		f.to(StageApplied)
	}
	return PlanResponse{OK: true, DryRun: dryRun, Results: results}, nil
}

func (s *Service) runAction(act PlanAction, dryRun bool) PlanActionResult {
	rel := sandbox.Clean(act.Path)
	res := PlanActionResult{Type: act.Type, Path: rel, DryRun: dryRun}
	abs, err := s.resolver.Resolve(rel)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	switch act.Type {
	case ActionMkdir:
		if !dryRun {
			if err := os.MkdirAll(abs, 0o750); err != nil {
				res.Error = err.Error()
				return res
			}
		}
	case ActionWriteFile:
		n := len(act.Content)
		res.Bytes = &n
		if !dryRun {
			if err := fsx.AtomicWriteFile(abs, []byte(act.Content), filePerm(abs)); err != nil {
				res.Error = err.Error()
				return res
			}
			s.logger.Info("plan file written", zap.String("path", rel), zap.Int("bytes", n))
		}
	}
	res.OK = true
	return res
}

// parsePlan decodes and validates the actions list. Every problem is
// reported; the returned actions are only usable when errs is empty.
// oversized is set when any write_file content exceeds MaxWriteBytes.
func (s *Service) parsePlan(raw json.RawMessage) (actions []PlanAction, errs []string, oversized bool) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, []string{"plan.actions must be a list"}, false
	}

	errs = []string{}
	actions = make([]PlanAction, 0, len(items))
	for i, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			errs = append(errs, fmt.Sprintf("actions[%d] must be object", i))
			continue
		}
		var typ string
		if err := json.Unmarshal(fields["type"], &typ); err != nil {
			typ = strings.TrimSpace(string(fields["type"]))
		}
		if typ != ActionMkdir && typ != ActionWriteFile {
			errs = append(errs, fmt.Sprintf("actions[%d].type invalid: %s", i, typ))
			continue
		}
		var rel string
		if err := json.Unmarshal(fields["path"], &rel); err != nil || strings.TrimSpace(rel) == "" {
			errs = append(errs, fmt.Sprintf("actions[%d].path must be non-empty string", i))
			continue
		}
		if _, err := s.resolver.Resolve(rel); err != nil {
			errs = append(errs, fmt.Sprintf("actions[%d].path denied: %s (%s)", i, rel, err.Error()))
			continue
		}
		act := PlanAction{Type: typ, Path: rel}
		if typ == ActionWriteFile {
			if c, ok := fields["content"]; ok && string(c) != "null" {
				if err := json.Unmarshal(c, &act.Content); err != nil {
					errs = append(errs, fmt.Sprintf("actions[%d].content must be string", i))
					continue
				}
			}
			if len(act.Content) > s.cfg.MaxWriteBytes {
				errs = append(errs, fmt.Sprintf("actions[%d] content too large (>%dKB)", i, s.cfg.MaxWriteBytes/1000))
				oversized = true
				continue
			}
		}
		actions = append(actions, act)
	}
	return actions, errs, oversized
}
