package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidahmann/handoff/core/approve"
	"github.com/davidahmann/handoff/core/bundle"
	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/davidahmann/handoff/core/fsx"
	"github.com/davidahmann/handoff/core/job"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeDeferredApproval Outcome = "deferred_approval"
	OutcomeDeferredBundle   Outcome = "deferred_bundle"
	// OutcomeSkipped leaves the job pending for the next tick.
	OutcomeSkipped Outcome = "skipped"
)

type Result struct {
	JobID     string       `json:"job_id"`
	Outcome   Outcome      `json:"outcome"`
	Code      herrors.Code `json:"code,omitempty"`
	Message   string       `json:"message,omitempty"`
	Artifact  string       `json:"artifact,omitempty"`
	Ops       []OpResult   `json:"ops,omitempty"`
	Processed string       `json:"processed,omitempty"`
	Committed bool         `json:"committed"`
}

type OpResult struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ProcessJob runs one pending job file to completion or deferral.
func (e *Executor) ProcessJob(ctx context.Context, path string) Result {
	id := job.IDFromPath(path)
	log := e.logger.With(zap.String("job_id", id))

	j, err := job.Load(path)
	if err != nil {
		log.Warn("job left pending: unreadable", zap.Error(err))
		return Result{JobID: id, Outcome: OutcomeSkipped, Code: herrors.CodeOf(err), Message: err.Error()}
	}
	if j.DeclaredFingerprint != "" && j.DeclaredFingerprint != j.Fingerprint {
		log.Info("declared fingerprint differs from content", zap.String("declared", j.DeclaredFingerprint), zap.String("computed", j.Fingerprint))
	}

	var res Result
	switch task := j.Task.(type) {
	case job.DevelopmentTask:
		res = e.runDevelopmentTask(j, task, log)
	case job.OpsTask:
		res = e.runOpsTask(j, task, log)
	default:
		res = Result{JobID: j.ID, Outcome: OutcomeSkipped, Code: herrors.EMalformedJob, Message: fmt.Sprintf("unsupported task %T", task)}
	}
	if res.Outcome != OutcomeApplied {
		return res
	}
	return e.complete(ctx, j, path, res, log)
}

func (e *Executor) runDevelopmentTask(j job.Job, task job.DevelopmentTask, log *zap.Logger) Result {
	todo, ok := e.lookupModule(task.Module)
	if !ok {
		log.Warn("job left pending: unknown module", zap.String("module", task.Module))
		return Result{JobID: j.ID, Outcome: OutcomeSkipped, Code: herrors.EUnknownModule, Message: "module is not mapped: " + task.Module}
	}
	target, err := fsx.ResolveWithinBase(e.repoRoot, filepath.FromSlash(todo))
	if err != nil {
		log.Warn("job left pending: todo path outside repository", zap.String("todo", todo), zap.Error(err))
		return Result{JobID: j.ID, Outcome: OutcomeSkipped, Code: herrors.EPolicyViolation, Message: err.Error()}
	}
	entry := fmt.Sprintf("- [%s] %s", e.now().UTC().Format(time.RFC3339), oneLine(task.Intent))
	if err := fsx.AppendLine(target, entry); err != nil {
		log.Error("job left pending: append todo", zap.String("todo", todo), zap.Error(err))
		return Result{JobID: j.ID, Outcome: OutcomeSkipped, Code: herrors.EGenericFailure, Message: err.Error()}
	}
	log.Info("todo updated", zap.String("module", task.Module), zap.String("todo", todo))
	return Result{JobID: j.ID, Outcome: OutcomeApplied}
}

// lookupModule matches case-insensitively; configuration keys arrive lower-cased.
func (e *Executor) lookupModule(module string) (string, bool) {
	if p, ok := e.cfg.Modules[module]; ok && strings.TrimSpace(p) != "" {
		return p, true
	}
	for name, p := range e.cfg.Modules {
		if strings.EqualFold(name, module) && strings.TrimSpace(p) != "" {
			return p, true
		}
	}
	return "", false
}

func (e *Executor) runOpsTask(j job.Job, task job.OpsTask, log *zap.Logger) Result {
	touched := task.Touched()
	now := e.now()

	if missing := e.missingContext(task); len(missing) > 0 {
		artifact, err := bundle.Write(e.layout, bundle.NewRequest(j.ID, missing, now))
		if err != nil {
			log.Error("write bundle request", zap.Error(err))
		}
		log.Info("job deferred: missing context", zap.Strings("needed_files", missing))
		return Result{JobID: j.ID, Outcome: OutcomeDeferredBundle, Code: herrors.EMissingContext, Artifact: artifact}
	}

	if blocked := e.policy.Forbidden(touched); len(blocked) > 0 {
		req := approve.NewRequest(j, approve.ReasonGuardrailsBlocked, touched, blocked, now)
		artifact, err := approve.WriteRequest(e.layout, req)
		if err != nil {
			log.Error("write approval request", zap.Error(err))
		}
		log.Warn("job deferred: guardrails blocked path", zap.Strings("blocked_paths", blocked))
		return Result{JobID: j.ID, Outcome: OutcomeDeferredApproval, Code: herrors.EPolicyViolation, Artifact: artifact}
	}

	if protected := e.policy.NeedingApproval(touched); len(protected) > 0 && !approve.HasToken(e.layout, j.ID) {
		req := approve.NewRequest(j, approve.ReasonApprovalRequired, touched, protected, now)
		artifact, err := approve.WriteRequest(e.layout, req)
		if err != nil {
			log.Error("write approval request", zap.Error(err))
		}
		log.Info("job deferred: approval required", zap.Strings("protected_paths", protected))
		return Result{JobID: j.ID, Outcome: OutcomeDeferredApproval, Code: herrors.EMissingApproval, Artifact: artifact}
	}

	ops := make([]OpResult, 0, len(task.Ops))
	for _, op := range task.Ops {
		r := e.applyOperation(op)
		if r.OK {
			log.Info("operation applied", zap.String("op", r.Op), zap.String("path", r.Path))
		} else {
			log.Warn("operation failed", zap.String("op", r.Op), zap.String("path", r.Path), zap.String("error", r.Error))
		}
		ops = append(ops, r)
	}
	return Result{JobID: j.ID, Outcome: OutcomeApplied, Ops: ops}
}

// missingContext lists must_exist targets that are absent. Paths that do not
// resolve inside the repository are left to the guardrail check.
func (e *Executor) missingContext(task job.OpsTask) []string {
	var missing []string
	seen := map[string]struct{}{}
	for _, op := range task.Ops {
		if !op.RequiresExisting() {
			continue
		}
		p := op.Target()
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if fsx.HasTraversalSegment(p) || filepath.IsAbs(p) {
			continue
		}
		abs, err := fsx.ResolveWithinBase(e.repoRoot, filepath.FromSlash(p))
		if err != nil {
			continue
		}
		if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
			missing = append(missing, p)
		}
	}
	return missing
}

func (e *Executor) applyOperation(op job.Operation) OpResult {
	res := OpResult{Op: op.Name(), Path: op.Target()}
	abs, err := fsx.ResolveWithinBase(e.repoRoot, filepath.FromSlash(op.Target()))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	switch o := op.(type) {
	case job.WriteFile:
		err = writeFile(abs, []byte(o.Content))
	case job.ReplaceInFile:
		err = replaceInFile(abs, o.Find, o.Replace)
	default:
		err = fmt.Errorf("unsupported operation %T", op)
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

func writeFile(abs string, content []byte) error {
	perm := os.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return fmt.Errorf("target is a directory")
		}
		perm = info.Mode().Perm()
	}
	return fsx.AtomicWriteFile(abs, content, perm)
}

// replaceInFile replaces the first occurrence of find.
func replaceInFile(abs, find, replace string) error {
	// #nosec G304 -- abs was resolved inside the repository root.
	raw, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("read target: %w", err)
	}
	text := string(raw)
	if !strings.Contains(text, find) {
		return fmt.Errorf("search text not found")
	}
	return writeFile(abs, []byte(strings.Replace(text, find, replace, 1)))
}

// complete moves the job to processed and then commits. The move is the only
// completion marker, so a failed move leaves the job pending.
func (e *Executor) complete(ctx context.Context, j job.Job, path string, res Result, log *zap.Logger) Result {
	dst := e.layout.ProcessedPath(j.ID)
	err := fsx.MoveNoReplace(path, dst)
	if errors.Is(err, fsx.ErrDestinationExists) {
		dst = filepath.Join(e.layout.ProcessedDir(), fmt.Sprintf("%s.%s.json", j.ID, e.now().UTC().Format("20060102T150405.000000000")))
		log.Warn("processed file already exists, keeping both", zap.String("processed", dst))
		err = fsx.MoveNoReplace(path, dst)
	}
	if err != nil {
		log.Error("job left pending: move to processed failed", zap.Error(err))
		res.Outcome = OutcomeSkipped
		res.Code = herrors.EGenericFailure
		res.Message = err.Error()
		return res
	}
	res.Processed = dst
	log.Info("job processed", zap.String("type", string(j.Kind())), zap.String("processed", dst))

	if !e.cfg.Commit {
		return res
	}
	if !e.git.Available() {
		log.Warn("commit skipped: git not available")
		return res
	}
	message := fmt.Sprintf(e.commitTemplate(), j.Kind(), j.ID)
	if err := e.git.AddAll(ctx); err != nil {
		log.Warn("commit failed", zap.Error(err))
		return res
	}
	if err := e.git.Commit(ctx, message); err != nil {
		log.Warn("commit failed", zap.Error(err))
		return res
	}
	res.Committed = true
	log.Info("committed", zap.String("message", message))
	return res
}

func (e *Executor) commitTemplate() string {
	if strings.Count(e.cfg.CommitTemplate, "%s") == 2 {
		return e.cfg.CommitTemplate
	}
	return "chore(handoff): apply %s %s"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
