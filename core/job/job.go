// Package job models queue entries written by the Planner: a closed set of
// task variants, each ops task carrying a closed set of file operations.
package job

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/davidahmann/handoff/core/schema/validate"
)

type Kind string

const (
	KindDevelopmentTask Kind = "development_task"
	KindOpsTask         Kind = "ops_task"
)

// FileExt is the suffix every pending job file carries.
const FileExt = ".json"

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Task is either a DevelopmentTask or an OpsTask.
type Task interface {
	Kind() Kind
	isTask()
}

type DevelopmentTask struct {
	Module string
	Intent string
}

type OpsTask struct {
	Module string
	Intent string
	Ops    []Operation
}

func (DevelopmentTask) Kind() Kind { return KindDevelopmentTask }
func (OpsTask) Kind() Kind         { return KindOpsTask }
func (DevelopmentTask) isTask()    {}
func (OpsTask) isTask()            {}

// Touched returns the operation target paths in declared order without duplicates.
func (t OpsTask) Touched() []string {
	seen := make(map[string]struct{}, len(t.Ops))
	out := make([]string, 0, len(t.Ops))
	for _, op := range t.Ops {
		p := op.Target()
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Operation is either a WriteFile or a ReplaceInFile.
type Operation interface {
	Name() string
	Target() string
	// RequiresExisting is the must_exist flag; only the missing-context check reads it.
	RequiresExisting() bool
	isOperation()
}

type WriteFile struct {
	Path      string
	Content   string
	MustExist bool
}

type ReplaceInFile struct {
	Path      string
	Find      string
	Replace   string
	MustExist bool
}

func (WriteFile) Name() string             { return "write_file" }
func (w WriteFile) Target() string         { return w.Path }
func (w WriteFile) RequiresExisting() bool { return w.MustExist }
func (WriteFile) isOperation()             {}

func (ReplaceInFile) Name() string             { return "replace_in_file" }
func (r ReplaceInFile) Target() string         { return r.Path }
func (r ReplaceInFile) RequiresExisting() bool { return r.MustExist }
func (ReplaceInFile) isOperation()             {}

type Job struct {
	ID          string
	Task        Task
	Constraints []string
	Priority    string
	Origin      string
	// DeclaredFingerprint is whatever the Planner wrote; Fingerprint is recomputed.
	DeclaredFingerprint string
	Fingerprint         string
}

func (j Job) Kind() Kind {
	if j.Task == nil {
		return ""
	}
	return j.Task.Kind()
}

func (j Job) Module() string {
	switch t := j.Task.(type) {
	case DevelopmentTask:
		return t.Module
	case OpsTask:
		return t.Module
	}
	return ""
}

func (j Job) Intent() string {
	switch t := j.Task.(type) {
	case DevelopmentTask:
		return t.Intent
	case OpsTask:
		return t.Intent
	}
	return ""
}

type wireJob struct {
	Type        Kind     `json:"type"`
	Module      string   `json:"module,omitempty"`
	Intent      string   `json:"intent,omitempty"`
	Ops         []wireOp `json:"ops,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Origin      string   `json:"origin,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
}

type wireOp struct {
	Op        string  `json:"op"`
	Path      string  `json:"path"`
	Content   *string `json:"content,omitempty"`
	Find      *string `json:"find,omitempty"`
	Replace   *string `json:"replace,omitempty"`
	MustExist bool    `json:"must_exist,omitempty"`
}

// IDFromPath derives the job id from a pending file name.
func IDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), FileExt)
}

func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return herrors.New(herrors.EMalformedJob, "job id must match [a-zA-Z0-9._-]+", map[string]any{"job_id": id})
	}
	return nil
}

// Load reads and decodes a job file; the id comes from the file name.
func Load(path string) (Job, error) {
	// #nosec G304 -- path is listed from the pending directory.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("read job file: %w", err)
	}
	return Decode(IDFromPath(path), raw)
}

// Decode validates raw against the job schema and converts it into the
// tagged variants. Every failure carries EMalformedJob.
func Decode(id string, raw []byte) (Job, error) {
	if err := ValidateID(id); err != nil {
		return Job{}, err
	}
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if err := validate.ValidateBytes(validate.JobSchemaRel, raw); err != nil {
		return Job{}, herrors.New(herrors.EMalformedJob, "job failed schema validation", map[string]any{"job_id": id, "error": err.Error()})
	}

	var w wireJob
	if err := json.Unmarshal(raw, &w); err != nil {
		return Job{}, herrors.New(herrors.EMalformedJob, "decode job", map[string]any{"job_id": id, "error": err.Error()})
	}

	task, err := w.task()
	if err != nil {
		return Job{}, herrors.New(herrors.EMalformedJob, err.Error(), map[string]any{"job_id": id})
	}
	j := Job{
		ID:                  id,
		Task:                task,
		Constraints:         w.Constraints,
		Priority:            w.Priority,
		Origin:              w.Origin,
		DeclaredFingerprint: w.Fingerprint,
	}
	fp, err := Fingerprint(j.Task)
	if err != nil {
		return Job{}, err
	}
	j.Fingerprint = fp
	return j, nil
}

func (w wireJob) task() (Task, error) {
	switch w.Type {
	case KindDevelopmentTask:
		return DevelopmentTask{Module: w.Module, Intent: w.Intent}, nil
	case KindOpsTask:
		ops := make([]Operation, 0, len(w.Ops))
		for i, op := range w.Ops {
			converted, err := op.operation()
			if err != nil {
				return nil, fmt.Errorf("ops[%d]: %w", i, err)
			}
			ops = append(ops, converted)
		}
		return OpsTask{Module: w.Module, Intent: w.Intent, Ops: ops}, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", w.Type)
	}
}

func (o wireOp) operation() (Operation, error) {
	switch o.Op {
	case "write_file":
		return WriteFile{Path: o.Path, Content: deref(o.Content), MustExist: o.MustExist}, nil
	case "replace_in_file":
		return ReplaceInFile{Path: o.Path, Find: deref(o.Find), Replace: deref(o.Replace), MustExist: o.MustExist}, nil
	default:
		return nil, fmt.Errorf("unknown op %q", o.Op)
	}
}

// Encode renders j as the Planner file format, fingerprint included.
func Encode(j Job) ([]byte, error) {
	w, err := toWire(j.Task)
	if err != nil {
		return nil, err
	}
	w.Constraints = j.Constraints
	w.Priority = j.Priority
	w.Origin = j.Origin
	fp, err := Fingerprint(j.Task)
	if err != nil {
		return nil, err
	}
	w.Fingerprint = fp
	out, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}
	return append(out, '\n'), nil
}

func toWire(task Task) (wireJob, error) {
	switch t := task.(type) {
	case DevelopmentTask:
		return wireJob{Type: KindDevelopmentTask, Module: t.Module, Intent: t.Intent}, nil
	case OpsTask:
		ops := make([]wireOp, 0, len(t.Ops))
		for _, op := range t.Ops {
			switch o := op.(type) {
			case WriteFile:
				ops = append(ops, wireOp{Op: o.Name(), Path: o.Path, Content: &o.Content, MustExist: o.MustExist})
			case ReplaceInFile:
				ops = append(ops, wireOp{Op: o.Name(), Path: o.Path, Find: &o.Find, Replace: &o.Replace, MustExist: o.MustExist})
			default:
				return wireJob{}, fmt.Errorf("unsupported operation %T", op)
			}
		}
		return wireJob{Type: KindOpsTask, Module: t.Module, Intent: t.Intent, Ops: ops}, nil
	default:
		return wireJob{}, fmt.Errorf("unsupported task %T", task)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
