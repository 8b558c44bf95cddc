// Package approve implements the approval side channel: the Executor files
// requests, an operator answers with a token named after the job id.
package approve

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/davidahmann/handoff/core/fsx"
	"github.com/davidahmann/handoff/core/job"
	"github.com/davidahmann/handoff/core/layout"
	"github.com/davidahmann/handoff/core/schema/validate"
	"github.com/google/uuid"
)

const (
	ReasonGuardrailsBlocked = "guardrails_blocked_path"
	ReasonApprovalRequired  = "approval_required_for_ui_paths"
)

// Request is written to approvals/requests/<id>.json.
type Request struct {
	ID             string         `json:"id"`
	RequestID      string         `json:"request_id"`
	Reason         string         `json:"reason"`
	TouchedPaths   []string       `json:"touched_paths"`
	BlockedPaths   []string       `json:"blocked_paths,omitempty"`
	CommandPreview CommandPreview `json:"command_preview"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CommandPreview summarizes a job without file contents.
type CommandPreview struct {
	Type        job.Kind    `json:"type"`
	Module      string      `json:"module,omitempty"`
	Intent      string      `json:"intent,omitempty"`
	Ops         []OpPreview `json:"ops,omitempty"`
	Fingerprint string      `json:"fingerprint"`
}

type OpPreview struct {
	Op   string `json:"op"`
	Path string `json:"path"`
}

// Token is the operator's answer. Only its existence is checked by the
// Executor; its content is informational.
type Token struct {
	JobID      string    `json:"job_id"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	ApprovedAt time.Time `json:"approved_at"`
}

func Preview(j job.Job) CommandPreview {
	p := CommandPreview{Type: j.Kind(), Module: j.Module(), Intent: j.Intent(), Fingerprint: j.Fingerprint}
	if ops, ok := j.Task.(job.OpsTask); ok {
		for _, op := range ops.Ops {
			p.Ops = append(p.Ops, OpPreview{Op: op.Name(), Path: op.Target()})
		}
	}
	return p
}

func NewRequest(j job.Job, reason string, touched, blocked []string, now time.Time) Request {
	return Request{
		ID:             j.ID,
		RequestID:      uuid.NewString(),
		Reason:         reason,
		TouchedPaths:   touched,
		BlockedPaths:   blocked,
		CommandPreview: Preview(j),
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
}

// WriteRequest stores req, replacing any earlier request for the same job.
// The request id and creation time of an earlier request are kept.
func WriteRequest(l layout.Layout, req Request) (string, error) {
	path := l.ApprovalRequestPath(req.ID)
	if prev, err := ReadRequest(path); err == nil {
		req.RequestID = prev.RequestID
		req.CreatedAt = prev.CreatedAt
	}
	if err := fsx.AtomicWriteJSON(path, req, 0o600); err != nil {
		return "", fmt.Errorf("write approval request: %w", err)
	}
	return path, nil
}

func ReadRequest(path string) (Request, error) {
	// #nosec G304 -- path is derived from the handoff layout.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("decode approval request: %w", err)
	}
	return req, nil
}

// HasToken reports whether an approval token file exists for jobID. There
// is no signature or expiry; anyone able to write the inbox can approve.
func HasToken(l layout.Layout, jobID string) bool {
	info, err := os.Stat(l.ApprovalTokenPath(jobID))
	return err == nil && !info.IsDir()
}

// WriteToken files an approval token after validating it.
func WriteToken(l layout.Layout, tok Token) (string, error) {
	if err := job.ValidateID(tok.JobID); err != nil {
		return "", herrors.New(herrors.EInvalidInput, "job id must match [a-zA-Z0-9._-]+", map[string]any{"job_id": tok.JobID})
	}
	if err := ValidateReason(tok.Reason); err != nil {
		return "", err
	}
	tok.ApprovedAt = tok.ApprovedAt.UTC()
	raw, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("marshal approval token: %w", err)
	}
	if err := validate.ValidateBytes(validate.ApprovalTokenSchemaRel, raw); err != nil {
		return "", herrors.New(herrors.EInvalidInput, "approval token failed schema validation", map[string]any{"error": err.Error()})
	}
	path := l.ApprovalTokenPath(tok.JobID)
	if err := fsx.AtomicWriteJSON(path, tok, 0o600); err != nil {
		return "", fmt.Errorf("write approval token: %w", err)
	}
	return path, nil
}

// PendingRequests lists job ids with an approval request but no token.
func PendingRequests(l layout.Layout) ([]string, error) {
	entries, err := os.ReadDir(l.ApprovalRequestsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list approval requests: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		if !HasToken(l, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func ResolveApprovedBy(explicit string) string {
	v := strings.TrimSpace(explicit)
	if v != "" {
		return v
	}
	if env := strings.TrimSpace(os.Getenv("HANDOFF_APPROVED_BY")); env != "" {
		return env
	}
	if user := strings.TrimSpace(os.Getenv("USER")); user != "" {
		return user
	}
	return "unknown"
}

func ValidateReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return herrors.New(herrors.EInvalidInput, "approval reason is required", nil)
	}
	return nil
}
