// Package bundle files missing-context requests for the Planner.
package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/davidahmann/handoff/core/fsx"
	"github.com/davidahmann/handoff/core/layout"
)

const ReasonMissingContext = "missing_context"

// Request asks the Planner or an operator to supply NeededFiles before the
// job can run.
type Request struct {
	JobID       string    `json:"job_id"`
	NeededFiles []string  `json:"needed_files"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewRequest(jobID string, needed []string, now time.Time) Request {
	return Request{JobID: jobID, NeededFiles: needed, Reason: ReasonMissingContext, CreatedAt: now.UTC()}
}

// Write stores req at bundle_requests/<job-id>.json, replacing an earlier one.
func Write(l layout.Layout, req Request) (string, error) {
	path := l.BundleRequestPath(req.JobID)
	if err := fsx.AtomicWriteJSON(path, req, 0o600); err != nil {
		return "", fmt.Errorf("write bundle request: %w", err)
	}
	return path, nil
}

func Read(path string) (Request, error) {
	// #nosec G304 -- path is derived from the handoff layout.
	raw, err := os.ReadFile(path)
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("decode bundle request: %w", err)
	}
	return req, nil
}
