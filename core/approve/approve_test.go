package approve

import (
	"os"
	"testing"
	"time"

	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/davidahmann/handoff/core/job"
	"github.com/davidahmann/handoff/core/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleJob(t *testing.T) job.Job {
	t.Helper()
	j, err := job.Decode("job_ui", []byte(`{"type":"ops_task","module":"cart","ops":[{"op":"write_file","path":"app/(tabs)/cart.tsx","content":"secret body"}]}`))
	require.NoError(t, err)
	return j
}

func TestResolveApprovedBy(t *testing.T) {
	t.Setenv("HANDOFF_APPROVED_BY", "from-env")
	assert.Equal(t, "from-env", ResolveApprovedBy(""))
	assert.Equal(t, "explicit", ResolveApprovedBy("explicit"))
}

func TestValidateReason(t *testing.T) {
	t.Parallel()

	require.Error(t, ValidateReason(" "))
	require.NoError(t, ValidateReason("needed to proceed"))
}

func TestWriteRequestKeepsIdentityAcrossTicks(t *testing.T) {
	l := layout.New(t.TempDir(), "")
	j := sampleJob(t)
	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	path, err := WriteRequest(l, NewRequest(j, ReasonApprovalRequired, []string{"app/(tabs)/cart.tsx"}, nil, first))
	require.NoError(t, err)
	req, err := ReadRequest(path)
	require.NoError(t, err)

	_, err = WriteRequest(l, NewRequest(j, ReasonApprovalRequired, []string{"app/(tabs)/cart.tsx"}, nil, first.Add(10*time.Second)))
	require.NoError(t, err)
	again, err := ReadRequest(path)
	require.NoError(t, err)

	assert.Equal(t, req.RequestID, again.RequestID)
	assert.Equal(t, first, again.CreatedAt)
	assert.Equal(t, first.Add(10*time.Second), again.UpdatedAt)
	assert.Equal(t, ReasonApprovalRequired, again.Reason)
	require.Len(t, again.CommandPreview.Ops, 1)
	assert.Equal(t, OpPreview{Op: "write_file", Path: "app/(tabs)/cart.tsx"}, again.CommandPreview.Ops[0])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret body")
}

func TestTokenLifecycle(t *testing.T) {
	l := layout.New(t.TempDir(), "")
	require.NoError(t, l.Ensure())
	_, err := WriteRequest(l, NewRequest(sampleJob(t), ReasonApprovalRequired, nil, nil, time.Now()))
	require.NoError(t, err)

	assert.False(t, HasToken(l, "job_ui"))
	pending, err := PendingRequests(l)
	require.NoError(t, err)
	assert.Equal(t, []string{"job_ui"}, pending)

	_, err = WriteToken(l, Token{JobID: "job_ui", ApprovedBy: "ops", Reason: "reviewed", ApprovedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, HasToken(l, "job_ui"))

	pending, err = PendingRequests(l)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWriteTokenRejectsBadInput(t *testing.T) {
	l := layout.New(t.TempDir(), "")

	_, err := WriteToken(l, Token{JobID: "../x", Reason: "r", ApprovedAt: time.Now()})
	assert.Equal(t, herrors.EInvalidInput, herrors.CodeOf(err))

	_, err = WriteToken(l, Token{JobID: "ok", Reason: "", ApprovedAt: time.Now()})
	assert.Equal(t, herrors.EInvalidInput, herrors.CodeOf(err))
}

func TestHasTokenIsExistenceOnly(t *testing.T) {
	l := layout.New(t.TempDir(), "")
	require.NoError(t, l.Ensure())
	require.NoError(t, os.WriteFile(l.ApprovalTokenPath("job_x"), []byte("not even json"), 0o600))
	assert.True(t, HasToken(l, "job_x"))
}
