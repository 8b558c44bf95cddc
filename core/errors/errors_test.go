package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodeMapping(t *testing.T) {
	t.Parallel()

	cases := map[Code]int{
		EPolicyViolation:     4,
		EMissingApproval:     4,
		EMissingContext:      4,
		EMalformedJob:        6,
		EManifestMissing:     7,
		EPathDenied:          8,
		EWorktreeDirty:       9,
		ELeaseConflict:       10,
		EGenericFailure:      1,
		EOperationIncomplete: 1,
	}

	for code, expected := range cases {
		assert.Equal(t, expected, ExitCodeFor(code), "code %s", code)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusUnauthorized, HTTPStatusFor(EUnauthorized))
	assert.Equal(t, http.StatusForbidden, HTTPStatusFor(EPathDenied))
	assert.Equal(t, http.StatusForbidden, HTTPStatusFor(ECapabilityDisabled))
	assert.Equal(t, http.StatusNotFound, HTTPStatusFor(ENotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatusFor(EWorktreeDirty))
	assert.Equal(t, http.StatusBadRequest, HTTPStatusFor(EApplyConflict))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusFor(EApplyFailed))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatusFor(ERateLimited))
}

func TestHandoffErrorAndEnvelope(t *testing.T) {
	t.Parallel()

	herr := HandoffError{Code: EPathDenied, Message: "path traversal denied"}
	assert.Equal(t, "E_PATH_DENIED: path traversal denied", herr.Error())
	assert.Equal(t, "E_WORKTREE_DIRTY", HandoffError{Code: EWorktreeDirty}.Error())

	at := time.Date(2026, 2, 14, 19, 0, 0, 0, time.UTC)
	generic := ToEnvelope(stderrors.New("plain error"), "test", at)
	assert.Equal(t, EGenericFailure, generic.Code)
	assert.Equal(t, "plain error", generic.Message)

	wrapped := fmt.Errorf("outer: %w", herr)
	specific := ToEnvelope(wrapped, "test", at)
	assert.Equal(t, EPathDenied, specific.Code)
	assert.Equal(t, ExitCodeFor(EPathDenied), specific.ExitCode)

	raw, err := MarshalEnvelope(herr, "test", at)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"code": "E_PATH_DENIED"`), string(raw))
}

func TestCodeOfAndIs(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("apply: %w", New(EApplyConflict, "does not apply", nil))
	assert.Equal(t, EApplyConflict, CodeOf(err))
	assert.True(t, Is(err, EApplyConflict))
	assert.False(t, Is(err, EWorktreeDirty))
	assert.Equal(t, EGenericFailure, CodeOf(stderrors.New("x")))
}
