package gateway

import (
	"testing"

	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestValidateTransition(t *testing.T) {
	ok := [][2]Stage{
		{StageReceived, StageValidated},
		{StageReceived, StageRejected},
		{StageValidated, StageChecked},
		{StageValidated, StageRejected},
		{StageChecked, StageReported},
		{StageChecked, StageApplied},
		{StageChecked, StageFailed},
	}
	for _, tr := range ok {
		require.NoError(t, ValidateTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	bad := [][2]Stage{
		{StageReceived, StageApplied},
		{StageValidated, StageApplied},
		{StageApplied, StageChecked},
		{StageRejected, StageValidated},
		{"unknown", StageValidated},
	}
	for _, tr := range bad {
		err := ValidateTransition(tr[0], tr[1])
		require.Error(t, err, "%s -> %s", tr[0], tr[1])
		assert.Equal(t, herrors.EGenericFailure, herrors.CodeOf(err))
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Stage{StageRejected, StageReported, StageApplied, StageFailed} {
		assert.True(t, IsTerminal(s), s)
	}
	for _, s := range []Stage{StageReceived, StageValidated, StageChecked, "unknown"} {
		assert.False(t, IsTerminal(s), s)
	}
}

func TestFlowIgnoresIllegalMoves(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newFlow("patch_apply", zap.New(core))

	f.to(StageApplied)
	assert.Equal(t, StageReceived, f.stage)
	assert.Equal(t, 1, logs.FilterMessage("request stage").Len())

	f.to(StageValidated)
	f.to(StageChecked)
	f.to(StageReported)
	assert.Equal(t, StageReported, f.stage)
	assert.Equal(t, 1, logs.FilterMessage("request finished").Len())
}
