package bundle

import (
	"testing"
	"time"

	"github.com/davidahmann/handoff/core/layout"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRead(t *testing.T) {
	l := layout.New(t.TempDir(), "")
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	path, err := Write(l, NewRequest("job_ctx", []string{"src/cart/api.ts"}, now))
	require.NoError(t, err)
	assert.Equal(t, l.BundleRequestPath("job_ctx"), path)

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, Request{JobID: "job_ctx", NeededFiles: []string{"src/cart/api.ts"}, Reason: ReasonMissingContext, CreatedAt: now}, got)

	_, err = Write(l, NewRequest("job_ctx", []string{"src/cart/api.ts", "src/cart/b.ts"}, now.Add(time.Minute)))
	require.NoError(t, err)
	got, err = Read(path)
	require.NoError(t, err)
	assert.Len(t, got.NeededFiles, 2)
}
