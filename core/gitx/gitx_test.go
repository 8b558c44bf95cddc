package gitx

import (
	"context"
	"strings"
	"testing"
	"time"

	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/davidahmann/handoff/internal/gittest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloPatch = `diff --git a/app/hello.txt b/app/hello.txt
--- a/app/hello.txt
+++ b/app/hello.txt
@@ -1 +1 @@
-hello
+hello world
`

func TestIsCleanAndStatus(t *testing.T) {
	dir := gittest.Repo(t, map[string]string{"app/hello.txt": "hello\n"})
	r := New(dir, Options{})
	ctx := context.Background()

	clean, msg, err := r.IsClean(ctx)
	require.NoError(t, err)
	assert.True(t, clean)
	assert.Empty(t, msg)

	gittest.Write(t, dir, "app/other.txt", "x\n")
	clean, msg, err = r.IsClean(ctx)
	require.NoError(t, err)
	assert.False(t, clean)
	assert.Contains(t, msg, "not clean")

	res, err := r.Status(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.True(t, strings.HasPrefix(res.Stdout, "## "))
	assert.Contains(t, res.Stdout, "?? app/other.txt")
}

func TestApplyAndReverse(t *testing.T) {
	dir := gittest.Repo(t, map[string]string{"app/hello.txt": "hello\n"})
	r := New(dir, Options{Timeout: time.Minute})
	ctx := context.Background()

	require.NoError(t, r.ApplyCheck(ctx, helloPatch, false))
	assert.Equal(t, "hello\n", gittest.Read(t, dir, "app/hello.txt"))

	require.NoError(t, r.Apply(ctx, helloPatch, false))
	assert.Equal(t, "hello world\n", gittest.Read(t, dir, "app/hello.txt"))

	err := r.ApplyCheck(ctx, helloPatch, false)
	require.Error(t, err)
	assert.Equal(t, herrors.EApplyConflict, herrors.CodeOf(err))

	diffRes, err := r.Diff(ctx, false, []string{"app/hello.txt"})
	require.NoError(t, err)
	assert.Contains(t, diffRes.Stdout, "+hello world")

	require.NoError(t, r.ApplyCheck(ctx, helloPatch, true))
	require.NoError(t, r.Apply(ctx, helloPatch, true))
	assert.Equal(t, "hello\n", gittest.Read(t, dir, "app/hello.txt"))
}

func TestAddAllAndCommit(t *testing.T) {
	dir := gittest.Repo(t, nil)
	r := New(dir, Options{})
	ctx := context.Background()

	gittest.Write(t, dir, "src/a.ts", "export const a = 1\n")
	require.NoError(t, r.AddAll(ctx))
	require.NoError(t, r.Commit(ctx, "chore(handoff): apply ops_task job1"))

	log := gittest.Git(t, dir, "log", "-1", "--pretty=%s")
	assert.Equal(t, "chore(handoff): apply ops_task job1", strings.TrimSpace(log))

	// Nothing left to commit.
	require.Error(t, r.Commit(ctx, "empty"))
}

func TestMissingBinaryIsToolUnavailable(t *testing.T) {
	r := New(t.TempDir(), Options{Binary: "handoff-no-such-git-binary"})
	assert.False(t, r.Available())

	_, err := r.Run(context.Background(), "", "status")
	require.Error(t, err)
	assert.Equal(t, herrors.EToolUnavailable, herrors.CodeOf(err))
}

func TestPreviewTruncates(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	long := strings.Repeat("x", PreviewLimit+10)
	out := Preview(long)
	assert.True(t, strings.HasSuffix(out, "[TRUNCATED]\n"))
	assert.Len(t, out, PreviewLimit+len("\n\n[TRUNCATED]\n"))
}

func TestApplyPathsReadsNamesAsGitDoes(t *testing.T) {
	dir := gittest.Repo(t, map[string]string{"app/hello.txt": "hello\n"})
	r := New(dir, Options{})

	paths, err := r.ApplyPaths(context.Background(), helloPatch)
	require.NoError(t, err)
	assert.Equal(t, []string{"app/hello.txt"}, paths)

	spaced := "--- /dev/null\n+++ b/app/my notes.txt\t\n@@ -0,0 +1 @@\n+x\n"
	paths, err = r.ApplyPaths(context.Background(), spaced)
	require.NoError(t, err)
	assert.Equal(t, []string{"app/my notes.txt"}, paths)

	_, err = r.ApplyPaths(context.Background(), "not a patch\n")
	assert.Equal(t, herrors.EDiffUnparseable, herrors.CodeOf(err))
}

func TestParseNumstatZ(t *testing.T) {
	out := "1\t1\tapp/a.ts\x00-\t-\tassets/logo.png\x000\t0\t\x00app/old.ts\x00app/new.ts\x00"
	assert.Equal(t, []string{"app/a.ts", "assets/logo.png", "app/old.ts", "app/new.ts"}, parseNumstatZ(out))
	assert.Empty(t, parseNumstatZ(""))
}
