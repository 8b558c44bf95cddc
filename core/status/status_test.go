package status

import (
	"archive/zip"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/davidahmann/handoff/core/gitx"
	"github.com/davidahmann/handoff/core/layout"
	"github.com/davidahmann/handoff/core/lease"
	"github.com/davidahmann/handoff/internal/gittest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func seed(t *testing.T, root string) layout.Layout {
	t.Helper()
	l := layout.New(root, "handoff")
	require.NoError(t, l.Ensure())
	files := []string{
		l.PendingPath("20260310_b"),
		l.PendingPath("20260310_a"),
		l.ProcessedPath("20260309_done"),
		l.ApprovalRequestPath("20260310_a"),
		l.ApprovalRequestPath("20260310_b"),
		l.ApprovalTokenPath("20260310_b"),
		l.BundleRequestPath("20260310_c"),
		filepath.Join(l.PendingDir(), "notes.txt"),
	}
	for _, p := range files {
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0o600))
	}
	return l
}

func TestCollectCountsHandoffDirectory(t *testing.T) {
	root := t.TempDir()
	l := seed(t, root)

	snap, err := Collect(context.Background(), Options{
		RepoRoot:        root,
		Layout:          l,
		ProducerVersion: "test",
		Now:             func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	assert.Equal(t, SchemaID, snap.SchemaID)
	assert.Equal(t, fixedNow, snap.CreatedAt)
	assert.Equal(t, Counts{Pending: 2, Processed: 1, ApprovalRequests: 2, ApprovalTokens: 1, BundleRequests: 1}, snap.Counts)
	assert.Equal(t, []string{"20260310_a", "20260310_b"}, snap.Pending)
	assert.Equal(t, []string{"20260310_a"}, snap.AwaitingToken)
	assert.Nil(t, snap.Lease)
	assert.False(t, snap.Git.Available)
}

func TestCollectOnMissingLayoutIsEmpty(t *testing.T) {
	root := t.TempDir()
	snap, err := Collect(context.Background(), Options{RepoRoot: root, Layout: layout.New(root, "")})
	require.NoError(t, err)
	assert.Equal(t, Counts{}, snap.Counts)
	assert.Empty(t, snap.Pending)
}

func TestCollectReportsLease(t *testing.T) {
	root := t.TempDir()
	l := seed(t, root)
	f := &lease.File{Path: l.LeasePath(), WorkerID: "w1", LeaseID: "l1", TTL: time.Minute, Now: func() time.Time { return fixedNow }}
	_, err := f.Claim()
	require.NoError(t, err)

	snap, err := Collect(context.Background(), Options{Layout: l, Now: func() time.Time { return fixedNow.Add(2 * time.Minute) }})
	require.NoError(t, err)
	require.NotNil(t, snap.Lease)
	assert.Equal(t, "w1", snap.Lease.WorkerID)
	assert.True(t, snap.Lease.Expired)
}

func TestCollectIncludesGitPorcelain(t *testing.T) {
	dir := gittest.Repo(t, map[string]string{"app/index.tsx": "x\n"})
	l := layout.New(dir, "")

	snap, err := Collect(context.Background(), Options{RepoRoot: dir, Layout: l, Git: gitx.New(dir, gitx.Options{})})
	require.NoError(t, err)
	assert.True(t, snap.Git.Available)
	assert.True(t, snap.Git.Clean)
	assert.Contains(t, snap.Git.Status, "##")
	assert.Contains(t, snap.Git.Log, "initial")

	gittest.Write(t, dir, "app/index.tsx", "y\n")
	snap, err = Collect(context.Background(), Options{RepoRoot: dir, Layout: l, Git: gitx.New(dir, gitx.Options{})})
	require.NoError(t, err)
	assert.False(t, snap.Git.Clean)
	assert.Contains(t, snap.Git.Status, " M app/index.tsx")
}

func TestWriteAndBundle(t *testing.T) {
	root := t.TempDir()
	l := seed(t, root)
	require.NoError(t, os.WriteFile(l.ExecutorLogPath(), []byte("tick\n"), 0o600))

	snap, err := Collect(context.Background(), Options{RepoRoot: root, Layout: l, Now: func() time.Time { return fixedNow }})
	require.NoError(t, err)

	path, err := Write(l, snap)
	require.NoError(t, err)
	assert.Equal(t, l.RuntimePath(), path)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, snap.Counts, decoded.Counts)

	bundlePath, err := Bundle(root, l, snap)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(l.StateBundlesDir(), "state_20260310_093000.zip"), bundlePath)
	assert.FileExists(t, filepath.Join(l.StateBundlesDir(), "latest.zip"))

	zr, err := zip.OpenReader(bundlePath)
	require.NoError(t, err)
	defer func() { _ = zr.Close() }()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		"handoff/logs/executor.log",
		"handoff/state/git_status.txt",
		"handoff/state/runtime.json",
	}, names)
}
