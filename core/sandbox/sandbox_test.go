package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T, extra ...string) (*Resolver, string) {
	t.Helper()
	root := t.TempDir()
	r, err := New(Config{Root: root, ExtraAllowGlobs: extra})
	require.NoError(t, err)
	return r, r.Root()
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var denied *DeniedError
	require.True(t, errors.As(err, &denied), "expected DeniedError, got %v", err)
	return denied.Reason
}

func TestResolveRejectsTraversal(t *testing.T) {
	r, _ := newResolver(t)

	_, err := r.Resolve("../../etc/passwd")
	assert.Equal(t, ReasonTraversal, reasonOf(t, err))

	// Matches app/** but still carries a ".." segment.
	_, err = r.Resolve("app/../app/index.tsx")
	assert.Equal(t, ReasonTraversal, reasonOf(t, err))

	_, err = r.Resolve(`app\..\..\secret.txt`)
	assert.Equal(t, ReasonTraversal, reasonOf(t, err))
}

func TestResolveReasons(t *testing.T) {
	r, root := newResolver(t)

	_, err := r.Resolve("   ")
	assert.Equal(t, ReasonEmpty, reasonOf(t, err))

	for _, p := range []string{"app/.env", "app/.env.production", "app/config/secrets.json", "scripts/id_rsa.pub", "app/node_modules/x.js", "app/Auth_TOKEN.ts", "components/certs/server.pem"} {
		_, err = r.Resolve(p)
		assert.Equal(t, ReasonDenied, reasonOf(t, err), p)
	}

	_, err = r.Resolve("src/cart/a.ts")
	assert.Equal(t, ReasonNotAllowed, reasonOf(t, err))

	abs, err := r.Resolve("app/(tabs)/cart.tsx")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "app", "(tabs)", "cart.tsx"), abs)

	abs, err = r.Resolve("/package.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "package.json"), abs)
}

func TestResolveExtraAllowGlob(t *testing.T) {
	r, _ := newResolver(t, "src/**")
	_, err := r.Resolve("src/cart/domain/cartMath.ts")
	require.NoError(t, err)
	assert.True(t, r.Visible("src/a.ts"))
	assert.False(t, r.Visible("src/.env"))
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	r, root := newResolver(t)
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app"), 0o750))
	if err := os.Symlink(outside, filepath.Join(root, "app", "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := r.Resolve("app/link/payload.ts")
	assert.Equal(t, ReasonOutOfRoot, reasonOf(t, err))
}

func TestNewRejectsInvalidAllowGlob(t *testing.T) {
	_, err := New(Config{Root: t.TempDir(), ExtraAllowGlobs: []string{"app/[unclosed"}})
	require.Error(t, err)
}

func TestBlockedDir(t *testing.T) {
	r, _ := newResolver(t)
	assert.True(t, r.BlockedDir("node_modules"))
	assert.True(t, r.BlockedDir(".GIT"))
	assert.False(t, r.BlockedDir("app"))
}
