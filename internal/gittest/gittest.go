// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// Repo creates a repository holding files (slash paths) in one initial
// commit and returns its root. The test is skipped when git is missing.
func Repo(t *testing.T, files map[string]string) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}
	dir := t.TempDir()
	t.Setenv("GIT_AUTHOR_NAME", "handoff-test")
	t.Setenv("GIT_AUTHOR_EMAIL", "handoff-test@example.invalid")
	t.Setenv("GIT_COMMITTER_NAME", "handoff-test")
	t.Setenv("GIT_COMMITTER_EMAIL", "handoff-test@example.invalid")
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")

	Git(t, dir, "init", "-q")
	Git(t, dir, "config", "commit.gpgsign", "false")
	Git(t, dir, "config", "core.autocrlf", "false")
	if len(files) == 0 {
		files = map[string]string{"README.md": "# fixture\n"}
	}
	for rel, content := range files {
		Write(t, dir, rel, content)
	}
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

// Git runs git in dir and fails the test on a non-zero exit.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return string(out)
}

func Write(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func Read(t *testing.T, dir, rel string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(raw)
}
