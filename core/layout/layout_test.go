package layout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLayoutPaths(t *testing.T) {
	t.Parallel()

	l := New("/repo", "")
	cases := map[string]string{
		l.PendingPath("job_1"):         "/repo/handoff/commands/job_1.json",
		l.ProcessedPath("job_1"):       "/repo/handoff/processed/job_1.json",
		l.ApprovalRequestPath("job_1"): "/repo/handoff/approvals/requests/job_1.json",
		l.ApprovalTokenPath("job_1"):   "/repo/handoff/approvals/inbox/job_1.approved.json",
		l.BundleRequestPath("job_1"):   "/repo/handoff/bundle_requests/job_1.json",
		l.ExecutorLogPath():            "/repo/handoff/logs/executor.log",
		l.LeasePath():                  "/repo/handoff/state/executor.lease.json",
		l.RuntimePath():                "/repo/handoff/state/runtime.json",
		l.StateBundlesDir():            "/repo/handoff/state_bundles",
	}
	for got, want := range cases {
		if !strings.HasSuffix(filepath.ToSlash(got), want) {
			t.Fatalf("unexpected path: got %s want suffix %s", got, want)
		}
	}
}

func TestAbsoluteDirIgnoresRepoRoot(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "queue")
	if got := New("/repo", dir).Root(); got != dir {
		t.Fatalf("expected %s, got %s", dir, got)
	}
}

func TestEnsureCreatesDirs(t *testing.T) {
	t.Parallel()

	l := New(t.TempDir(), "handoff")
	if err := l.Ensure(); err != nil {
		t.Fatalf("ensure layout dirs: %v", err)
	}
	for _, dir := range l.Dirs() {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected dir %s: %v", dir, err)
		}
	}
}

func TestEnsureIgnoresRuntimeStateOnce(t *testing.T) {
	t.Parallel()

	l := New(t.TempDir(), "handoff")
	if err := l.Ensure(); err != nil {
		t.Fatalf("ensure layout dirs: %v", err)
	}
	raw, err := os.ReadFile(l.GitignorePath())
	if err != nil {
		t.Fatalf("read .gitignore: %v", err)
	}
	for _, want := range []string{"/state/", "/logs/", "/state_bundles/"} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf(".gitignore missing %s:\n%s", want, raw)
		}
	}
	if strings.Contains(string(raw), "/processed/") {
		t.Fatalf("processed jobs must stay tracked:\n%s", raw)
	}

	if err := os.WriteFile(l.GitignorePath(), []byte("custom\n"), 0o600); err != nil {
		t.Fatalf("write .gitignore: %v", err)
	}
	if err := l.Ensure(); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	raw, _ = os.ReadFile(l.GitignorePath())
	if string(raw) != "custom\n" {
		t.Fatalf("existing .gitignore overwritten: %q", raw)
	}
}
