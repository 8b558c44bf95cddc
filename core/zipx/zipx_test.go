package zipx

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestBuildStableAcrossInputOrder(t *testing.T) {
	t.Parallel()

	a, err := Build([]Entry{
		{Name: "b.txt", Data: []byte("second")},
		{Name: "a.txt", Data: []byte("first")},
	})
	if err != nil {
		t.Fatalf("build zip a: %v", err)
	}
	b, err := Build([]Entry{
		{Name: "a.txt", Data: []byte("first")},
		{Name: "b.txt", Data: []byte("second")},
	})
	if err != nil {
		t.Fatalf("build zip b: %v", err)
	}

	if !bytes.Equal(a, b) {
		t.Fatal("expected deterministic zip bytes to match")
	}
}

func TestFromFilesSkipsMissingAndRoundTrips(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	logPath := filepath.Join(root, "handoff", "logs", "executor.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(logPath, []byte("tick\n"), 0o600); err != nil {
		t.Fatalf("write log: %v", err)
	}

	entries, err := FromFiles(root, []string{logPath, filepath.Join(root, "handoff", "logs", "watchdog.log")})
	if err != nil {
		t.Fatalf("from files: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "handoff/logs/executor.log" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	raw, err := Build(entries)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 1 {
		t.Fatalf("expected one file, got %d", len(zr.File))
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if string(got) != "tick\n" {
		t.Fatalf("unexpected content %q", got)
	}
}
