// Package zipx builds the state bundle archive handed to a Planner that
// cannot see the repository directly.
package zipx

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

type Entry struct {
	Name string
	Data []byte
}

var deterministicZipTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Build writes entries sorted by name with a fixed modification time, so
// the same inputs always produce the same bytes.
func Build(entries []Entry) ([]byte, error) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, entry := range sorted {
		header := &zip.FileHeader{
			Name:     entry.Name,
			Method:   zip.Deflate,
			Modified: deterministicZipTime,
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("create zip entry %s: %w", entry.Name, err)
		}
		if _, err := w.Write(entry.Data); err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("write zip entry %s: %w", entry.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// FromFiles reads each path into an entry named relative to root with
// forward slashes. Missing files are skipped.
func FromFiles(root string, paths []string) ([]Entry, error) {
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		// #nosec G304 -- paths come from the handoff layout.
		data, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		name, err := filepath.Rel(root, p)
		if err != nil {
			name = filepath.Base(p)
		}
		entries = append(entries, Entry{Name: filepath.ToSlash(name), Data: data})
	}
	return entries, nil
}
