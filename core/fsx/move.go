package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrDestinationExists = errors.New("destination already exists")

// MoveNoReplace relocates src to dst without ever overwriting dst. The hard
// link is the atomic claim: whoever creates dst first owns the move.
func MoveNoReplace(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("mkdir for move: %w", err)
	}
	if err := os.Link(src, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrDestinationExists
		}
		if _, statErr := os.Lstat(dst); statErr == nil {
			return ErrDestinationExists
		}
		// Filesystems without hard links fall back to rename after checking the target is absent.
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("move source: %w", err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("rename for move: %w", err)
		}
		return nil
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove moved source: %w", err)
	}
	return nil
}
