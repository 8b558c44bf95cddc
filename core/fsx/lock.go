package fsx

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var ErrLockBusy = errors.New("lock busy")

type FileLock struct {
	path  string
	owner string
}

type LockOptions struct {
	// StaleAfter reclaims a lock file whose mtime is older than this; zero disables reclaim.
	StaleAfter time.Duration
	Now        func() time.Time
}

// AcquireLock creates a lock file using O_EXCL so concurrent claimers fail fast.
func AcquireLock(path, owner string) (*FileLock, error) {
	return AcquireLockWithOptions(path, owner, LockOptions{})
}

func AcquireLockWithOptions(path, owner string, opts LockOptions) (*FileLock, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("acquire lock: path is required")
	}
	lock, err := createLock(path, owner)
	if !errors.Is(err, ErrLockBusy) || opts.StaleAfter <= 0 {
		return lock, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	info, statErr := os.Stat(path)
	if statErr != nil || now().Sub(info.ModTime()) < opts.StaleAfter {
		return nil, ErrLockBusy
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reclaim stale lock: %w", err)
	}
	return createLock(path, owner)
}

func createLock(path, owner string) (*FileLock, error) {
	// #nosec G304 -- caller passes a handoff-scoped lock path.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if _, err := file.WriteString(owner + "\n"); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("sync lock file: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close lock file: %w", err)
	}

	return &FileLock{path: path, owner: owner}, nil
}

func (l *FileLock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
