// Package lease keeps one live Executor per handoff directory. The record is
// a JSON file guarded by an O_EXCL lock while it is read and rewritten.
package lease

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	herrors "github.com/davidahmann/handoff/core/errors"
	"github.com/davidahmann/handoff/core/fsx"
)

// lockStaleAfter reclaims a lock file left by a crash mid-update.
const lockStaleAfter = 30 * time.Second

type Record struct {
	WorkerID    string    `json:"worker_id"`
	LeaseID     string    `json:"lease_id"`
	PID         int       `json:"pid"`
	Host        string    `json:"host,omitempty"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func Acquire(current *Record, workerID, leaseID string, now time.Time, ttl time.Duration) (*Record, error) {
	if current != nil && current.ExpiresAt.After(now) {
		if current.WorkerID != workerID || current.LeaseID != leaseID {
			return nil, herrors.New(
				herrors.ELeaseConflict,
				"another executor holds the handoff lease",
				map[string]any{
					"worker_id":          workerID,
					"existing_worker_id": current.WorkerID,
					"existing_lease_id":  current.LeaseID,
					"expires_at":         current.ExpiresAt,
				},
			)
		}
	}

	rec := &Record{
		WorkerID:    workerID,
		LeaseID:     leaseID,
		AcquiredAt:  now.UTC(),
		HeartbeatAt: now.UTC(),
		ExpiresAt:   now.UTC().Add(ttl),
	}
	if current != nil && current.WorkerID == workerID && current.LeaseID == leaseID {
		rec.AcquiredAt = current.AcquiredAt
	}
	return rec, nil
}

func Heartbeat(current *Record, workerID, leaseID string, now time.Time, ttl time.Duration) (*Record, error) {
	if current == nil {
		return nil, herrors.New(herrors.ELeaseConflict, "no active lease", map[string]any{"worker_id": workerID})
	}
	if current.WorkerID != workerID || current.LeaseID != leaseID {
		return nil, herrors.New(
			herrors.ELeaseConflict,
			"heartbeat lease mismatch",
			map[string]any{"worker_id": workerID, "lease_id": leaseID},
		)
	}

	updated := *current
	updated.HeartbeatAt = now.UTC()
	updated.ExpiresAt = now.UTC().Add(ttl)
	return &updated, nil
}

func IsExpired(current *Record, now time.Time) bool {
	if current == nil {
		return true
	}
	return !current.ExpiresAt.After(now)
}

// File manages a lease record on disk.
type File struct {
	Path     string
	WorkerID string
	LeaseID  string
	TTL      time.Duration
	Now      func() time.Time
}

func (f *File) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Claim takes the lease, or fails with ELeaseConflict while another live
// worker holds it or is itself updating the record.
func (f *File) Claim() (*Record, error) {
	rec, err := f.update(func(current *Record, now time.Time) (*Record, error) {
		rec, err := Acquire(current, f.WorkerID, f.LeaseID, now, f.TTL)
		if err != nil {
			return nil, err
		}
		rec.PID = os.Getpid()
		rec.Host, _ = os.Hostname()
		return rec, nil
	})
	if IsBusy(err) {
		return nil, herrors.New(herrors.ELeaseConflict, "lease file is being updated by another process", map[string]any{"path": f.Path})
	}
	return rec, err
}

// IsBusy reports a lease update that lost the race for the record's lock.
// The record itself was not examined, so the caller may retry.
func IsBusy(err error) bool {
	return errors.Is(err, fsx.ErrLockBusy)
}

// Renew extends the lease held by this worker. A busy lock is returned as is
// (see IsBusy); ELeaseConflict means the record names another worker.
func (f *File) Renew() (*Record, error) {
	return f.update(func(current *Record, now time.Time) (*Record, error) {
		return Heartbeat(current, f.WorkerID, f.LeaseID, now, f.TTL)
	})
}

// Release removes the record when this worker still holds it.
func (f *File) Release() error {
	lock, err := f.lock()
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	current, err := Read(f.Path)
	if err != nil {
		return err
	}
	if current == nil || current.WorkerID != f.WorkerID || current.LeaseID != f.LeaseID {
		return nil
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

func (f *File) update(fn func(current *Record, now time.Time) (*Record, error)) (*Record, error) {
	lock, err := f.lock()
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	current, err := Read(f.Path)
	if err != nil {
		return nil, err
	}
	rec, err := fn(current, f.now())
	if err != nil {
		return nil, err
	}
	if err := fsx.AtomicWriteJSON(f.Path, rec, 0o600); err != nil {
		return nil, fmt.Errorf("write lease: %w", err)
	}
	return rec, nil
}

func (f *File) lock() (*fsx.FileLock, error) {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create lease dir: %w", err)
	}
	lock, err := fsx.AcquireLockWithOptions(f.Path+".lock", f.WorkerID, fsx.LockOptions{StaleAfter: lockStaleAfter})
	if err != nil {
		return nil, fmt.Errorf("lock lease %s: %w", f.Path, err)
	}
	return lock, nil
}

// Read returns the stored record, or nil when none exists.
func Read(path string) (*Record, error) {
	// #nosec G304 -- path is derived from the handoff layout.
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lease: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode lease: %w", err)
	}
	return &rec, nil
}
