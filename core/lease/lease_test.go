package lease

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	herrors "github.com/davidahmann/handoff/core/errors"
)

func TestAcquireRejectsActiveLeaseFromAnotherWorker(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	current := &Record{
		WorkerID:    "worker-a",
		LeaseID:     "lease-a",
		AcquiredAt:  now,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(30 * time.Second),
	}

	_, err := Acquire(current, "worker-b", "lease-b", now, 30*time.Second)
	if !herrors.Is(err, herrors.ELeaseConflict) {
		t.Fatalf("expected lease conflict, got %v", err)
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	current := &Record{
		WorkerID:    "worker-a",
		LeaseID:     "lease-a",
		AcquiredAt:  now.Add(-2 * time.Minute),
		HeartbeatAt: now.Add(-2 * time.Minute),
		ExpiresAt:   now.Add(-1 * time.Minute),
	}

	rec, err := Acquire(current, "worker-b", "lease-b", now, 30*time.Second)
	if err != nil {
		t.Fatalf("expected acquire success after expiry: %v", err)
	}
	if rec.WorkerID != "worker-b" {
		t.Fatalf("expected worker-b, got %s", rec.WorkerID)
	}
	if !IsExpired(current, now) || IsExpired(rec, now) {
		t.Fatal("unexpected expiry state")
	}
}

func TestHeartbeatMismatch(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	current := &Record{WorkerID: "worker-a", LeaseID: "lease-a", ExpiresAt: now.Add(time.Minute)}
	if _, err := Heartbeat(current, "worker-b", "lease-a", now, time.Minute); !herrors.Is(err, herrors.ELeaseConflict) {
		t.Fatalf("expected lease conflict, got %v", err)
	}
	if _, err := Heartbeat(nil, "worker-a", "lease-a", now, time.Minute); err == nil {
		t.Fatal("expected missing lease failure")
	}
	rec, err := Heartbeat(current, "worker-a", "lease-a", now, time.Minute)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !rec.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %s", rec.ExpiresAt)
	}
}

func TestFileClaimRenewRelease(t *testing.T) {
	t.Parallel()

	current := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	path := filepath.Join(t.TempDir(), "state", "executor.lease.json")

	a := &File{Path: path, WorkerID: "exec-a", LeaseID: "la", TTL: 30 * time.Second, Now: clock}
	b := &File{Path: path, WorkerID: "exec-b", LeaseID: "lb", TTL: 30 * time.Second, Now: clock}

	if _, err := a.Claim(); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if _, err := b.Claim(); !herrors.Is(err, herrors.ELeaseConflict) {
		t.Fatalf("expected conflict for b, got %v", err)
	}

	current = current.Add(20 * time.Second)
	rec, err := a.Renew()
	if err != nil {
		t.Fatalf("renew a: %v", err)
	}
	if !rec.ExpiresAt.Equal(current.Add(30 * time.Second)) {
		t.Fatalf("unexpected expiry after renew: %s", rec.ExpiresAt)
	}

	if err := b.Release(); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	if stored, err := Read(path); err != nil || stored == nil || stored.WorkerID != "exec-a" {
		t.Fatalf("expected lease kept for exec-a, got %+v err=%v", stored, err)
	}

	if err := a.Release(); err != nil {
		t.Fatalf("release a: %v", err)
	}
	if stored, err := Read(path); err != nil || stored != nil {
		t.Fatalf("expected lease removed, got %+v err=%v", stored, err)
	}
	if _, err := b.Claim(); err != nil {
		t.Fatalf("claim b after release: %v", err)
	}
}

func TestFileClaimAfterExpiry(t *testing.T) {
	t.Parallel()

	current := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	path := filepath.Join(t.TempDir(), "executor.lease.json")

	a := &File{Path: path, WorkerID: "exec-a", LeaseID: "la", TTL: 30 * time.Second, Now: clock}
	b := &File{Path: path, WorkerID: "exec-b", LeaseID: "lb", TTL: 30 * time.Second, Now: clock}
	if _, err := a.Claim(); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	current = current.Add(31 * time.Second)
	if _, err := b.Claim(); err != nil {
		t.Fatalf("expected reclaim after expiry: %v", err)
	}
	if _, err := a.Renew(); !herrors.Is(err, herrors.ELeaseConflict) {
		t.Fatalf("expected stale holder to lose lease, got %v", err)
	}
}

func TestBusyLockIsRetryableForHolderAndConflictForClaimer(t *testing.T) {
	t.Parallel()

	current := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return current }
	path := filepath.Join(t.TempDir(), "executor.lease.json")

	a := &File{Path: path, WorkerID: "exec-a", LeaseID: "la", TTL: 30 * time.Second, Now: clock}
	b := &File{Path: path, WorkerID: "exec-b", LeaseID: "lb", TTL: 30 * time.Second, Now: clock}
	if _, err := a.Claim(); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	// b is mid-claim: it holds the lock file.
	if err := os.WriteFile(path+".lock", []byte("exec-b\n"), 0o600); err != nil {
		t.Fatalf("write lock: %v", err)
	}

	_, err := a.Renew()
	if !IsBusy(err) {
		t.Fatalf("expected busy renew, got %v", err)
	}
	if herrors.Is(err, herrors.ELeaseConflict) {
		t.Fatalf("busy lock must not read as a lost lease: %v", err)
	}
	if _, err := b.Claim(); !herrors.Is(err, herrors.ELeaseConflict) {
		t.Fatalf("expected conflict for claimer on busy lock, got %v", err)
	}

	if err := os.Remove(path + ".lock"); err != nil {
		t.Fatalf("remove lock: %v", err)
	}
	if _, err := a.Renew(); err != nil {
		t.Fatalf("renew after lock released: %v", err)
	}
}
