// SPDX-License-Identifier: Apache-2.0

// Package lockfile provides per-table/index lock and done files under the
// run directory (spec §6 "Per-table/index lock and done files used to
// interoperate with external resume runs"): an on-disk signal independent
// of the SQLite Catalog Store, so a separate process attached to the same
// run directory (one that never opens the catalog at all) can still tell
// which units of work are claimed and which are finished.
package lockfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// pollInterval is how often a blocking Acquire retries after a failed
// non-blocking attempt, matching the retry/poll idiom flock-based locks in
// the corpus use rather than relying on flock's blocking Lock (which gives
// no way to observe ctx cancellation mid-wait).
const pollInterval = 50 * time.Millisecond

// Lock guards one unit of work (a table, a table partition, an index, or a
// constraint) via an OS-level advisory file lock. Unlike the Catalog
// Store's pid-based claim rows, the advisory lock is released by the
// kernel the instant the holding process dies or exits, with no stale-pid
// check required on the next attempt.
type Lock struct {
	fl    *flock.Flock
	token string
}

// Path builds the lock file path for one unit of work under dir. kind is
// "table", "index", or "constraint"; key is a filesystem-safe identity
// such as "16420" (an oid) or "16420.3" (table oid + partition number).
func Path(dir, kind, key string) string {
	return filepath.Join(dir, "locks", kind+"-"+key+".lock")
}

// DonePath builds the done-file path counterpart to Path: its presence
// means the unit of work already completed in a prior run, the signal an
// external resume run checks before re-attempting it.
func DonePath(dir, kind, key string) string {
	return filepath.Join(dir, "locks", kind+"-"+key+".done")
}

// TryAcquire attempts to claim the lock for one unit of work without
// blocking. ok is false if another live process already holds it.
func TryAcquire(path string) (lock *Lock, ok bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, false, fmt.Errorf("lockfile: create lock dir: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lockfile: try lock %q: %w", path, err)
	}
	if !locked {
		return nil, false, nil
	}

	token := uuid.NewString()
	if err := os.WriteFile(path, []byte(fmt.Sprintf("pid=%d token=%s\n", os.Getpid(), token)), 0o640); err != nil {
		_ = fl.Unlock()
		return nil, false, fmt.Errorf("lockfile: write lock identity: %w", err)
	}

	return &Lock{fl: fl, token: token}, true, nil
}

// Acquire polls TryAcquire until it succeeds or ctx is cancelled.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	for {
		lock, ok, err := TryAcquire(path)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Token returns the random identity this lock was acquired under, written
// into the lock file alongside the holding pid.
func (l *Lock) Token() string { return l.token }

// Release unlocks the file. It does not remove the file itself: a stale
// lock path with no live holder is harmless, since flock's advisory lock
// is what a subsequent TryAcquire actually checks.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// MarkDone writes the done file for one unit of work, so an external
// resume run can skip it without needing to open the Catalog Store.
func MarkDone(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("lockfile: create done dir: %w", err)
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("pid=%d done_at=%d\n", os.Getpid(), time.Now().Unix())), 0o640)
}

// IsDone reports whether the done file for one unit of work already exists.
func IsDone(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
