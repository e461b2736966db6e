// Package lock implements the advisory workspace lock that keeps two
// independently-spawned worker processes from mutating the same task
// workspace at once.
package lock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const lockFileName = ".agent_lock"

// Record is the on-disk lock marker. A record older than the staleness
// threshold is treated as evidence of a crashed holder, not as held.
type Record struct {
	Owner      string `json:"owner"`
	PID        int    `json:"pid"`
	AcquiredAt int64  `json:"acquired_at"` // unix seconds
}

// Age returns how long ago the record was written.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(r.AcquiredAt, 0))
}

// Manager acquires and releases per-workspace locks.
//
// Acquisition is read-then-write, not an atomic check-and-set: two
// processes overriding the same stale lock can race, and the second
// writer wins. This is a documented property of the single-orchestrator
// deployment model, not a bug to paper over here; a multi-instance
// deployment needs a create-if-absent primitive on a shared store instead.
type Manager struct {
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a Manager. Locks older than staleAfter are eligible
// for override.
func NewManager(staleAfter time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
}

func lockPath(workspace string) string {
	return filepath.Join(workspace, lockFileName)
}

// Acquire attempts to take the lock on a workspace for the given owner.
// It returns false when an unexpired lock is held by anyone (including a
// previous run of the same owner) or when any I/O error occurs — callers
// must skip the task for this tick rather than guess.
func (m *Manager) Acquire(workspace, owner string) bool {
	path := lockPath(workspace)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var rec Record
		if jsonErr := json.Unmarshal(data, &rec); jsonErr == nil {
			age := rec.Age(m.now())
			if age < m.staleAfter {
				m.logger.Warn("workspace locked, skipping",
					"workspace", workspace, "holder", rec.Owner, "age", age.Truncate(time.Second))
				return false
			}
			m.logger.Warn("overriding stale lock",
				"workspace", workspace, "holder", rec.Owner, "age", age.Truncate(time.Second))
		}
		// Unparseable lock files are treated like stale ones.
	case os.IsNotExist(err):
		// No holder.
	default:
		m.logger.Warn("lock read failed, treating as held", "workspace", workspace, "error", err)
		return false
	}

	rec := Record{
		Owner:      owner,
		PID:        os.Getpid(),
		AcquiredAt: m.now().Unix(),
	}
	out, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		m.logger.Warn("lock write failed", "workspace", workspace, "error", err)
		return false
	}
	return true
}

// Release removes the lock record. It is idempotent and best-effort: it
// is safe to call without holding the lock, and removal errors are
// swallowed after logging.
func (m *Manager) Release(workspace string) {
	err := os.Remove(lockPath(workspace))
	if err != nil && !os.IsNotExist(err) {
		m.logger.Warn("lock release failed", "workspace", workspace, "error", err)
	}
}

// Holder returns the current lock record for a workspace, or nil when the
// workspace is unlocked or the record is unreadable.
func (m *Manager) Holder(workspace string) *Record {
	data, err := os.ReadFile(lockPath(workspace))
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil
	}
	return &rec
}

// String describes the manager's staleness policy, for startup banners.
func (m *Manager) String() string {
	return fmt.Sprintf("advisory file lock (stale after %s)", m.staleAfter)
}
