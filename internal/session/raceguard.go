package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/forgegate/hub/internal/core"
)

// FileState is the observable state of a path at one instant, captured
// before and after a guarded operation.
type FileState struct {
	Exists  bool
	Hash    string
	Version uint64
	MTime   time.Time
}

// Guard brackets every mutating operation: capture state, perform,
// re-capture, and validate that the transition matches the operation.
// An inconsistent transition means another actor touched the path between
// the decision and the change; the operation fails with a retryable
// RaceConditionError. The per-path lock is held for the whole bracket so
// guarded operations on one path serialize; the guard detects interference
// from writers that bypass it.
type Guard struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewGuard returns a guard with no locks; path locks are created on first
// use and removed when the last holder releases them.
func NewGuard() *Guard {
	return &Guard{locks: make(map[string]*pathLock)}
}

// Do runs perform under the path lock with state validation around it.
// op is one of create, write, delete, move; other ops get the lock but no
// transition check. Errors from perform pass through unchanged.
func (g *Guard) Do(path, op string, observe func() (FileState, error), perform func() error) error {
	pl := g.acquire(path)
	defer g.release(path, pl)

	before, err := observe()
	if err != nil {
		return fmt.Errorf("failed to capture state of %s: %w", path, err)
	}
	if err := perform(); err != nil {
		return err
	}
	after, err := observe()
	if err != nil {
		return fmt.Errorf("failed to recapture state of %s: %w", path, err)
	}
	return validateTransition(path, op, before, after)
}

// Locks returns the number of live path locks.
func (g *Guard) Locks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

// acquire takes the path lock, creating it when absent. The registry lock
// is never held while waiting on a path lock.
func (g *Guard) acquire(path string) *pathLock {
	g.mu.Lock()
	pl, ok := g.locks[path]
	if !ok {
		pl = &pathLock{}
		g.locks[path] = pl
	}
	pl.refs++
	g.mu.Unlock()

	pl.mu.Lock()
	return pl
}

func (g *Guard) release(path string, pl *pathLock) {
	pl.mu.Unlock()

	g.mu.Lock()
	pl.refs--
	if pl.refs == 0 {
		delete(g.locks, path)
	}
	g.mu.Unlock()
}

func validateTransition(path, op string, before, after FileState) error {
	switch op {
	case "create":
		if before.Exists {
			return &core.RaceConditionError{Path: path, Op: op, Detail: "path existed before create"}
		}
		if !after.Exists {
			return &core.RaceConditionError{Path: path, Op: op, Detail: "path absent after create"}
		}
	case "write":
		if !after.Exists {
			return &core.RaceConditionError{Path: path, Op: op, Detail: "path absent after write"}
		}
		if before.Exists && !advanced(before, after) {
			return &core.RaceConditionError{Path: path, Op: op, Detail: "state did not advance"}
		}
	case "delete", "move":
		if !before.Exists {
			return &core.RaceConditionError{Path: path, Op: op, Detail: "path absent before " + op}
		}
		if after.Exists {
			return &core.RaceConditionError{Path: path, Op: op, Detail: "path still present after " + op}
		}
	}
	return nil
}

// advanced reports whether the after state reflects a newer write: version
// increment, mtime advance, or content change.
func advanced(before, after FileState) bool {
	return after.Version > before.Version ||
		after.MTime.After(before.MTime) ||
		after.Hash != before.Hash
}
