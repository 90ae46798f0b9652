package fps

import (
	"sync"

	"github.com/sdss/jaeger/can"
)

// Locker behaves like the teacher's HTTP locker middleware, but gates CAN
// command submission instead of HTTP routes, and exempts commands tagged
// Safe in the registry instead of a DoNotProtect path list (spec.md §4.8,
// §8 property 6).
type Locker struct {
	mu       sync.RWMutex
	isLocked bool
	lockedBy map[uint32]bool
}

// NewLocker returns an unlocked Locker.
func NewLocker() *Locker {
	return &Locker{lockedBy: make(map[uint32]bool)}
}

// Lock engages the fleet-wide lock, recording positionerID as (one of) the
// cause(s). Calling Lock again while already locked only adds to lockedBy.
func (l *Locker) Lock(positionerID uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = true
	l.lockedBy[positionerID] = true
}

// Unlock clears the lock and the locked_by set. It does not touch any
// positioner's latched collided bit (spec.md §4.8: "does not clear the
// positioner collided bits on the firmware; that is explicit").
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = false
	l.lockedBy = make(map[uint32]bool)
}

// Locked reports the current lock state.
func (l *Locker) Locked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLocked
}

// LockedBy returns the positioner ids that triggered the current lock.
func (l *Locker) LockedBy() []uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]uint32, 0, len(l.lockedBy))
	for id := range l.lockedBy {
		ids = append(ids, id)
	}
	return ids
}

// Allow reports whether id may be scheduled given the current lock state:
// always when unlocked, only Safe opcodes when locked.
func (l *Locker) Allow(id can.CommandID) bool {
	if !l.Locked() {
		return true
	}
	return can.IsSafe(id)
}
