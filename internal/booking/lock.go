package booking

import (
	"time"

	"github.com/google/uuid"
)

// DefaultLockTTL is how long a temporary slot claim lives.
const DefaultLockTTL = 10 * time.Second

// LockedByOther reports whether a live temporary lock is held by someone
// other than requester. A lock past its LockedUntil counts as absent.
func (s *Slot) LockedByOther(requester uuid.UUID, now time.Time) bool {
	if s.LockedUntil == nil || s.LockedBy == nil {
		return false
	}
	if !s.LockedUntil.After(now) {
		return false
	}
	return *s.LockedBy != requester
}

// TryLock claims the slot for requester until now+ttl. It only changes the
// in-memory row; callers persist it inside the same transaction that holds
// the slot's row lock.
func (s *Slot) TryLock(requester uuid.UUID, now time.Time, ttl time.Duration) error {
	if s.LockedByOther(requester, now) {
		return ErrSlotLocked
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	until := now.Add(ttl)
	by := requester
	s.LockedUntil = &until
	s.LockedBy = &by
	return nil
}

func (s *Slot) ClearLock() {
	s.LockedUntil = nil
	s.LockedBy = nil
}

// ReleaseLock clears the lock only when requester holds it.
func (s *Slot) ReleaseLock(requester uuid.UUID) bool {
	if s.LockedBy == nil || *s.LockedBy != requester {
		return false
	}
	s.ClearLock()
	return true
}
