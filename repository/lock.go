package repository

import (
	"sync/atomic"
	"time"
)

// ResourceLock is a reference-counted lease on a cached resource.
// The resource is not destroyed while any lock on it is held.
type ResourceLock[R any] struct {
	resource R
	lockTime time.Time
	released atomic.Bool
	release  func()
}

func newResourceLock[R any](resource R, lockTime time.Time, release func()) *ResourceLock[R] {
	return &ResourceLock[R]{
		resource: resource,
		lockTime: lockTime,
		release:  release,
	}
}

// GetResource returns the locked resource
func (lock *ResourceLock[R]) GetResource() R {
	return lock.resource
}

// GetLockTime returns the time the lock was issued
func (lock *ResourceLock[R]) GetLockTime() time.Time {
	return lock.lockTime
}

// IsReleased returns true if Release was called
func (lock *ResourceLock[R]) IsReleased() bool {
	return lock.released.Load()
}

// Release releases the lock. Calls after the first are no-op.
func (lock *ResourceLock[R]) Release() {
	if !lock.released.CompareAndSwap(false, true) {
		return
	}

	if lock.release != nil {
		lock.release()
	}
}

// Close releases the lock, to satisfy io.Closer
func (lock *ResourceLock[R]) Close() error {
	lock.Release()
	return nil
}
