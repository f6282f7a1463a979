package notification

import (
	"sync"
	"sync/atomic"
)

// flight is a single-flight lock: at most one holder, no waiting.
type flight struct {
	running atomic.Bool
}

// tryAcquire returns a release func and true when the lock was free.
// The release func is idempotent and is meant to be deferred.
func (f *flight) tryAcquire() (func(), bool) {
	if !f.running.CompareAndSwap(false, true) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() { f.running.Store(false) })
	}, true
}

func (f *flight) held() bool {
	return f.running.Load()
}
