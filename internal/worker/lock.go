package worker

import "sync"

// KeyedLocker is the advisory lock the concurrency guard (§4.6) uses to
// guarantee at-most-one in-flight reconciliation per InternalKey (or,
// before an InternalKey is minted, per foreign-key triple). It is a
// simple in-process held-set: contention is expected to be rare, so a
// failed TryAcquire just means the caller abandons the item and lets
// it retry later rather than blocking a worker goroutine.
type KeyedLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewKeyedLocker returns an empty KeyedLocker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{held: map[string]struct{}{}}
}

// TryAcquire attempts to take key's lock. On success it returns a
// release func the caller must call exactly once; on failure ok is
// false and release is nil.
func (l *KeyedLocker) TryAcquire(key string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[key]; taken {
		return nil, false
	}
	l.held[key] = struct{}{}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true
}
