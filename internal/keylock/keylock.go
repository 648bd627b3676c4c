// Package keylock serializes work per key: at most one function runs for a
// given key at a time, queued callers run in FIFO order, and different keys
// proceed fully in parallel. Used with the conversation id as the key for
// both automation dispatch and timer firing.
//
// The lock table is an in-memory fast path only. It does not survive process
// restart; cross-restart correctness comes from the session version guard and
// the action idempotency keys.
package keylock

import (
	"strings"
	"sync"
)

type entry struct {
	busy    bool
	waiters []chan struct{}
}

type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *KeyLock {
	return &KeyLock{entries: make(map[string]*entry)}
}

// WithLock runs fn while holding the lock for key. An empty key runs fn
// without any serialization.
func (l *KeyLock) WithLock(key string, fn func()) {
	key = strings.TrimSpace(key)
	if key == "" {
		fn()
		return
	}
	l.acquire(key)
	defer l.release(key)
	fn()
}

func (l *KeyLock) acquire(key string) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	if !e.busy {
		e.busy = true
		l.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	e.waiters = append(e.waiters, ch)
	l.mu.Unlock()
	<-ch
}

func (l *KeyLock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return
	}
	if len(e.waiters) > 0 {
		ch := e.waiters[0]
		e.waiters = e.waiters[1:]
		close(ch)
		return
	}
	delete(l.entries, key)
}
