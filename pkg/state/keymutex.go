package state

import "sync"

// KeyMutex serializes writers per key instead of behind one global
// lock, so work on unrelated resources never queues. Mutexes are
// created on first use and live for the KeyMutex's lifetime.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyMutex creates an empty per-key mutex set.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (m *KeyMutex) Lock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
}

// Unlock releases the mutex for key. Unlocking a key that was never
// locked panics, matching sync.Mutex.
func (m *KeyMutex) Unlock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	m.mu.Unlock()
	if !ok {
		panic("state: unlock of unheld key " + key)
	}

	l.Unlock()
}
