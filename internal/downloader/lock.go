package downloader

import "sync"

// keyedMutex hands out one mutex per key. Entries are dropped once no goroutine
// holds or waits for them, so the map only grows with concurrently active urls.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()

	l, ok := k.locks[key]
	if !ok {
		l = &refMutex{}
		k.locks[key] = l
	}

	l.refs++
	k.mu.Unlock()

	l.Lock()

	return func() {
		l.Unlock()

		k.mu.Lock()
		defer k.mu.Unlock()

		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
	}
}

// Do runs fn while holding key. The lock is released on every exit path.
func (k *keyedMutex) Do(key string, fn func() error) error {
	unlock := k.Lock(key)
	defer unlock()

	return fn()
}
