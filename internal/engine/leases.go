package engine

import "sync"

// leases serializes attachment reads against attachment deletion per secret.
// A reveal holds a shared lease from before its view is consumed until its
// blob read finishes; purge takes the lease exclusively before deleting the
// blob, so it waits for every reveal that has already spent a view.
type leases struct {
	mu    sync.Mutex
	locks map[string]*refRWMutex
}

type refRWMutex struct {
	sync.RWMutex
	refs int
}

func newLeases() *leases {
	return &leases{locks: make(map[string]*refRWMutex)}
}

func (l *leases) acquire(id string) *refRWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &refRWMutex{}
		l.locks[id] = m
	}
	m.refs++
	return m
}

func (l *leases) release(id string, m *refRWMutex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(l.locks, id)
	}
}

// Shared returns a release func that is safe to call more than once.
func (l *leases) Shared(id string) func() {
	m := l.acquire(id)
	m.RLock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.RUnlock()
			l.release(id, m)
		})
	}
}

func (l *leases) Exclusive(id string) func() {
	m := l.acquire(id)
	m.Lock()
	return func() {
		m.Unlock()
		l.release(id, m)
	}
}

func (l *leases) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
