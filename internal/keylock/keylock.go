// Package keylock serializes work per string key: at most one holder per
// key at a time, while different keys proceed independently.
package keylock

import "sync"

// Map is a set of mutexes created on demand and dropped when unused.
// The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until key is free and returns the matching unlock function.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()

	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}

	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}

	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--

		if e.refs == 0 {
			delete(m.locks, key)
		}

		m.mu.Unlock()
	}
}

// TryLock acquires key only if it is free right now.
func (m *Map) TryLock(key string) (unlock func(), ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks == nil {
		m.locks = make(map[string]*entry)
	}

	if _, busy := m.locks[key]; busy {
		return nil, false
	}

	e := &entry{refs: 1}
	e.mu.Lock()
	m.locks[key] = e

	return func() {
		e.mu.Unlock()

		m.mu.Lock()
		e.refs--

		if e.refs == 0 {
			delete(m.locks, key)
		}

		m.mu.Unlock()
	}, true
}
