package orchestrator

import "sync"

// instanceLocks serializes mutating operations per instance. Operations on
// different instances proceed independently.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: map[string]*sync.Mutex{}}
}

// acquire locks the mutex for key and returns its release func. The release
// must run on every exit path of the operation.
func (l *instanceLocks) acquire(key string) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
