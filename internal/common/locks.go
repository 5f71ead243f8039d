package common

import "sync"

// ChildLocks is a set of mutexes keyed by child id. Every write unit that
// touches a child's tasks or wallet holds that child's lock for its whole
// transaction, so grant-uniqueness checks and balance updates for one child
// run one at a time while different children never contend.
type ChildLocks struct {
	mu    sync.Mutex
	locks map[int64]*childLock
}

type childLock struct {
	mu   sync.Mutex
	refs int
}

func NewChildLocks() *ChildLocks {
	return &ChildLocks{locks: make(map[int64]*childLock)}
}

// Lock acquires the mutex of childID and returns its release func.
// Entries are dropped once nobody holds or waits for them.
func (l *ChildLocks) Lock(childID int64) (unlock func()) {
	l.mu.Lock()
	cl, ok := l.locks[childID]
	if !ok {
		cl = &childLock{}
		l.locks[childID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()

	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, childID)
		}
		l.mu.Unlock()
	}
}

// Len reports how many children currently have a live entry.
func (l *ChildLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
