package state

import "sync"

// taskLocks provides per-task mutual exclusion for read-modify-write cycles.
// Each task id gets its own mutex so unrelated tasks never contend.
type taskLocks struct {
	mu    sync.Mutex          // Guards the locks map itself
	locks map[int]*sync.Mutex // Per-task mutexes
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[int]*sync.Mutex)}
}

// Lock acquires the mutex for taskID, creating it on first access.
func (l *taskLocks) Lock(taskID int) {
	l.mu.Lock()
	m, ok := l.locks[taskID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[taskID] = m
	}
	l.mu.Unlock()

	// Acquire outside the map lock so other tasks are not blocked.
	m.Lock()
}

// Unlock releases the mutex for taskID.
func (l *taskLocks) Unlock(taskID int) {
	l.mu.Lock()
	m, ok := l.locks[taskID]
	l.mu.Unlock()

	if ok {
		m.Unlock()
	}
}
