package orchestrator

import (
	"context"
	"sync"
)

// taskLocks serializes work per task id. Entries are dropped when no
// caller holds or waits on them.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	ch   chan struct{}
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*taskLock)}
}

// acquire takes the lock for id. Without wait it fails fast with
// ErrTaskBusy; with wait it blocks until the lock is free or ctx ends.
func (l *taskLocks) acquire(ctx context.Context, id string, wait bool) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &taskLock{ch: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	if wait {
		select {
		case lk.ch <- struct{}{}:
		case <-ctx.Done():
			l.drop(id)
			return nil, ctx.Err()
		}
	} else {
		select {
		case lk.ch <- struct{}{}:
		default:
			l.drop(id)
			return nil, ErrTaskBusy
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.drop(id)
		})
	}, nil
}

func (l *taskLocks) drop(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk := l.locks[id]
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *taskLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
