package store

import (
	"sync"

	"github.com/warp/loyalty-ledger/ledger"
)

// KeyedMutex hands out one mutex per user. Entries are reference counted
// and dropped once no goroutine holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[ledger.UserID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[ledger.UserID]*refMutex)}
}

// Lock acquires the lock for id and returns its release function.
func (k *KeyedMutex) Lock(id ledger.UserID) func() {
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &refMutex{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// LockAll acquires the locks of ids in the given order. Callers pass
// ledger.LockOrder(ids) so that overlapping sets never deadlock.
func (k *KeyedMutex) LockAll(ids []ledger.UserID) func() {
	releases := make([]func(), 0, len(ids))
	for _, id := range ids {
		releases = append(releases, k.Lock(id))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}
