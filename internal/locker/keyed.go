// Package locker serializes work per entity id.
package locker

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed is a set of mutexes addressed by id. Entries are created on demand and
// dropped once no caller holds or waits for them.
type Keyed struct {
	mu    sync.Mutex
	locks map[uint64]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[uint64]*entry)}
}

// Lock blocks until id is free and returns the matching unlock.
func (k *Keyed) Lock(id uint64) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &entry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// Len reports how many ids currently have a holder or waiter.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
