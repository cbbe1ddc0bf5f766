/*
Package lock provides per-key exclusive locks for the lot ledger.

PURPOSE:
  Two consumptions of the same (subject, resource type, resource id) must not
  interleave their read-plan-write cycle, or the same lot could be spent
  twice. Different keys must never wait on each other.

IMPLEMENTATIONS:
  KeyedMutex: in-process, one reference-counted channel per active key
  Redis:      multi-instance, bsm/redislock leases with retry

Both satisfy costlot.Locker.
*/
package lock

import (
	"context"
	"sync"

	"github.com/warp/lot-ledger/costlot"
)

// KeyedMutex hands out one exclusive slot per key. Entries are dropped once
// no goroutine holds or waits for the key.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[costlot.Key]*slot
}

type slot struct {
	ch   chan struct{} // buffered(1): a token means the key is free
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: make(map[costlot.Key]*slot)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key costlot.Key) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		s.ch <- struct{}{}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case <-s.ch:
	case <-ctx.Done():
		k.drop(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.ch <- struct{}{}
			k.drop(key, s)
		})
	}, nil
}

func (k *KeyedMutex) drop(key costlot.Key, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
