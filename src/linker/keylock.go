package linker

import (
	"fmt"
	"sync"
)

// KeyedLock serializes position-mutating work per (account, symbol) pair.
// A new signal's entry and a reconciliation-triggered close for the same pair
// must not interleave; unrelated pairs proceed in parallel.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*sync.Mutex)}
}

func lockKey(accountID uint, symbol string) string {
	return fmt.Sprintf("%d:%s", accountID, symbol)
}

// Lock acquires the pair's mutex and returns its unlock function.
func (k *KeyedLock) Lock(accountID uint, symbol string) func() {
	key := lockKey(accountID, symbol)

	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
