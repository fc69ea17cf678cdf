package task

import "sync"

// keyedMutex serialises work per key. Entries are dropped once no goroutine
// holds or waits for them.
type keyedMutex struct {
	edit    sync.Mutex
	waiters map[string]int
	mutexes map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		waiters: make(map[string]int),
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (k *keyedMutex) Lock(key string) {
	k.edit.Lock()
	mu, ok := k.mutexes[key]
	if !ok {
		mu = &sync.Mutex{}
		k.mutexes[key] = mu
	}
	k.waiters[key]++
	k.edit.Unlock()

	mu.Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.edit.Lock()
	defer k.edit.Unlock()

	mu, ok := k.mutexes[key]
	if !ok {
		panic("task: unlock of unlocked key " + key)
	}
	mu.Unlock()
	k.waiters[key]--
	if k.waiters[key] == 0 {
		delete(k.mutexes, key)
		delete(k.waiters, key)
	}
}

func (k *keyedMutex) size() int {
	k.edit.Lock()
	defer k.edit.Unlock()
	return len(k.mutexes)
}
