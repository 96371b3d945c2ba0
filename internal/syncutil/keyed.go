// Package syncutil holds the keyed locking primitives used on the write path.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// KeyedMutex serializes work per key using a fixed pool of mutexes. Two keys
// may hash to the same shard and then wait on each other; memory stays
// bounded no matter how many bonds or listings exist.
type KeyedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock blocks until key is held and returns its release function.
func (k *KeyedMutex) Lock(key string) func() {
	mu := &k.shards[shardOf(key)]
	mu.Lock()
	return mu.Unlock
}

// ContextMutex is a keyed mutex whose acquisition can be abandoned when the
// caller's context ends. Each shard is a one-slot channel holding the token.
type ContextMutex struct {
	once   sync.Once
	tokens [shardCount]chan struct{}
}

func NewContextMutex() *ContextMutex {
	m := &ContextMutex{}
	m.init()
	return m
}

func (m *ContextMutex) init() {
	m.once.Do(func() {
		for i := range m.tokens {
			m.tokens[i] = make(chan struct{}, 1)
			m.tokens[i] <- struct{}{}
		}
	})
}

// Lock acquires key or returns ctx.Err(). The returned func must be called
// exactly once.
func (m *ContextMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	ch := m.tokens[shardOf(key)]
	select {
	case <-ch:
		var once sync.Once
		return func() { once.Do(func() { ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight tracks keys with an operation currently running.
type InFlight struct {
	m sync.Map
}

// Begin marks key as running. It reports false if key was already running;
// otherwise the caller must call the returned done func.
func (f *InFlight) Begin(key string) (done func(), ok bool) {
	if _, loaded := f.m.LoadOrStore(key, struct{}{}); loaded {
		return nil, false
	}
	return func() { f.m.Delete(key) }, true
}

// Running reports whether key is marked.
func (f *InFlight) Running(key string) bool {
	_, ok := f.m.Load(key)
	return ok
}
