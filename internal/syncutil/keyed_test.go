package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestContextMutex_MutualExclusion(t *testing.T) {
	m := NewContextMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(ctx, "lst_1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("counter = %d, want %d", got, n)
	}
}

func TestContextMutex_CancelWhileWaiting(t *testing.T) {
	m := NewContextMutex()

	unlock, err := m.Lock(context.Background(), "lst_busy")
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.Lock(ctx, "lst_busy"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestContextMutex_DoubleUnlockIsSafe(t *testing.T) {
	m := NewContextMutex()
	unlock, _ := m.Lock(context.Background(), "k")
	unlock()
	unlock()

	// A leaked second token would let both of these succeed at once.
	first, _ := m.Lock(context.Background(), "k")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "k"); err == nil {
		t.Fatal("second lock succeeded while first held")
	}
	first()
}

func TestContextMutex_ZeroValueUsable(t *testing.T) {
	var m ContextMutex
	unlock, err := m.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	unlock()
}

func TestKeyedMutex(t *testing.T) {
	var m KeyedMutex
	var wg sync.WaitGroup
	total := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer m.Lock("bnd_1")()
			total++
		}()
	}
	wg.Wait()
	if total != 50 {
		t.Fatalf("total = %d, want 50", total)
	}
}

func TestInFlight(t *testing.T) {
	var f InFlight

	done, ok := f.Begin("ofr_1")
	if !ok {
		t.Fatal("first Begin should succeed")
	}
	if _, ok := f.Begin("ofr_1"); ok {
		t.Fatal("second Begin should be refused while running")
	}
	if !f.Running("ofr_1") {
		t.Fatal("expected ofr_1 running")
	}
	done()
	if f.Running("ofr_1") {
		t.Fatal("expected ofr_1 cleared")
	}
	if _, ok := f.Begin("ofr_1"); !ok {
		t.Fatal("Begin after done should succeed")
	}
}
