package lockregistry

import (
	"sync"
	"testing"
	"time"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	r := New()
	h := r.Lock("a")
	h.Unlock()

	if len(r.locks) != 0 {
		t.Fatalf("registry retained %d entries after the only holder unlocked", len(r.locks))
	}
}

func TestLockSerializesSameKey(t *testing.T) {
	r := New()

	h1 := r.Lock("a")

	unlocked := make(chan struct{})
	go func() {
		h2 := r.Lock("a")
		close(unlocked)
		h2.Unlock()
	}()

	select {
	case <-unlocked:
		t.Fatal("second Lock on the same key returned before the first was unlocked")
	case <-time.After(20 * time.Millisecond):
	}

	h1.Unlock()

	select {
	case <-unlocked:
	case <-time.After(time.Second):
		t.Fatal("second Lock never acquired after the first was released")
	}
}

func TestLockDistinctKeysDoNotBlock(t *testing.T) {
	r := New()
	h1 := r.Lock("a")
	defer h1.Unlock()

	done := make(chan struct{})
	go func() {
		h2 := r.Lock("b")
		h2.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Lock on a distinct key blocked behind an unrelated key's holder")
	}
}

func TestEntryDroppedOnlyAfterLastRef(t *testing.T) {
	r := New()

	h1 := r.Lock("a")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h2 := r.Lock("a")
		h2.Unlock()
	}()

	time.Sleep(10 * time.Millisecond)
	r.mu.Lock()
	e, ok := r.locks["a"]
	r.mu.Unlock()
	if !ok {
		t.Fatal("entry removed while a holder and a waiter both still reference it")
	}
	if e.refs != 2 {
		t.Fatalf("refs = %d, want 2 with one holder and one waiter", e.refs)
	}

	h1.Unlock()
	wg.Wait()

	if len(r.locks) != 0 {
		t.Fatalf("registry retained %d entries after both references released", len(r.locks))
	}
}
