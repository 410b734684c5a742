package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLanes_ParkAndHandOff(t *testing.T) {
	l := newLanes()

	if !l.Acquire("a", "1") {
		t.Fatal("free key not acquired")
	}
	if l.Acquire("a", "2") || l.Acquire("a", "3") {
		t.Fatal("busy key acquired")
	}
	if !l.Acquire("b", "4") {
		t.Fatal("other key blocked")
	}

	var order []string
	for {
		id, ok := l.Release("a")
		if !ok {
			break
		}
		order = append(order, id)
	}
	if len(order) != 2 || order[0] != "2" || order[1] != "3" {
		t.Errorf("parked order = %v", order)
	}
	if _, ok := l.Release("b"); ok {
		t.Error("b had no parked work")
	}
	if n := l.size(); n != 0 {
		t.Errorf("size = %d after release, want 0", n)
	}
}

func TestLanes_WaitExcludesHolders(t *testing.T) {
	l := newLanes()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  = map[string]int{}
		overlap bool
	)
	for i := 0; i < 50; i++ {
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Wait(ctx, key); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside[key]++
			if inside[key] > 1 {
				overlap = true
			}
			mu.Unlock()

			mu.Lock()
			inside[key]--
			mu.Unlock()
			l.Release(key)
		}()
	}
	wg.Wait()

	if overlap {
		t.Error("two holders of the same key")
	}
	if n := l.size(); n != 0 {
		t.Errorf("size = %d after release, want 0", n)
	}
}

func TestLanes_WaitCanceled(t *testing.T) {
	l := newLanes()
	l.Acquire("a", "1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
	if _, ok := l.Release("a"); ok {
		t.Error("canceled waiter left work behind")
	}
	if n := l.size(); n != 0 {
		t.Errorf("size = %d, want 0", n)
	}
}
