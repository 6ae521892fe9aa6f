package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPostOrderedOnSameReactor(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	r := p.Assign()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		r.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected strictly serialized order, got %v", order)
		}
	}
}

func TestAssignRoundRobin(t *testing.T) {
	p := NewPool(3)
	defer p.Close()

	seen := map[int]int{}
	for i := 0; i < 9; i++ {
		seen[p.Assign().ID()]++
	}
	for id, count := range seen {
		if count != 3 {
			t.Fatalf("reactor %d assigned %d times, expected 3", id, count)
		}
	}
}

func TestPostAfterCloseIsNoop(t *testing.T) {
	p := NewPool(1)
	r := p.Assign()
	p.Close()

	var ran atomic.Bool
	r.Post(func() { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("expected posted work to be dropped after close")
	}
}

func TestTickerFiresRepeatedly(t *testing.T) {
	p := NewPool(1)
	defer p.Close()
	r := p.Assign()

	var count atomic.Int64
	tk := NewTicker(r, 10*time.Millisecond, func() { count.Add(1) })
	time.Sleep(55 * time.Millisecond)
	tk.Stop()

	n := count.Load()
	if n < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", n)
	}
}
