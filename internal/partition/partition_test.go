package partition

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type item struct {
	key string
	seq int
}

func TestRunPreservesPerKeyOrder(t *testing.T) {
	var items []item
	for i := 0; i < 60; i++ {
		items = append(items, item{key: string(rune('a' + i%4)), seq: i})
	}

	var mu sync.Mutex
	seen := make(map[string][]int)
	Run(context.Background(), 3, items, func(it item) string { return it.key }, func(_ context.Context, it item) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen[it.key] = append(seen[it.key], it.seq)
		mu.Unlock()
	})

	total := 0
	for k, seqs := range seen {
		for i := 1; i < len(seqs); i++ {
			if seqs[i] <= seqs[i-1] {
				t.Fatalf("key %s processed out of order: %v", k, seqs)
			}
		}
		total += len(seqs)
	}
	if total != len(items) {
		t.Fatalf("processed %d of %d items", total, len(items))
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var items []item
	for i := 0; i < 20; i++ {
		items = append(items, item{key: string(rune('a' + i)), seq: i})
	}
	var cur, peak atomic.Int32
	Run(context.Background(), 3, items, func(it item) string { return it.key }, func(context.Context, item) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		cur.Add(-1)
	})
	if peak.Load() > 3 {
		t.Fatalf("concurrency exceeded limit: %d", peak.Load())
	}
}

func TestRunStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var calls atomic.Int32
	Run(ctx, 2, []item{{key: "a"}, {key: "b"}}, func(it item) string { return it.key }, func(context.Context, item) {
		calls.Add(1)
	})
	if calls.Load() != 0 {
		t.Fatalf("expected no calls after cancel, got %d", calls.Load())
	}
}
