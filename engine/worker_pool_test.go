package engine_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/franksops/sfast/engine"
)

func TestWorkerPool_SetWorkerCount(t *testing.T) {
	ch := make(engine.PairChannel, 100)
	handler := func(ctx context.Context, pair engine.PathPair) {}

	pool := engine.NewWorkerPool(context.Background(), ch, handler)

	pool.SetWorkerCount(5)
	if count := pool.WorkerCount(); count != 5 {
		t.Errorf("Expected 5 workers, got %d", count)
	}

	pool.SetWorkerCount(2)
	if count := pool.WorkerCount(); count != 2 {
		t.Errorf("Expected 2 workers, got %d", count)
	}

	pool.SetWorkerCount(10)
	if count := pool.WorkerCount(); count != 10 {
		t.Errorf("Expected 10 workers, got %d", count)
	}

	close(ch)
	pool.Wait()
}

func TestWorkerPool_Execution(t *testing.T) {
	ch := make(engine.PairChannel)

	var mu sync.Mutex
	var processed []string

	handler := func(ctx context.Context, pair engine.PathPair) {
		mu.Lock()
		processed = append(processed, pair.Destination)
		mu.Unlock()
		time.Sleep(time.Millisecond) // simulate work
	}

	pool := engine.NewWorkerPool(context.Background(), ch, handler)
	pool.SetWorkerCount(3)

	for i := 0; i < 10; i++ {
		ch <- engine.PathPair{Destination: "file.txt"}
	}
	close(ch)
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(processed) != 10 {
		t.Errorf("Expected 10 processed pairs, got %d", len(processed))
	}
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	ch := make(engine.PairChannel)

	var active, peak atomic.Int32
	handler := func(ctx context.Context, pair engine.PathPair) {
		n := active.Add(1)
		for {
			cur := peak.Load()
			if n <= cur || peak.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
	}

	pool := engine.NewWorkerPool(context.Background(), ch, handler)
	pool.SetWorkerCount(4)
	for i := 0; i < 40; i++ {
		ch <- engine.PathPair{}
	}
	close(ch)
	pool.Wait()

	if p := peak.Load(); p > 4 {
		t.Errorf("Expected at most 4 concurrent handlers, got %d", p)
	}
}

func TestWorkerPool_CancelStopsHandlers(t *testing.T) {
	ch := make(engine.PairChannel)
	started := make(chan struct{})
	handler := func(ctx context.Context, pair engine.PathPair) {
		close(started)
		<-ctx.Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := engine.NewWorkerPool(ctx, ch, handler)
	pool.SetWorkerCount(1)
	ch <- engine.PathPair{}
	<-started

	done := make(chan struct{})
	go func() {
		cancel()
		pool.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}
