package internal

import (
	"sync"
	"testing"
)

func TestWorkerPoolRunsAllQueuedWork(t *testing.T) {
	wp := NewWorkerPool(2)
	wp.Start()
	defer wp.Stop()

	var mu sync.Mutex
	done := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		wp.Queue(func() {
			defer wg.Done()
			mu.Lock()
			done[i] = true
			mu.Unlock()
		})
	}
	wg.Wait()
	if len(done) != 20 {
		t.Fatalf("ran %d jobs, want 20", len(done))
	}
}
