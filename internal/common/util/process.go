package util

import (
	"context"
	"sync"
)

// ProcessItemsWithThreadPool calls processFunc for every item using at most maxThreadCount goroutines.
// Items still queued when ctx is done are skipped.
func ProcessItemsWithThreadPool[K any](ctx context.Context, maxThreadCount int, itemsToProcess []K, processFunc func(K)) {
	wg := &sync.WaitGroup{}
	processChannel := make(chan K)

	threads := maxThreadCount
	if len(itemsToProcess) < threads {
		threads = len(itemsToProcess)
	}
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go poolWorker(ctx, wg, processChannel, processFunc)
	}

	for _, item := range itemsToProcess {
		processChannel <- item
	}

	close(processChannel)
	wg.Wait()
}

func poolWorker[K any](ctx context.Context, wg *sync.WaitGroup, itemsToProcess chan K, processFunc func(K)) {
	defer wg.Done()

	for item := range itemsToProcess {
		// Skip processing once context is finished
		if ctx.Err() != nil {
			continue
		}
		processFunc(item)
	}
}
