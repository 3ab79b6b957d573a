package main

import (
	"context"
	"sync"
	"time"
)

// ramp starts n workers spread evenly over window, with at most concurrency
// of them inside dial at once. dial runs under the semaphore; run, if
// non-nil, runs after the slot is released so long-lived work does not
// block later launches. ramp returns when every worker has finished, and
// reports whether ctx ended before all n were launched.
func ramp(
	ctx context.Context,
	n int,
	window time.Duration,
	concurrency int,
	dial func(ctx context.Context, i int) bool,
	run func(i int),
) (interrupted bool) {
	interval := window / time.Duration(max(n, 1))
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, max(concurrency, 1))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok := dial(ctx, i)
			<-sem
			if ok && run != nil {
				run(i)
			}
		}(i)
	}
	return false
}

// every calls fn each interval until stop is closed; the returned func
// closes stop and waits for the loop to exit.
func every(interval time.Duration, fn func(now time.Time)) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				fn(now)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
