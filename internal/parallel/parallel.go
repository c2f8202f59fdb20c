// Package parallel provides the bounded fan-out helper used by the
// compilation scheduler.
package parallel

import "sync"

// For executes f(i) for i in [0, n), distributing the work across goroutines
// in contiguous chunks of grain indices each. A grain < 1 is treated as 1
// (one goroutine per index). It returns after every f has returned.
//
// f must not share mutable state across indices: each invocation may only
// write to its own result slot.
func For(n, grain int, f func(i int)) {
	if n <= 0 {
		return
	}
	if grain < 1 {
		grain = 1
	}
	if grain >= n {
		// Not worth spawning: run sequentially.
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	for start := 0; start < n; start += grain {
		end := min(start+grain, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}
