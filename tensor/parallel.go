package tensor

import (
	"sync"
	"sync/atomic"
)

var workers atomic.Int32

func init() {
	workers.Store(1)
}

// SetWorkers sets how many goroutines batched operations on Accelerated
// tensors may use. Values below 1 are treated as 1.
func SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	workers.Store(int32(n))
}

// Workers returns the configured worker count.
func Workers() int {
	return int(workers.Load())
}

// parallelFor runs fn(i) for i in [0, n). Each index is handled by exactly one
// goroutine, so writes to disjoint output rows need no locking and results do
// not depend on the worker count.
func parallelFor(device DeviceType, n int, fn func(i int)) {
	w := Workers()
	if device != Accelerated || w == 1 || n < 2 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	if w > n {
		w = n
	}

	var wg sync.WaitGroup
	chunk := (n + w - 1) / w
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}
