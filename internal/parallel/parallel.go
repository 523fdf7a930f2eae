// Package parallel splits index ranges across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how a range is split.
type Config struct {
	Workers  int // Upper bound on goroutines; values below 2 run inline.
	MinChunk int // Smallest range handed to one goroutine.
}

// DefaultConfig uses one goroutine per CPU.
func DefaultConfig() Config {
	return Config{
		Workers:  runtime.NumCPU(),
		MinChunk: 16,
	}
}

// Range calls fn on disjoint [lo, hi) chunks that together cover [0, n) and
// returns once every call has returned. fn must only write state owned by
// its own chunk.
func Range(n int, cfg Config, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	chunk := max((n+cfg.Workers-1)/max(cfg.Workers, 1), cfg.MinChunk, 1)
	if cfg.Workers < 2 || chunk >= n {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(lo, hi)
		}()
	}
	wg.Wait()
}
