package utils

import "runtime"

// DefaultConcurrency is used when a non-positive worker limit is configured.
func DefaultConcurrency() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	return n
}
