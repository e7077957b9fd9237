package config

import "runtime"

// defaultWorkerCount returns the number of CPU cores, with a floor of
// 2, per §5's "worker threads (default: number of CPU cores, min 2)".
func defaultWorkerCount() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	return n
}
