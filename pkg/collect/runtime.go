// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collect

import (
	"context"
	"runtime"
)

const mb = 1024 * 1024

// Runtime reports Go heap, goroutine and GC figures from runtime.MemStats.
func Runtime() Source {
	return SourceFunc(func(context.Context) (map[string]float64, error) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)

		var lastPause float64
		if ms.NumGC > 0 {
			lastPause = float64(ms.PauseNs[(ms.NumGC+255)%256]) / 1e6
		}
		return map[string]float64{
			MetricHeapAllocMB: float64(ms.HeapAlloc) / mb,
			MetricHeapInuseMB: float64(ms.HeapInuse) / mb,
			MetricGoroutines:  float64(runtime.NumGoroutine()),
			MetricGCPauseMs:   lastPause,
			MetricNumGC:       float64(ms.NumGC),
		}, nil
	})
}
