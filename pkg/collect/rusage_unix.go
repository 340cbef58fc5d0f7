// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package collect

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Process reports the peak resident set size of this process.
func Process() Source {
	return SourceFunc(func(context.Context) (map[string]float64, error) {
		var ru unix.Rusage
		if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
			return nil, fmt.Errorf("getrusage: %w", err)
		}
		return map[string]float64{MetricRSSMB: maxRSSMB(int64(ru.Maxrss), runtime.GOOS)}, nil
	})
}

// maxRSSMB converts ru_maxrss, which Darwin reports in bytes and the
// other unixes in kilobytes.
func maxRSSMB(maxrss int64, goos string) float64 {
	if goos == "darwin" || goos == "ios" {
		return float64(maxrss) / mb
	}
	return float64(maxrss) / 1024
}
