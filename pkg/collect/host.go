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
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Host reports system-wide memory and CPU utilisation via gopsutil.
//
// CPU percent is measured between consecutive Collect calls, so the first
// call after construction reports usage since boot.
type Host struct {
	// Memory and CPU can be replaced in tests.
	Memory func(ctx context.Context) (float64, error)
	CPU    func(ctx context.Context) (float64, error)
}

// NewHost returns a Host backed by gopsutil.
func NewHost() *Host {
	return &Host{Memory: MemoryPercent, CPU: cpuPercent}
}

// Collect implements Source.
func (h *Host) Collect(ctx context.Context) (map[string]float64, error) {
	memPct, err := h.Memory(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	cpuPct, err := h.CPU(ctx)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	return map[string]float64{
		MetricMemoryPercent: memPct,
		MetricCPUPercent:    cpuPct,
	}, nil
}

// MemoryPercent returns used system memory as a percentage.
func MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func cpuPercent(ctx context.Context) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, nil
	}
	return pcts[0], nil
}
