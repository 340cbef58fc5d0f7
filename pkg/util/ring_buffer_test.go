// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"sync"
	"testing"
)

// TestNewRingBuffer_PanicsOnZeroCapacity verifies panic on zero capacity.
func TestNewRingBuffer_PanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRingBuffer(0) should panic")
		}
	}()
	NewRingBuffer[int](0)
}

// TestRingBuffer_OverwritesOldest verifies FIFO order and drop accounting.
func TestRingBuffer_OverwritesOldest(t *testing.T) {
	buffer := NewRingBuffer[int](3)

	for i := 1; i <= 3; i++ {
		if buffer.Push(i) {
			t.Errorf("Push(%d) reported a drop before the buffer was full", i)
		}
	}
	if !buffer.IsFull() {
		t.Error("IsFull() should be true at capacity")
	}
	if !buffer.Push(4) {
		t.Error("Push(4) should report a drop")
	}

	got := buffer.Snapshot()
	want := []int{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if buffer.DroppedCount() != 1 {
		t.Errorf("DroppedCount() = %d, want 1", buffer.DroppedCount())
	}
	if newest, _ := buffer.Newest(); newest != 4 {
		t.Errorf("Newest() = %d, want 4", newest)
	}
	if oldest, _ := buffer.Peek(); oldest != 2 {
		t.Errorf("Peek() = %d, want 2", oldest)
	}
}

// TestRingBuffer_Last verifies the newest-n window.
func TestRingBuffer_Last(t *testing.T) {
	buffer := NewRingBuffer[int](5)
	for i := 1; i <= 7; i++ {
		buffer.Push(i)
	}

	tests := []struct {
		name string
		n    int
		want []int
	}{
		{"two newest", 2, []int{6, 7}},
		{"more than stored", 10, []int{3, 4, 5, 6, 7}},
		{"negative means all", -1, []int{3, 4, 5, 6, 7}},
		{"zero", 0, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buffer.Last(tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("Last(%d) = %v, want %v", tt.n, got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Last(%d)[%d] = %d, want %d", tt.n, i, got[i], tt.want[i])
				}
			}
		})
	}
}

// TestRingBuffer_DropWhile verifies expiry from the oldest end.
func TestRingBuffer_DropWhile(t *testing.T) {
	buffer := NewRingBuffer[int](4)
	for _, v := range []int{1, 2, 10, 3} {
		buffer.Push(v)
	}

	removed := buffer.DropWhile(func(v int) bool { return v < 5 })
	if removed != 2 {
		t.Errorf("DropWhile removed %d, want 2", removed)
	}
	if buffer.Len() != 2 {
		t.Errorf("Len() = %d, want 2", buffer.Len())
	}
	if oldest, _ := buffer.Peek(); oldest != 10 {
		t.Errorf("Peek() = %d, want 10", oldest)
	}
}

// TestRingBuffer_PopAndClear verifies Pop on empty buffers and Clear.
func TestRingBuffer_PopAndClear(t *testing.T) {
	buffer := NewRingBuffer[string](2)
	if _, ok := buffer.Pop(); ok {
		t.Error("Pop() on empty buffer should return false")
	}

	buffer.Push("a")
	buffer.Push("b")
	buffer.Push("c")
	if v, ok := buffer.Pop(); !ok || v != "b" {
		t.Errorf("Pop() = %q, %v; want b, true", v, ok)
	}

	buffer.Clear()
	if buffer.Len() != 0 || buffer.DroppedCount() != 0 {
		t.Errorf("Clear() left Len=%d Dropped=%d", buffer.Len(), buffer.DroppedCount())
	}
	if _, ok := buffer.Newest(); ok {
		t.Error("Newest() after Clear should return false")
	}
}

// TestRingBuffer_ConcurrentPush verifies size never exceeds capacity.
func TestRingBuffer_ConcurrentPush(t *testing.T) {
	buffer := NewRingBuffer[int](50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buffer.Push(i)
			}
		}()
	}
	wg.Wait()

	if buffer.Len() != 50 {
		t.Errorf("Len() = %d, want 50", buffer.Len())
	}
	if buffer.DroppedCount() != 750 {
		t.Errorf("DroppedCount() = %d, want 750", buffer.DroppedCount())
	}
}
