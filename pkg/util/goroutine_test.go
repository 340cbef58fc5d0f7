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
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtect_ReturnsError(t *testing.T) {
	sentinel := errors.New("boom")
	err := Protect(func() error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestProtect_ConvertsPanic(t *testing.T) {
	err := Protect(func() error { panic("bad callback") })

	var p *PanicError
	require.ErrorAs(t, err, &p)
	assert.Equal(t, "bad callback", p.Value)
	assert.NotEmpty(t, p.Stack)
	assert.Equal(t, "panic: bad callback", err.Error())
}

func TestPanicError_UnwrapsErrorValue(t *testing.T) {
	sentinel := errors.New("inner")
	err := Protect(func() error { panic(sentinel) })
	assert.ErrorIs(t, err, sentinel)
}

func TestSafeGo_TracksWaitGroupAndRecovers(t *testing.T) {
	var wg sync.WaitGroup
	var ran atomic.Int32
	var recovered atomic.Int32

	SafeGo(&wg, func() { ran.Add(1) }, nil)
	SafeGo(&wg, func() { panic("worker died") }, func(p *PanicError) {
		recovered.Add(1)
	})
	wg.Wait()

	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, int32(1), recovered.Load())
}
