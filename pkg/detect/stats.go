// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detect

import "math"

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the sample standard deviation (n-1).
func stddev(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// slope is the least-squares slope of xs against their index.
func slope(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	xMean := float64(n-1) / 2
	yMean := mean(xs)
	var num, den float64
	for i, y := range xs {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// increasingFraction is the share of steps where the series strictly grew.
func increasingFraction(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	up := 0
	for i := 1; i < len(xs); i++ {
		if xs[i] > xs[i-1] {
			up++
		}
	}
	return float64(up) / float64(len(xs)-1)
}

func lastN(xs []float64, n int) []float64 {
	if n <= 0 || len(xs) <= n {
		return xs
	}
	return xs[len(xs)-n:]
}
