// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package adaptivespan

import "math"

// RampProfile returns the fixed ramp template of a mask of maxSize: floor(maxSize) values evenly
// spaced from 1-maxSize to 0 (inclusive). With only one value, it is 1-maxSize.
//
// The last entry corresponds to the innermost ring covered by the mask.
func RampProfile(maxSize float64) []float64 {
	length := int(math.Floor(maxSize))
	if length <= 0 {
		return nil
	}
	start := 1 - maxSize
	profile := make([]float64, length)
	if length == 1 {
		profile[0] = start
		return profile
	}
	step := -start / float64(length-1)
	for ii := range profile {
		profile[ii] = start + float64(ii)*step
	}
	profile[length-1] = 0
	return profile
}

// NumRings returns the number of rings an n x n grid has that can be masked: n/2 (rounded down).
// For an odd n, the single centre cell is not counted.
func NumRings(n int) int {
	if n < 0 {
		return 0
	}
	return n / 2
}

// RingOf returns the ring of cell (row, col) in an n x n grid: its Chebyshev distance to the
// border. Ring 0 is the border.
func RingOf(n, row, col int) int {
	return min(row, col, n-1-row, n-1-col)
}

// RingIndexGrid returns the n x n grid of ring numbers of each cell (see RingOf).
func RingIndexGrid(n int) [][]int {
	grid := make([][]int, n)
	for row := range grid {
		grid[row] = make([]int, n)
		for col := range grid[row] {
			grid[row][col] = RingOf(n, row, col)
		}
	}
	return grid
}

// RingIndices returns the (row, col) coordinates of the cells of the given ring of an n x n grid.
//
// The cells are listed by edges: the left column (top to bottom), the bottom row (left to right), the
// top row (left to right) and the right column (top to bottom). Each corner is listed only once, in
// the first edge that includes it. A ring i has 4*(n-2i-1) cells, except the centre cell of odd grids,
// which is returned alone.
//
// It returns nil if the ring doesn't exist.
func RingIndices(n, ring int) [][2]int {
	if ring < 0 || 2*ring >= n {
		return nil
	}
	first, last := ring, n-1-ring
	if first == last {
		return [][2]int{{first, first}}
	}
	cells := make([][2]int, 0, 4*(last-first))
	for row := first; row <= last; row++ {
		cells = append(cells, [2]int{row, first})
	}
	for col := first + 1; col <= last; col++ {
		cells = append(cells, [2]int{last, col})
	}
	for col := first + 1; col <= last; col++ {
		cells = append(cells, [2]int{first, col})
	}
	for row := first + 1; row < last; row++ {
		cells = append(cells, [2]int{row, last})
	}
	return cells
}

// SquareMask returns the n x n mask where the cells of ring i take ringWeights[i], and cells of
// rings without a weight (the ones inside) take 1. Extra weights are ignored.
//
// It's the host version of Mask.SquareMaskGraph, used for inspection and plotting.
func SquareMask(ringWeights []float64, n int) [][]float64 {
	mask := make([][]float64, n)
	for row := range mask {
		mask[row] = make([]float64, n)
		for col := range mask[row] {
			mask[row][col] = 1
		}
	}
	for ring, weight := range ringWeights {
		if ring >= NumRings(n) {
			break
		}
		for _, cell := range RingIndices(n, ring) {
			mask[cell[0]][cell[1]] = weight
		}
	}
	return mask
}

// RampWeights returns the host version of the ring weights computed by Mask.RingWeights, for one
// span value.
func RampWeights(span, maxSize float64, rampSize, n int) []float64 {
	profile := RampProfile(maxSize)
	numRings := min(NumRings(n), len(profile))
	weights := make([]float64, numRings)
	offset := len(profile) - numRings
	for ii := range weights {
		w := (profile[offset+ii]+span*maxSize)/float64(rampSize) + 1
		weights[ii] = min(max(w, 0), 1)
	}
	return weights
}
