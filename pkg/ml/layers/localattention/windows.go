// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localattention

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// ExtractWindows returns the kernelSize x kernelSize sliding windows over the spatial axes of x,
// with the given stride.
//
// The input x is shaped `[batch, channels, height, width]`, and the output is shaped
// `[batch, channels, outHeight, outWidth, kernelSize, kernelSize]`, where
// `outHeight = (height-kernelSize)/stride + 1` (and similarly for outWidth). The cell (i, j) of the
// window at (y, x) is the value at `(y*stride+i, x*stride+j)`.
func ExtractWindows(x *Node, kernelSize, stride int) *Node {
	if x.Rank() != 4 {
		Panicf("ExtractWindows: x must be shaped [batch, channels, height, width], got x.shape=%s", x.Shape())
	}
	if kernelSize < 1 || stride < 1 {
		Panicf("ExtractWindows: kernelSize (%d) and stride (%d) must be >= 1", kernelSize, stride)
	}
	dims := x.Shape().Dimensions
	outHeight := (dims[2]-kernelSize)/stride + 1
	outWidth := (dims[3]-kernelSize)/stride + 1
	if dims[2] < kernelSize || dims[3] < kernelSize {
		Panicf("ExtractWindows: spatial dimensions %dx%d smaller than the window size %d",
			dims[2], dims[3], kernelSize)
	}
	cells := make([]*Node, 0, kernelSize*kernelSize)
	for row := range kernelSize {
		for col := range kernelSize {
			cells = append(cells, Slice(x, AxisRange(), AxisRange(),
				AxisRange(row, row+(outHeight-1)*stride+1).Stride(stride),
				AxisRange(col, col+(outWidth-1)*stride+1).Stride(stride)))
		}
	}
	windows := Stack(cells, 4)
	return Reshape(windows, dims[0], dims[1], outHeight, outWidth, kernelSize, kernelSize)
}
