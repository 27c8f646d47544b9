// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localattention

import (
	"math"

	"github.com/gomlx/compute/shapes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// AdaptiveKernelSize returns the window size that covers a mask of the given current max size
// (including the ramp): `ceil(2*(currentMaxSize+1))`, rounded up to the next odd number.
func AdaptiveKernelSize(currentMaxSize float64) int {
	kernelSize := int(math.Ceil(2 * (currentMaxSize + 1)))
	if kernelSize%2 == 0 {
		kernelSize++
	}
	return kernelSize
}

// EffectiveKernelSize returns the window size actually used: the adaptive one, limited to the
// extent of the relative bias variables.
func EffectiveKernelSize(adaptive, stored int) int {
	return min(adaptive, stored)
}

// FanOutHeInitializer returns an initializer for the projection kernels, shaped
// `[outputChannels, inputChannels, <spatial dims...>]`: random normal with standard deviation
// `sqrt(2/fanOut)` (Kaiming/He initialization for ReLU, in fan-out mode), where fanOut is the
// number of output channels times the spatial size of the kernel.
//
// Variables of rank <= 1 (biases) are initialized with zeros.
func FanOutHeInitializer(ctx *context.Context) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if shape.Rank() <= 1 {
			return Zeros(g, shape)
		}
		// Kernel of the channels-first convolution: [output channels, input channels, spatial dims...].
		fanOut := shape.Dimensions[0]
		for _, dim := range shape.Dimensions[2:] {
			fanOut *= dim
		}
		stddev := math.Sqrt(2.0 / float64(fanOut))
		return MulScalar(ctx.RandomNormal(g, shape), stddev)
	}
}
