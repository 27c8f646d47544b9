// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package adaptivespan

import (
	"flag"
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	_ "github.com/gomlx/gomlx/backends/default"
)

var flagPlot = flag.Bool("plot", false, "output plot of the mask profiles.")

// onesGrid returns a tensor of ones shaped [batch, channels, n, n].
func onesGrid(batch, channels, n int) *tensors.Tensor {
	return tensors.FromScalarAndDimensions(float32(1), batch, channels, n, n)
}

// applyMask runs Mask.Apply on x, with the mask configured by configFn.
func applyMask(t *testing.T, ctx *context.Context, x *tensors.Tensor, configFn func(ctx *context.Context) *Mask) [][][][]float32 {
	backend := graphtest.BuildTestBackend()
	var output *tensors.Tensor
	require.NotPanics(t, func() {
		output = context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return configFn(ctx).Apply(x)
		}, x)
	})
	return output.Value().([][][][]float32)
}

func TestApplyFullSpan(t *testing.T) {
	ctx := context.New()
	got := applyMask(t, ctx, onesGrid(1, 2, 8), func(ctx *context.Context) *Mask {
		return New(ctx, 4).RampSize(3).InitialValue(1)
	})
	want := onesGrid(1, 2, 8).Value()
	require.Equal(t, want, got)
}

func TestApplyZeroSpan(t *testing.T) {
	ctx := context.New()
	got := applyMask(t, ctx, onesGrid(2, 1, 8), func(ctx *context.Context) *Mask {
		return New(ctx, 4).RampSize(1).InitialValue(0)
	})
	for batch := range 2 {
		for row := range 8 {
			for col := range 8 {
				want := float32(0)
				if row >= 3 && row <= 4 && col >= 3 && col <= 4 {
					want = 1
				}
				require.Equalf(t, want, got[batch][0][row][col], "cell (%d, %d)", row, col)
			}
		}
	}
}

func TestApplyMatchesHost(t *testing.T) {
	const (
		n        = 16
		maxSize  = 8.0
		rampSize = 2
		span     = 0.4
	)
	ctx := context.New()
	got := applyMask(t, ctx, onesGrid(1, 1, n), func(ctx *context.Context) *Mask {
		return New(ctx, maxSize).RampSize(rampSize).InitialValue(span)
	})
	want := SquareMask(RampWeights(span, maxSize, rampSize, n), n)
	fmt.Printf("\tmask(span=%g)[%d]=%v\n", span, n/2, got[0][0][n/2])
	for row := range n {
		for col := range n {
			require.InDeltaf(t, want[row][col], float64(got[0][0][row][col]), 1e-5, "cell (%d, %d)", row, col)
		}
	}
}

func TestApplyGroups(t *testing.T) {
	ctx := context.New()
	// Group 0 with full span, group 1 with span 0.
	_ = ctx.In(DefaultScope).VariableWithValue(SpanVariableName, [][]float32{{1}, {0}})
	got := applyMask(t, ctx.Reuse(), onesGrid(1, 4, 6), func(ctx *context.Context) *Mask {
		return New(ctx, 3).RampSize(1).Groups(2)
	})
	// Channels 0 and 1 belong to group 0.
	for channel := range 2 {
		require.True(t, xslices.SlicesInDelta(got[0][channel], [][]float32{
			{1, 1, 1, 1, 1, 1},
			{1, 1, 1, 1, 1, 1},
			{1, 1, 1, 1, 1, 1},
			{1, 1, 1, 1, 1, 1},
			{1, 1, 1, 1, 1, 1},
			{1, 1, 1, 1, 1, 1},
		}, 1e-6))
	}
	// Channels 2 and 3 belong to group 1: profile [-2, -1, 0] only keeps the innermost ring.
	for channel := 2; channel < 4; channel++ {
		require.True(t, xslices.SlicesInDelta(got[0][channel], [][]float32{
			{0, 0, 0, 0, 0, 0},
			{0, 0, 0, 0, 0, 0},
			{0, 0, 1, 1, 0, 0},
			{0, 0, 1, 1, 0, 0},
			{0, 0, 0, 0, 0, 0},
			{0, 0, 0, 0, 0, 0},
		}, 1e-6))
	}
}

func TestApplyPreconditions(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	run := func(x *tensors.Tensor, configFn func(ctx *context.Context) *Mask) {
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
			return configFn(ctx).Apply(x)
		}, x)
	}
	require.Panics(t, func() {
		run(tensors.FromScalarAndDimensions(float32(1), 1, 1, 4, 5), func(ctx *context.Context) *Mask {
			return New(ctx, 2)
		})
	}, "non-square grids should panic")
	require.Panics(t, func() {
		run(onesGrid(1, 3, 4), func(ctx *context.Context) *Mask { return New(ctx, 2).Groups(2) })
	}, "channels not divisible by groups should panic")
	require.Panics(t, func() {
		run(onesGrid(1, 1, 4), func(ctx *context.Context) *Mask { return New(ctx, 2).RampSize(0) })
	}, "invalid ramp size should panic")
	require.Panics(t, func() {
		run(onesGrid(1, 1, 4), func(ctx *context.Context) *Mask { return New(ctx, 0) })
	}, "maxSize 0 should panic")
}

func TestApplyFractionalMaxSize(t *testing.T) {
	// maxSize < 1 has no ramp profile: the mask is all ones, whatever the span.
	require.Empty(t, RampProfile(0.5))
	for _, span := range []float64{0, 1} {
		ctx := context.New()
		got := applyMask(t, ctx, onesGrid(1, 1, 6), func(ctx *context.Context) *Mask {
			return New(ctx, 0.5).RampSize(1).InitialValue(span)
		})
		require.Equalf(t, onesGrid(1, 1, 6).Value(), got, "span=%g", span)
	}
	mask := New(context.New(), 0.5)
	require.NoError(t, mask.Validate())
	size, err := mask.CurrentMaxSize(true)
	require.NoError(t, err)
	require.Equal(t, 0.5, size)
}

func TestApplyGradient(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	var grad *tensors.Tensor
	require.NotPanics(t, func() {
		grad = context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			mask := New(ctx, 8).RampSize(2).InitialValue(0.5)
			loss := ReduceAllSum(mask.Apply(x))
			return Gradient(loss, mask.SpanVar().ValueGraph(x.Graph()))[0]
		}, onesGrid(1, 1, 16))
	})
	fmt.Printf("\td(loss)/d(span)=%s\n", grad.GoStr())
	values := tensors.MustCopyFlatData[float32](grad)
	require.Len(t, values, 1)
	// Growing the span grows the weights of the partially masked rings.
	require.Greater(t, values[0], float32(0))
}

func TestRegularize(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamSpanL1, 0.1)
	require.NotPanics(t, func() {
		_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return New(ctx, 4).InitialValue(0.5).Apply(x)
		}, onesGrid(1, 1, 8))
	})
	v := ctx.GetVariableByScopeAndName("/"+DefaultScope, SpanVariableName)
	require.NotNil(t, v)
}

func TestRegularizeOncePerGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamSpanL1, 0.1)
	loss := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		// The same mask applied twice, plus a second mask in another scope.
		x = New(ctx, 4).InitialValue(0.5).Apply(x)
		x = New(ctx, 4).InitialValue(0.5).Apply(x)
		_ = New(ctx.In("other"), 4).InitialValue(0.25).Apply(x)
		return train.GetLosses(ctx, x.Graph())
	}, onesGrid(1, 1, 8))
	require.InDelta(t, 0.1*0.5+0.1*0.25, tensors.MustCopyFlatData[float32](loss)[0], 1e-6)
}

func TestPlotRampWeights(t *testing.T) {
	if !*flagPlot {
		t.Skip("Use --plot to plot the ring weights")
	}
	const (
		n        = 32
		maxSize  = 16.0
		rampSize = 4
	)
	p := plot.New()
	p.Title.Text = "Adaptive span ring weights"
	p.X.Label.Text = "ring (0 is the border)"
	p.Y.Label.Text = "weight"
	for _, span := range []float64{0, 0.25, 0.5, 0.75, 1} {
		weights := RampWeights(span, maxSize, rampSize, n)
		points := make(plotter.XYs, len(weights))
		for ii, w := range weights {
			points[ii].X = float64(ii)
			points[ii].Y = w
		}
		line, err := plotter.NewLine(points)
		require.NoError(t, err)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("span=%.2f", span), line)
	}
	require.NoError(t, p.Save(12*vg.Inch, 6*vg.Inch, "adaptivespan_ring_weights.png"))
}
