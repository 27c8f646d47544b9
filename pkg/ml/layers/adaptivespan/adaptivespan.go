// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package adaptivespan implements a learnable radial mask over square 2D grids.
//
// The mask is driven by one trainable "span" scalar per group (the variable SpanVariableName, shaped
// `[groups, 1]`). A fixed linear ramp profile is shifted by `span * maxSize`, scaled by the ramp size
// and clamped to [0, 1]: the results are the weights of the concentric square rings of the grid
// (Chebyshev distance to the border), outermost first. Cells in the innermost rings not covered by
// the profile keep weight 1.
//
// Small spans zero-out the outer rings, restricting the receptive field of whatever produced the
// grid (usually an attention layer, see package localattention), and because the mask is
// differentiable w.r.t. the span, the receptive field is learned with the rest of the model.
//
// The span is never clamped by Apply: use Mask.ClampParam after each optimizer step (or
// Mask.ClampAfterEachStep to have it done inside the training graph).
//
// Based on "Adaptive Attention Span in Transformers", https://arxiv.org/abs/1905.07799.
package adaptivespan

import (
	"math"

	"github.com/gomlx/compute/shapes"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/pkg/errors"
)

const (
	// ParamRampSize context hyperparameter defines the width of the soft ramp of the mask.
	// The value should be an int.
	// The default is 3.
	ParamRampSize = "adaptive_span_ramp_size"

	// ParamInitialValue context hyperparameter defines the initial value of the span variable.
	// The value should be a float64, usually in the range [0, 1].
	// The default is 0.
	ParamInitialValue = "adaptive_span_initial_value"

	// ParamSpanL1 context hyperparameter defines the amount of L1 regularization of the span variable.
	// It pushes the masks to be as small as possible, see Mask.Regularize.
	// The value should be a float64.
	// The default is `0.0`.
	ParamSpanL1 = "adaptive_span_l1"

	// SpanVariableName is the name of the trainable span variable created in the mask scope.
	SpanVariableName = "span"

	// DefaultScope used by New, unless Mask.CurrentScope is set.
	DefaultScope = "adaptive_mask"

	// Internal params set in the scope of each mask when it is first used, so masks can be enumerated
	// from the context (see SizesKey).
	paramRegisteredMaxSize  = "#adaptive_span_max_size"
	paramRegisteredRampSize = "#adaptive_span_registered_ramp_size"

	// Graph param set in the mask scope once its L1 regularization is added to a graph.
	graphParamRegularized = "#adaptive_span_regularized"
)

// Mask holds the configuration of one radial span mask. Create it with New, configure it with the
// setters, and call Apply to mask a grid, or the size methods (CurrentMaxSize, CurrentAvgSize) to query
// the current span.
//
// The Mask itself holds no state besides its configuration: the span lives in the context, so
// multiple Mask objects configured the same way over the same scope are interchangeable.
type Mask struct {
	ctx          *context.Context
	maxSize      float64
	rampSize     int
	initialValue float64
	numGroups    int
	newScope     bool
	profile      []float64
}

// New creates a mask for grids whose radial extent is up to maxSize rings.
//
// By default, it creates the span variable under the sub-scope DefaultScope; use CurrentScope to use
// ctx scope directly.
//
// The ramp size and initial value of the span are read from the hyperparameters ParamRampSize and
// ParamInitialValue, and can be changed with the corresponding setters.
func New(ctx *context.Context, maxSize float64) *Mask {
	return &Mask{
		ctx:          ctx,
		maxSize:      maxSize,
		rampSize:     context.GetParamOr(ctx, ParamRampSize, 3),
		initialValue: context.GetParamOr(ctx, ParamInitialValue, 0.0),
		numGroups:    1,
		newScope:     true,
		profile:      RampProfile(maxSize),
	}
}

// RampSize sets the width of the soft ramp: cells within rampSize rings of the span border get a weight
// linearly interpolated between 0 and 1. Default is given by ParamRampSize, or 3.
func (m *Mask) RampSize(rampSize int) *Mask {
	m.rampSize = rampSize
	return m
}

// InitialValue sets the value with which the span variable is created.
// It has no effect if the variable already exists.
func (m *Mask) InitialValue(value float64) *Mask {
	m.initialValue = value
	return m
}

// Groups sets the number of independent spans. Default is 1.
//
// With more than one group, the axis preceding the spatial axes of the masked grid is split in
// numGroups equal parts, each masked with its own span.
func (m *Mask) Groups(numGroups int) *Mask {
	m.numGroups = numGroups
	return m
}

// CurrentScope configures the mask to create its variable in the current ctx scope, as opposed to
// a new sub-scope named DefaultScope.
func (m *Mask) CurrentScope() *Mask {
	m.newScope = false
	return m
}

// MaxSize of the mask, as given to New. It may be fractional: a maxSize < 1 yields an empty ramp
// profile, and the mask is all ones.
func (m *Mask) MaxSize() float64 { return m.maxSize }

// Validate the configuration of the mask.
func (m *Mask) Validate() error {
	if !(m.maxSize > 0) || math.IsInf(m.maxSize, 0) {
		return errors.Errorf("adaptivespan: maxSize must be a finite value > 0, got %g", m.maxSize)
	}
	if m.rampSize < 1 {
		return errors.Errorf("adaptivespan: rampSize must be >= 1, got %d", m.rampSize)
	}
	if m.numGroups < 1 {
		return errors.Errorf("adaptivespan: number of groups must be >= 1, got %d", m.numGroups)
	}
	return nil
}

// Context used by the mask, already in the mask scope.
func (m *Mask) Context() *context.Context {
	if m.newScope {
		return m.ctx.In(DefaultScope)
	}
	return m.ctx
}

// SpanVar returns the span variable, creating it with the configured initial value if it doesn't
// exist yet. Later calls return the same variable.
//
// It also registers the mask configuration in its scope, so it can be found by SizesKey.
func (m *Mask) SpanVar() *context.Variable {
	if err := m.Validate(); err != nil {
		Panicf("%v", err)
	}
	ctx := m.Context()
	ctx.SetParam(paramRegisteredMaxSize, m.maxSize)
	ctx.SetParam(paramRegisteredRampSize, m.rampSize)
	if v := ctx.GetVariableByScopeAndName(ctx.Scope(), SpanVariableName); v != nil {
		if v.Shape().Size() != m.numGroups {
			Panicf("adaptivespan: span variable in scope %q has shape %s, but mask is configured with %d groups",
				ctx.Scope(), v.Shape(), m.numGroups)
		}
		return v
	}
	initial := make([][]float32, m.numGroups)
	for ii := range initial {
		initial[ii] = []float32{float32(m.initialValue)}
	}
	return ctx.VariableWithValue(SpanVariableName, initial)
}

// RingWeights returns the weights of the outermost min(n/2, len(profile)) rings of the n x n grid x,
// shaped `[groups, numRings]`, with ring 0 (the outermost) first. The weights have the dtype of x.
//
// It returns nil if the grid has no rings to be masked (n < 2).
func (m *Mask) RingWeights(x *Node) *Node {
	g := x.Graph()
	n := x.Shape().Dim(-1)
	span := m.SpanVar().ValueGraph(g)
	numRings := min(NumRings(n), len(m.profile))
	if numRings == 0 {
		return nil
	}
	if span.DType() != x.DType() {
		span = ConvertDType(span, x.DType())
	}
	profileLen := len(m.profile)
	profile := ConstAsDType(g, x.DType(), [][]float64{m.profile})
	profile = BroadcastToDims(profile, m.numGroups, profileLen)
	shift := MulScalar(BroadcastToDims(span, m.numGroups, profileLen), m.maxSize)
	ramp := AddScalar(DivScalar(Add(profile, shift), float64(m.rampSize)), 1)
	ramp = ClipScalar(ramp, 0, 1)
	return Slice(ramp, AxisRange(), AxisRange(profileLen-numRings))
}

// SquareMaskGraph returns the `[groups, n, n]` mask for the n x n grid x, where each cell takes the
// weight of its ring and the cells inside the masked rings take 1.
func (m *Mask) SquareMaskGraph(x *Node) *Node {
	g := x.Graph()
	n := x.Shape().Dim(-1)
	weights := m.RingWeights(x)
	if weights == nil {
		return Ones(g, shapes.Make(x.DType(), m.numGroups, n, n))
	}
	numRings := weights.Shape().Dim(-1)
	weights = Concatenate([]*Node{weights, Ones(g, shapes.Make(x.DType(), m.numGroups, 1))}, -1)
	oneHot := ConstAsDType(g, x.DType(), ringOneHot(n, numRings))
	mask := Einsum("gr,rp->gp", weights, oneHot)
	return Reshape(mask, m.numGroups, n, n)
}

// ringOneHot returns a `[numRings+1, n*n]` matrix mapping each ring (plus the unmasked centre, as the
// last row) to the cells of the flattened grid.
func ringOneHot(n, numRings int) [][]float64 {
	oneHot := make([][]float64, numRings+1)
	for ii := range oneHot {
		oneHot[ii] = make([]float64, n*n)
	}
	for row, ringsRow := range RingIndexGrid(n) {
		for col, ring := range ringsRow {
			oneHot[min(ring, numRings)][row*n+col] = 1
		}
	}
	return oneHot
}

// Apply the mask to x, shaped `[..., N, N]`, and returns x multiplied by the mask.
//
// With more than one group, x must be shaped `[..., channels, N, N]`, with channels divisible by the
// number of groups.
//
// If the hyperparameter ParamSpanL1 is set, it also adds the L1 regularization of the span (see
// Regularize), once per graph, even if the mask is applied more than once.
func (m *Mask) Apply(x *Node) *Node {
	if err := m.Validate(); err != nil {
		Panicf("%v", err)
	}
	dims := x.Shape().Dimensions
	rank := x.Rank()
	if rank < 2 {
		Panicf("adaptivespan: x must have rank >= 2, shaped [..., N, N], got x.shape=%s", x.Shape())
	}
	n := dims[rank-1]
	if dims[rank-2] != n {
		Panicf("adaptivespan: mask only supports square grids, got x.shape=%s", x.Shape())
	}
	if m.numGroups > 1 {
		if rank < 3 || dims[rank-3]%m.numGroups != 0 {
			Panicf("adaptivespan: with %d groups x must be shaped [..., channels, N, N] with channels divisible "+
				"by the number of groups, got x.shape=%s", m.numGroups, x.Shape())
		}
	}
	if amount := context.GetParamOr(m.ctx, ParamSpanL1, 0.0); amount > 0 {
		m.Regularize(x.Graph(), amount)
	}

	mask := m.SquareMaskGraph(x)
	if m.numGroups == 1 {
		maskDims := make([]int, rank)
		for ii := range maskDims {
			maskDims[ii] = 1
		}
		maskDims[rank-2], maskDims[rank-1] = n, n
		mask = Reshape(mask, maskDims...)
		return Mul(x, BroadcastToDims(mask, dims...))
	}

	// Split channels into groups: [..., groups, channels/groups, N, N].
	groupedDims := make([]int, 0, rank+1)
	groupedDims = append(groupedDims, dims[:rank-3]...)
	groupedDims = append(groupedDims, m.numGroups, dims[rank-3]/m.numGroups, n, n)
	grouped := Reshape(x, groupedDims...)
	maskDims := make([]int, len(groupedDims))
	for ii := range maskDims {
		maskDims[ii] = 1
	}
	maskDims[len(maskDims)-4] = m.numGroups
	maskDims[len(maskDims)-2], maskDims[len(maskDims)-1] = n, n
	mask = Reshape(mask, maskDims...)
	grouped = Mul(grouped, BroadcastToDims(mask, groupedDims...))
	return Reshape(grouped, dims...)
}

// Regularize adds `amount * sum(|span|)` to the training loss, pushing the mask to be as small as
// the task allows.
//
// It is called automatically by Apply if the hyperparameter ParamSpanL1 is set. Only the first call
// for a graph adds the term, later calls (for the same mask scope) are no-ops.
func (m *Mask) Regularize(g *Graph, amount float64) {
	reg := regularizers.L1(amount)
	if reg == nil {
		return
	}
	ctx := m.Context()
	// Graph params are inherited from parent scopes, so the marker holds the scope that set it.
	if scope, found := ctx.GetGraphParam(g, graphParamRegularized); found && scope == ctx.Scope() {
		return
	}
	ctx.SetGraphParam(g, graphParamRegularized, ctx.Scope())
	reg(ctx, g, m.SpanVar())
}
