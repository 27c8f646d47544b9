// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package adaptivespan

import (
	"fmt"
	"math"
	"slices"
	"strings"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// This file holds the host-side queries and updates of the span variable.

// spanValues returns the current host values of the span, one per group.
// If the variable doesn't exist yet, it returns the configured initial value for each group.
func (m *Mask) spanValues() ([]float64, *context.Variable, error) {
	ctx := m.Context()
	v := ctx.GetVariableByScopeAndName(ctx.Scope(), SpanVariableName)
	if v == nil {
		values := make([]float64, m.numGroups)
		for ii := range values {
			values[ii] = m.initialValue
		}
		return values, nil, nil
	}
	t, err := v.Value()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "reading span variable of adaptive mask in scope %q", ctx.Scope())
	}
	if t == nil {
		return nil, nil, errors.Errorf("span variable of adaptive mask in scope %q has no value", ctx.Scope())
	}
	flat := tensors.MustCopyFlatData[float32](t)
	values := make([]float64, len(flat))
	for ii, value := range flat {
		values[ii] = float64(value)
	}
	return values, v, nil
}

// sizeFromSpan converts the (reduced) span value to a size in rings: `ceil(span * maxSize)`, plus
// rampSize if includeRamp, and clamped to [0, maxSize].
func sizeFromSpan(span, maxSize float64, rampSize int, includeRamp bool) float64 {
	size := math.Ceil(span * maxSize)
	if includeRamp {
		size += float64(rampSize)
	}
	return min(max(size, 0), maxSize)
}

// CurrentMaxSize returns the size of the largest span across the groups, as read from the current
// value of the span variable. It is a detached (non-differentiable) host value.
//
// If includeRamp is true, the ramp size is added. The result is clamped to [0, maxSize].
func (m *Mask) CurrentMaxSize(includeRamp bool) (float64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	values, _, err := m.spanValues()
	if err != nil {
		return 0, err
	}
	return sizeFromSpan(slices.Max(values), m.maxSize, m.rampSize, includeRamp), nil
}

// CurrentAvgSize is like CurrentMaxSize, but it uses the mean of the spans across the groups.
func (m *Mask) CurrentAvgSize(includeRamp bool) (float64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	values, _, err := m.spanValues()
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, value := range values {
		sum += value
	}
	return sizeFromSpan(sum/float64(len(values)), m.maxSize, m.rampSize, includeRamp), nil
}

// ClampParam clamps the value of the span variable to [0, 1], in place.
//
// It is meant to be called after each optimizer step, and calling it more than once is a no-op.
// If the variable doesn't exist yet, nothing is done.
func (m *Mask) ClampParam() error {
	values, v, err := m.spanValues()
	if err != nil {
		return err
	}
	if v == nil {
		klog.V(2).Infof("adaptivespan: span variable in scope %q not created yet, nothing to clamp", m.Context().Scope())
		return nil
	}
	changed := false
	clamped := make([]float32, len(values))
	for ii, value := range values {
		c := min(max(value, 0), 1)
		changed = changed || c != value
		clamped[ii] = float32(c)
	}
	if !changed {
		return nil
	}
	err = v.SetValue(tensors.FromFlatDataAndDimensions(clamped, v.Shape().Dimensions...))
	if err != nil {
		return errors.WithMessagef(err, "clamping span variable of adaptive mask in scope %q", v.Scope())
	}
	return nil
}

// ClampGraph updates the span variable in the graph g with its value clamped to [0, 1].
func (m *Mask) ClampGraph(g *Graph) {
	v := m.SpanVar()
	v.SetValueGraph(ClipScalar(v.ValueGraph(g), 0, 1))
}

// ClampAfterEachStep registers ClampGraph to be executed after each training step of the graph g
// (see train.AddPerStepUpdateGraphFn).
func (m *Mask) ClampAfterEachStep(g *Graph) {
	train.AddPerStepUpdateGraphFn(m.Context(), g, func(ctx *context.Context, g *Graph) {
		m.ClampGraph(g)
	})
}

// SizesKey returns a key made of the current max sizes (including the ramp) of all masks registered
// in ctx: that is, all masks whose span variable has been used at least once.
//
// Layers whose structure depends on the span (e.g.: the window size of a local attention) can be
// rebuilt whenever this key changes.
func SizesKey(ctx *context.Context) (string, error) {
	var scopes []string
	ctx.EnumerateParams(func(scope, key string, _ any) {
		if key == paramRegisteredMaxSize {
			scopes = append(scopes, scope)
		}
	})
	slices.Sort(scopes)
	parts := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		scopeCtx := ctx.InAbsPath(scope)
		m := New(scopeCtx, context.GetParamOr(scopeCtx, paramRegisteredMaxSize, 0.0)).
			RampSize(context.GetParamOr(scopeCtx, paramRegisteredRampSize, 1)).
			CurrentScope()
		if v := scopeCtx.GetVariableByScopeAndName(scope, SpanVariableName); v != nil {
			m.Groups(max(v.Shape().Size(), 1))
		}
		size, err := m.CurrentMaxSize(true)
		if err != nil {
			return "", errors.WithMessagef(err, "adaptive mask in scope %q", scope)
		}
		parts = append(parts, fmt.Sprintf("%s=%g", scope, size))
	}
	return strings.Join(parts, ";"), nil
}
