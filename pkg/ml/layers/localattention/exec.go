// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package localattention

import (
	"sync"

	"github.com/dustin/go-humanize"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/spanattention/pkg/ml/layers/adaptivespan"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GraphFn builds a graph using one or more local attention layers.
type GraphFn func(ctx *context.Context, inputs []*Node) []*Node

// AdaptiveExec executes a GraphFn that uses adaptive local attention layers, rebuilding the graph
// whenever the window size of any of the layers would change.
//
// The window size of an adaptive layer is read from the current span when the graph is built.
// AdaptiveExec keeps one context.Exec per set of window sizes (see adaptivespan.SizesKey), so training
// steps that move the spans within a size boundary reuse the compiled graphs.
//
// It is safe for concurrent use: each set of window sizes is built only once, and calls for sizes
// already built run concurrently.
type AdaptiveExec struct {
	backend context.Backend
	ctx     *context.Context
	graphFn GraphFn

	mu    sync.Mutex
	execs map[string]*context.Exec
}

// NewAdaptiveExec creates an AdaptiveExec for graphFn.
//
// The ctx is used to build all graphs: the first one with ctx as given, and the following ones
// with ctx.Checked(false), since they reuse the variables created by the first one.
func NewAdaptiveExec(backend context.Backend, ctx *context.Context, graphFn GraphFn) (*AdaptiveExec, error) {
	if graphFn == nil {
		return nil, errors.New("localattention.NewAdaptiveExec: graphFn must not be nil")
	}
	if ctx == nil {
		ctx = context.New()
	}
	return &AdaptiveExec{
		backend: backend,
		ctx:     ctx,
		graphFn: graphFn,
		execs:   make(map[string]*context.Exec),
	}, nil
}

// MustNewAdaptiveExec is like NewAdaptiveExec, but panics on error.
func MustNewAdaptiveExec(backend context.Backend, ctx *context.Context, graphFn GraphFn) *AdaptiveExec {
	e, err := NewAdaptiveExec(backend, ctx, graphFn)
	if err != nil {
		panic(err)
	}
	return e
}

// Context used by the AdaptiveExec.
func (e *AdaptiveExec) Context() *context.Context { return e.ctx }

// NumGraphs returns the number of distinct window-size configurations compiled so far.
func (e *AdaptiveExec) NumGraphs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.execs)
}

// Exec executes the graph for the current window sizes, building it first if needed.
func (e *AdaptiveExec) Exec(args ...any) ([]*tensors.Tensor, error) {
	e.mu.Lock()
	key, err := adaptivespan.SizesKey(e.ctx)
	if err != nil {
		e.mu.Unlock()
		return nil, errors.WithMessage(err, "localattention.AdaptiveExec")
	}
	if exec, found := e.execs[key]; found {
		e.mu.Unlock()
		return exec.Exec(args...)
	}
	defer e.mu.Unlock()
	return e.buildAndExec(args)
}

// buildAndExec builds a new graph for the current window sizes and executes it.
// It must be called with e.mu locked.
func (e *AdaptiveExec) buildAndExec(args []any) ([]*tensors.Tensor, error) {
	ctx := e.ctx
	if len(e.execs) > 0 {
		ctx = ctx.Checked(false)
	}
	var (
		once     sync.Once
		builtKey string
		keyErr   error
	)
	exec, err := context.NewExec(e.backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		outputs := e.graphFn(ctx, inputs)
		// The masks created while building are only registered now, so the key may have changed.
		once.Do(func() { builtKey, keyErr = adaptivespan.SizesKey(ctx) })
		return outputs
	})
	if err != nil {
		return nil, errors.WithMessage(err, "localattention.AdaptiveExec: failed to create executor")
	}
	outputs, err := exec.Exec(args...)
	if err != nil {
		return nil, err
	}
	if keyErr != nil {
		return nil, errors.WithMessage(keyErr, "localattention.AdaptiveExec: reading window sizes of the built graph")
	}
	e.execs[builtKey] = exec
	if klog.V(1).Enabled() {
		klog.Infof("localattention.AdaptiveExec: built graph #%d for window sizes %q, %s parameters",
			len(e.execs), builtKey, humanize.Comma(int64(e.ctx.NumParameters())))
	}
	return outputs, nil
}

// MustExec is like Exec, but panics on error.
func (e *AdaptiveExec) MustExec(args ...any) []*tensors.Tensor {
	outputs, err := e.Exec(args...)
	if err != nil {
		panic(err)
	}
	return outputs
}
