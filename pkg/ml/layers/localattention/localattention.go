// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package localattention implements a 2D local self-attention layer: each position of an image-like
// grid attends over the k x k window of positions around it, with learned relative position biases
// (one for rows and one for columns, each covering half of the channels).
//
// Optionally (AdaptiveSpan), the window size is learned: an adaptivespan.Mask is applied to the output
// and the window size at graph building time is derived from the current span of the mask. Since the
// window size is static for a graph, use AdaptiveExec to rebuild the graphs as the span changes.
//
// Based on "Stand-Alone Self-Attention in Vision Models", https://arxiv.org/abs/1906.05909, and
// "Adaptive Attention Span in Transformers", https://arxiv.org/abs/1905.07799.
package localattention

import (
	"github.com/gomlx/compute/shapes"
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/spanattention/pkg/ml/layers/adaptivespan"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamKernelSize context hyperparameter defines the window size of the local attention, when not adaptive.
	// The value should be an odd int.
	// The default is 3.
	ParamKernelSize = "local_attention_kernel_size"

	// ParamPadding context hyperparameter defines the padding added to each side of the spatial axes of
	// the keys and values, when not adaptive.
	// The value should be an int.
	// The default is `kernel_size/2`, which preserves the spatial dimensions.
	ParamPadding = "local_attention_padding"

	// ParamStride context hyperparameter defines the stride of the sliding windows.
	// Only 1 yields a window per output position, so other values fail when building the layer.
	// The default is 1.
	ParamStride = "local_attention_stride"

	// ParamImageSize context hyperparameter defines the spatial size (width or height) of the images
	// for the adaptive span: it bounds the window size to `image_size+1`, and the mask size to
	// `image_size/2`.
	// The value should be an int.
	// The default is the spatial size of the input.
	ParamImageSize = "local_attention_image_size"

	// ParamAdaptiveSpan context hyperparameter defines whether the window size is learned.
	// The value should be a bool.
	// The default is false.
	ParamAdaptiveSpan = "local_attention_adaptive_span"

	// ParamUseBias context hyperparameter defines whether the query, key and value projections have a bias.
	// The value should be a bool.
	// The default is false.
	ParamUseBias = "local_attention_use_bias"

	// DefaultInitialSpan is the initial value of the span of the adaptive mask used by the layer, if
	// adaptivespan.ParamInitialValue is not set. It starts with the mask fully open.
	DefaultInitialSpan = 4.0

	// DefaultScope used by New, unless Builder.CurrentScope is set.
	DefaultScope = "local_attention"
)

// Config holds the static configuration of a local attention layer.
type Config struct {
	InputChannels, OutputChannels int

	// KernelSize is the window size used when AdaptiveSpan is false.
	KernelSize int

	// Stride of the sliding windows: anything other than 1 yields a window grid that doesn't match
	// the query grid, and building the layer fails.
	Stride int

	// Padding of the keys and values, used when AdaptiveSpan is false.
	Padding int

	// Groups of channels: only 1 is supported.
	Groups int

	// UseBias in the query, key and value projections.
	UseBias bool

	// RampSize and InitialSpan configure the adaptive span mask.
	RampSize    int
	InitialSpan float64

	// ImageSize bounds the window size (ImageSize+1) and the mask size (ImageSize/2).
	ImageSize int

	// AdaptiveSpan enables the learned window size.
	AdaptiveSpan bool
}

// Validate checks the construction-time preconditions of the configuration.
func (c Config) Validate() error {
	if c.InputChannels <= 0 || c.OutputChannels <= 0 {
		return errors.Errorf("localattention: input and output channels must be > 0, got %d and %d",
			c.InputChannels, c.OutputChannels)
	}
	if c.Groups <= 0 {
		return errors.Errorf("localattention: groups must be > 0, got %d", c.Groups)
	}
	if c.OutputChannels%c.Groups != 0 {
		return errors.Errorf("localattention: output channels (%d) must be divisible by groups (%d)",
			c.OutputChannels, c.Groups)
	}
	if c.OutputChannels%2 != 0 {
		return errors.Errorf("localattention: output channels (%d) must be even, half of the channels get "+
			"the row relative biases and the other half the column ones", c.OutputChannels)
	}
	if c.Groups != 1 {
		return errors.Errorf("localattention: only groups=1 is supported, got groups=%d", c.Groups)
	}
	if c.Stride < 1 {
		return errors.Errorf("localattention: stride must be >= 1, got %d", c.Stride)
	}
	if c.Padding < 0 {
		return errors.Errorf("localattention: padding must be >= 0, got %d", c.Padding)
	}
	if c.ImageSize < 2 {
		return errors.Errorf("localattention: image size must be >= 2, got %d", c.ImageSize)
	}
	if c.RampSize < 1 {
		return errors.Errorf("localattention: ramp size must be >= 1, got %d", c.RampSize)
	}
	if !c.AdaptiveSpan && c.KernelSize < 1 {
		return errors.Errorf("localattention: kernel size must be >= 1, got %d", c.KernelSize)
	}
	if k := c.StoredKernelSize(); k%2 == 0 {
		if c.AdaptiveSpan {
			return errors.Errorf("localattention: with adaptive span the image size must be even, so the "+
				"relative biases have an odd size (image_size+1), got image size %d", c.ImageSize)
		}
		return errors.Errorf("localattention: kernel size must be odd, got %d", k)
	}
	return nil
}

// StoredKernelSize is the extent of the relative bias variables: ImageSize+1 if AdaptiveSpan, KernelSize otherwise.
func (c Config) StoredKernelSize() int {
	if c.AdaptiveSpan {
		return c.ImageSize + 1
	}
	return c.KernelSize
}

// MaxMaskSize is the maximum size of the adaptive span mask: ImageSize/2.
func (c Config) MaxMaskSize() float64 {
	return float64(c.ImageSize) / 2
}

// Mask returns the adaptive span mask of the layer, whose variable lives under ctx.
func (c Config) Mask(ctx *context.Context) *adaptivespan.Mask {
	return adaptivespan.New(ctx, c.MaxMaskSize()).
		RampSize(c.RampSize).
		InitialValue(c.InitialSpan).
		Groups(c.Groups)
}

// Builder for a local attention layer. Create it with New, configure it, and call Done.
type Builder struct {
	ctx          *context.Context
	x            *Node
	config       Config
	paddingSet   bool
	windowSize   int
	channelsAxis images.ChannelsAxisConfig
	newScope     bool
}

// New creates a local attention layer over x with outputChannels channels.
//
// The input x must be shaped `[batch, channels, height, width]` (the default images.ChannelsFirst),
// or `[batch, height, width, channels]` if configured with ChannelsAxis(images.ChannelsLast). The
// output has the same layout, with outputChannels channels and the same spatial dimensions.
//
// The defaults are read from the hyperparameters ParamKernelSize, ParamPadding, ParamStride,
// ParamImageSize, ParamAdaptiveSpan, ParamUseBias, adaptivespan.ParamRampSize and
// adaptivespan.ParamInitialValue.
func New(ctx *context.Context, x *Node, outputChannels int) *Builder {
	b := &Builder{
		ctx:          ctx,
		x:            x,
		channelsAxis: images.ChannelsFirst,
		newScope:     true,
	}
	b.config = Config{
		OutputChannels: outputChannels,
		KernelSize:     context.GetParamOr(ctx, ParamKernelSize, 3),
		Stride:         context.GetParamOr(ctx, ParamStride, 1),
		Groups:         1,
		UseBias:        context.GetParamOr(ctx, ParamUseBias, false),
		RampSize:       context.GetParamOr(ctx, adaptivespan.ParamRampSize, 3),
		InitialSpan:    context.GetParamOr(ctx, adaptivespan.ParamInitialValue, DefaultInitialSpan),
		ImageSize:      context.GetParamOr(ctx, ParamImageSize, 0),
		AdaptiveSpan:   context.GetParamOr(ctx, ParamAdaptiveSpan, false),
	}
	if padding, found := ctx.GetParam(ParamPadding); found && padding != nil {
		b.paddingSet = true
		b.config.Padding = context.GetParamOr(ctx, ParamPadding, 0)
	}
	return b
}

// KernelSize sets the window size, used when the span is not adaptive. It must be odd. Default is 3.
func (b *Builder) KernelSize(kernelSize int) *Builder {
	b.config.KernelSize = kernelSize
	return b
}

// Stride sets the stride of the sliding windows. Default is 1, the only value for which the windows
// match the query grid.
func (b *Builder) Stride(stride int) *Builder {
	b.config.Stride = stride
	return b
}

// Padding sets the padding on each side of the spatial axes of the keys and values, used when the
// span is not adaptive. Default is KernelSize/2.
func (b *Builder) Padding(padding int) *Builder {
	b.config.Padding = padding
	b.paddingSet = true
	return b
}

// Groups sets the number of groups of channels. Only 1 is supported.
func (b *Builder) Groups(groups int) *Builder {
	b.config.Groups = groups
	return b
}

// UseBias sets whether the query, key and value projections have a bias. Default is false.
func (b *Builder) UseBias(useBias bool) *Builder {
	b.config.UseBias = useBias
	return b
}

// RampSize sets the ramp size of the adaptive span mask. Default is 3.
func (b *Builder) RampSize(rampSize int) *Builder {
	b.config.RampSize = rampSize
	return b
}

// InitialSpan sets the initial value of the span of the adaptive span mask. Default is 4, which
// starts with the mask fully open.
func (b *Builder) InitialSpan(span float64) *Builder {
	b.config.InitialSpan = span
	return b
}

// ImageSize sets the spatial size of the images, which bounds the window size to ImageSize+1 and the
// mask to ImageSize/2 rings. Default is the height of the input.
func (b *Builder) ImageSize(imageSize int) *Builder {
	b.config.ImageSize = imageSize
	return b
}

// AdaptiveSpan sets whether the window size is derived from the learned span. Default is false.
func (b *Builder) AdaptiveSpan(adaptive bool) *Builder {
	b.config.AdaptiveSpan = adaptive
	return b
}

// WindowSize forces the window size used when the span is adaptive, instead of deriving it from the
// current span. It must be odd, and it is clamped to the extent of the relative biases.
func (b *Builder) WindowSize(windowSize int) *Builder {
	b.windowSize = windowSize
	return b
}

// ChannelsAxis configures the axis of the channels. Default is images.ChannelsFirst.
func (b *Builder) ChannelsAxis(channelsAxisConfig images.ChannelsAxisConfig) *Builder {
	b.channelsAxis = channelsAxisConfig
	return b
}

// CurrentScope configures the layer to create its variables in the current ctx scope, as opposed to
// a new sub-scope named DefaultScope.
func (b *Builder) CurrentScope() *Builder {
	b.newScope = false
	return b
}

// Config returns the configuration of the layer, with the defaults that depend on the input resolved.
func (b *Builder) Config() Config {
	c := b.config
	x := b.x
	if x.Rank() == 4 {
		channelsAxis := images.GetChannelsAxis(x, b.channelsAxis)
		c.InputChannels = x.Shape().Dim(channelsAxis)
		if c.ImageSize == 0 {
			c.ImageSize = x.Shape().Dim(images.GetSpatialAxes(x, b.channelsAxis)[0])
		}
	}
	if !b.paddingSet {
		c.Padding = c.KernelSize / 2
	}
	return c
}

// Done builds the local attention and returns its output.
func (b *Builder) Done() *Node {
	output, _ := b.DoneWithCoefficients()
	return output
}

// DoneWithCoefficients builds the local attention and returns its output, and the attention
// coefficients, shaped `[batch, height, width, windowSize*windowSize]`, with the window cells in
// row-major order. The coefficients of each position sum to 1.
func (b *Builder) DoneWithCoefficients() (output, coefficients *Node) {
	ctx := b.ctx
	if b.newScope {
		ctx = ctx.In(DefaultScope)
	}
	x := b.x
	if x.Rank() != 4 {
		Panicf("localattention: input must have rank 4, got x.shape=%s", x.Shape())
	}
	cfg := b.Config()
	if err := cfg.Validate(); err != nil {
		Panicf("%v", err)
	}
	if b.channelsAxis == images.ChannelsLast {
		x = TransposeAllDims(x, 0, 3, 1, 2)
	}

	mask := cfg.Mask(ctx)
	kernelSize, padding := b.windowGeometry(cfg, mask)
	g := x.Graph()
	dtype := x.DType()
	dims := x.Shape().Dimensions
	batchSize, height, width := dims[0], dims[2], dims[3]
	channels := cfg.OutputChannels
	windowCells := kernelSize * kernelSize

	query := project(ctx, "query", x, cfg)
	padded := x
	if padding > 0 {
		padded = Pad(x, Scalar(g, dtype, 0),
			PadAxis{}, PadAxis{}, PadAxis{Start: padding, End: padding}, PadAxis{Start: padding, End: padding})
	}
	keys := ExtractWindows(project(ctx, "key", padded, cfg), kernelSize, cfg.Stride)
	values := ExtractWindows(project(ctx, "value", padded, cfg), kernelSize, cfg.Stride)
	if keys.Shape().Dim(2) != height || keys.Shape().Dim(3) != width {
		Panicf("localattention: window grid %dx%d doesn't match the %dx%d query grid (kernel size %d, "+
			"padding %d, stride %d): use stride=1 and padding=kernel_size/2",
			keys.Shape().Dim(2), keys.Shape().Dim(3), height, width, kernelSize, padding, cfg.Stride)
	}
	keys = addRelativeBias(ctx, keys, cfg.StoredKernelSize())

	// [batch, groups, channels/groups, height, width, windowCells]
	groupDims := []int{batchSize, cfg.Groups, channels / cfg.Groups, height, width, windowCells}
	keys = Reshape(keys, groupDims...)
	values = Reshape(values, groupDims...)
	queries := Reshape(query, batchSize, cfg.Groups, channels/cfg.Groups, height, width, 1)
	queries = BroadcastToDims(queries, groupDims...)

	logits := ReduceSum(Mul(queries, keys), 2) // [batch, groups, height, width, windowCells]
	coefficients = Softmax(logits, -1)
	weighted := Mul(BroadcastToDims(InsertAxes(coefficients, 2), groupDims...), values)
	output = Reshape(ReduceSum(weighted, -1), batchSize, channels, height, width)
	output = mask.Apply(output)
	coefficients = Reshape(coefficients, batchSize, height, width, windowCells)

	if b.channelsAxis == images.ChannelsLast {
		output = TransposeAllDims(output, 0, 2, 3, 1)
	}
	return
}

// windowGeometry returns the window (kernel) size and padding to use for the graph being built.
func (b *Builder) windowGeometry(cfg Config, mask *adaptivespan.Mask) (kernelSize, padding int) {
	if !cfg.AdaptiveSpan {
		return cfg.KernelSize, cfg.Padding
	}
	stored := cfg.StoredKernelSize()
	kernelSize = b.windowSize
	if kernelSize <= 0 {
		currentMaxSize, err := mask.CurrentMaxSize(true)
		if err != nil {
			panic(errors.WithMessagef(err, "localattention: failed to read the current span in scope %q",
				mask.Context().Scope()))
		}
		kernelSize = AdaptiveKernelSize(currentMaxSize)
	} else if kernelSize%2 == 0 {
		Panicf("localattention: window size must be odd, got %d", kernelSize)
	}
	effective := EffectiveKernelSize(kernelSize, stored)
	if effective != kernelSize {
		klog.Warningf("localattention: adaptive window size %d in scope %q is larger than the relative "+
			"biases extent %d, using %d instead", kernelSize, mask.Context().Scope(), stored, effective)
	}
	klog.V(1).Infof("localattention: scope %q using window size %d", mask.Context().Scope(), effective)
	return effective, (effective - 1) / 2
}

// project applies the 1x1 convolution projection named name to x, channels first.
func project(ctx *context.Context, name string, x *Node, cfg Config) *Node {
	projCtx := ctx.In(name).WithInitializer(FanOutHeInitializer(ctx))
	return layers.Convolution(projCtx, x).
		CurrentScope().
		ChannelsAxis(images.ChannelsFirst).
		Channels(cfg.OutputChannels).
		KernelSize(1).
		UseBias(cfg.UseBias).
		Done()
}

// addRelativeBias adds the row relative bias to the first half of the channels of the windows,
// and the column relative bias to the second half.
//
// The bias variables have the stored extent of the layer: only their centre windowSize cells are used.
func addRelativeBias(ctx *context.Context, windows *Node, storedKernelSize int) *Node {
	dims := windows.Shape().Dimensions
	channels, kernelSize := dims[1], dims[4]
	half := channels / 2
	biasCtx := ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0))
	g := windows.Graph()
	dtype := windows.DType()
	relH := biasCtx.VariableWithShape("rel_h", shapes.Make(dtype, half, 1, 1, storedKernelSize, 1)).ValueGraph(g)
	relW := biasCtx.VariableWithShape("rel_w", shapes.Make(dtype, half, 1, 1, 1, storedKernelSize)).ValueGraph(g)
	relH = centreSlice(relH, 3, kernelSize)
	relW = centreSlice(relW, 4, kernelSize)

	halfDims := []int{dims[0], half, dims[2], dims[3], dims[4], dims[5]}
	relH = BroadcastToDims(InsertAxes(relH, 0), halfDims...)
	relW = BroadcastToDims(InsertAxes(relW, 0), halfDims...)
	parts := Split(windows, 1, 2)
	return Concatenate([]*Node{Add(parts[0], relH), Add(parts[1], relW)}, 1)
}

// centreSlice returns the centre size elements of x on the given axis.
func centreSlice(x *Node, axis, size int) *Node {
	dim := x.Shape().Dim(axis)
	if dim == size {
		return x
	}
	start := dim/2 - size/2
	return SliceAxis(x, axis, AxisRange(start, start+size))
}
