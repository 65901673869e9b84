// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package convtranspose implements a learnable 2D transposed convolution ("deconvolution") layer, used to
// upsample feature maps.
//
// It is built from a dot-product of the input with the kernel followed by an overlap-add of the
// per-kernel-position contributions: it doesn't use input-dilated convolutions (whose gradient GoMLX doesn't
// provide) nor the Pad operation (not implemented by every backend).
package convtranspose

import (
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
)

// ScopeName is the sub-scope created for the layer variables, unless CurrentScope is used.
const ScopeName = "conv_transpose"

// Config for a transposed convolution. Create it with New, configure it and call Done.
type Config struct {
	ctx                *context.Context
	x                  *Node
	channels           int
	kernelSize         int
	stride             int
	bias               bool
	channelsAxisConfig images.ChannelsAxisConfig
	newScope           bool
	regularizer        regularizers.Regularizer
}

// New prepares a 2D transposed convolution on x, shaped `[batch, height, width, channels]` by default
// (see ChannelsAxis).
//
// Channels and KernelSize must be set. Strides default to 1 and a bias is used by default.
//
// The output spatial dimensions are `(in-1)*stride + kernelSize` (no padding and no output padding), and the
// output channels axis holds Channels values.
//
// The kernel variable "weights" is shaped `[kernelSize, kernelSize, inputChannels, outputChannels]`,
// and the bias variable "biases" is shaped `[outputChannels]`.
func New(ctx *context.Context, x *Node) *Config {
	return &Config{
		ctx:                ctx,
		x:                  x,
		stride:             1,
		bias:               true,
		channelsAxisConfig: images.ChannelsLast,
		newScope:           true,
		regularizer:        regularizers.FromContext(ctx),
	}
}

// Channels sets the number of output channels. It must be set.
func (cfg *Config) Channels(channels int) *Config {
	cfg.channels = channels
	return cfg
}

// KernelSize sets the size of the square kernel. It must be set.
func (cfg *Config) KernelSize(size int) *Config {
	cfg.kernelSize = size
	return cfg
}

// Strides sets the upsampling factor, used for both spatial axes. Default is 1.
func (cfg *Config) Strides(stride int) *Config {
	cfg.stride = stride
	return cfg
}

// UseBias defines whether to add a learned bias per output channel. Default is true.
func (cfg *Config) UseBias(useBias bool) *Config {
	cfg.bias = useBias
	return cfg
}

// ChannelsAxis configures the axis of the channels: images.ChannelsLast (the default) or images.ChannelsFirst.
func (cfg *Config) ChannelsAxis(channelsAxisConfig images.ChannelsAxisConfig) *Config {
	cfg.channelsAxisConfig = channelsAxisConfig
	return cfg
}

// CurrentScope configures the layer to create its variables in the current scope, instead of in ScopeName.
func (cfg *Config) CurrentScope() *Config {
	cfg.newScope = false
	return cfg
}

// Regularizer sets the regularizer applied to the kernel. It defaults to regularizers.FromContext.
func (cfg *Config) Regularizer(regularizer regularizers.Regularizer) *Config {
	cfg.regularizer = regularizer
	return cfg
}

// OutputSize returns the spatial output size for an input of size inputSize.
func OutputSize(inputSize, kernelSize, stride int) int {
	return (inputSize-1)*stride + kernelSize
}

// Done creates the layer variables and returns the upsampled x.
func (cfg *Config) Done() *Node {
	if cfg.channels <= 0 || cfg.kernelSize <= 0 {
		Panicf("convtranspose requires Channels and KernelSize to be set to positive values, got channels=%d, kernelSize=%d",
			cfg.channels, cfg.kernelSize)
	}
	if cfg.stride <= 0 {
		Panicf("convtranspose requires a positive stride, got %d", cfg.stride)
	}
	x := cfg.x
	if x.Rank() != 4 {
		Panicf("convtranspose only supports 2D images (rank-4 x), got x.shape=%s", x.Shape())
	}
	ctx := cfg.ctx
	if cfg.newScope {
		ctx = ctx.In(ScopeName)
	}
	g := x.Graph()
	if cfg.channelsAxisConfig == images.ChannelsFirst {
		x = TransposeAllAxes(x, 0, 2, 3, 1)
	}
	inputChannels := x.Shape().Dimensions[3]

	kernelVar := ctx.VariableWithShape("weights",
		shapes.Make(x.DType(), cfg.kernelSize, cfg.kernelSize, inputChannels, cfg.channels))
	if cfg.regularizer != nil {
		cfg.regularizer(ctx, g, kernelVar)
	}
	kernel := kernelVar.ValueGraph(g)

	var output *Node
	if cfg.kernelSize == cfg.stride {
		output = nonOverlapping(x, kernel, cfg.kernelSize)
	} else {
		output = overlapAdd(x, kernel, cfg.kernelSize, cfg.stride)
	}

	if cfg.bias {
		biasVar := ctx.VariableWithShape("biases", shapes.Make(x.DType(), cfg.channels))
		output = Add(output, Reshape(biasVar.ValueGraph(g), 1, 1, 1, cfg.channels))
	}
	if cfg.channelsAxisConfig == images.ChannelsFirst {
		output = TransposeAllAxes(output, 0, 3, 1, 2)
	}
	return output
}

// nonOverlapping handles kernelSize == stride: each input pixel expands into its own kernelSize x kernelSize
// output patch.
func nonOverlapping(x, kernel *Node, kernelSize int) *Node {
	dims := x.Shape().Dimensions
	batch, height, width := dims[0], dims[1], dims[2]
	outputChannels := kernel.Shape().Dimensions[3]
	patches := Einsum("bhwi,pqio->bhpwqo", x, kernel)
	return Reshape(patches, batch, height*kernelSize, width*kernelSize, outputChannels)
}

// overlapAdd handles the general case: the contribution of each kernel position (p, q) is spread with
// stride-1 zeros between pixels, shifted by (p, q) and summed.
func overlapAdd(x, kernel *Node, kernelSize, stride int) *Node {
	contributions := Einsum("bhwi,pqio->pqbhwo", x, kernel)
	var output *Node
	for p := range kernelSize {
		for q := range kernelSize {
			part := Slice(contributions, AxisElem(p), AxisElem(q))
			part = Reshape(part, part.Shape().Dimensions[2:]...)
			part = spread(part, 1, stride, p, kernelSize-1-p)
			part = spread(part, 2, stride, q, kernelSize-1-q)
			if output == nil {
				output = part
			} else {
				output = Add(output, part)
			}
		}
	}
	return output
}

// spread inserts stride-1 zeros between consecutive elements of x along axis, and then before zeros at the
// start and after zeros at the end of the axis. The axis length n becomes `before + (n-1)*stride + 1 + after`.
func spread(x *Node, axis, stride, before, after int) *Node {
	g := x.Graph()
	zeros := func(dims []int, axis, size int) *Node {
		dims = slices.Clone(dims)
		dims[axis] = size
		return Zeros(g, shapes.Make(x.DType(), dims...))
	}
	n := x.Shape().Dimensions[axis]
	if stride > 1 {
		expanded := ExpandAxes(x, axis+1)
		expanded = Concatenate([]*Node{expanded, zeros(expanded.Shape().Dimensions, axis+1, stride-1)}, axis+1)
		dims := slices.Clone(x.Shape().Dimensions)
		dims[axis] = n * stride
		x = Reshape(expanded, dims...)
		x = SliceAxis(x, axis, AxisRange(0, (n-1)*stride+1))
	}
	parts := make([]*Node, 0, 3)
	if before > 0 {
		parts = append(parts, zeros(x.Shape().Dimensions, axis, before))
	}
	parts = append(parts, x)
	if after > 0 {
		parts = append(parts, zeros(x.Shape().Dimensions, axis, after))
	}
	if len(parts) == 1 {
		return x
	}
	return Concatenate(parts, axis)
}
