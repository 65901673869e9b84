// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package osanet implements the OSA-Net (a scale-aware encoder-decoder network) for crowd density
// estimation: it maps an image to a single channel density map whose sum estimates the number of people
// in the image.
//
// The encoder is made of scale-aware modules (parallel branches with kernels of size 1, 3, 5 and 7,
// the deeper ones with a pre-activation residual block with squeeze-and-excitation on each branch)
// interleaved with 2x2 max-pooling. The decoder alternates convolutions and 2x transposed convolutions
// to bring the density map back to the input resolution (rounded down to a multiple of 8).
//
// Example, using the default context hyperparameters:
//
//	density := osanet.New(ctx.In("model"), images).Done()
//
// For training with GoMLX's train package, use ModelGraph as the train.ModelFn.
package osanet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// DownsampleFactor is the total spatial reduction of the encoder (3 max-pools of 2), and the factor the
// input spatial dimensions are rounded down to in the output.
const DownsampleFactor = 8

// Config for an OSA-Net network. Create it with New, configure it and call Done.
type Config struct {
	ctx                *context.Context
	x                  *Node
	channelsAxisConfig images.ChannelsAxisConfig
	grayInput          bool
	normalize          bool
	initStddev         float64
}

// New prepares an OSA-Net network applied to the image batch x.
//
// By default x is shaped `[batch, channels, height, width]` (images.ChannelsFirst), see ChannelsAxis to change
// it. The number of channels must be 3, or 1 if GrayInput is set.
//
// Defaults are read from the context hyperparameters ParamGrayInput, ParamNormalize and ParamInitStddev.
func New(ctx *context.Context, x *Node) *Config {
	return &Config{
		ctx:                ctx,
		x:                  x,
		channelsAxisConfig: images.ChannelsFirst,
		grayInput:          context.GetParamOr(ctx, ParamGrayInput, false),
		normalize:          context.GetParamOr(ctx, ParamNormalize, true),
		initStddev:         context.GetParamOr(ctx, ParamInitStddev, 0.01),
	}
}

// ChannelsAxis configures the layout of the input (and output) images. Default is images.ChannelsFirst.
func (cfg *Config) ChannelsAxis(channelsAxisConfig images.ChannelsAxisConfig) *Config {
	cfg.channelsAxisConfig = channelsAxisConfig
	return cfg
}

// GrayInput configures the network for single channel input images, instead of 3 channels (RGB).
func (cfg *Config) GrayInput(gray bool) *Config {
	cfg.grayInput = gray
	return cfg
}

// Normalize configures whether the BasicConv and BasicDeconv blocks use instance normalization.
// The last 1x1 convolution is never normalized.
func (cfg *Config) Normalize(normalize bool) *Config {
	cfg.normalize = normalize
	return cfg
}

// InitStddev sets the standard deviation used to initialize the kernels (see Initializer).
// If set to 0, the context's default initializer is used instead.
func (cfg *Config) InitStddev(stddev float64) *Config {
	cfg.initStddev = stddev
	return cfg
}

// InputChannels returns the number of input channels expected by the configuration: 1 or 3.
func (cfg *Config) InputChannels() int {
	if cfg.grayInput {
		return 1
	}
	return 3
}

// Done builds the network and returns the density map, shaped `[batch, 1, outHeight, outWidth]` (or
// `[batch, outHeight, outWidth, 1]` for images.ChannelsLast), where outHeight and outWidth are the input
// dimensions rounded down to a multiple of DownsampleFactor.
func (cfg *Config) Done() *Node {
	x := cfg.x
	if x.Rank() != 4 {
		Panicf("osanet expects images shaped [batch, channels, height, width] or [batch, height, width, channels], got %s",
			x.Shape())
	}
	if !x.DType().IsFloat() {
		Panicf("osanet expects float images, got %s", x.Shape())
	}
	channelsAxis := images.GetChannelsAxis(x, cfg.channelsAxisConfig)
	if got := x.Shape().Dimensions[channelsAxis]; got != cfg.InputChannels() {
		Panicf("osanet configured for %d input channels (gray input=%v), but got images shaped %s",
			cfg.InputChannels(), cfg.grayInput, x.Shape())
	}
	for _, axis := range images.GetSpatialAxes(x, cfg.channelsAxisConfig) {
		if x.Shape().Dimensions[axis] < DownsampleFactor {
			Panicf("osanet requires spatial dimensions >= %d, got images shaped %s", DownsampleFactor, x.Shape())
		}
	}

	if cfg.channelsAxisConfig == images.ChannelsFirst {
		x = TransposeAllAxes(x, 0, 2, 3, 1)
	}
	ctx := cfg.ctx
	if cfg.initStddev > 0 {
		ctx = ctx.WithInitializer(Initializer(ctx, cfg.initStddev))
	}
	features := Encoder(ctx.In("encoder"), x, cfg.normalize)
	density := Decoder(ctx.In("decoder"), features, cfg.normalize)
	dims := x.Shape().Dimensions
	density.AssertDims(dims[0], roundDownToFactor(dims[1]), roundDownToFactor(dims[2]), 1)
	if cfg.channelsAxisConfig == images.ChannelsFirst {
		density = TransposeAllAxes(density, 0, 3, 1, 2)
	}
	return density
}

func roundDownToFactor(dim int) int {
	return dim / DownsampleFactor * DownsampleFactor
}

func maxPool2(x *Node) *Node {
	return MaxPool(x).ChannelsAxis(images.ChannelsLast).Window(2).Strides(2).NoPadding().Done()
}

// Encoder takes channels-last images `[batch, height, width, channels]` and returns the encoded features
// shaped `[batch, height/8, width/8, 64]` (dimensions rounded down).
func Encoder(ctx *context.Context, x *Node, normalize bool) *Node {
	x = ScaleAwareHead(ctx.In("head"), x, 32, normalize)
	x = maxPool2(x)
	x = ScaleAware(ctx.In("scale_aware_1"), x, 64, normalize)
	x = maxPool2(x)
	x = ScaleAware(ctx.In("scale_aware_2"), x, 64, normalize)
	x = maxPool2(x)
	x = ScaleAware(ctx.In("scale_aware_3"), x, 64, normalize)
	return x
}

// Decoder takes the channels-last encoded features `[batch, h, w, 64]` and returns the density map shaped
// `[batch, 8*h, 8*w, 1]`.
//
// The final ReLU keeps the density non-negative.
func Decoder(ctx *context.Context, x *Node, normalize bool) *Node {
	x = BasicConv(ctx.In("conv9x9"), x, 64, 9, 4, normalize)
	x = BasicDeconv(ctx.In("deconv_1"), x, 64, 2, 2, normalize)
	x = BasicConv(ctx.In("conv7x7"), x, 32, 7, 3, normalize)
	x = BasicDeconv(ctx.In("deconv_2"), x, 32, 2, 2, normalize)
	x = BasicConv(ctx.In("conv5x5"), x, 16, 5, 2, normalize)
	x = BasicDeconv(ctx.In("deconv_3"), x, 16, 2, 2, normalize)
	x = BasicConv(ctx.In("conv3x3"), x, 16, 3, 1, normalize)
	x = BasicConv(ctx.In("conv1x1"), x, 1, 1, 0, false)
	return x
}

// ModelGraph implements train.ModelFn: inputs[0] is a batch of channels-last images, and it returns the
// density maps, shaped `[batch, height, width, 1]`.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	density := New(ctx, inputs[0]).ChannelsAxis(images.ChannelsLast).Done()
	return []*Node{density}
}
