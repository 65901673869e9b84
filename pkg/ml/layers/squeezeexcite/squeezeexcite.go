// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package squeezeexcite implements the squeeze-and-excitation channel attention block, from
// "Squeeze-and-Excitation Networks" (Hu, Shen, Sun), https://arxiv.org/abs/1709.01507.
package squeezeexcite

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

const (
	// ParamReduction is the context hyperparameter with the default channel reduction ratio of the
	// bottleneck. Default is 16.
	ParamReduction = "se_reduction"

	// ScopeName is the sub-scope created for the block variables.
	ScopeName = "squeeze_excite"
)

// Config for a squeeze-and-excitation block. Create it with New, configure it and call Done.
type Config struct {
	ctx                *context.Context
	x                  *Node
	reduction          int
	channelsAxisConfig images.ChannelsAxisConfig
}

// New prepares a squeeze-and-excitation block applied on the 2D image x, by default shaped
// `[batch, height, width, channels]`.
//
// The block global-average-pools each channel, passes the pooled vector through a bottleneck of
// `max(1, channels/reduction)` units (1x1 convolution with bias and ReLU), expands it back to `channels`
// (1x1 convolution with bias and sigmoid) and multiplies x by the resulting per-channel gate.
func New(ctx *context.Context, x *Node) *Config {
	return &Config{
		ctx:                ctx,
		x:                  x,
		reduction:          context.GetParamOr(ctx, ParamReduction, 16),
		channelsAxisConfig: images.ChannelsLast,
	}
}

// Reduction sets the ratio between the number of channels and the bottleneck units.
func (cfg *Config) Reduction(reduction int) *Config {
	cfg.reduction = reduction
	return cfg
}

// ChannelsAxis configures the axis of the channels: images.ChannelsLast (the default) or images.ChannelsFirst.
func (cfg *Config) ChannelsAxis(channelsAxisConfig images.ChannelsAxisConfig) *Config {
	cfg.channelsAxisConfig = channelsAxisConfig
	return cfg
}

// BottleneckUnits returns the number of hidden units used for numChannels and the given reduction.
func BottleneckUnits(numChannels, reduction int) int {
	return max(1, numChannels/reduction)
}

// Done builds the block and returns x rescaled per channel, with the same shape as x.
func (cfg *Config) Done() *Node {
	if cfg.reduction <= 0 {
		Panicf("squeezeexcite requires a positive reduction, got %d", cfg.reduction)
	}
	x := cfg.x
	ctx := cfg.ctx.In(ScopeName)
	spatialAxes := images.GetSpatialAxes(x, cfg.channelsAxisConfig)
	numChannels := x.Shape().Dimensions[images.GetChannelsAxis(x, cfg.channelsAxisConfig)]

	pooled := ReduceAndKeep(x, ReduceMean, spatialAxes...)
	gate := layers.Convolution(ctx.In("squeeze"), pooled).
		ChannelsAxis(cfg.channelsAxisConfig).
		Channels(BottleneckUnits(numChannels, cfg.reduction)).
		KernelSize(1).
		UseBias(true).
		Done()
	gate = activations.Relu(gate)
	gate = layers.Convolution(ctx.In("excite"), gate).
		ChannelsAxis(cfg.channelsAxisConfig).
		Channels(numChannels).
		KernelSize(1).
		UseBias(true).
		Done()
	gate = Sigmoid(gate)
	return Mul(x, gate)
}
