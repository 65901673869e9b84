// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package instancenorm implements instance normalization: each example and each channel is normalized
// independently, over its spatial axes.
package instancenorm

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const (
	// ParamEpsilon is the context parameter that defines the default epsilon added to the variance.
	// The default is 1e-5.
	ParamEpsilon = "instance_norm_epsilon"

	// ParamAffine is the context parameter that defines whether a per-channel gain and offset are learned.
	// The default is true.
	ParamAffine = "instance_norm_affine"

	// ScopeName is the sub-scope created for the variables of the layer.
	ScopeName = "instance_normalization"
)

// Config for an instance normalization. Create it with New, configure it and call Done.
type Config struct {
	ctx         *context.Context
	x           *Node
	featureAxis int
	epsilon     float64
	affine      bool
	newScope    bool
}

// New prepares an instance normalization of x.
//
// featureAxis is the channels axis: mean and variance are computed separately for each example (axis 0)
// and each channel, reducing over all the remaining (spatial) axes. E.g. for an image shaped
// `[batch_size, height, width, channels]` use featureAxis=-1.
//
// Contrary to batch normalization, there are no moving averages: it behaves the same during training and
// inference.
//
// Based on "Instance Normalization: The Missing Ingredient for Fast Stylization" (Ulyanov, Vedaldi,
// Lempitsky), https://arxiv.org/abs/1607.08022.
func New(ctx *context.Context, x *Node, featureAxis int) *Config {
	return &Config{
		ctx:         ctx,
		x:           x,
		featureAxis: featureAxis,
		epsilon:     context.GetParamOr(ctx, ParamEpsilon, 1e-5),
		affine:      context.GetParamOr(ctx, ParamAffine, true),
		newScope:    true,
	}
}

// Epsilon is a small float added to variance to avoid dividing by zero.
// It defaults to the value of ParamEpsilon.
func (builder *Config) Epsilon(value float64) *Config {
	builder.epsilon = value
	return builder
}

// Affine defines whether a learned per-channel gain (initialized to 1) and offset (initialized to 0) are
// applied to the normalized values. It defaults to the value of ParamAffine.
func (builder *Config) Affine(value bool) *Config {
	builder.affine = value
	return builder
}

// CurrentScope configures New not to create the ScopeName sub-scope for its variables.
func (builder *Config) CurrentScope() *Config {
	builder.newScope = false
	return builder
}

// Done generates the normalization graph and returns the normalized x, with the same shape as x.
func (builder *Config) Done() *Node {
	x := builder.x
	g := x.Graph()
	if x.Rank() < 3 {
		Panicf("instancenorm requires x with rank >= 3 ([batch, <spatial...>, channels] or similar), got x.shape=%s",
			x.Shape())
	}
	featureAxis := AdjustAxisToOperandRank(x, builder.featureAxis)
	if featureAxis == 0 {
		Panicf("instancenorm featureAxis can't be the batch axis 0, x.shape=%s", x.Shape())
	}
	spatialAxes := make([]int, 0, x.Rank()-2)
	for axis := 1; axis < x.Rank(); axis++ {
		if axis != featureAxis {
			spatialAxes = append(spatialAxes, axis)
		}
	}

	mean := ReduceAndKeep(x, ReduceMean, spatialAxes...)
	centered := Sub(x, mean)
	variance := ReduceAndKeep(Square(centered), ReduceMean, spatialAxes...)
	normalized := Div(centered, Sqrt(AddScalar(variance, builder.epsilon)))
	if !builder.affine {
		return normalized
	}

	ctx := builder.ctx
	if builder.newScope {
		ctx = ctx.In(ScopeName)
	}
	numChannels := x.Shape().Dimensions[featureAxis]
	varShape := shapes.Make(x.DType(), numChannels)
	broadcastDims := make([]int, x.Rank())
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[featureAxis] = numChannels
	gain := ctx.WithInitializer(initializers.One).VariableWithShape("gain", varShape).SetTrainable(true).ValueGraph(g)
	offset := ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape).SetTrainable(true).ValueGraph(g)
	normalized = Mul(normalized, Reshape(gain, broadcastDims...))
	return Add(normalized, Reshape(offset, broadcastDims...))
}
