// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package osanet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/osanet/pkg/ml/layers/squeezeexcite"
)

// Batch normalization settings: running averages are updated with factor 0.1.
const (
	batchNormMomentum = 0.9
	batchNormEpsilon  = 1e-5
)

func preActNorm(ctx *context.Context, x *Node) *Node {
	x = batchnorm.New(ctx, x, -1).
		Momentum(batchNormMomentum).
		Epsilon(batchNormEpsilon).
		Done()
	return activations.Relu(x)
}

// PreActBlock is a pre-activation residual block with a squeeze-and-excitation gate on the residual branch.
//
// x is shaped `[batch, height, width, inChannels]`:
//
//	a = relu(batchnorm(x))
//	y = conv3x3(relu(batchnorm(conv3x3(a, stride))))
//	y = squeezeExcite(y)
//	output = y + shortcut
//
// The shortcut is a 1x1 convolution with the given stride applied on the pre-activated input `a` if the number
// of channels or the spatial size changes, otherwise it is x itself.
// The convolutions have no bias. The output is shaped `[batch, ceil(height/stride), ceil(width/stride), outChannels]`.
func PreActBlock(ctx *context.Context, x *Node, outChannels, stride int) *Node {
	inChannels := x.Shape().Dimensions[x.Rank()-1]
	activated := preActNorm(ctx.In("bn1"), x)

	shortcut := x
	if inChannels != outChannels || stride != 1 {
		shortcut = layers.Convolution(ctx.In("shortcut"), activated).
			Channels(outChannels).
			KernelSize(1).
			Strides(stride).
			NoPadding().
			UseBias(false).
			Done()
	}

	y := layers.Convolution(ctx.In("conv1"), activated).
		Channels(outChannels).
		KernelSize(3).
		Strides(stride).
		PadSame().
		UseBias(false).
		Done()
	y = preActNorm(ctx.In("bn2"), y)
	y = layers.Convolution(ctx.In("conv2"), y).
		Channels(outChannels).
		KernelSize(3).
		Strides(1).
		PadSame().
		UseBias(false).
		Done()
	y = squeezeexcite.New(ctx, y).
		Reduction(context.GetParamOr(ctx, ParamSEReduction, 16)).
		Done()
	shortcut.AssertDims(y.Shape().Dimensions...)
	return Add(y, shortcut)
}
