// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package osanet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/osanet/pkg/ml/layers/convtranspose"
	"github.com/gomlx/osanet/pkg/ml/layers/instancenorm"
)

// BasicConv is a 2D convolution followed by an optional (affine) instance normalization and a ReLU.
//
// x is shaped `[batch, height, width, inChannels]`. The convolution has stride 1 and `padding` zeros added on
// each side of both spatial axes, so the output spatial size is `in + 2*padding - kernelSize + 1`.
// The convolution bias is only used when normalize is false.
func BasicConv(ctx *context.Context, x *Node, channels, kernelSize, padding int, normalize bool) *Node {
	if padding < 0 {
		Panicf("BasicConv padding must be >= 0, got %d", padding)
	}
	samePadding := 2*padding == kernelSize-1
	if !samePadding && padding > 0 {
		x = padSpatial(x, padding)
	}
	conv := layers.Convolution(ctx, x).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(1).
		UseBias(!normalize)
	if samePadding {
		conv.PadSame()
	} else {
		conv.NoPadding()
	}
	output := conv.Done()
	if normalize {
		output = instancenorm.New(ctx, output, -1).Affine(true).Done()
	}
	return activations.Relu(output)
}

// padSpatial pads the height and width axes of a channels-last image with `padding` zeros on each side.
func padSpatial(x *Node, padding int) *Node {
	return Pad(x, ScalarZero(x.Graph(), x.DType()),
		PadAxis{},
		PadAxis{Start: padding, End: padding},
		PadAxis{Start: padding, End: padding},
		PadAxis{})
}

// BasicDeconv is a 2D transposed convolution followed by an optional (affine) instance normalization
// and a ReLU.
//
// x is shaped `[batch, height, width, inChannels]`, and the output spatial size is
// `(in-1)*stride + kernelSize`. With kernelSize == stride == 2 it exactly doubles the spatial dimensions.
func BasicDeconv(ctx *context.Context, x *Node, channels, kernelSize, stride int, normalize bool) *Node {
	output := convtranspose.New(ctx, x).
		Channels(channels).
		KernelSize(kernelSize).
		Strides(stride).
		UseBias(!normalize).
		Done()
	if normalize {
		output = instancenorm.New(ctx, output, -1).Affine(true).Done()
	}
	return activations.Relu(output)
}
