// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package osanet

import (
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const (
	// ParamGrayInput is the context hyperparameter that selects single channel (gray) input images.
	// Default is false: 3 channels (RGB).
	ParamGrayInput = "osanet_gray_input"

	// ParamNormalize is the context hyperparameter that enables instance normalization in the
	// BasicConv and BasicDeconv blocks. Default is true.
	ParamNormalize = "osanet_normalize"

	// ParamInitStddev is the standard deviation of the normal distribution used to initialize the
	// convolution kernels. Default is 0.01.
	ParamInitStddev = "osanet_init_stddev"

	// ParamSEReduction is the channel reduction ratio of the squeeze-and-excitation gate in PreActBlock.
	// Default is 16.
	ParamSEReduction = "osanet_se_reduction"
)

// DefaultParams returns the hyperparameters used by the network with their default values.
// Use ctx.SetParams(osanet.DefaultParams()) to make them visible (e.g.: to the command line `-set` flag).
func DefaultParams() map[string]any {
	return map[string]any{
		ParamGrayInput:   false,
		ParamNormalize:   true,
		ParamInitStddev:  0.01,
		ParamSEReduction: 16,
	}
}

// Initializer returns the variable initializer used by the network: kernels (float variables with
// rank >= 2) are sampled from a normal distribution with mean 0 and the given stddev, biases and other
// vectors, scalars or integer variables are set to zero.
//
// Normalization layers create their gain/scale and offset variables with their own initializers (1 and 0).
func Initializer(ctx *context.Context, stddev float64) context.VariableInitializer {
	normal := initializers.RandomNormalFn(ctx, stddev)
	return func(g *graph.Graph, shape shapes.Shape) *graph.Node {
		if shape.Rank() <= 1 || !shape.DType.IsFloat() {
			return graph.Zeros(g, shape)
		}
		return normal(g, shape)
	}
}
