// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package osanet

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// BranchKernelSizes are the kernel sizes of the branches of a scale-aware module, in the order their outputs
// are concatenated.
var BranchKernelSizes = []int{1, 3, 5, 7}

func branchChannels(channels int) int {
	if channels <= 0 || channels%len(BranchKernelSizes) != 0 {
		Panicf("scale-aware module output channels must be a positive multiple of %d, got %d",
			len(BranchKernelSizes), channels)
	}
	return channels / len(BranchKernelSizes)
}

// concatBranches checks that all branches have the same batch and spatial dimensions and concatenates them
// along the channels axis.
func concatBranches(branches []*Node) *Node {
	first := branches[0]
	for ii, branch := range branches[1:] {
		for axis := range first.Rank() - 1 {
			if branch.Shape().Dimensions[axis] != first.Shape().Dimensions[axis] {
				Panicf("scale-aware branch #%d has shape %s, incompatible with branch #0 shape %s",
					ii+1, branch.Shape(), first.Shape())
			}
		}
	}
	return Concatenate(branches, -1)
}

// ScaleAwareHead is the first scale-aware module: four parallel BasicConv branches with kernel sizes 1, 3, 5
// and 7 ("same" padding), each producing channels/4 channels, concatenated along the channels axis.
//
// x is shaped `[batch, height, width, inChannels]` and the output `[batch, height, width, channels]`.
// It panics if channels is not a multiple of 4.
func ScaleAwareHead(ctx *context.Context, x *Node, channels int, normalize bool) *Node {
	b := branchChannels(channels)
	branches := make([]*Node, 0, len(BranchKernelSizes))
	for _, k := range BranchKernelSizes {
		branches = append(branches, BasicConv(ctx.Inf("branch_%dx%d", k, k), x, b, k, k/2, normalize))
	}
	return concatBranches(branches)
}

// ScaleAware is a deeper scale-aware module. With b = channels/4, its branches are:
//
//   - 1x1: BasicConv to b channels.
//   - kxk for k in 3, 5, 7: BasicConv 1x1 to 2b channels, BasicConv kxk ("same" padding) to b channels,
//     and a PreActBlock(b → b, stride 1).
//
// The branches are concatenated along the channels axis in the order 1, 3, 5, 7.
// x is shaped `[batch, height, width, inChannels]` and the output `[batch, height, width, channels]`.
// It panics if channels is not a multiple of 4.
func ScaleAware(ctx *context.Context, x *Node, channels int, normalize bool) *Node {
	b := branchChannels(channels)
	branches := make([]*Node, 0, len(BranchKernelSizes))
	for _, k := range BranchKernelSizes {
		branchCtx := ctx.Inf("branch_%dx%d", k, k)
		if k == 1 {
			branches = append(branches, BasicConv(branchCtx, x, b, 1, 0, normalize))
			continue
		}
		branch := BasicConv(branchCtx.In("reduce"), x, 2*b, 1, 0, normalize)
		branch = BasicConv(branchCtx.In("spatial"), branch, b, k, k/2, normalize)
		branch = PreActBlock(branchCtx.In("preact"), branch, b, 1)
		branches = append(branches, branch)
	}
	return concatBranches(branches)
}
