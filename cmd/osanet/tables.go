// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/osanet/pkg/crowdcount"
	"github.com/gomlx/osanet/pkg/models/osanet"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = evenRowStyle
			} else {
				s = oddRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			} else {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

// blockStats accumulates the size of the variables of one block of the model.
type blockStats struct {
	numVars, numParams int
	memory             uintptr
}

// blockName returns the first two scope levels under the model scope, e.g. "encoder/scale_aware_1".
func blockName(scope string) string {
	parts := strings.Split(strings.Trim(scope, context.ScopeSeparator), context.ScopeSeparator)
	if len(parts) > 0 && parts[0] == crowdcount.ModelScope {
		parts = parts[1:]
	}
	parts = parts[:min(len(parts), 2)]
	if len(parts) == 0 {
		return context.RootScope
	}
	return strings.Join(parts, context.ScopeSeparator)
}

// buildModel creates the model variables by running the model once on a zero image.
func buildModel(ctx *context.Context) error {
	backend, err := backends.New()
	if err != nil {
		return err
	}
	channels := 3
	if context.GetParamOr(ctx, osanet.ParamGrayInput, false) {
		channels = 1
	}
	size := 2 * osanet.DownsampleFactor
	zeros := tensors.FromFlatDataAndDimensions(make([]float32, size*size*channels), 1, size, size, channels)
	return exceptions.TryCatch[error](func() {
		_ = context.MustExecOnce(backend, ctx.In(crowdcount.ModelScope), func(ctx *context.Context, x *Node) *Node {
			return osanet.ModelGraph(ctx, nil, []*Node{x})[0]
		}, zeros)
	})
}

// printSummary prints the number of parameters of each block of the model, followed by the totals.
func printSummary(ctx *context.Context) error {
	if err := buildModel(ctx); err != nil {
		return err
	}
	stats := make(map[string]*blockStats)
	var blocks []string
	var total blockStats
	ctx.InAbsPath(context.RootScope+crowdcount.ModelScope).EnumerateVariablesInScope(func(v *context.Variable) {
		name := blockName(v.Scope())
		block, found := stats[name]
		if !found {
			block = &blockStats{}
			stats[name] = block
			blocks = append(blocks, name)
		}
		for _, s := range []*blockStats{block, &total} {
			s.numVars++
			s.numParams += v.Shape().Size()
			s.memory += v.Shape().Memory()
		}
	})
	slices.Sort(blocks)

	fmt.Println(titleStyle.Render("OSA-Net"))
	table := newPlainTable(true).Headers("Block", "# variables", "# parameters", "Bytes")
	for _, name := range blocks {
		block := stats[name]
		table.Row(name, humanize.Comma(int64(block.numVars)), humanize.Comma(int64(block.numParams)),
			humanize.Bytes(uint64(block.memory)))
	}
	table.Row("Total", humanize.Comma(int64(total.numVars)), humanize.Comma(int64(total.numParams)),
		humanize.Bytes(uint64(total.memory)))
	fmt.Println(table.Render())
	return nil
}

// printCounts prints the estimated counts, and the ground truth when known.
func printCounts(rows []crowdcount.CountRow) {
	fmt.Println(titleStyle.Render("Counts"))
	table := newPlainTable(true).Headers("Image", "Count", "Ground truth")
	for _, row := range rows {
		truth := "-"
		if !math.IsNaN(row.GroundTruth) {
			truth = humanize.CommafWithDigits(row.GroundTruth, 1)
		}
		table.Row(row.Image, humanize.CommafWithDigits(row.Count, 1), truth)
	}
	fmt.Println(table.Render())
}
