// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crowdcount

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// densityGrid implements plotter.GridXYZ for a density map indexed as density[y][x].
// Rows are flipped, so the first image row is drawn at the top.
type densityGrid [][]float32

func (g densityGrid) Dims() (c, r int) { return len(g[0]), len(g) }
func (g densityGrid) Z(c, r int) float64 { return float64(g[len(g)-1-r][c]) }
func (g densityGrid) X(c int) float64  { return float64(c) }
func (g densityGrid) Y(r int) float64  { return float64(r) }

// maxValue returns the largest density value.
func (g densityGrid) maxValue() float64 {
	var maxV float32
	for _, row := range g {
		for _, v := range row {
			maxV = max(maxV, v)
		}
	}
	return float64(maxV)
}

// HeatMapWidth is the width of the rendered heat maps. The height follows the aspect ratio of the density map.
var HeatMapWidth = 8 * vg.Inch

// RenderHeatMap renders the density map as a heat map, titled with the estimated count, and saves it to
// filePath. The image format is taken from the file extension (e.g. ".png", ".svg").
func RenderHeatMap(density [][]float32, count float64, filePath string) error {
	if len(density) == 0 || len(density[0]) == 0 {
		return errors.Errorf("can't render empty density map to %q", filePath)
	}
	grid := densityGrid(density)
	colors := moreland.SmoothBlueRed()
	colors.SetMin(0)
	colors.SetMax(max(grid.maxValue(), 1e-6))

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Estimated count: %.1f", count)
	p.HideAxes()
	p.Add(plotter.NewHeatMap(grid, colors.Palette(255)))

	cols, rows := grid.Dims()
	height := HeatMapWidth * vg.Length(rows) / vg.Length(cols)
	if err := p.Save(HeatMapWidth, height, filePath); err != nil {
		return errors.Wrapf(err, "failed to save heat map to %q", filePath)
	}
	return nil
}
