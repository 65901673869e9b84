package crowdcount

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig has no normalization, so pixels are only scaled to [0, 1].
func testConfig() Config {
	return Config{DensityScale: 100, Mean: []float64{0, 0, 0}, Std: []float64{1, 1, 1}}
}

// solidImage creates a width x height image with the given color.
func solidImage(width, height int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// writeDensityCSV writes a density map with value 0.01 at every pixel.
func writeDensityCSV(t *testing.T, filePath string, width, height int) {
	var sb strings.Builder
	for range height {
		cells := make([]string, width)
		for x := range cells {
			cells[x] = "0.01"
		}
		sb.WriteString(strings.Join(cells, ","))
		sb.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(filePath, []byte(sb.String()), 0644))
}

// writeTestSplit writes to dataDir a split with numImages images of different sizes: image ii is
// (20+4*ii)x(18+8*ii).
func writeTestSplit(t *testing.T, dataDir, split string, numImages int) {
	imgDir := filepath.Join(dataDir, split, "img")
	denDir := filepath.Join(dataDir, split, "den")
	require.NoError(t, os.MkdirAll(imgDir, 0755))
	require.NoError(t, os.MkdirAll(denDir, 0755))
	for ii := range numImages {
		width, height := 20+4*ii, 18+8*ii
		name := fmt.Sprintf("IMG_%d", ii+1)
		img := solidImage(width, height, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(imgDir, name+".png")))
		writeDensityCSV(t, filepath.Join(denDir, name+".csv"), width, height)
	}
	// Files that are not images are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(imgDir, "README.txt"), []byte("ignore me"), 0644))
}

// createTestDataset creates a temporary dataset directory with one split.
func createTestDataset(t *testing.T, split string, numImages int) string {
	dataDir := t.TempDir()
	writeTestSplit(t, dataDir, split, numImages)
	return dataDir
}

func TestNewSample(t *testing.T) {
	img := solidImage(21, 17, color.NRGBA{R: 255, G: 0, B: 51, A: 255})

	t.Run("Color", func(t *testing.T) {
		s, err := NewSample("x.png", img, testConfig())
		require.NoError(t, err)
		assert.Equal(t, 16, s.Height)
		assert.Equal(t, 16, s.Width)
		assert.Equal(t, 3, s.Channels)
		require.Len(t, s.Pixels, 16*16*3)
		assert.InDelta(t, 1.0, s.Pixels[0], 1e-6)
		assert.InDelta(t, 0.0, s.Pixels[1], 1e-6)
		assert.InDelta(t, 0.2, s.Pixels[2], 1e-6)
		assert.False(t, s.HasDensity())
	})

	t.Run("Normalized", func(t *testing.T) {
		cfg := testConfig()
		cfg.Mean = []float64{0.5, 0.5, 0.5}
		cfg.Std = []float64{0.5, 0.25, 0.5}
		s, err := NewSample("x.png", img, cfg)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, s.Pixels[0], 1e-6)
		assert.InDelta(t, -2.0, s.Pixels[1], 1e-6)
		assert.InDelta(t, -0.6, s.Pixels[2], 1e-6)
	})

	t.Run("Gray", func(t *testing.T) {
		cfg := testConfig()
		cfg.Gray = true
		s, err := NewSample("x.png", img, cfg)
		require.NoError(t, err)
		assert.Equal(t, 1, s.Channels)
		require.Len(t, s.Pixels, 16*16)
		for _, v := range s.Pixels {
			require.Greater(t, v, float32(0))
			require.Less(t, v, float32(1))
		}
	})

	t.Run("TooSmall", func(t *testing.T) {
		_, err := NewSample("tiny.png", solidImage(7, 30, color.NRGBA{A: 255}), testConfig())
		require.Error(t, err)
	})
}

func TestParseDensityCSV(t *testing.T) {
	density, err := parseDensityCSV(strings.NewReader("0,0.5,1\n1.5,2,2.5\n"), "test")
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 0.5, 1}, {1.5, 2, 2.5}}, density)

	_, err = parseDensityCSV(strings.NewReader(""), "empty")
	require.Error(t, err)
}

func TestLoadSplit(t *testing.T) {
	dataDir := createTestDataset(t, TrainSplit, 3)
	samples, err := LoadSplit(dataDir, TrainSplit, testConfig())
	require.NoError(t, err)
	require.Len(t, samples, 3)
	for ii, s := range samples {
		width, height := 20+4*ii, 18+8*ii
		assert.Equal(t, fmt.Sprintf("IMG_%d.png", ii+1), s.Name)
		assert.Equal(t, height/8*8, s.Height)
		assert.Equal(t, width/8*8, s.Width)
		require.True(t, s.HasDensity())
		// Count is computed over the cropped density map, unscaled.
		assert.InDelta(t, 0.01*float64(s.Height*s.Width), s.Count, 1e-6)
		assert.InDelta(t, 1.0, s.Density[0], 1e-6)
	}

	_, err = LoadSplit(dataDir, TestSplit, testConfig())
	require.Error(t, err)

	// Missing density map.
	require.NoError(t, os.Remove(filepath.Join(dataDir, TrainSplit, "den", "IMG_2.csv")))
	_, err = LoadSplit(dataDir, TrainSplit, testConfig())
	require.Error(t, err)
}

func TestTrainDataset(t *testing.T) {
	dataDir := createTestDataset(t, TrainSplit, 3)
	samples, err := LoadSplit(dataDir, TrainSplit, testConfig())
	require.NoError(t, err)

	// Crop is limited to the smallest image (16x16) and rounded down to multiples of 8.
	ds, err := NewTrainDataset(samples, 5, 100, 13, 42)
	require.NoError(t, err)
	cropH, cropW := ds.CropSize()
	assert.Equal(t, 16, cropH)
	assert.Equal(t, 8, cropW)
	for range 3 {
		spec, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		assert.Equal(t, ds, spec)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		require.NoError(t, inputs[0].Shape().Check(dtypes.F32, 5, 16, 8, 3))
		require.NoError(t, labels[0].Shape().Check(dtypes.F32, 5, 16, 8, 1))
		for _, v := range tensors.MustCopyFlatData[float32](labels[0]) {
			require.InDelta(t, 1.0, v, 1e-6)
		}
	}

	_, err = NewTrainDataset(nil, 5, 16, 16, 0)
	require.Error(t, err)
	_, err = NewTrainDataset(samples, 0, 16, 16, 0)
	require.Error(t, err)
	_, err = NewTrainDataset(samples, 1, 4, 16, 0)
	require.Error(t, err)
}

func TestSampleCropFlip(t *testing.T) {
	s := &Sample{Name: "grid", Height: 2, Width: 3, Channels: 1,
		Pixels:  []float32{0, 1, 2, 3, 4, 5},
		Density: []float32{10, 11, 12, 13, 14, 15}}
	pixels, density := make([]float32, 4), make([]float32, 4)
	s.crop(0, 1, 2, 2, false, pixels, density)
	assert.Equal(t, []float32{1, 2, 4, 5}, pixels)
	assert.Equal(t, []float32{11, 12, 14, 15}, density)
	s.crop(0, 1, 2, 2, true, pixels, density)
	assert.Equal(t, []float32{2, 1, 5, 4}, pixels)
	assert.Equal(t, []float32{12, 11, 15, 14}, density)
}

func TestEvalDataset(t *testing.T) {
	dataDir := createTestDataset(t, TestSplit, 2)
	samples, err := LoadSplit(dataDir, TestSplit, testConfig())
	require.NoError(t, err)
	// Samples are 16x16 and 24x24: crops are limited to the smallest one.
	ds, err := NewEvalDataset("test-eval", samples, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, "test-eval", ds.Name())
	cropH, cropW := ds.CropSize()
	assert.Equal(t, []int{16, 16}, []int{cropH, cropW})

	for epoch := range 2 {
		for ii := range samples {
			_, inputs, labels, err := ds.Yield()
			require.NoError(t, err, "epoch %d, example %d", epoch, ii)
			require.NoError(t, inputs[0].Shape().Check(dtypes.F32, 1, 16, 16, 3))
			require.NoError(t, labels[0].Shape().Check(dtypes.F32, 1, 16, 16, 1))
		}
		_, _, _, err = ds.Yield()
		require.ErrorIs(t, err, io.EOF)
		ds.Reset()
	}

	ds, err = NewEvalDataset("rounded", samples, 12, 9)
	require.NoError(t, err)
	cropH, cropW = ds.CropSize()
	assert.Equal(t, []int{8, 8}, []int{cropH, cropW})

	_, err = NewEvalDataset("empty", nil, 8, 8)
	require.Error(t, err)
	_, err = NewEvalDataset("no-density", []*Sample{{Name: "a", Height: 8, Width: 8}}, 8, 8)
	require.Error(t, err)
	_, err = NewEvalDataset("too-small", samples, 7, 8)
	require.Error(t, err)
}

func TestEvalDatasetCenterCrop(t *testing.T) {
	s := &Sample{Name: "tall", Height: 16, Width: 8, Channels: 1,
		Pixels: make([]float32, 16*8), Density: make([]float32, 16*8)}
	for ii := range s.Pixels {
		s.Pixels[ii] = float32(ii)
		s.Density[ii] = float32(1000 + ii)
	}
	ds, err := NewEvalDataset("center", []*Sample{s}, 8, 8)
	require.NoError(t, err)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.NoError(t, inputs[0].Shape().Check(dtypes.F32, 1, 8, 8, 1))
	// Rows 4 to 11 of the sample.
	pixels := tensors.MustCopyFlatData[float32](inputs[0])
	assert.Equal(t, float32(4*8), pixels[0])
	assert.Equal(t, float32(12*8-1), pixels[len(pixels)-1])
	density := tensors.MustCopyFlatData[float32](labels[0])
	assert.Equal(t, float32(1000+4*8), density[0])
}
