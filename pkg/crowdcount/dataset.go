// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crowdcount

import (
	"fmt"
	"image"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/osanet/pkg/models/osanet"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Sample is one preprocessed image, with its density map if available.
type Sample struct {
	// Name of the image file, without the directory.
	Name string

	Height, Width, Channels int

	// Pixels holds the normalized image, shaped [Height, Width, Channels].
	Pixels []float32

	// Density holds the ground-truth density map multiplied by Config.DensityScale, shaped [Height, Width].
	// It is nil if there is no ground truth.
	Density []float32

	// Count is the ground-truth number of people: the sum of the density map before scaling.
	Count float64
}

// HasDensity returns whether the sample has a ground-truth density map.
func (s *Sample) HasDensity() bool { return s.Density != nil }

// imageExtensions accepted in the "img" directory of a split.
var imageExtensions = []string{".jpg", ".jpeg", ".png"}

func isImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, imgExt := range imageExtensions {
		if ext == imgExt {
			return true
		}
	}
	return false
}

// roundDown returns x rounded down to a multiple of osanet.DownsampleFactor.
func roundDown(x int) int {
	return x / osanet.DownsampleFactor * osanet.DownsampleFactor
}

// NewSample preprocesses the image: it is cropped (from the top-left corner) to dimensions that are multiples of
// osanet.DownsampleFactor, optionally converted to gray, scaled to [0, 1] and normalized with the configured
// per-channel mean and std.
//
// The returned sample has no density map.
func NewSample(name string, img image.Image, cfg Config) (*Sample, error) {
	bounds := img.Bounds()
	height, width := roundDown(bounds.Dy()), roundDown(bounds.Dx())
	if height == 0 || width == 0 {
		return nil, errors.Errorf("image %q is too small (%dx%d), it must be at least %dx%d",
			name, bounds.Dx(), bounds.Dy(), osanet.DownsampleFactor, osanet.DownsampleFactor)
	}
	cropped := imaging.Crop(img, image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+width, bounds.Min.Y+height))
	if cfg.Gray {
		cropped = imaging.Grayscale(cropped)
	}
	mean, std := cfg.normalization()
	channels := cfg.Channels()
	s := &Sample{
		Name:     name,
		Height:   height,
		Width:    width,
		Channels: channels,
		Pixels:   make([]float32, height*width*channels),
	}
	for y := range height {
		row := cropped.Pix[y*cropped.Stride:]
		for x := range width {
			for c := range channels {
				value := float32(row[x*4+c]) / 255.0
				s.Pixels[(y*width+x)*channels+c] = (value - mean[c]) / std[c]
			}
		}
	}
	return s, nil
}

// setDensity crops the density map to the sample dimensions and scales it.
func (s *Sample) setDensity(density [][]float64, scale float64) error {
	if len(density) < s.Height || len(density[0]) < s.Width {
		return errors.Errorf("density map for %q is %dx%d, smaller than the image (cropped to %dx%d)",
			s.Name, len(density[0]), len(density), s.Width, s.Height)
	}
	s.Density = make([]float32, s.Height*s.Width)
	var count float64
	for y := range s.Height {
		for x := range s.Width {
			value := density[y][x]
			count += value
			s.Density[y*s.Width+x] = float32(value * scale)
		}
	}
	s.Count = count
	return nil
}

// ReadDensityCSV reads a density map stored as CSV: one row per image row, no header.
func ReadDensityCSV(filePath string) ([][]float64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open density map %q", filePath)
	}
	defer func() { _ = f.Close() }()
	return parseDensityCSV(f, filePath)
}

func parseDensityCSV(r io.Reader, name string) ([][]float64, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(false),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.Float))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "failed to parse density map %q", name)
	}
	numRows, numCols := df.Nrow(), df.Ncol()
	if numRows == 0 || numCols == 0 {
		return nil, errors.Errorf("density map %q is empty", name)
	}
	density := make([][]float64, numRows)
	for row := range numRows {
		density[row] = make([]float64, numCols)
		for col := range numCols {
			density[row][col] = df.Elem(row, col).Float()
		}
	}
	return density, nil
}

// LoadSplit reads and preprocesses all images of the given split (e.g. TrainSplit or TestSplit) of the dataset
// in dataDir, along with their density maps. See package documentation for the expected layout.
func LoadSplit(dataDir, split string, cfg Config) ([]*Sample, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return nil, err
	}
	imgDir := filepath.Join(dataDir, split, "img")
	denDir := filepath.Join(dataDir, split, "den")
	entries, err := os.ReadDir(imgDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images of split %q", split)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && isImageFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, errors.Errorf("no images found in %q", imgDir)
	}

	samples := make([]*Sample, 0, len(names))
	pbar := progressbar.Default(int64(len(names)), fmt.Sprintf("Loading %q", split))
	for _, name := range names {
		img, err := imaging.Open(filepath.Join(imgDir, name))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read image %q", name)
		}
		sample, err := NewSample(name, img, cfg)
		if err != nil {
			return nil, err
		}
		densityPath := filepath.Join(denDir, strings.TrimSuffix(name, filepath.Ext(name))+".csv")
		density, err := ReadDensityCSV(densityPath)
		if err != nil {
			return nil, err
		}
		if err = sample.setDensity(density, cfg.DensityScale); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
		_ = pbar.Add(1)
	}
	_ = pbar.Finish()
	klog.V(1).Infof("loaded %d samples from split %q of %q", len(samples), split, dataDir)
	return samples, nil
}

// TrainDataset implements train.Dataset with random crops (and random horizontal flips) of the samples.
// It loops indefinitely.
type TrainDataset struct {
	name                string
	samples             []*Sample
	batchSize, channels int
	cropH, cropW        int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewTrainDataset creates an infinite dataset yielding batches of batchSize random crops.
//
// The crop dimensions are rounded down to multiples of osanet.DownsampleFactor, and limited to the dimensions
// of the smallest sample. If seed is 0 a random seed is used.
func NewTrainDataset(samples []*Sample, batchSize, cropH, cropW int, seed uint64) (*TrainDataset, error) {
	if len(samples) == 0 {
		return nil, errors.New("NewTrainDataset requires at least one sample")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	cropH, cropW = roundDown(cropH), roundDown(cropW)
	channels := samples[0].Channels
	for _, s := range samples {
		if !s.HasDensity() {
			return nil, errors.Errorf("sample %q has no density map", s.Name)
		}
		if s.Channels != channels {
			return nil, errors.Errorf("sample %q has %d channels, but sample %q has %d",
				s.Name, s.Channels, samples[0].Name, channels)
		}
		cropH, cropW = min(cropH, s.Height), min(cropW, s.Width)
	}
	if cropH <= 0 || cropW <= 0 {
		return nil, errors.Errorf("invalid crop size %dx%d", cropW, cropH)
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &TrainDataset{
		name:      "train",
		samples:   samples,
		batchSize: batchSize,
		channels:  channels,
		cropH:     cropH,
		cropW:     cropW,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Name implements train.Dataset.
func (ds *TrainDataset) Name() string { return ds.name }

// CropSize returns the actual crop dimensions used.
func (ds *TrainDataset) CropSize() (height, width int) { return ds.cropH, ds.cropW }

// Reset implements train.Dataset. It's a no-op, the dataset loops indefinitely.
func (ds *TrainDataset) Reset() {}

// Yield implements train.Dataset. It returns ds as spec, the crops of the images shaped
// `[batchSize, cropH, cropW, channels]` as inputs and the crops of the density maps shaped
// `[batchSize, cropH, cropW, 1]` as labels.
func (ds *TrainDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	spec = ds
	pixels := make([]float32, ds.batchSize*ds.cropH*ds.cropW*ds.channels)
	density := make([]float32, ds.batchSize*ds.cropH*ds.cropW)
	imageSize, densitySize := ds.cropH*ds.cropW*ds.channels, ds.cropH*ds.cropW
	for exampleIdx := range ds.batchSize {
		s := ds.samples[ds.rng.IntN(len(ds.samples))]
		y0 := ds.rng.IntN(s.Height - ds.cropH + 1)
		x0 := ds.rng.IntN(s.Width - ds.cropW + 1)
		flip := ds.rng.IntN(2) == 1
		s.crop(y0, x0, ds.cropH, ds.cropW, flip,
			pixels[exampleIdx*imageSize:(exampleIdx+1)*imageSize],
			density[exampleIdx*densitySize:(exampleIdx+1)*densitySize])
	}
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(pixels, ds.batchSize, ds.cropH, ds.cropW, ds.channels)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(density, ds.batchSize, ds.cropH, ds.cropW, 1)}
	return
}

// crop copies the window starting at (y0, x0) of the sample to pixels and density, optionally flipped
// horizontally.
func (s *Sample) crop(y0, x0, height, width int, flip bool, pixels, density []float32) {
	for y := range height {
		for x := range width {
			srcX := x0 + x
			if flip {
				srcX = x0 + width - 1 - x
			}
			srcIdx := (y0+y)*s.Width + srcX
			dstIdx := y*width + x
			copy(pixels[dstIdx*s.Channels:(dstIdx+1)*s.Channels], s.Pixels[srcIdx*s.Channels:(srcIdx+1)*s.Channels])
			if density != nil {
				density[dstIdx] = s.Density[srcIdx]
			}
		}
	}
}

// EvalDataset implements train.Dataset yielding the center crop of one sample at a time, in order, for one epoch.
// All crops have the same dimensions, so the model is compiled only once for them. Full images of any size
// are evaluated with EvaluateCounts instead.
type EvalDataset struct {
	name         string
	samples      []*Sample
	cropH, cropW int

	mu   sync.Mutex
	next int
}

// NewEvalDataset creates a dataset with the given name, that yields the center crop of each of the samples once,
// as a batch of 1. All samples must have a density map.
//
// The crop dimensions are rounded down to multiples of osanet.DownsampleFactor, and limited to the dimensions
// of the smallest sample. A crop dimension <= 0 selects the dimension of the smallest sample.
func NewEvalDataset(name string, samples []*Sample, cropH, cropW int) (*EvalDataset, error) {
	if len(samples) == 0 {
		return nil, errors.Errorf("dataset %q requires at least one sample", name)
	}
	if cropH <= 0 {
		cropH = samples[0].Height
	}
	if cropW <= 0 {
		cropW = samples[0].Width
	}
	cropH, cropW = roundDown(cropH), roundDown(cropW)
	for _, s := range samples {
		if !s.HasDensity() {
			return nil, errors.Errorf("sample %q of dataset %q has no density map", s.Name, name)
		}
		cropH, cropW = min(cropH, s.Height), min(cropW, s.Width)
	}
	if cropH <= 0 || cropW <= 0 {
		return nil, errors.Errorf("invalid crop size %dx%d for dataset %q", cropW, cropH, name)
	}
	return &EvalDataset{name: name, samples: samples, cropH: cropH, cropW: cropW}, nil
}

// Name implements train.Dataset.
func (ds *EvalDataset) Name() string { return ds.name }

// CropSize returns the actual crop dimensions used.
func (ds *EvalDataset) CropSize() (height, width int) { return ds.cropH, ds.cropW }

// Reset implements train.Dataset, and restarts the epoch.
func (ds *EvalDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
}

// Yield implements train.Dataset. It returns the center crop of the image shaped `[1, cropH, cropW, channels]`
// as input and the crop of its density map shaped `[1, cropH, cropW, 1]` as label. It returns io.EOF at the
// end of the epoch.
func (ds *EvalDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	spec = ds
	if ds.next >= len(ds.samples) {
		err = io.EOF
		return
	}
	s := ds.samples[ds.next]
	ds.next++
	pixels := make([]float32, ds.cropH*ds.cropW*s.Channels)
	density := make([]float32, ds.cropH*ds.cropW)
	s.crop((s.Height-ds.cropH)/2, (s.Width-ds.cropW)/2, ds.cropH, ds.cropW, false, pixels, density)
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(pixels, 1, ds.cropH, ds.cropW, s.Channels)}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(density, 1, ds.cropH, ds.cropW, 1)}
	return
}

// ImageTensor returns the normalized image as a batch of one, shaped `[1, height, width, channels]`.
func (s *Sample) ImageTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(s.Pixels, 1, s.Height, s.Width, s.Channels)
}
