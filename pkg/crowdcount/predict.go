// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crowdcount

import (
	"fmt"
	"image"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/osanet/pkg/models/osanet"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Predictor estimates density maps and counts of images with a trained model.
// It is safe for concurrent use.
type Predictor struct {
	cfg  Config
	mu   sync.Mutex
	exec *context.Exec
}

// NewPredictor creates a Predictor using the model variables and hyperparameters in ctx: usually loaded from
// a checkpoint, see LoadPredictor.
func NewPredictor(backend backends.Backend, ctx *context.Context) (*Predictor, error) {
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return nil, err
	}
	ctx = ctx.In(ModelScope).Reuse()
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return osanet.ModelGraph(ctx, nil, []*Node{x})[0]
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create model executor")
	}
	exec.SetMaxCache(-1) // One graph per image size.
	return &Predictor{cfg: cfg, exec: exec}, nil
}

// LoadPredictor creates a new context, loads the latest checkpoint from checkpointDir and returns a Predictor
// for it.
func LoadPredictor(backend backends.Backend, checkpointDir string) (*Predictor, error) {
	checkpointDir, err := fsutil.ReplaceTildeInDir(checkpointDir)
	if err != nil {
		return nil, err
	}
	if !fsutil.MustFileExists(checkpointDir) {
		return nil, errors.Errorf("checkpoint directory %q doesn't exist", checkpointDir)
	}
	ctx := context.New()
	checkpoint, err := checkpoints.Build(ctx).Dir(checkpointDir).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", checkpointDir)
	}
	hasCheckpoints, err := checkpoint.HasCheckpoints()
	if err != nil {
		return nil, err
	}
	if !hasCheckpoints {
		return nil, errors.Errorf("no checkpoints found in %q", checkpointDir)
	}
	return NewPredictor(backend, ctx)
}

// Config returns the preprocessing configuration used by the Predictor.
func (p *Predictor) Config() Config { return p.cfg }

// Prediction holds the output of the model for one image.
type Prediction struct {
	// Density is the estimated density map, rescaled to people per pixel, indexed as Density[y][x].
	// Its dimensions are the image dimensions rounded down to multiples of osanet.DownsampleFactor.
	Density [][]float32

	// Count is the estimated number of people: the sum of Density.
	Count float64
}

// Predict runs the model on the image.
func (p *Predictor) Predict(img image.Image) (*Prediction, error) {
	sample, err := NewSample("", img, p.cfg)
	if err != nil {
		return nil, err
	}
	return p.PredictSample(sample)
}

// PredictSample runs the model on an already preprocessed sample.
func (p *Predictor) PredictSample(sample *Sample) (*Prediction, error) {
	if sample.Channels != p.cfg.Channels() {
		return nil, errors.Errorf("sample %q has %d channels, the model takes %d",
			sample.Name, sample.Channels, p.cfg.Channels())
	}
	p.mu.Lock()
	outputT, err := p.exec.Exec1(sample.ImageTensor())
	p.mu.Unlock()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to run the model on %q", sample.Name)
	}
	flat := tensors.MustCopyFlatData[float32](outputT)
	outputT.MustFinalizeAll()
	return newPrediction(flat, sample.Height, sample.Width, p.cfg.DensityScale), nil
}

func newPrediction(flat []float32, height, width int, densityScale float64) *Prediction {
	pred := &Prediction{Density: make([][]float32, height)}
	scale := float32(1.0 / densityScale)
	var sum float64
	for y := range height {
		row := flat[y*width : (y+1)*width]
		pred.Density[y] = make([]float32, width)
		for x, v := range row {
			pred.Density[y][x] = v * scale
			sum += float64(v)
		}
	}
	pred.Count = sum / densityScale
	return pred
}

// EvaluateCounts runs the model on the full images of samples, and returns the mean absolute error (MAE) and
// the root mean squared error (RMSE) of the predicted counts. All samples must have a density map.
func EvaluateCounts(p *Predictor, samples []*Sample) (mae, rmse float64, err error) {
	if len(samples) == 0 {
		return 0, 0, errors.New("EvaluateCounts requires at least one sample")
	}
	for _, sample := range samples {
		if !sample.HasDensity() {
			return 0, 0, errors.Errorf("sample %q has no density map", sample.Name)
		}
		pred, err := p.PredictSample(sample)
		if err != nil {
			return 0, 0, err
		}
		diff := pred.Count - sample.Count
		mae += math.Abs(diff)
		rmse += diff * diff
	}
	n := float64(len(samples))
	return mae / n, math.Sqrt(rmse / n), nil
}

// GroundTruthPath returns where the density map of imagePath is expected, following the dataset layout:
// "<split>/img/<name>.jpg" has its density map in "<split>/den/<name>.csv".
func GroundTruthPath(imagePath string) string {
	base := filepath.Base(imagePath)
	splitDir := filepath.Dir(filepath.Dir(imagePath))
	return filepath.Join(splitDir, "den", strings.TrimSuffix(base, filepath.Ext(base))+".csv")
}

// PredictFiles reads and runs the model on each image file, calling fn (if not nil) with each prediction.
// It returns one CountRow per image: the ground truth is set if the image has a density map (see
// GroundTruthPath), and NaN otherwise.
func PredictFiles(p *Predictor, imagePaths []string, fn func(imagePath string, pred *Prediction) error) ([]CountRow, error) {
	rows := make([]CountRow, 0, len(imagePaths))
	pbar := progressbar.Default(int64(len(imagePaths)), fmt.Sprintf("Counting %d images", len(imagePaths)))
	for _, imagePath := range imagePaths {
		img, err := imaging.Open(imagePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read image %q", imagePath)
		}
		sample, err := NewSample(filepath.Base(imagePath), img, p.cfg)
		if err != nil {
			return nil, err
		}
		row := CountRow{Image: imagePath, GroundTruth: math.NaN()}
		densityPath := GroundTruthPath(imagePath)
		hasDensity, err := fsutil.FileExists(densityPath)
		if err != nil {
			return nil, err
		}
		if hasDensity {
			density, err := ReadDensityCSV(densityPath)
			if err != nil {
				return nil, err
			}
			if err = sample.setDensity(density, p.cfg.DensityScale); err != nil {
				return nil, err
			}
			row.GroundTruth = sample.Count
		}
		pred, err := p.PredictSample(sample)
		if err != nil {
			return nil, err
		}
		row.Count = pred.Count
		if fn != nil {
			if err = fn(imagePath, pred); err != nil {
				return nil, err
			}
		}
		rows = append(rows, row)
		_ = pbar.Add(1)
	}
	_ = pbar.Finish()
	return rows, nil
}
