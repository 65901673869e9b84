// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package crowdcount trains and runs the OSA-Net density estimation model (see package osanet) on crowd
// counting datasets: images paired with density maps whose sum is the number of people in the image.
//
// Datasets are laid out as:
//
//	<dataDir>/<split>/img/<name>.jpg (or .png)
//	<dataDir>/<split>/den/<name>.csv
//
// Where split is "train" or "test", and each CSV holds the density map of the image with the same base name:
// one row per image row, one column per image column, no header.
package crowdcount

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/osanet/pkg/models/osanet"
	"github.com/pkg/errors"
)

const (
	// ParamDensityScale is the factor applied to the ground-truth density maps before training, and used to
	// convert the predicted density maps back to counts. Default is 100.
	ParamDensityScale = "density_scale"

	// ParamImageMean is the per-channel (RGB) mean used to normalize the images, after they are scaled to [0, 1].
	ParamImageMean = "image_mean"

	// ParamImageStd is the per-channel (RGB) standard deviation used to normalize the images, after they are
	// scaled to [0, 1].
	ParamImageStd = "image_std"

	// ParamCropHeight and ParamCropWidth are the dimensions of the random crops used for training.
	// They are rounded down to a multiple of osanet.DownsampleFactor.
	ParamCropHeight = "crop_height"
	ParamCropWidth  = "crop_width"

	// ParamTrainSeed seeds the random crops and flips of the training dataset. 0 means a random seed.
	ParamTrainSeed = "train_seed"

	// TrainSplit and TestSplit are the names of the sub-directories with the splits of a dataset.
	TrainSplit = "train"
	TestSplit  = "test"
)

var (
	// DefaultImageMean and DefaultImageStd are the normalization statistics of the ShanghaiTech part A images.
	DefaultImageMean = []float64{0.410824894905, 0.370634973049, 0.359682112932}
	DefaultImageStd  = []float64{0.278580576181, 0.26925137639, 0.27156367898}
)

// DefaultParams returns the data hyperparameters (and the ones of osanet.DefaultParams) with their default values.
func DefaultParams() map[string]any {
	params := map[string]any{
		ParamDensityScale: 100.0,
		ParamImageMean:    DefaultImageMean,
		ParamImageStd:     DefaultImageStd,
		ParamCropHeight:   400,
		ParamCropWidth:    400,
		ParamTrainSeed:    0,
	}
	for key, value := range osanet.DefaultParams() {
		params[key] = value
	}
	return params
}

// Config holds the preprocessing configuration shared by the datasets, metrics and predictor.
type Config struct {
	// DensityScale multiplies the ground-truth densities.
	DensityScale float64

	// Mean and Std normalize each RGB channel of the images scaled to [0, 1].
	Mean, Std []float64

	// Gray converts images to a single channel, normalized with the average of Mean and Std.
	Gray bool
}

// ConfigFromContext reads the preprocessing configuration from the context hyperparameters.
func ConfigFromContext(ctx *context.Context) (Config, error) {
	cfg := Config{
		DensityScale: context.GetParamOr(ctx, ParamDensityScale, 100.0),
		Mean:         context.GetParamOr(ctx, ParamImageMean, DefaultImageMean),
		Std:          context.GetParamOr(ctx, ParamImageStd, DefaultImageStd),
		Gray:         context.GetParamOr(ctx, osanet.ParamGrayInput, false),
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration values.
func (cfg Config) Validate() error {
	if cfg.DensityScale <= 0 {
		return errors.Errorf("%s must be > 0, got %g", ParamDensityScale, cfg.DensityScale)
	}
	if len(cfg.Mean) != 3 || len(cfg.Std) != 3 {
		return errors.Errorf("%s and %s must have 3 values (RGB), got %v and %v",
			ParamImageMean, ParamImageStd, cfg.Mean, cfg.Std)
	}
	for _, std := range cfg.Std {
		if std <= 0 {
			return errors.Errorf("%s values must be > 0, got %v", ParamImageStd, cfg.Std)
		}
	}
	return nil
}

// Channels returns the number of channels of the preprocessed images: 1 or 3.
func (cfg Config) Channels() int {
	if cfg.Gray {
		return 1
	}
	return 3
}

// normalization returns the per-channel mean and std to apply to the preprocessed images.
func (cfg Config) normalization() (mean, std []float32) {
	if cfg.Gray {
		var m, s float64
		for ii := range 3 {
			m += cfg.Mean[ii]
			s += cfg.Std[ii]
		}
		return []float32{float32(m / 3)}, []float32{float32(s / 3)}
	}
	mean, std = make([]float32, 3), make([]float32, 3)
	for ii := range 3 {
		mean[ii], std[ii] = float32(cfg.Mean[ii]), float32(cfg.Std[ii])
	}
	return
}
