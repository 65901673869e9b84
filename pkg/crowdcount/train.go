// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crowdcount

import (
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/osanet/pkg/models/osanet"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamBatchSize is the number of crops per training batch.
	ParamBatchSize = "batch_size"

	// ParamTrainSteps is the target global step of the training.
	ParamTrainSteps = "train_steps"

	// ParamNumCheckpoints is the number of checkpoints to keep.
	ParamNumCheckpoints = "num_checkpoints"

	// ParamRunID holds the identifier of the last training run (a UUID), saved along the checkpoints.
	ParamRunID = "run_id"

	// ModelScope is the scope where the model variables are created.
	ModelScope = "model"
)

// ParamsExcludedFromSaving is the list of hyperparameters that are not saved in the checkpoints, so they
// can be set differently when training is resumed.
var ParamsExcludedFromSaving = []string{ParamTrainSteps, ParamNumCheckpoints, ParamTrainSeed}

// CheckpointPeriod is the period of time between checkpoints saved during training.
var CheckpointPeriod = 3 * time.Minute

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// TrainModel trains the OSA-Net model with hyperparameters given in ctx, on the dataset in dataDir.
//
// If checkpointPath is given (relative paths are taken from dataDir), the model is loaded from the latest
// checkpoint there, if any, and saved periodically. paramsSet are the hyperparameters set on the command line,
// which take priority over the ones loaded from the checkpoint.
//
// If evaluateOnEnd is true, the count errors over the center crops and over the full images of the test and
// train splits are reported at the end.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, evaluateOnEnd bool, verbosity int, paramsSet []string) error {
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return err
	}
	if Backend == nil {
		Backend, err = backends.New()
		if err != nil {
			return errors.WithMessage(err, "failed to create backend")
		}
	}
	if verbosity >= 1 {
		klog.Infof("Backend %q:\t%s", Backend.Name(), Backend.Description())
	}

	// Checkpoints loading and saving: it has to happen before the hyperparameters are read, since they
	// may be loaded from the checkpoint.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		checkpoint, err = checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(context.GetParamOr(ctx, ParamNumCheckpoints, 3)).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to create checkpoint handler for %q", checkpointPath)
		}
		klog.Infof("Checkpointing model to %q", checkpoint.Dir())
	}
	runID := uuid.NewString()
	ctx.SetParam(ParamRunID, runID)
	klog.Infof("Training run %s", runID)
	if verbosity >= 2 {
		klog.Info(commandline.SprintContextSettings(ctx))
	}

	// Datasets.
	cfg, err := ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	trainSamples, err := LoadSplit(dataDir, TrainSplit, cfg)
	if err != nil {
		return err
	}
	testSamples, err := LoadSplit(dataDir, TestSplit, cfg)
	if err != nil {
		return err
	}
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 4)
	trainDS, err := NewTrainDataset(trainSamples, batchSize,
		context.GetParamOr(ctx, ParamCropHeight, 400), context.GetParamOr(ctx, ParamCropWidth, 400),
		uint64(context.GetParamOr(ctx, ParamTrainSeed, 0)))
	if err != nil {
		return err
	}
	cropH, cropW := trainDS.CropSize()
	trainEvalDS, err := NewEvalDataset("train-eval", trainSamples, cropH, cropW)
	if err != nil {
		return err
	}
	testEvalDS, err := NewEvalDataset("test-eval", testSamples, cropH, cropW)
	if err != nil {
		return err
	}
	klog.V(1).Infof("training on %d images (crops %dx%d, batch %d), evaluating on %d images",
		len(trainSamples), cropW, cropH, batchSize, len(testSamples))

	// Metrics: counts are compared unscaled.
	maeMetric := NewMeanAbsoluteCountError("Mean Absolute Count Error", "#mae", cfg.DensityScale)
	mseMetric := NewMeanSquaredCountError("Root Mean Squared Count Error", "#rmse", cfg.DensityScale)
	movingMAEMetric := NewMovingAverageAbsoluteCountError("Moving Average Absolute Count Error", "~mae",
		cfg.DensityScale, 0.01)

	rootCtx := ctx
	ctx = ctx.In(ModelScope)
	trainer := train.NewTrainer(Backend, ctx, osanet.ModelGraph,
		losses.MeanSquaredError,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingMAEMetric},        // trainMetrics
		[]metrics.Interface{maeMetric, mseMetric}) // evalMetrics

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	if checkpoint != nil {
		train.PeriodicCallback(loop, CheckpointPeriod, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	numTrainSteps := context.GetParamOr(ctx, ParamTrainSteps, 0)
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		klog.Infof("Restarting training from global_step=%d", globalStep)
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		if _, err = loop.RunSteps(trainDS, numTrainSteps-globalStep); err != nil {
			return errors.WithMessage(err, "failed while training")
		}
		if verbosity >= 1 {
			klog.Infof("[Step %d] median train step: %d microseconds",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}

		// Update batch normalization mean/variance averages with the center crops of the training images.
		updated, err := batchnorm.UpdateAverages(trainer, trainEvalDS)
		if err != nil {
			return err
		}
		if updated {
			klog.V(1).Info("Updated batch normalization mean/variances averages.")
			if checkpoint != nil {
				if err = checkpoint.Save(); err != nil {
					return err
				}
			}
		}
	} else {
		klog.Infof("target %s=%d already reached (global step %d): set a larger value to train further",
			ParamTrainSteps, numTrainSteps, globalStep)
	}

	if !evaluateOnEnd {
		return nil
	}
	if err = commandline.ReportEval(trainer, testEvalDS, trainEvalDS); err != nil {
		return err
	}
	return reportFullImageCounts(rootCtx, testSamples, trainSamples)
}

// reportFullImageCounts logs the count errors of the model over the full images of the test and train splits.
func reportFullImageCounts(ctx *context.Context, testSamples, trainSamples []*Sample) error {
	predictor, err := NewPredictor(Backend, ctx)
	if err != nil {
		return err
	}
	for _, split := range []struct {
		name    string
		samples []*Sample
	}{{TestSplit, testSamples}, {TrainSplit, trainSamples}} {
		mae, rmse, err := EvaluateCounts(predictor, split.samples)
		if err != nil {
			return errors.WithMessagef(err, "failed to evaluate split %q", split.name)
		}
		klog.Infof("full images of %q (%d): MAE=%.2f, RMSE=%.2f", split.name, len(split.samples), mae, rmse)
	}
	return nil
}
