// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// osanet trains the OSA-Net crowd counting model, summarizes its size, and estimates density maps and counts
// of images with a trained checkpoint.
//
// Training:
//
//	osanet -train -data=~/work/SHHA -checkpoint=osanet -set="train_steps=100000;learning_rate=1e-5"
//
// Prediction, writing a heat map per image and a counts.csv report to -output:
//
//	osanet -predict -data=~/work/SHHA -checkpoint=osanet -output=/tmp/counts image1.jpg image2.jpg
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/osanet/pkg/crowdcount"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagTrain   = flag.Bool("train", false, "Train the model on the dataset in -data.")
	flagSummary = flag.Bool("summary", false, "Print the number of parameters of each block of the model.")
	flagPredict = flag.Bool("predict", false, "Estimate the density maps and counts of the images given as "+
		"arguments, using the checkpoint in -checkpoint.")

	flagDataDir    = flag.String("data", "~/work/SHHA", "Dataset directory, with \"train\" and \"test\" splits.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. "+
		"Relative paths are taken from -data. If left empty, no checkpoints are created.")
	flagOutput = flag.String("output", ".", "Directory where -predict writes the heat maps and the counts report.")

	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the test and train splits in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagNoColor   = flag.Bool("no_color", false, "Print tables without colors.")
)

// createDefaultContext sets the context with default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.RngStateReset())
	ctx.SetParams(crowdcount.DefaultParams())
	ctx.SetParams(map[string]any{
		crowdcount.ParamBatchSize:      4,
		crowdcount.ParamTrainSteps:     100_000,
		crowdcount.ParamNumCheckpoints: 3,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-5,
		optimizers.ParamAdamEpsilon:  1e-8,
	})
	return ctx
}

func main() {
	klog.InitFlags(nil)
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	switch {
	case *flagTrain:
		err := crowdcount.TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagEval, *flagVerbosity, paramsSet)
		if err != nil {
			klog.Fatalf("Failed to train model: %+v", err)
		}
	case *flagSummary:
		if err := printSummary(ctx); err != nil {
			klog.Fatalf("Failed to build model summary: %+v", err)
		}
	case *flagPredict:
		if flag.NArg() == 0 {
			klog.Fatalf("Missing images to predict. See 'osanet -help'.")
		}
		if err := predict(flag.Args()); err != nil {
			klog.Fatalf("Failed to predict: %+v", err)
		}
	default:
		fmt.Fprintln(os.Stderr, "One of -train, -summary or -predict must be given. See 'osanet -help'.")
		os.Exit(1)
	}
}

// checkpointDir resolves -checkpoint the same way training does: relative paths are taken from -data.
func checkpointDir() (string, error) {
	if *flagCheckpoint == "" {
		return "", errors.New("-checkpoint must be set to predict")
	}
	dir, err := fsutil.ReplaceTildeInDir(*flagCheckpoint)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(dir) {
		dataDir, err := fsutil.ReplaceTildeInDir(*flagDataDir)
		if err != nil {
			return "", err
		}
		dir = filepath.Join(dataDir, dir)
	}
	return dir, nil
}

// heatMapPath returns the path of the heat map for the image imagePath.
func heatMapPath(outputDir, imagePath string) string {
	base := filepath.Base(imagePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(outputDir, base+"_density.png")
}

func predict(imagePaths []string) error {
	dir, err := checkpointDir()
	if err != nil {
		return err
	}
	outputDir, err := fsutil.ReplaceTildeInDir(*flagOutput)
	if err != nil {
		return err
	}
	if err = os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	backend, err := backends.New()
	if err != nil {
		return err
	}
	predictor, err := crowdcount.LoadPredictor(backend, dir)
	if err != nil {
		return err
	}
	rows, err := crowdcount.PredictFiles(predictor, imagePaths, func(imagePath string, pred *crowdcount.Prediction) error {
		return crowdcount.RenderHeatMap(pred.Density, pred.Count, heatMapPath(outputDir, imagePath))
	})
	if err != nil {
		return err
	}
	reportPath := filepath.Join(outputDir, "counts.csv")
	if err = crowdcount.WriteCountsReport(rows, reportPath); err != nil {
		return err
	}
	printCounts(rows)
	klog.Infof("Heat maps and counts report (%q) written to %q", filepath.Base(reportPath), outputDir)
	return nil
}
