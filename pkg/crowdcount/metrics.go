// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package crowdcount

import (
	"fmt"
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
)

// CountErrorMetricType groups the count error metrics (see metrics.Interface.MetricType).
const CountErrorMetricType = "count error"

// PredictedCounts returns the number of people for each example of a batch of density maps shaped
// `[batch, height, width, 1]`, scaled by densityScale. The result is shaped `[batch]`.
func PredictedCounts(density *Node, densityScale float64) *Node {
	counts := ReduceSum(density, 1, 2, 3)
	return MulScalar(counts, 1.0/densityScale)
}

// countErrors returns the difference between predicted and ground-truth counts, shaped `[batch]`.
func countErrors(labels, predictions []*Node, densityScale float64) *Node {
	predicted := PredictedCounts(predictions[0], densityScale)
	truth := PredictedCounts(labels[0], densityScale)
	return Sub(predicted, truth)
}

// AbsoluteCountErrorGraph returns a BaseMetricGraph with the mean absolute count error of the batch.
func AbsoluteCountErrorGraph(densityScale float64) metrics.BaseMetricGraph {
	return func(_ *context.Context, labels, predictions []*Node) *Node {
		return ReduceAllMean(Abs(countErrors(labels, predictions, densityScale)))
	}
}

// SquaredCountErrorGraph returns a BaseMetricGraph with the mean squared count error of the batch.
func SquaredCountErrorGraph(densityScale float64) metrics.BaseMetricGraph {
	return func(_ *context.Context, labels, predictions []*Node) *Node {
		return ReduceAllMean(Square(countErrors(labels, predictions, densityScale)))
	}
}

func countPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f", shapes.ConvertTo[float64](value.Value()))
}

// rootPPrint prints the square root of the mean squared error.
func rootPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f", math.Sqrt(shapes.ConvertTo[float64](value.Value())))
}

// NewMeanAbsoluteCountError returns the mean absolute error (MAE) of the predicted counts, the usual
// crowd counting accuracy metric.
func NewMeanAbsoluteCountError(name, shortName string, densityScale float64) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, CountErrorMetricType, AbsoluteCountErrorGraph(densityScale), countPPrint)
}

// NewMeanSquaredCountError returns the mean squared error of the predicted counts. It is pretty-printed as
// its square root (RMSE, sometimes reported as "MSE" in the crowd counting literature).
func NewMeanSquaredCountError(name, shortName string, densityScale float64) *metrics.MeanMetric {
	return metrics.NewMeanMetric(name, shortName, CountErrorMetricType, SquaredCountErrorGraph(densityScale), rootPPrint)
}

// NewMovingAverageAbsoluteCountError returns an exponential moving average of the absolute count error, used
// to follow training progress.
func NewMovingAverageAbsoluteCountError(name, shortName string, densityScale, newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric(name, shortName, CountErrorMetricType,
		AbsoluteCountErrorGraph(densityScale), countPPrint, newExampleWeight)
}
