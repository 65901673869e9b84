package crowdcount

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	const scale = 100.0
	// Two examples of 2x2 density maps: truth counts are 1 and 2, predicted counts are 3 and 1.
	truth := tensors.FromValue([][][][]float32{
		{{{25}, {25}}, {{25}, {25}}},
		{{{50}, {50}}, {{50}, {50}}},
	})
	predicted := tensors.FromValue([][][][]float32{
		{{{100}, {100}}, {{100}, {0}}},
		{{{0}, {0}}, {{0}, {100}}},
	})

	t.Run("PredictedCounts", func(t *testing.T) {
		countsT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, density *Node) *Node {
			return PredictedCounts(density, scale)
		}, predicted)
		assert.InDeltaSlice(t, []float32{3, 1}, tensors.MustCopyFlatData[float32](countsT), 1e-5)
	})

	t.Run("AbsoluteError", func(t *testing.T) {
		maeT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, labels, predictions *Node) *Node {
			return AbsoluteCountErrorGraph(scale)(ctx, []*Node{labels}, []*Node{predictions})
		}, truth, predicted)
		assert.InDelta(t, 1.5, tensors.ToScalar[float32](maeT), 1e-5)
	})

	t.Run("SquaredError", func(t *testing.T) {
		mseT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, labels, predictions *Node) *Node {
			return SquaredCountErrorGraph(scale)(ctx, []*Node{labels}, []*Node{predictions})
		}, truth, predicted)
		assert.InDelta(t, 2.5, tensors.ToScalar[float32](mseT), 1e-5)
		// Printed as RMSE.
		metric := NewMeanSquaredCountError("RMSE", "#rmse", scale)
		assert.Equal(t, "1.58", metric.PrettyPrint(mseT))
	})

	metric := NewMeanAbsoluteCountError("MAE", "#mae", scale)
	assert.Equal(t, CountErrorMetricType, metric.MetricType())
	assert.Equal(t, "#mae", metric.ShortName())
	require.NotNil(t, NewMovingAverageAbsoluteCountError("Moving MAE", "~mae", scale, 0.01))
}
