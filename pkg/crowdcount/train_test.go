package crowdcount

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTrainContext returns a context with a small training configuration.
func newTrainContext(trainSteps int) *context.Context {
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	ctx.SetParams(DefaultParams())
	ctx.SetParams(map[string]any{
		ParamBatchSize:      2,
		ParamTrainSteps:     trainSteps,
		ParamNumCheckpoints: 2,
		ParamCropHeight:     16,
		ParamCropWidth:      16,
		ParamTrainSeed:      7,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-5,
	})
	return ctx
}

// TestTrainModel trains for a couple of steps, evaluates, and then resumes from the checkpoint.
func TestTrainModel(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping training in short mode.")
	}
	previousBackend := Backend
	Backend = graphtest.BuildTestBackend()
	t.Cleanup(func() { Backend = previousBackend })

	dataDir := t.TempDir()
	writeTestSplit(t, dataDir, TrainSplit, 3)
	writeTestSplit(t, dataDir, TestSplit, 2)
	const checkpointName = "checkpoint"

	ctx := newTrainContext(2)
	require.NoError(t, TrainModel(ctx, dataDir, checkpointName, true, -1, nil))
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx.In(ModelScope)))
	runID := context.GetParamOr(ctx, ParamRunID, "")
	assert.NotEmpty(t, runID)

	// The checkpoint can be used for predictions.
	checkpointDir := filepath.Join(dataDir, checkpointName)
	predictor, err := LoadPredictor(Backend, checkpointDir)
	require.NoError(t, err)
	samples, err := LoadSplit(dataDir, TestSplit, predictor.Config())
	require.NoError(t, err)
	_, _, err = EvaluateCounts(predictor, samples)
	require.NoError(t, err)

	// Target already reached: nothing is trained.
	ctx = newTrainContext(2)
	require.NoError(t, TrainModel(ctx, dataDir, checkpointName, false, -1, nil))
	assert.Equal(t, int64(2), optimizers.GetGlobalStep(ctx.In(ModelScope)))

	// Resumes from the checkpoint with a new run id.
	ctx = newTrainContext(3)
	require.NoError(t, TrainModel(ctx, dataDir, checkpointName, false, -1, nil))
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(ctx.In(ModelScope)))
	assert.NotEqual(t, runID, context.GetParamOr(ctx, ParamRunID, ""))

	// Missing splits.
	require.Error(t, TrainModel(newTrainContext(1), t.TempDir(), "", false, -1, nil))
}
