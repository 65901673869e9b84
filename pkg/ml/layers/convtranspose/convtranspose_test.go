package convtranspose

import (
	"fmt"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/require"
)

// referenceTransposedConv is a direct loop implementation: each input pixel scatters its kernel-weighted
// values into the output.
func referenceTransposedConv(x []float32, batch, height, width, inChannels int,
	kernel []float32, kernelSize, outChannels, stride int, bias []float32) (output []float32, outH, outW int) {
	outH = OutputSize(height, kernelSize, stride)
	outW = OutputSize(width, kernelSize, stride)
	output = make([]float32, batch*outH*outW*outChannels)
	for b := range batch {
		for h := range height {
			for w := range width {
				for p := range kernelSize {
					for q := range kernelSize {
						y, z := h*stride+p, w*stride+q
						for i := range inChannels {
							xv := x[((b*height+h)*width+w)*inChannels+i]
							for o := range outChannels {
								kv := kernel[((p*kernelSize+q)*inChannels+i)*outChannels+o]
								output[((b*outH+y)*outW+z)*outChannels+o] += xv * kv
							}
						}
					}
				}
			}
		}
	}
	if bias != nil {
		for ii := range output {
			output[ii] += bias[ii%outChannels]
		}
	}
	return
}

func TestConvTranspose(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const batch, height, width, inChannels, outChannels = 2, 3, 4, 3, 5
	input := make([]float32, batch*height*width*inChannels)
	for ii := range input {
		input[ii] = float32((ii*7)%11)/11 - 0.5
	}

	for _, tc := range []struct{ kernelSize, stride int }{{2, 2}, {3, 2}, {3, 1}, {4, 2}, {1, 1}} {
		t.Run(fmt.Sprintf("kernel=%d-stride=%d", tc.kernelSize, tc.stride), func(t *testing.T) {
			ctx := context.New()
			outputT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
				return New(ctx, x).Channels(outChannels).KernelSize(tc.kernelSize).Strides(tc.stride).Done()
			}, tensors.FromFlatDataAndDimensions(input, batch, height, width, inChannels))
			outH, outW := OutputSize(height, tc.kernelSize, tc.stride), OutputSize(width, tc.kernelSize, tc.stride)
			require.NoError(t, outputT.Shape().Check(dtypes.F32, batch, outH, outW, outChannels))

			kernelVar := ctx.GetVariableByScopeAndName("/"+ScopeName, "weights")
			require.NotNil(t, kernelVar)
			require.NoError(t, kernelVar.Shape().Check(dtypes.F32, tc.kernelSize, tc.kernelSize, inChannels, outChannels))
			biasVar := ctx.GetVariableByScopeAndName("/"+ScopeName, "biases")
			require.NotNil(t, biasVar)
			want, _, _ := referenceTransposedConv(input, batch, height, width, inChannels,
				tensors.MustCopyFlatData[float32](kernelVar.MustValue()), tc.kernelSize, outChannels, tc.stride,
				tensors.MustCopyFlatData[float32](biasVar.MustValue()))
			got := tensors.MustCopyFlatData[float32](outputT)
			require.Len(t, got, len(want))
			for ii := range want {
				require.InDelta(t, want[ii], got[ii], 1e-4, "element %d", ii)
			}
		})
	}

	t.Run("NoBias-ChannelsFirst", func(t *testing.T) {
		ctx := context.New()
		outputT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.F32, 1, 4, 6, 6))
			return New(ctx, x).ChannelsAxis(images.ChannelsFirst).Channels(8).KernelSize(2).Strides(2).
				UseBias(false).Done()
		})
		require.NoError(t, outputT.Shape().Check(dtypes.F32, 1, 8, 12, 12))
		require.Nil(t, ctx.GetVariableByScopeAndName("/"+ScopeName, "biases"))
	})

	t.Run("Gradient", func(t *testing.T) {
		ctx := context.New()
		gradT := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := Ones(g, shapes.Make(dtypes.F32, 1, 2, 2, 1))
			output := New(ctx, x).Channels(1).KernelSize(3).Strides(2).UseBias(false).Done()
			kernel := ctx.GetVariableByScopeAndName("/"+ScopeName, "weights").ValueGraph(g)
			return Gradient(ReduceAllSum(output), kernel)[0]
		})
		// Every kernel position receives one contribution per input pixel.
		for _, v := range tensors.MustCopyFlatData[float32](gradT) {
			require.InDelta(t, 4.0, v, 1e-5)
		}
	})

	t.Run("MissingChannels", func(t *testing.T) {
		ctx := context.New()
		require.Panics(t, func() {
			_ = context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				return New(ctx, Ones(g, shapes.Make(dtypes.F32, 1, 2, 2, 1))).KernelSize(2).Done()
			})
		})
	})
}

func TestSpread(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// x = [[1, 2, 3]], spread along axis 1 with stride 3, one zero before and two after.
	got := MustExecOnce(backend, func(x *Node) *Node {
		return spread(x, 1, 3, 1, 2)
	}, [][]float32{{1, 2, 3}})
	require.Equal(t, [][]float32{{0, 1, 0, 0, 2, 0, 0, 3, 0, 0}}, got.Value())

	// Stride 1 only shifts.
	got = MustExecOnce(backend, func(x *Node) *Node {
		return spread(x, 0, 1, 2, 0)
	}, [][]float32{{5}, {6}})
	require.Equal(t, [][]float32{{0}, {0}, {5}, {6}}, got.Value())
}
