package softmax

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/gomlx/gotriton/autotune"
	"github.com/gomlx/gotriton/driver"
	"github.com/gomlx/gotriton/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func testConfig() autotune.Config {
	cfg := autotune.DefaultConfig()
	cfg.Warmup = 1
	cfg.Repetitions = 2
	return cfg
}

type testEnv struct {
	sim    *driver.Simulator
	ctx    *driver.Context
	stream *driver.Stream
	runner *Runner
}

func newTestEnv(t *testing.T) *testEnv {
	sim := driver.NewSimulator(driver.SimA100)
	RegisterSimKernels(sim)
	platform := must.M1(driver.NewPlatform(sim))
	ctx := must.M1(driver.NewContext(platform.Devices()[0]))
	stream := must.M1(driver.NewStream(ctx))
	runner, err := NewSimRunner(ctx, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, stream.Synchronize())
		require.NoError(t, runner.Release())
		require.NoError(t, stream.Release())
		require.NoError(t, ctx.Release())
		require.Zero(t, sim.Live(driver.KindBuffer), "leaked device buffers")
	})
	return &testEnv{sim: sim, ctx: ctx, stream: stream, runner: runner}
}

// upload writes rows of values to a new matrix with the given row stride, padding with NaNs.
func (env *testEnv) upload(t *testing.T, values [][]float64, rowStride int) Matrix {
	rows, cols := len(values), len(values[0])
	buf := must.M1(driver.NewBuffer(env.ctx, 4*rows*rowStride))
	t.Cleanup(func() { require.NoError(t, buf.Release()) })
	flat := make([]float32, rows*rowStride)
	for ii := range flat {
		flat[ii] = float32(math.NaN())
	}
	for row, rowValues := range values {
		for col, v := range rowValues {
			flat[row*rowStride+col] = float32(v)
		}
	}
	raw := dtypes.EncodeFloat32s(dtypes.Float32, flat)
	require.NoError(t, env.stream.Write(buf, true, 0, len(raw), raw))
	return Matrix{Buffer: buf, Rows: rows, Cols: cols, RowStride: rowStride}
}

func (env *testEnv) download(t *testing.T, m Matrix) [][]float64 {
	raw := make([]byte, m.Buffer.Size())
	require.NoError(t, env.stream.Read(m.Buffer, true, 0, len(raw), raw))
	flat := dtypes.DecodeFloat32s(dtypes.Float32, raw[m.Offset:])
	values := make([][]float64, m.Rows)
	for row := range values {
		values[row] = make([]float64, m.Cols)
		for col := range values[row] {
			values[row][col] = float64(flat[row*m.RowStride+col])
		}
	}
	return values
}

// randomRows returns values exactly representable in float32.
func randomRows(rng *rand.Rand, rows, cols int) [][]float64 {
	values := make([][]float64, rows)
	for row := range values {
		values[row] = make([]float64, cols)
		for col := range values[row] {
			values[row][col] = float64(float32(20*rng.Float64() - 10))
		}
	}
	return values
}

// reference computes the softmax of each row in float64.
func reference(values [][]float64) [][]float64 {
	result := make([][]float64, len(values))
	for row, x := range values {
		rowMax := floats.Max(x)
		y := make([]float64, len(x))
		for ii, v := range x {
			y[ii] = math.Exp(v - rowMax)
		}
		floats.Scale(1/floats.Sum(y), y)
		result[row] = y
	}
	return result
}

func requireSoftmaxEqual(t *testing.T, want, got [][]float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for row := range want {
		require.Truef(t, floats.EqualApprox(want[row], got[row], 1e-5), "row %d: want %v, got %v",
			row, want[row], got[row])
		require.InDelta(t, 1.0, floats.Sum(got[row]), 1e-4)
	}
}

func TestSoftmax(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewPCG(3, 4))
	for _, tc := range []struct {
		rows, cols, rowStride int
	}{
		{1, 1, 1},
		{7, 100, 100},
		{33, 1000, 1000},
		{4, 1025, 1040},
		{2, MaxColumns, MaxColumns},
	} {
		t.Run(fmt.Sprintf("%dx%d/stride=%d", tc.rows, tc.cols, tc.rowStride), func(t *testing.T) {
			values := randomRows(rng, tc.rows, tc.cols)
			x := env.upload(t, values, tc.rowStride)
			y := env.upload(t, randomRows(rng, tc.rows, tc.cols), tc.rowStride)
			require.NoError(t, env.runner.Softmax(env.stream, x, y))
			requireSoftmaxEqual(t, reference(values), env.download(t, y))
			require.Equal(t, values, env.download(t, x), "x must not change")
		})
	}
}

func TestSoftmaxInPlace(t *testing.T) {
	env := newTestEnv(t)
	values := randomRows(rand.New(rand.NewPCG(5, 6)), 16, 300)
	x := env.upload(t, values, 300)
	require.NoError(t, env.runner.Softmax(env.stream, x, x))
	requireSoftmaxEqual(t, reference(values), env.download(t, x))
	require.Equal(t, 1, env.sim.Live(driver.KindBuffer), "the benchmark scratch buffer must be released")
}

func TestSelectionAfterPendingWork(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	env.sim.RegisterModule("gated", driver.SimModule{"wait": {Run: func(*driver.SimLaunch) error {
		<-gate
		return nil
	}}})
	gated := must.M1(driver.LoadModule(env.ctx, driver.SimModuleImage("gated")))
	defer func() { require.NoError(t, gated.Release()) }()
	wait := must.M1(gated.Kernel("wait"))
	defer func() { require.NoError(t, wait.Release()) }()

	values := [][]float64{{1, 2, 3, 4}}
	x := env.upload(t, values, 4)
	y := env.upload(t, [][]float64{{7, 7, 7, 7}}, 4)

	// A read of y is pending on the stream when softmax is called with a new signature: the benchmarks
	// writing to y must run after it.
	require.NoError(t, env.stream.Enqueue(wait, driver.Dim3{}, driver.Dim3{}, nil, nil))
	before := make([]byte, 16)
	require.NoError(t, env.stream.Read(y.Buffer, false, 0, len(before), before))
	done := make(chan error, 1)
	go func() { done <- env.runner.Softmax(env.stream, x, y) }()
	select {
	case err := <-done:
		t.Fatalf("softmax selection completed before the pending work on the stream: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	require.NoError(t, <-done)
	require.NoError(t, env.stream.Synchronize())
	require.Equal(t, []float32{7, 7, 7, 7}, dtypes.DecodeFloat32s(dtypes.Float32, before))
	requireSoftmaxEqual(t, reference(values), env.download(t, y))
}

func TestSelection(t *testing.T) {
	for _, tc := range []struct {
		rows, cols int
		want       string
	}{
		{256, 1000, "softmax_b1024_w2"},
		{8, 100, "softmax_b128_w2"},
		// Spilling makes 2 and 4 warps too slow for long rows.
		{64, MaxColumns, "softmax_b16384_w16"},
		// With more rows, 8 warps fit more threadblocks per multiprocessor.
		{512, MaxColumns, "softmax_b16384_w8"},
	} {
		t.Run(fmt.Sprintf("%dx%d", tc.rows, tc.cols), func(t *testing.T) {
			env := newTestEnv(t)
			buf := must.M1(driver.NewBuffer(env.ctx, 4*tc.rows*tc.cols))
			defer func() { require.NoError(t, buf.Release()) }()
			x := NewMatrix(buf, tc.rows, tc.cols)
			k, err := env.runner.Select(env.stream, x, x)
			require.NoError(t, err)
			require.Equal(t, tc.want, k.Name())
			require.GreaterOrEqual(t, k.BlockSize(), tc.cols)

			// The selection is the minimum of the cost model among the eligible kernels.
			var best time.Duration
			var bestName string
			for _, blockSize := range simBlockSizes {
				for _, numWarps := range simNumWarps {
					if blockSize < tc.cols {
						continue
					}
					cost := simSoftmaxCost(blockSize, numWarps, tc.rows, driver.SimA100.Multiprocessors)
					if bestName == "" || cost < best {
						best, bestName = cost, simKernelName(blockSize, numWarps)
					}
				}
			}
			require.Equal(t, bestName, k.Name())
		})
	}
}

func TestSelectionIsCached(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewPCG(7, 8))
	values := randomRows(rng, 10, 500)
	x := env.upload(t, values, 500)
	y := env.upload(t, values, 500)
	require.NoError(t, env.runner.Softmax(env.stream, x, y))
	stats := env.runner.Stats()
	require.Equal(t, int64(1), stats.Misses)
	// Block sizes 512 to 16384, with 4 numbers of warps each.
	require.Equal(t, int64(6*len(simNumWarps)), stats.Benchmarks)

	// Another matrix with the same shape, but a different row stride, hits the cache.
	x2 := env.upload(t, values, 512)
	launches := env.sim.Calls("cuLaunchKernel")
	require.NoError(t, env.runner.Softmax(env.stream, x2, y))
	require.Equal(t, launches+1, env.sim.Calls("cuLaunchKernel"))
	stats = env.runner.Stats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, 1, stats.Entries)
	requireSoftmaxEqual(t, reference(values), env.download(t, y))
}

func TestNoEligibleKernel(t *testing.T) {
	env := newTestEnv(t)
	buf := must.M1(driver.NewBuffer(env.ctx, 4*(MaxColumns+1)))
	defer func() { require.NoError(t, buf.Release()) }()
	x := NewMatrix(buf, 1, MaxColumns+1)
	err := env.runner.Softmax(env.stream, x, x)
	require.ErrorIs(t, err, autotune.ErrNoEligibleCandidates)
	require.Zero(t, env.sim.Calls("cuLaunchKernel"))

	// The failure isn't cached.
	err = env.runner.Softmax(env.stream, x, x)
	require.ErrorIs(t, err, autotune.ErrNoEligibleCandidates)
	require.Equal(t, autotune.Stats{Misses: 2}, env.runner.Stats())
}

func TestMatrixErrors(t *testing.T) {
	env := newTestEnv(t)
	buf := must.M1(driver.NewBuffer(env.ctx, 4*10*10))
	defer func() { require.NoError(t, buf.Release()) }()
	x := NewMatrix(buf, 10, 10)
	require.NoError(t, x.Check())

	overlapping := x
	overlapping.RowStride = 9
	require.Error(t, overlapping.Check())

	tooLarge := x
	tooLarge.Offset = 4
	require.ErrorIs(t, tooLarge.Check(), driver.ErrOutOfRange)

	misaligned := NewMatrix(buf, 2, 2)
	misaligned.Offset = 2
	require.Error(t, misaligned.Check())

	require.Error(t, env.runner.Softmax(env.stream, x, NewMatrix(buf, 5, 10)), "shapes don't match")
	require.Error(t, env.runner.Softmax(env.stream, Matrix{Rows: 1, Cols: 1, RowStride: 1}, x), "no buffer")
	require.Zero(t, env.sim.Calls("cuLaunchKernel"))

	k := env.runner.kernels[0]
	require.Equal(t, "softmax_b128_w2", k.Name())
	require.Error(t, k.Run(env.stream, NewMatrix(buf, 1, 129), NewMatrix(buf, 1, 129)))
}
