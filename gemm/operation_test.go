package gemm

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gotriton/driver"
	"github.com/gomlx/gotriton/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestTensorLayout(t *testing.T) {
	env := newTestEnv(t, driver.SimA100, testConfig())
	buf := must.M1(driver.NewBuffer(env.ctx, 4*6*8))
	defer func() { require.NoError(t, buf.Release()) }()

	rowMajor := RowMajor(buf, dtypes.Float32, 6, 8)
	require.Equal(t, LayoutRowMajor, must.M1(rowMajor.Layout()))
	require.Equal(t, 8, must.M1(rowMajor.LeadingDim()))
	require.NoError(t, rowMajor.Check())

	transposed := rowMajor.T()
	require.Equal(t, [2]int{8, 6}, transposed.Shape)
	require.Equal(t, LayoutColumnMajor, must.M1(transposed.Layout()))
	require.Equal(t, 8, must.M1(transposed.LeadingDim()))
	require.NoError(t, transposed.Check())

	colMajor := ColumnMajor(buf, dtypes.Float32, 6, 8)
	require.Equal(t, LayoutColumnMajor, must.M1(colMajor.Layout()))
	require.Equal(t, 6, must.M1(colMajor.LeadingDim()))

	// A single column with unit strides is column-major, and its leading dimension is irrelevant.
	column := Tensor{Buffer: buf, DType: dtypes.Float32, Shape: [2]int{6, 1}, Strides: [2]int{1, 1}}
	require.Equal(t, LayoutColumnMajor, must.M1(column.Layout()))
	require.Equal(t, 6, must.M1(column.LeadingDim()))
	require.NoError(t, column.Check())

	strided := Tensor{Buffer: buf, DType: dtypes.Float32, Shape: [2]int{3, 4}, Strides: [2]int{8, 2}}
	_, err := strided.Layout()
	require.ErrorIs(t, err, ErrNonContiguous)

	overlapping := Tensor{Buffer: buf, DType: dtypes.Float32, Shape: [2]int{6, 8}, Strides: [2]int{4, 1}}
	require.ErrorIs(t, overlapping.Check(), ErrNonContiguous)

	tooLarge := rowMajor
	tooLarge.Offset = 4
	require.ErrorIs(t, tooLarge.Check(), driver.ErrOutOfRange)

	misaligned := rowMajor
	misaligned.Offset = 2
	require.Error(t, misaligned.Check())

	// A sub-matrix view: rows 2..5, columns 4..7.
	view := rowMajor
	view.Offset = 4 * (2*8 + 4)
	view.Shape = [2]int{4, 4}
	require.NoError(t, view.Check())
	require.Equal(t, buf.Address()+driver.CUdeviceptr(80), view.Address())
}

func TestConfigurationValidate(t *testing.T) {
	cfg := Configuration{Mode: ModeGemm, M: 4, N: 5, K: 6, BatchCount: 1, LDA: 6, LDB: 5, LDC: 5, LDD: 5}
	require.NoError(t, cfg.Validate(LayoutRowMajor, LayoutRowMajor))
	// A padded leading dimension is fine for a column-major A, one below M is not.
	require.NoError(t, cfg.Validate(LayoutColumnMajor, LayoutRowMajor))
	cfg.LDA = 3
	require.ErrorIs(t, cfg.Validate(LayoutColumnMajor, LayoutRowMajor), ErrInvalidConfiguration)

	cfg.LDA, cfg.LDB = 4, 6
	require.NoError(t, cfg.Validate(LayoutColumnMajor, LayoutColumnMajor))

	bad := cfg
	bad.BatchCount = 2
	require.ErrorIs(t, bad.Validate(LayoutColumnMajor, LayoutColumnMajor), ErrInvalidConfiguration)
	bad = cfg
	bad.K = 0
	require.ErrorIs(t, bad.Validate(LayoutColumnMajor, LayoutColumnMajor), ErrInvalidConfiguration)
	bad = cfg
	bad.LDD = 4
	require.ErrorIs(t, bad.Validate(LayoutColumnMajor, LayoutColumnMajor), ErrInvalidConfiguration)
}

// findOperation returns the simulator operation with the given kernel name.
func findOperation(t *testing.T, ops []Operation, name string) *KernelOperation {
	for _, op := range ops {
		if op.Name() == name {
			return op.(*KernelOperation)
		}
	}
	require.Failf(t, "operation not found", "no operation named %q", name)
	return nil
}

func TestSimOperations(t *testing.T) {
	env := newTestEnv(t, driver.SimA100, testConfig())
	ops := must.M1(SimOperations(env.ctx))
	defer func() {
		for _, op := range ops {
			require.NoError(t, op.Release())
		}
	}()
	require.Len(t, ops, len(simElementTypes)*len(simLayouts)*len(simLayouts)*len(simVariants))

	op := findOperation(t, ops, "gemm_f16_cr_128x64")
	key := op.FunctionalKey()
	require.Equal(t, dtypes.Float16, key.ElementA)
	require.Equal(t, LayoutColumnMajor, key.LayoutA)
	require.Equal(t, LayoutRowMajor, key.LayoutB)
	require.Equal(t, dtypes.Float32, key.ElementCompute)
	require.Equal(t, 80, op.Preference().ComputeCapability)
	require.Equal(t, 8, op.Preference().Alignment)
	require.Equal(t, 70, findOperation(t, ops, "gemm_f16_rr_16x16").Preference().ComputeCapability)
	require.Equal(t, 50, findOperation(t, ops, "gemm_f32_rr_16x16").Preference().ComputeCapability)

	splitK := findOperation(t, ops, "gemm_f32_rr_32x32_splitk4")
	cfg := &Configuration{Mode: ModeGemm, M: 65, N: 64, K: 128, BatchCount: 1, LDA: 128, LDB: 64, LDC: 64, LDD: 64}
	require.Equal(t, 4*3*2, splitK.DeviceWorkspaceSize(cfg))
	require.Equal(t, 0, findOperation(t, ops, "gemm_f32_rr_32x32").DeviceWorkspaceSize(cfg))
	require.Equal(t, hostParamsSize, splitK.HostWorkspaceSize(cfg))
}

// directGemm holds operands for running operations without a Runner.
type directGemm struct {
	a, b    *mat.Dense
	ta, tb  Tensor
	td      Tensor
	cfg     Configuration
	m, n, k int
}

func newDirectGemm(t *testing.T, env *testEnv, m, n, k int) *directGemm {
	rng := rand.New(rand.NewPCG(11, 12))
	g := &directGemm{a: randomMatrix(rng, m, k), b: randomMatrix(rng, k, n), m: m, n: n, k: k}
	g.ta = env.upload(t, g.a, dtypes.Float32, LayoutRowMajor)
	g.tb = env.upload(t, g.b, dtypes.Float32, LayoutRowMajor)
	g.td = env.zeros(t, m, n, dtypes.Float32, LayoutRowMajor)
	g.cfg = Configuration{Mode: ModeGemm, M: m, N: n, K: k, BatchCount: 1, LDA: k, LDB: n, LDC: n, LDD: n}
	return g
}

func TestSplitKSemaphores(t *testing.T) {
	env := newTestEnv(t, driver.SimA100, testConfig())
	ops := must.M1(SimOperations(env.ctx))
	defer func() {
		for _, op := range ops {
			require.NoError(t, op.Release())
		}
	}()
	op := findOperation(t, ops, "gemm_f32_rr_32x32_splitk4")
	g := newDirectGemm(t, env, 64, 64, 256)
	args := &Arguments{A: g.ta.Address(), B: g.tb.Address(), C: g.td.Address(), D: g.td.Address(), Alpha: 1}

	host := make([]byte, op.HostWorkspaceSize(&g.cfg))
	require.Error(t, op.Run(args, host, nil, env.stream), "host workspace not initialized")
	require.Error(t, op.Initialize(&g.cfg, host, nil, env.stream), "device workspace missing")

	ws := must.M1(driver.NewBuffer(env.ctx, op.DeviceWorkspaceSize(&g.cfg)))
	defer func() { require.NoError(t, ws.Release()) }()
	require.NoError(t, op.Initialize(&g.cfg, host, ws, env.stream))
	require.NoError(t, op.Run(args, host, ws, env.stream))
	require.NoError(t, env.stream.Synchronize())
	var want mat.Dense
	want.Mul(g.a, g.b)
	requireMatrixEqual(t, &want, env.download(t, g.td))

	// Running again without Initialize finds the semaphores set: the kernel fails asynchronously.
	require.NoError(t, op.Run(args, host, ws, env.stream))
	err := env.stream.Synchronize()
	require.Error(t, err)
	require.True(t, driver.IsDriverError(err, driver.ErrorLaunchFailed), "got %v", err)
}

func TestDeviceScalars(t *testing.T) {
	env := newTestEnv(t, driver.SimA100, testConfig())
	ops := must.M1(SimOperations(env.ctx))
	defer func() {
		for _, op := range ops {
			require.NoError(t, op.Release())
		}
	}()
	op := findOperation(t, ops, "gemm_f32_rr_16x16")
	g := newDirectGemm(t, env, 20, 12, 8)
	rng := rand.New(rand.NewPCG(13, 14))
	c := randomMatrix(rng, g.m, g.n)
	tc := env.upload(t, c, dtypes.Float32, LayoutRowMajor)
	scalars := env.upload(t, mat.NewDense(1, 2, []float64{0.5, 3}), dtypes.Float32, LayoutRowMajor)

	args := &Arguments{
		A: g.ta.Address(), B: g.tb.Address(), C: tc.Address(), D: g.td.Address(),
		AlphaPtr:   scalars.Address(),
		BetaPtr:    scalars.Address() + 4,
		ScalarMode: ScalarDevice,
	}
	host := make([]byte, op.HostWorkspaceSize(&g.cfg))
	require.NoError(t, op.Initialize(&g.cfg, host, nil, env.stream))
	require.NoError(t, op.Run(args, host, nil, env.stream))

	var want, betaC mat.Dense
	want.Mul(g.a, g.b)
	want.Scale(0.5, &want)
	betaC.Scale(3, c)
	want.Add(&want, &betaC)
	requireMatrixEqual(t, &want, env.download(t, g.td))

	args.BetaPtr = 0
	require.Error(t, op.Run(args, host, nil, env.stream))
}
