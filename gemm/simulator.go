package gemm

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gomlx/gotriton/autotune"
	"github.com/gomlx/gotriton/driver"
	"github.com/gomlx/gotriton/dtypes"
	"github.com/pkg/errors"
)

// SimModuleName is the name of the simulator module with the GEMM kernels.
const SimModuleName = "gemm_sim"

// simVariant is one kernel configuration of the simulator module.
type simVariant struct {
	tile      TileShape
	splitK    int
	threads   int
	minCC     int
	alignment int
}

var simVariants = []simVariant{
	{tile: TileShape{16, 16, 16}, splitK: 1, threads: 64, minCC: 50, alignment: 1},
	{tile: TileShape{32, 32, 16}, splitK: 1, threads: 128, minCC: 50, alignment: 2},
	{tile: TileShape{64, 64, 32}, splitK: 1, threads: 256, minCC: 50, alignment: 4},
	{tile: TileShape{128, 64, 32}, splitK: 1, threads: 256, minCC: 80, alignment: 8},
	{tile: TileShape{32, 32, 16}, splitK: 4, threads: 128, minCC: 50, alignment: 2},
}

var (
	simElementTypes = []dtypes.DType{dtypes.Float32, dtypes.Float16}
	simLayouts      = []Layout{LayoutRowMajor, LayoutColumnMajor}
)

func (v simVariant) kernelName(dtype dtypes.DType, layoutA, layoutB Layout) string {
	name := fmt.Sprintf("gemm_%s_%s%s_%dx%d", dtype.ShortName(), layoutA.code(), layoutB.code(), v.tile.M, v.tile.N)
	if v.splitK > 1 {
		name = fmt.Sprintf("%s_splitk%d", name, v.splitK)
	}
	return name
}

func (v simVariant) spec(dtype dtypes.DType, layoutA, layoutB Layout) KernelSpec {
	minCC := v.minCC
	if dtype == dtypes.Float16 {
		// Half precision kernels use tensor cores.
		minCC = max(minCC, 70)
	}
	return KernelSpec{
		Name: v.kernelName(dtype, layoutA, layoutB),
		Key: FunctionalKey{
			Provider:       ProviderSimulator,
			Kind:           KindUniversal,
			ElementCompute: dtypes.Float32,
			ElementScalar:  dtypes.Float32,
			ElementA:       dtype,
			LayoutA:        layoutA,
			ElementB:       dtype,
			LayoutB:        layoutB,
			ElementC:       dtype,
		},
		Preference: autotune.PreferenceKey{ComputeCapability: minCC, Alignment: v.alignment},
		Tile:       v.tile,
		SplitK:     v.splitK,
		Threads:    v.threads,
	}
}

// Simulated cost model constants.
const (
	simBlockOverheadNs   = 1000.0
	simMACNsF32          = 0.05
	simReductionNsPerElt = 0.01
)

// simGemmCost models the execution time of a variant: threadblocks run in waves of one block per
// multiprocessor, and larger tiles reuse more of the loaded data, but waste more work on the problem edges.
func simGemmCost(v simVariant, dtype dtypes.DType, m, n, k, multiprocessors int) time.Duration {
	tilesM, tilesN := (m+v.tile.M-1)/v.tile.M, (n+v.tile.N-1)/v.tile.N
	blocks := tilesM * tilesN * v.splitK
	multiprocessors = max(multiprocessors, 1)
	waves := (blocks + multiprocessors - 1) / multiprocessors
	kSlice := (k + v.splitK - 1) / v.splitK
	macNs := simMACNsF32
	if dtype == dtypes.Float16 {
		macNs /= 2
	}
	reuse := 2 * float64(v.tile.M*v.tile.N) / float64(v.tile.M+v.tile.N) / 16
	blockNs := simBlockOverheadNs + float64(kSlice*v.tile.M*v.tile.N)*macNs/reuse
	totalNs := float64(waves) * blockNs
	if v.splitK > 1 {
		totalNs += float64(tilesM*tilesN*v.tile.M*v.tile.N*v.splitK) * simReductionNsPerElt
	}
	return time.Duration(totalNs)
}

// RegisterSimKernels registers the simulator module SimModuleName, with the GEMM kernels of every variant
// for float32 and float16 and every layout of A and B. Use SimOperations to load them.
func RegisterSimKernels(sim *driver.Simulator) {
	module := make(driver.SimModule)
	for _, dtype := range simElementTypes {
		for _, layoutA := range simLayouts {
			for _, layoutB := range simLayouts {
				for _, v := range simVariants {
					module[v.kernelName(dtype, layoutA, layoutB)] = simGemmKernel(v, dtype, layoutA, layoutB)
				}
			}
		}
	}
	sim.RegisterModule(SimModuleName, module)
}

// SimOperations loads the simulator GEMM module in ctx and returns one operation per kernel, in the order
// of registration: for each element type and layouts, the variants from the smallest tile to the largest.
// The caller owns the operations (see Runner.Register).
func SimOperations(ctx *driver.Context) ([]Operation, error) {
	module, err := driver.LoadModule(ctx, driver.SimModuleImage(SimModuleName))
	if err != nil {
		return nil, err
	}
	// The kernels keep the module loaded.
	defer func() { _ = module.Release() }()

	var ops []Operation
	release := func() {
		for _, op := range ops {
			_ = op.Release()
		}
	}
	for _, dtype := range simElementTypes {
		for _, layoutA := range simLayouts {
			for _, layoutB := range simLayouts {
				for _, v := range simVariants {
					spec := v.spec(dtype, layoutA, layoutB)
					kernel, err := module.Kernel(spec.Name)
					if err != nil {
						release()
						return nil, err
					}
					op, err := NewKernelOperation(kernel, spec)
					if err != nil {
						_ = kernel.Release()
						release()
						return nil, err
					}
					ops = append(ops, op)
				}
			}
		}
	}
	return ops, nil
}

func simGemmKernel(v simVariant, dtype dtypes.DType, layoutA, layoutB Layout) driver.SimKernel {
	return driver.SimKernel{
		ArgSizes: []int{8, 8, 8, 8, 4, 4, 4, 4, 4, 4, 4, 8, 8, 4, 8},
		Run: func(l *driver.SimLaunch) error {
			return runSimGemm(l, v, dtype, layoutA, layoutB)
		},
		Cost: func(l *driver.SimLaunch) time.Duration {
			return simGemmCost(v, dtype, int(l.ArgInt32(argM)), int(l.ArgInt32(argN)), int(l.ArgInt32(argK)),
				l.Device.Multiprocessors)
		},
	}
}

// simScalar reads alpha or beta from its kernel argument.
func simScalar(l *driver.SimLaunch, arg int) (float32, error) {
	if ScalarPointerMode(l.ArgInt32(argScalarMode)) == ScalarDevice {
		mem, err := l.Memory(l.ArgPointer(arg), 4)
		if err != nil {
			return 0, err
		}
		return math.Float32frombits(binary.NativeEndian.Uint32(mem)), nil
	}
	return math.Float32frombits(binary.NativeEndian.Uint32(l.Arg(arg))), nil
}

func runSimGemm(l *driver.SimLaunch, v simVariant, dtype dtypes.DType, layoutA, layoutB Layout) error {
	m, n, k := int(l.ArgInt32(argM)), int(l.ArgInt32(argN)), int(l.ArgInt32(argK))
	lda, ldb, ldc, ldd := int(l.ArgInt32(argLDA)), int(l.ArgInt32(argLDB)), int(l.ArgInt32(argLDC)),
		int(l.ArgInt32(argLDD))
	tilesM, tilesN := (m+v.tile.M-1)/v.tile.M, (n+v.tile.N-1)/v.tile.N
	if int(l.Grid.X) != tilesM || int(l.Grid.Y) != tilesN || int(l.Grid.Z) != v.splitK {
		return errors.Errorf("%s: grid %+v doesn't match problem %dx%dx%d", l.Kernel, l.Grid, m, n, k)
	}
	size := dtype.Size()
	rawA, err := l.Memory(l.ArgPointer(argA), matrixSpan(layoutA, m, k, lda)*size)
	if err != nil {
		return err
	}
	rawB, err := l.Memory(l.ArgPointer(argB), matrixSpan(layoutB, k, n, ldb)*size)
	if err != nil {
		return err
	}
	rawD, err := l.Memory(l.ArgPointer(argD), matrixSpan(LayoutRowMajor, m, n, ldd)*size)
	if err != nil {
		return err
	}
	alpha, err := simScalar(l, argAlpha)
	if err != nil {
		return err
	}
	beta, err := simScalar(l, argBeta)
	if err != nil {
		return err
	}
	var c []float32
	if beta != 0 {
		rawC, err := l.Memory(l.ArgPointer(argC), matrixSpan(LayoutRowMajor, m, n, ldc)*size)
		if err != nil {
			return err
		}
		c = dtypes.DecodeFloat32s(dtype, rawC)
	}

	var semaphores []byte
	if v.splitK > 1 {
		semaphores, err = l.Memory(l.ArgPointer(argWorkspace), 4*tilesM*tilesN)
		if err != nil {
			return err
		}
		for ii := range tilesM * tilesN {
			if binary.NativeEndian.Uint32(semaphores[4*ii:]) != 0 {
				return errors.Errorf("%s: split-k semaphore of tile #%d not reset", l.Kernel, ii)
			}
		}
	}

	a, b := dtypes.DecodeFloat32s(dtype, rawA), dtypes.DecodeFloat32s(dtype, rawB)
	idxA := func(i, kk int) int { return i*lda + kk }
	if layoutA == LayoutColumnMajor {
		idxA = func(i, kk int) int { return i + kk*lda }
	}
	idxB := func(kk, j int) int { return kk*ldb + j }
	if layoutB == LayoutColumnMajor {
		idxB = func(kk, j int) int { return kk + j*ldb }
	}
	for i := range m {
		for j := range n {
			var acc float32
			for kk := range k {
				acc += a[idxA(i, kk)] * b[idxB(kk, j)]
			}
			value := alpha * acc
			if c != nil {
				value += beta * c[i*ldc+j]
			}
			dtypes.WriteFloat32(rawD, dtype, i*ldd+j, value)
		}
	}

	if semaphores != nil {
		for ii := range tilesM * tilesN {
			binary.NativeEndian.PutUint32(semaphores[4*ii:], uint32(v.splitK))
		}
	}
	return nil
}
