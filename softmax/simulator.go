package softmax

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/chewxy/math32"
	"github.com/gomlx/gotriton/autotune"
	"github.com/gomlx/gotriton/driver"
	"github.com/gomlx/gotriton/dtypes"
	"github.com/pkg/errors"
)

// SimModuleName is the name of the simulator module with the softmax kernels.
const SimModuleName = "softmax_sim"

// Block sizes and numbers of warps of the simulator kernels.
var (
	simBlockSizes = []int{128, 256, 512, 1024, 2048, 4096, 8192, 16384}
	simNumWarps   = []int{2, 4, 8, 16}
)

// MaxColumns is the largest number of columns the simulator kernels handle.
const MaxColumns = 16384

const (
	argY = iota
	argX
	argYRowStride
	argXRowStride
	argNumCols
)

func simKernelName(blockSize, numWarps int) string {
	return fmt.Sprintf("softmax_b%d_w%d", blockSize, numWarps)
}

// Simulated cost model constants.
const (
	simRowOverheadNs   = 300.0
	simElementNs       = 2.0
	simReductionStepNs = 20.0

	// Per thread elements above which the row no longer fits in registers.
	simMaxRegisterElements = 64
	simMaxThreadsPerSM     = 2048
	simMaxBlocksPerSM      = 16
)

// simSoftmaxCost models the execution time of a kernel: rows run in waves of as many threadblocks as fit
// in the multiprocessors. Each thread handles blockSize/threads elements, and the block-wide max and sum
// reductions take log2(threads) steps. Rows that don't fit in registers spill, doubling their cost.
func simSoftmaxCost(blockSize, numWarps, rows, multiprocessors int) time.Duration {
	threads := 32 * numWarps
	elementsPerThread := max(blockSize/threads, 1)
	rowNs := simRowOverheadNs + float64(elementsPerThread)*simElementNs +
		float64(bits.Len(uint(threads))-1)*simReductionStepNs
	if elementsPerThread > simMaxRegisterElements {
		rowNs *= 2
	}
	concurrent := max(multiprocessors, 1) * min(simMaxBlocksPerSM, simMaxThreadsPerSM/threads)
	waves := (rows + concurrent - 1) / concurrent
	return time.Duration(float64(waves) * rowNs)
}

// RegisterSimKernels registers the simulator module SimModuleName, with one softmax kernel for each block
// size and number of warps. Use SimKernels to load them.
func RegisterSimKernels(sim *driver.Simulator) {
	module := make(driver.SimModule)
	for _, blockSize := range simBlockSizes {
		for _, numWarps := range simNumWarps {
			module[simKernelName(blockSize, numWarps)] = driver.SimKernel{
				ArgSizes: []int{8, 8, 4, 4, 4},
				Run: func(l *driver.SimLaunch) error {
					return runSimSoftmax(l, blockSize, numWarps)
				},
				Cost: func(l *driver.SimLaunch) time.Duration {
					return simSoftmaxCost(blockSize, numWarps, int(l.Grid.X), l.Device.Multiprocessors)
				},
			}
		}
	}
	sim.RegisterModule(SimModuleName, module)
}

// SimKernels loads the simulator softmax module in ctx and returns its kernels, by increasing block size
// and number of warps. The caller owns the kernels (see Runner.Register).
func SimKernels(ctx *driver.Context) ([]*Kernel, error) {
	module, err := driver.LoadModule(ctx, driver.SimModuleImage(SimModuleName))
	if err != nil {
		return nil, err
	}
	defer func() { _ = module.Release() }()

	var kernels []*Kernel
	release := func() {
		for _, k := range kernels {
			_ = k.Release()
		}
	}
	pref := autotune.PreferenceKey{ComputeCapability: 50, Alignment: 1}
	for _, blockSize := range simBlockSizes {
		for _, numWarps := range simNumWarps {
			kernel, err := module.Kernel(simKernelName(blockSize, numWarps))
			if err != nil {
				release()
				return nil, err
			}
			k, err := NewKernel(kernel, blockSize, numWarps, pref)
			if err != nil {
				_ = kernel.Release()
				release()
				return nil, err
			}
			kernels = append(kernels, k)
		}
	}
	return kernels, nil
}

// NewSimRunner creates a Runner with all the kernels of the simulator module, which must have been
// registered with RegisterSimKernels.
func NewSimRunner(ctx *driver.Context, cfg autotune.Config) (*Runner, error) {
	kernels, err := SimKernels(ctx)
	if err != nil {
		return nil, err
	}
	r, err := NewRunner(ctx, cfg)
	if err != nil {
		for _, k := range kernels {
			_ = k.Release()
		}
		return nil, err
	}
	r.Register(kernels...)
	return r, nil
}

func runSimSoftmax(l *driver.SimLaunch, blockSize, numWarps int) error {
	rows, n := int(l.Grid.X), int(l.ArgInt32(argNumCols))
	xStride, yStride := int(l.ArgInt32(argXRowStride)), int(l.ArgInt32(argYRowStride))
	if int(l.Block.X) != 32*numWarps {
		return errors.Errorf("%s: block %+v doesn't have %d warps", l.Kernel, l.Block, numWarps)
	}
	if n <= 0 || n > blockSize {
		return errors.Errorf("%s: %d columns for a block of %d", l.Kernel, n, blockSize)
	}
	if xStride < n || yStride < n {
		return errors.Errorf("%s: row strides %d and %d smaller than %d columns", l.Kernel, xStride, yStride, n)
	}
	rawX, err := l.Memory(l.ArgPointer(argX), 4*((rows-1)*xStride+n))
	if err != nil {
		return err
	}
	rawY, err := l.Memory(l.ArgPointer(argY), 4*((rows-1)*yStride+n))
	if err != nil {
		return err
	}
	for row := range rows {
		// Decoding copies the row, so x and y may alias.
		x := dtypes.DecodeFloat32s(dtypes.Float32, rawX[4*row*xStride:4*(row*xStride+n)])
		rowMax := math32.Inf(-1)
		for _, v := range x {
			rowMax = math32.Max(rowMax, v)
		}
		var sum float32
		for ii, v := range x {
			x[ii] = math32.Exp(v - rowMax)
			sum += x[ii]
		}
		for ii, v := range x {
			dtypes.WriteFloat32(rawY, dtypes.Float32, row*yStride+ii, v/sum)
		}
	}
	return nil
}
