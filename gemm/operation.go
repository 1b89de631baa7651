package gemm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gomlx/gotriton/autotune"
	"github.com/gomlx/gotriton/driver"
	"github.com/pkg/errors"
)

// TileShape is the threadblock tile of a kernel: each threadblock computes a M x N tile of the output,
// iterating over K in steps of K.
type TileShape struct {
	M, N, K int
}

// String implements fmt.Stringer.
func (t TileShape) String() string {
	return fmt.Sprintf("%dx%dx%d", t.M, t.N, t.K)
}

// KernelSpec describes a compiled GEMM kernel.
type KernelSpec struct {
	Name       string
	Key        FunctionalKey
	Preference autotune.PreferenceKey
	Tile       TileShape

	// SplitK is the number of slices K is split into, reduced serially through semaphores in the device
	// workspace. 0 or 1 means no split.
	SplitK int

	// Threads per threadblock.
	Threads int
}

// Argument ABI of the GEMM kernels wrapped by KernelOperation:
//
//	0..3: A, B, C, D (device pointers)
//	4..10: M, N, K, lda, ldb, ldc, ldd (int32)
//	11, 12: alpha, beta (8 bytes: the float32 value in the first 4 bytes, or a device pointer)
//	13: scalar pointer mode (int32)
//	14: device workspace (device pointer, 0 if none)
//
// The grid is (ceil(M/Tile.M), ceil(N/Tile.N), SplitK).
const (
	argA = iota
	argB
	argC
	argD
	argM
	argN
	argK
	argLDA
	argLDB
	argLDC
	argLDD
	argAlpha
	argBeta
	argScalarMode
	argWorkspace
	numKernelArgs
)

// hostParamsSize is the size of the launch parameters kept in the host workspace: 8 int32 values.
const hostParamsSize = 32

// KernelOperation implements Operation with a driver.Kernel.
//
// Its kernel arguments are set right before each launch, holding a lock, so it can be run concurrently.
type KernelOperation struct {
	spec KernelSpec

	mu     sync.Mutex
	kernel *driver.Kernel
}

var _ Operation = (*KernelOperation)(nil)

// NewKernelOperation creates a KernelOperation, taking ownership of kernel.
func NewKernelOperation(kernel *driver.Kernel, spec KernelSpec) (*KernelOperation, error) {
	if spec.Tile.M <= 0 || spec.Tile.N <= 0 || spec.Tile.K <= 0 {
		return nil, errors.Errorf("gemm kernel %q: invalid tile shape %s", spec.Name, spec.Tile)
	}
	if spec.Threads <= 0 {
		return nil, errors.Errorf("gemm kernel %q: invalid number of threads %d", spec.Name, spec.Threads)
	}
	if spec.SplitK < 1 {
		spec.SplitK = 1
	}
	if spec.Name == "" {
		spec.Name = kernel.Name()
	}
	return &KernelOperation{spec: spec, kernel: kernel}, nil
}

// Name implements autotune.Candidate.
func (op *KernelOperation) Name() string {
	return op.spec.Name
}

// Preference implements autotune.Candidate.
func (op *KernelOperation) Preference() autotune.PreferenceKey {
	return op.spec.Preference
}

// FunctionalKey implements Operation.
func (op *KernelOperation) FunctionalKey() FunctionalKey {
	return op.spec.Key
}

// Spec returns the kernel description.
func (op *KernelOperation) Spec() KernelSpec {
	return op.spec
}

// String implements fmt.Stringer.
func (op *KernelOperation) String() string {
	return fmt.Sprintf("%s (tile %s, split-k %d, %s)", op.spec.Name, op.spec.Tile, op.spec.SplitK, op.spec.Preference)
}

func (op *KernelOperation) tiles(cfg *Configuration) (tilesM, tilesN int) {
	return (cfg.M + op.spec.Tile.M - 1) / op.spec.Tile.M, (cfg.N + op.spec.Tile.N - 1) / op.spec.Tile.N
}

// HostWorkspaceSize implements Operation.
func (op *KernelOperation) HostWorkspaceSize(_ *Configuration) int {
	return hostParamsSize
}

// DeviceWorkspaceSize implements Operation: split-K kernels need one int32 semaphore per output tile.
func (op *KernelOperation) DeviceWorkspaceSize(cfg *Configuration) int {
	if op.spec.SplitK <= 1 {
		return 0
	}
	tilesM, tilesN := op.tiles(cfg)
	return 4 * tilesM * tilesN
}

// Initialize implements Operation. It stores the launch parameters in the host workspace and enqueues the
// reset of the split-K semaphores.
func (op *KernelOperation) Initialize(cfg *Configuration, hostWorkspace []byte, deviceWorkspace *driver.Buffer,
	stream *driver.Stream) error {
	if err := cfg.Validate(op.spec.Key.LayoutA, op.spec.Key.LayoutB); err != nil {
		return errors.WithMessagef(err, "gemm %s", op.spec.Name)
	}
	if len(hostWorkspace) < hostParamsSize {
		return errors.Errorf("gemm %s: host workspace of %d bytes, %d required", op.spec.Name,
			len(hostWorkspace), hostParamsSize)
	}
	for ii, v := range []int{cfg.M, cfg.N, cfg.K, cfg.LDA, cfg.LDB, cfg.LDC, cfg.LDD, op.spec.SplitK} {
		if v > math.MaxInt32 {
			return errors.Wrapf(ErrInvalidConfiguration, "gemm %s: parameter #%d=%d overflows int32", op.spec.Name,
				ii, v)
		}
		binary.LittleEndian.PutUint32(hostWorkspace[4*ii:], uint32(v))
	}

	size := op.DeviceWorkspaceSize(cfg)
	if size == 0 {
		return nil
	}
	if deviceWorkspace == nil || deviceWorkspace.Size() < size {
		return errors.Errorf("gemm %s: device workspace of %d bytes required", op.spec.Name, size)
	}
	return stream.Write(deviceWorkspace, false, 0, size, make([]byte, size))
}

// hostParams decoded from the host workspace.
type hostParams struct {
	m, n, k, lda, ldb, ldc, ldd, splitK int32
}

func decodeHostParams(hostWorkspace []byte) (p hostParams, ok bool) {
	if len(hostWorkspace) < hostParamsSize {
		return
	}
	fields := []*int32{&p.m, &p.n, &p.k, &p.lda, &p.ldb, &p.ldc, &p.ldd, &p.splitK}
	for ii, field := range fields {
		*field = int32(binary.LittleEndian.Uint32(hostWorkspace[4*ii:]))
	}
	return p, p.m > 0 && p.n > 0 && p.k > 0
}

// scalarArg encodes alpha or beta in the 8 bytes of its kernel argument.
func scalarArg(mode ScalarPointerMode, value float32, ptr driver.CUdeviceptr) uint64 {
	if mode == ScalarDevice {
		return uint64(ptr)
	}
	var raw [8]byte
	binary.NativeEndian.PutUint32(raw[:], math.Float32bits(value))
	return binary.NativeEndian.Uint64(raw[:])
}

// Run implements Operation. The host workspace must have been prepared by Initialize.
func (op *KernelOperation) Run(args *Arguments, hostWorkspace []byte, deviceWorkspace *driver.Buffer,
	stream *driver.Stream) error {
	p, ok := decodeHostParams(hostWorkspace)
	if !ok {
		return errors.Errorf("gemm %s: host workspace not initialized", op.spec.Name)
	}
	if args.ScalarMode == ScalarDevice && (args.AlphaPtr == 0 || args.BetaPtr == 0) {
		return errors.Errorf("gemm %s: device scalar mode requires alpha and beta pointers", op.spec.Name)
	}
	var workspace driver.CUdeviceptr
	if deviceWorkspace != nil {
		workspace = deviceWorkspace.Address()
	}
	grid := driver.Dim3{
		X: uint32((int(p.m) + op.spec.Tile.M - 1) / op.spec.Tile.M),
		Y: uint32((int(p.n) + op.spec.Tile.N - 1) / op.spec.Tile.N),
		Z: uint32(p.splitK),
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	k := op.kernel
	for ii, ptr := range []driver.CUdeviceptr{args.A, args.B, args.C, args.D} {
		if err := driver.SetArgValue(k, argA+ii, ptr); err != nil {
			return err
		}
	}
	for ii, v := range []int32{p.m, p.n, p.k, p.lda, p.ldb, p.ldc, p.ldd} {
		if err := driver.SetArgValue(k, argM+ii, v); err != nil {
			return err
		}
	}
	if err := driver.SetArgValue(k, argAlpha, scalarArg(args.ScalarMode, args.Alpha, args.AlphaPtr)); err != nil {
		return err
	}
	if err := driver.SetArgValue(k, argBeta, scalarArg(args.ScalarMode, args.Beta, args.BetaPtr)); err != nil {
		return err
	}
	if err := driver.SetArgValue(k, argScalarMode, int32(args.ScalarMode)); err != nil {
		return err
	}
	if err := driver.SetArgValue(k, argWorkspace, workspace); err != nil {
		return err
	}
	if err := stream.Enqueue(k, grid, driver.Dim3{X: uint32(op.spec.Threads)}, nil, nil); err != nil {
		return errors.WithMessagef(err, "gemm %s", op.spec.Name)
	}
	return nil
}

// Release implements Operation, releasing the kernel.
func (op *KernelOperation) Release() error {
	return op.kernel.Release()
}
