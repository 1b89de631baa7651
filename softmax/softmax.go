// Package softmax implements the fused row-wise softmax, y = exp(x - max(x)) / sum(exp(x - max(x))) for
// each row of a float32 matrix, autotuned over the block size and the number of warps of its kernels.
//
// Each row is processed by one threadblock that loads the whole row, so a kernel is only eligible when
// its block size is at least the number of columns.
package softmax

import (
	"fmt"
	"sync"

	"github.com/gomlx/gotriton/autotune"
	"github.com/gomlx/gotriton/driver"
	"github.com/gomlx/gotriton/dtypes"
	"github.com/pkg/errors"
)

// FunctionalKey of the softmax kernels.
type FunctionalKey struct {
	DType dtypes.DType
}

// Signature identifies a softmax problem in the autotuning cache.
type Signature struct {
	M, N     int
	DeviceID int
}

// Matrix is a row-major float32 matrix in a device buffer, whose rows may be padded.
type Matrix struct {
	Buffer *driver.Buffer

	// Offset in bytes of the first element.
	Offset int

	Rows, Cols int

	// RowStride in elements, at least Cols.
	RowStride int
}

// NewMatrix returns a contiguous rows x cols matrix starting at the beginning of buf.
func NewMatrix(buf *driver.Buffer, rows, cols int) Matrix {
	return Matrix{Buffer: buf, Rows: rows, Cols: cols, RowStride: cols}
}

// String implements fmt.Stringer.
func (m Matrix) String() string {
	return fmt.Sprintf("[%d, %d] row stride %d", m.Rows, m.Cols, m.RowStride)
}

// Address of the first element.
func (m Matrix) Address() driver.CUdeviceptr {
	return m.Buffer.Address() + driver.CUdeviceptr(m.Offset)
}

// span returns the number of bytes from the first to one past the last element.
func (m Matrix) span() int {
	return 4 * ((m.Rows-1)*m.RowStride + m.Cols)
}

// Check verifies the matrix shape and that it fits in its buffer.
func (m Matrix) Check() error {
	switch {
	case m.Buffer == nil:
		return errors.Errorf("matrix %s has no buffer", m)
	case m.Rows <= 0 || m.Cols <= 0:
		return errors.Errorf("matrix %s is empty", m)
	case m.RowStride < m.Cols:
		return errors.Errorf("matrix %s has overlapping rows", m)
	case m.Offset < 0 || m.Offset%4 != 0:
		return errors.Errorf("matrix %s has a misaligned offset %d", m, m.Offset)
	case m.Offset+m.span() > m.Buffer.Size():
		return errors.Wrapf(driver.ErrOutOfRange, "matrix %s at offset %d doesn't fit in %s", m, m.Offset, m.Buffer)
	}
	return nil
}

// overlaps returns whether both matrices share any memory.
func (m Matrix) overlaps(other Matrix) bool {
	if m.Buffer != other.Buffer && m.Buffer.Address() != other.Buffer.Address() {
		return false
	}
	return m.Offset < other.Offset+other.span() && other.Offset < m.Offset+m.span()
}

// Kernel is a compiled softmax kernel with a fixed block size and number of warps.
//
// Argument ABI: y, x (device pointers), y row stride, x row stride, number of columns (int32).
// The grid has one threadblock per row, of NumWarps warps.
type Kernel struct {
	blockSize, numWarps int
	pref                autotune.PreferenceKey

	mu     sync.Mutex
	kernel *driver.Kernel
}

// NewKernel creates a softmax Kernel, taking ownership of kernel.
func NewKernel(kernel *driver.Kernel, blockSize, numWarps int, pref autotune.PreferenceKey) (*Kernel, error) {
	if blockSize <= 0 || blockSize&(blockSize-1) != 0 {
		return nil, errors.Errorf("softmax kernel %q: block size %d is not a power of 2", kernel.Name(), blockSize)
	}
	if numWarps <= 0 {
		return nil, errors.Errorf("softmax kernel %q: invalid number of warps %d", kernel.Name(), numWarps)
	}
	return &Kernel{blockSize: blockSize, numWarps: numWarps, pref: pref, kernel: kernel}, nil
}

// Name implements autotune.Candidate.
func (k *Kernel) Name() string {
	return k.kernel.Name()
}

// Preference implements autotune.Candidate.
func (k *Kernel) Preference() autotune.PreferenceKey {
	return k.pref
}

// BlockSize is the maximum number of columns the kernel handles.
func (k *Kernel) BlockSize() int {
	return k.blockSize
}

// NumWarps per threadblock.
func (k *Kernel) NumWarps() int {
	return k.numWarps
}

// Accepts returns whether the kernel can process rows of n columns.
func (k *Kernel) Accepts(n int) bool {
	return k.blockSize >= n
}

// Run enqueues y = softmax(x) on the stream. x and y must have the same shape.
func (k *Kernel) Run(stream *driver.Stream, x, y Matrix) error {
	if !k.Accepts(x.Cols) {
		return errors.Errorf("softmax kernel %s can't process %d columns", k.Name(), x.Cols)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for ii, ptr := range []driver.CUdeviceptr{y.Address(), x.Address()} {
		if err := driver.SetArgValue(k.kernel, ii, ptr); err != nil {
			return err
		}
	}
	for ii, v := range []int{y.RowStride, x.RowStride, x.Cols} {
		if err := driver.SetArgValue(k.kernel, 2+ii, int32(v)); err != nil {
			return err
		}
	}
	grid := driver.Dim3{X: uint32(x.Rows)}
	block := driver.Dim3{X: uint32(32 * k.numWarps)}
	return stream.Enqueue(k.kernel, grid, block, nil, nil)
}

// Release the kernel.
func (k *Kernel) Release() error {
	return k.kernel.Release()
}

// Runner computes softmax with the fastest eligible of its kernels for each problem.
// It owns the registered kernels and is safe for concurrent use.
type Runner struct {
	ctx      *driver.Context
	registry *autotune.Registry[FunctionalKey, *Kernel]
	selector *autotune.Selector[Signature, *Kernel]

	mu      sync.Mutex
	kernels []*Kernel
}

// NewRunner creates a Runner in ctx. Kernels are added with Register.
func NewRunner(ctx *driver.Context, cfg autotune.Config) (*Runner, error) {
	selector, err := autotune.NewSelector[Signature, *Kernel]("softmax", ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Runner{
		ctx:      ctx,
		registry: autotune.NewRegistry[FunctionalKey, *Kernel](),
		selector: selector,
	}, nil
}

// Register adds float32 kernels to the runner, which takes ownership of them.
func (r *Runner) Register(kernels ...*Kernel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range kernels {
		r.registry.Register(FunctionalKey{DType: dtypes.Float32}, k)
		r.kernels = append(r.kernels, k)
	}
}

// Stats of the autotuning cache.
func (r *Runner) Stats() autotune.Stats {
	return r.selector.Stats()
}

// Release the kernels and the selector.
func (r *Runner) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, k := range r.kernels {
		if err := k.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.kernels = nil
	if err := r.selector.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Softmax enqueues y = softmax(x) on the stream, row by row. x and y may be the same matrix.
func (r *Runner) Softmax(stream *driver.Stream, x, y Matrix) error {
	k, err := r.Select(stream, x, y)
	if err != nil {
		return err
	}
	return k.Run(stream, x, y)
}

// Select returns the kernel used for the problem, benchmarking the eligible kernels if its signature is new.
// The benchmarks write y (unless x and y overlap) after the work already enqueued on stream is done, and
// Select waits for them.
func (r *Runner) Select(stream *driver.Stream, x, y Matrix) (*Kernel, error) {
	for _, m := range []Matrix{x, y} {
		if err := m.Check(); err != nil {
			return nil, err
		}
	}
	if x.Rows != y.Rows || x.Cols != y.Cols {
		return nil, errors.Errorf("softmax of %s into %s: shapes don't match", x, y)
	}
	device := r.ctx.Device()
	sig := Signature{M: x.Rows, N: x.Cols, DeviceID: device.Ordinal()}
	pref := autotune.PreferenceKey{ComputeCapability: device.ComputeCapabilityCode(), Alignment: 1}

	// Benchmark runs of an in-place softmax would apply it repeatedly: they write to a scratch matrix.
	var scratch *driver.Buffer
	defer func() {
		if scratch != nil {
			_ = scratch.Release()
		}
	}()
	benchOutput := func() (Matrix, error) {
		if !x.overlaps(y) {
			return y, nil
		}
		if scratch == nil {
			var err error
			scratch, err = driver.NewBuffer(r.ctx, y.span())
			if err != nil {
				return y, err
			}
		}
		out := y
		out.Buffer, out.Offset = scratch, 0
		return out, nil
	}

	k, err := r.selector.Select(stream, sig,
		func() ([]*Kernel, error) {
			kernels, err := r.registry.Lookup(FunctionalKey{DType: dtypes.Float32}, pref)
			if err != nil {
				return nil, err
			}
			var eligible []*Kernel
			for _, k := range kernels {
				if k.Accepts(sig.N) {
					eligible = append(eligible, k)
				}
			}
			if len(eligible) == 0 {
				return nil, errors.Wrapf(autotune.ErrNoEligibleCandidates, "no softmax kernel with block size >= %d",
					sig.N)
			}
			return eligible, nil
		},
		func(k *Kernel, benchStream *driver.Stream) error {
			out, err := benchOutput()
			if err != nil {
				return err
			}
			return k.Run(benchStream, x, out)
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "softmax %s", x)
	}
	return k, nil
}
