// Package gemm implements the general matrix multiplication family of operations,
// D = alpha * A·B + beta * C, autotuned over the registered kernel implementations.
//
// Operations are indexed by a FunctionalKey (the element types, layouts and transforms they implement)
// and narrowed by an autotune.PreferenceKey (compute capability and alignment). A Runner picks the
// fastest eligible operation once per problem signature and runs it.
//
// Matrices A and B may be row-major or column-major; C and D must share a layout, and column-major
// outputs are handled by computing the transposed product.
package gemm

import (
	"fmt"

	"github.com/gomlx/gotriton/autotune"
	"github.com/gomlx/gotriton/driver"
	"github.com/gomlx/gotriton/dtypes"
	"github.com/pkg/errors"
)

// Provider of an operation implementation.
type Provider string

const (
	// ProviderSimulator marks the kernels of the simulator module, see RegisterSimKernels.
	ProviderSimulator Provider = "sim"

	// ProviderCUTLASS marks kernels compiled from CUTLASS templates with the KernelOperation argument ABI.
	ProviderCUTLASS Provider = "cutlass"
)

// Kind of GEMM operation.
type Kind int

const (
	// KindUniversal is the GEMM that supports any problem size, with split-K as an implementation detail.
	KindUniversal Kind = iota
)

// Layout of a matrix in memory.
type Layout int

const (
	LayoutRowMajor Layout = iota
	LayoutColumnMajor
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case LayoutRowMajor:
		return "RowMajor"
	case LayoutColumnMajor:
		return "ColumnMajor"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// Transposed returns the layout of the transposed matrix, with the same strides.
func (l Layout) Transposed() Layout {
	if l == LayoutRowMajor {
		return LayoutColumnMajor
	}
	return LayoutRowMajor
}

// code used in kernel names.
func (l Layout) code() string {
	if l == LayoutColumnMajor {
		return "c"
	}
	return "r"
}

// ComplexTransform applied to an operand when loading it.
type ComplexTransform int

const (
	TransformNone ComplexTransform = iota
	TransformConjugate
)

// ScalarPointerMode tells whether alpha and beta are passed by value from the host, or as pointers to
// device memory.
type ScalarPointerMode int

const (
	ScalarHost ScalarPointerMode = iota
	ScalarDevice
)

// String implements fmt.Stringer.
func (m ScalarPointerMode) String() string {
	if m == ScalarDevice {
		return "Device"
	}
	return "Host"
}

// FunctionalKey holds everything about an operation that affects the results it computes.
type FunctionalKey struct {
	Provider       Provider
	Kind           Kind
	ElementCompute dtypes.DType
	ElementScalar  dtypes.DType

	ElementA   dtypes.DType
	LayoutA    Layout
	TransformA ComplexTransform

	ElementB   dtypes.DType
	LayoutB    Layout
	TransformB ComplexTransform

	ElementC dtypes.DType
}

// String implements fmt.Stringer.
func (k FunctionalKey) String() string {
	return fmt.Sprintf("%s gemm %s%s*%s%s->%s (compute %s, scalar %s)", k.Provider,
		k.ElementA.ShortName(), k.LayoutA.code(), k.ElementB.ShortName(), k.LayoutB.code(),
		k.ElementC.ShortName(), k.ElementCompute.ShortName(), k.ElementScalar.ShortName())
}

// Mode of the GEMM problem.
type Mode int

const (
	// ModeGemm is a single matrix product.
	ModeGemm Mode = iota
)

// Configuration of a GEMM problem: its sizes and leading dimensions (in elements).
// C and D are row-major: the leading dimension is the distance between rows.
type Configuration struct {
	Mode       Mode
	M, N, K    int
	BatchCount int

	LDA, LDB, LDC, LDD int
}

// Arguments of one GEMM execution.
type Arguments struct {
	A, B, C, D driver.CUdeviceptr

	// Alpha and Beta are used with ScalarHost.
	Alpha, Beta float32

	// AlphaPtr and BetaPtr point to float32 values in device memory, used with ScalarDevice.
	AlphaPtr, BetaPtr driver.CUdeviceptr

	ScalarMode ScalarPointerMode
}

// Operation is one implementation of GEMM.
//
// Running an operation follows the sequence: query the workspace sizes for the configuration, call
// Initialize with workspaces of at least those sizes, then Run with the arguments. Initialize and Run
// enqueue their device work on the given stream.
type Operation interface {
	autotune.Candidate

	// FunctionalKey returns the key under which the operation is registered.
	FunctionalKey() FunctionalKey

	// HostWorkspaceSize returns the bytes of host workspace needed for the configuration.
	HostWorkspaceSize(cfg *Configuration) int

	// DeviceWorkspaceSize returns the bytes of device workspace needed for the configuration.
	DeviceWorkspaceSize(cfg *Configuration) int

	// Initialize prepares the workspaces for the configuration.
	Initialize(cfg *Configuration, hostWorkspace []byte, deviceWorkspace *driver.Buffer, stream *driver.Stream) error

	// Run enqueues the operation on the stream.
	Run(args *Arguments, hostWorkspace []byte, deviceWorkspace *driver.Buffer, stream *driver.Stream) error

	// Release the resources of the operation.
	Release() error
}

var (
	// ErrNonContiguous is returned for tensors that are neither row-major nor column-major.
	ErrNonContiguous = errors.New("tensor is neither row-major nor column-major")

	// ErrShapeMismatch is returned when the shapes or dtypes of the operands don't form a valid GEMM.
	ErrShapeMismatch = errors.New("gemm operands have incompatible shapes or dtypes")

	// ErrInvalidConfiguration is returned by operations that can't implement a configuration.
	ErrInvalidConfiguration = errors.New("invalid gemm configuration")
)

// Validate checks the configuration sizes and leading dimensions for the layouts of A and B.
func (cfg *Configuration) Validate(layoutA, layoutB Layout) error {
	if cfg.Mode != ModeGemm || cfg.BatchCount != 1 {
		return errors.Wrapf(ErrInvalidConfiguration, "mode %d with batch count %d", cfg.Mode, cfg.BatchCount)
	}
	if cfg.M <= 0 || cfg.N <= 0 || cfg.K <= 0 {
		return errors.Wrapf(ErrInvalidConfiguration, "problem size %dx%dx%d", cfg.M, cfg.N, cfg.K)
	}
	for _, check := range []struct {
		name      string
		ld, minLD int
	}{
		{"lda", cfg.LDA, leadingExtent(layoutA, cfg.M, cfg.K)},
		{"ldb", cfg.LDB, leadingExtent(layoutB, cfg.K, cfg.N)},
		{"ldc", cfg.LDC, cfg.N},
		{"ldd", cfg.LDD, cfg.N},
	} {
		if check.ld < check.minLD {
			return errors.Wrapf(ErrInvalidConfiguration, "%s=%d smaller than %d", check.name, check.ld, check.minLD)
		}
	}
	return nil
}

// leadingExtent returns the minimum leading dimension of a rows x cols matrix.
func leadingExtent(layout Layout, rows, cols int) int {
	if layout == LayoutColumnMajor {
		return rows
	}
	return cols
}

// matrixSpan returns the number of elements between the first and one past the last element of a
// rows x cols matrix with the given layout and leading dimension.
func matrixSpan(layout Layout, rows, cols, ld int) int {
	if layout == LayoutColumnMajor {
		return (cols-1)*ld + rows
	}
	return (rows-1)*ld + cols
}
