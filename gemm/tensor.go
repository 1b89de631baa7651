package gemm

import (
	"fmt"

	"github.com/gomlx/gotriton/driver"
	"github.com/gomlx/gotriton/dtypes"
	"github.com/pkg/errors"
)

// Tensor is a 2D view of a device buffer.
type Tensor struct {
	Buffer *driver.Buffer

	// Offset in bytes of the first element in Buffer.
	Offset int

	DType dtypes.DType

	// Shape is rows, cols.
	Shape [2]int

	// Strides in elements of rows and cols.
	Strides [2]int
}

// RowMajor returns a contiguous row-major tensor starting at the beginning of buf.
func RowMajor(buf *driver.Buffer, dtype dtypes.DType, rows, cols int) Tensor {
	return Tensor{Buffer: buf, DType: dtype, Shape: [2]int{rows, cols}, Strides: [2]int{cols, 1}}
}

// ColumnMajor returns a contiguous column-major tensor starting at the beginning of buf.
func ColumnMajor(buf *driver.Buffer, dtype dtypes.DType, rows, cols int) Tensor {
	return Tensor{Buffer: buf, DType: dtype, Shape: [2]int{rows, cols}, Strides: [2]int{1, rows}}
}

// String implements fmt.Stringer.
func (t Tensor) String() string {
	return fmt.Sprintf("(%s)[%d, %d] strides %v", t.DType, t.Shape[0], t.Shape[1], t.Strides)
}

// Layout derives the layout from the strides: a unit row stride is column-major (checked first), a unit
// column stride is row-major. Anything else is ErrNonContiguous.
func (t Tensor) Layout() (Layout, error) {
	switch {
	case t.Strides[0] == 1:
		return LayoutColumnMajor, nil
	case t.Strides[1] == 1:
		return LayoutRowMajor, nil
	}
	return 0, errors.Wrapf(ErrNonContiguous, "tensor %s", t)
}

// LeadingDim returns the leading dimension of the tensor for its layout. The stride of a dimension of size 1
// is irrelevant, so for single column (column-major) or single row (row-major) tensors it is at least the
// other dimension.
func (t Tensor) LeadingDim() (int, error) {
	layout, err := t.Layout()
	if err != nil {
		return 0, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	if layout == LayoutColumnMajor {
		if cols == 1 {
			return max(t.Strides[1], rows), nil
		}
		return t.Strides[1], nil
	}
	if rows == 1 {
		return max(t.Strides[0], cols), nil
	}
	return t.Strides[0], nil
}

// T returns the transposed view of the tensor: same memory, swapped shape and strides.
func (t Tensor) T() Tensor {
	t.Shape[0], t.Shape[1] = t.Shape[1], t.Shape[0]
	t.Strides[0], t.Strides[1] = t.Strides[1], t.Strides[0]
	return t
}

// Address returns the device address of the first element.
func (t Tensor) Address() driver.CUdeviceptr {
	return t.Buffer.Address() + driver.CUdeviceptr(t.Offset)
}

// Check verifies that the tensor has a layout, a valid leading dimension and fits in its buffer.
func (t Tensor) Check() error {
	if t.Buffer == nil {
		return errors.Errorf("tensor %s has no buffer", t)
	}
	if !t.DType.IsValid() {
		return errors.Errorf("tensor %s has an invalid dtype", t)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	if rows <= 0 || cols <= 0 {
		return errors.Errorf("tensor %s has an empty shape", t)
	}
	layout, err := t.Layout()
	if err != nil {
		return err
	}
	ld, _ := t.LeadingDim()
	if ld < leadingExtent(layout, rows, cols) {
		return errors.Wrapf(ErrNonContiguous, "tensor %s has overlapping %s strides", t, layout)
	}
	if t.Offset < 0 || t.Offset%t.DType.Size() != 0 {
		return errors.Errorf("tensor %s has a misaligned offset %d", t, t.Offset)
	}
	if end := t.Offset + matrixSpan(layout, rows, cols, ld)*t.DType.Size(); end > t.Buffer.Size() {
		return errors.Wrapf(driver.ErrOutOfRange, "tensor %s at offset %d needs %d bytes of %s", t, t.Offset, end,
			t.Buffer)
	}
	return nil
}
