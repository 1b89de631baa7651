package driver

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// bindToContext wraps a resource created in ctx. The returned handle holds a shared view of the context,
// released after the resource itself, and releases the resource with the context current.
func bindToContext[T comparable](ctx *Context, kind Kind, value T, takeOwnership bool) (*Handle[T], *Context, error) {
	shared, err := ctx.share()
	if err != nil {
		return nil, nil, err
	}
	h := wrapWithScope(ctx.API(), kind, value, takeOwnership, shared.Do, func() {
		if err := shared.Release(); err != nil {
			klog.Errorf("Failed to release context of %s: %v", kind, err)
		}
	})
	return h, shared, nil
}

// Buffer is an allocation of device memory in a context.
// Offsets are applied when the buffer is accessed; the base address never changes.
type Buffer struct {
	ctx    *Context
	handle *Handle[CUdeviceptr]
	size   int
}

// NewBuffer allocates size bytes of device memory in ctx.
func NewBuffer(ctx *Context, size int) (*Buffer, error) {
	if size <= 0 {
		return nil, errors.Errorf("invalid buffer size %d", size)
	}
	var ptr CUdeviceptr
	err := ctx.Do(func() error {
		var r Result
		ptr, r = ctx.API().MemAlloc(uint64(size))
		return toError("cuMemAlloc", r)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate %d bytes on %s", size, ctx.device)
	}
	h, shared, err := bindToContext(ctx, KindBuffer, ptr, true)
	if err != nil {
		if freeErr := ctx.Do(func() error { return toError("cuMemFree", ctx.API().MemFree(ptr)) }); freeErr != nil {
			klog.Errorf("Failed to free buffer after failure: %v", freeErr)
		}
		return nil, err
	}
	return &Buffer{ctx: shared, handle: h, size: size}, nil
}

// AttachBuffer wraps an existing device allocation of the given size, optionally taking ownership.
func AttachBuffer(ctx *Context, ptr CUdeviceptr, size int, takeOwnership bool) (*Buffer, error) {
	h, shared, err := bindToContext(ctx, KindBuffer, ptr, takeOwnership)
	if err != nil {
		return nil, err
	}
	return &Buffer{ctx: shared, handle: h, size: size}, nil
}

// Address returns the device address of the start of the buffer, or 0 if the buffer was released.
func (b *Buffer) Address() CUdeviceptr {
	return b.handle.Value()
}

// Size of the buffer in bytes.
func (b *Buffer) Size() int {
	return b.size
}

// Context the buffer was allocated in.
func (b *Buffer) Context() *Context {
	return b.ctx
}

// Handle returns the buffer's handle view.
func (b *Buffer) Handle() *Handle[CUdeviceptr] {
	return b.handle
}

// Release the buffer: the memory is freed once all views of its handle are released.
func (b *Buffer) Release() error {
	return b.handle.Release()
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer[%#x, %d bytes]", uintptr(b.Address()), b.size)
}

// addressAt returns the device address at offset, checking that [offset, offset+size) is within the buffer.
func (b *Buffer) addressAt(offset, size int) (CUdeviceptr, error) {
	base := b.handle.Value()
	if base == 0 {
		return 0, errors.Wrap(ErrReleased, "buffer")
	}
	if offset < 0 || size < 0 || offset+size > b.size {
		return 0, errors.Wrapf(ErrOutOfRange, "offset=%d, size=%d for a buffer of %d bytes", offset, size, b.size)
	}
	return base + CUdeviceptr(offset), nil
}
