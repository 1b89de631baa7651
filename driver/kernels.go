package driver

import (
	"fmt"
	"runtime"
	"slices"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// Module is compiled device code loaded into a context.
type Module struct {
	ctx    *Context
	handle *Handle[CUmodule]
}

// LoadModule loads the compiled module image into ctx.
func LoadModule(ctx *Context, image []byte) (*Module, error) {
	if len(image) == 0 {
		return nil, errors.New("empty module image")
	}
	var cuModule CUmodule
	err := ctx.Do(func() error {
		var r Result
		cuModule, r = ctx.API().ModuleLoadData(image)
		return toError("cuModuleLoadData", r)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load module (%d bytes) on %s", len(image), ctx.device)
	}
	h, shared, err := bindToContext(ctx, KindModule, cuModule, true)
	if err != nil {
		return nil, err
	}
	return &Module{ctx: shared, handle: h}, nil
}

// Context the module is loaded in.
func (m *Module) Context() *Context {
	return m.ctx
}

// Handle returns the module's handle view.
func (m *Module) Handle() *Handle[CUmodule] {
	return m.handle
}

// Release the module. It is unloaded once every Kernel created from it is also released.
func (m *Module) Release() error {
	return m.handle.Release()
}

// Kernel looks up the entry point name and returns a Kernel for it. See NewKernel.
func (m *Module) Kernel(name string) (*Kernel, error) {
	return NewKernel(m, name)
}

// share returns a Module with its own views of the module and context handles.
func (m *Module) share() (*Module, error) {
	h, err := m.handle.Share()
	if err != nil {
		return nil, errors.WithMessagef(err, "module")
	}
	ctx, err := m.ctx.share()
	if err != nil {
		_ = h.Release()
		return nil, err
	}
	return &Module{ctx: ctx, handle: h}, nil
}

func (m *Module) release() error {
	err := m.handle.Release()
	if ctxErr := m.ctx.Release(); err == nil {
		err = ctxErr
	}
	return err
}

// Kernel is one entry point of a loaded Module together with the values of its launch arguments.
//
// Argument values are copied into storage owned by the Kernel, and a flat array of pointers to each copy is
// what is passed to the driver at launch. Arguments must be set contiguously from index 0: launching a
// kernel with a gap in its arguments fails with ErrArgumentGap.
//
// A Kernel is safe for concurrent use, but its arguments are shared: concurrent launches with different
// arguments need different Kernel objects.
type Kernel struct {
	name   string
	module *Module
	fn     *Handle[CUfunction]

	mu     sync.Mutex
	store  [][]byte
	isSet  []bool
	params []unsafe.Pointer
}

// NewKernel looks up the entry point name in module. It returns an error wrapping ErrEntryPointNotFound if the
// module has no such entry point.
func NewKernel(module *Module, name string) (*Kernel, error) {
	var cuFunction CUfunction
	err := module.ctx.Do(func() error {
		var r Result
		cuFunction, r = module.ctx.API().ModuleGetFunction(module.handle.Value(), name)
		if r == ErrorNotFound {
			return errors.Wrapf(ErrEntryPointNotFound, "kernel %q", name)
		}
		return toError("cuModuleGetFunction", r)
	})
	if err != nil {
		return nil, err
	}
	shared, err := module.share()
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		name:   name,
		module: shared,
		fn:     Wrap(module.ctx.API(), KindFunction, cuFunction, false),
	}
	return k, nil
}

// Name of the kernel entry point.
func (k *Kernel) Name() string {
	return k.name
}

// Module the kernel belongs to.
func (k *Kernel) Module() *Module {
	return k.module
}

// Handle returns the (non-owning) function handle.
func (k *Kernel) Handle() *Handle[CUfunction] {
	return k.fn
}

// Release the kernel's reference to its module.
func (k *Kernel) Release() error {
	if err := k.fn.Release(); err != nil {
		return err
	}
	return k.module.release()
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("Kernel[%q, %d args]", k.name, k.NumArgs())
}

// newArgStorage allocates n bytes with 8-byte alignment.
func newArgStorage(n int) []byte {
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), n)
}

// SetArg copies data as the value of the argument at index, growing the argument list as needed.
func (k *Kernel) SetArg(index int, data []byte) error {
	if index < 0 {
		return errors.Errorf("kernel %q: invalid argument index %d", k.name, index)
	}
	if len(data) == 0 {
		return errors.Errorf("kernel %q: empty value for argument #%d", k.name, index)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if index >= len(k.store) {
		k.store = append(k.store, make([][]byte, index+1-len(k.store))...)
		k.isSet = append(k.isSet, make([]bool, index+1-len(k.isSet))...)
		k.params = append(k.params, make([]unsafe.Pointer, index+1-len(k.params))...)
	}
	storage := k.store[index]
	if len(storage) != len(data) {
		storage = newArgStorage(len(data))
		k.store[index] = storage
	}
	copy(storage, data)
	k.isSet[index] = true
	k.params[index] = unsafe.Pointer(unsafe.SliceData(storage))
	return nil
}

// SetArgBuffer sets the argument at index to the device address of buf.
func (k *Kernel) SetArgBuffer(index int, buf *Buffer) error {
	return k.SetArgBufferOffset(index, buf, 0)
}

// SetArgBufferOffset sets the argument at index to the device address of buf plus offset bytes.
func (k *Kernel) SetArgBufferOffset(index int, buf *Buffer, offset int) error {
	ptr, err := buf.addressAt(offset, 0)
	if err != nil {
		return errors.WithMessagef(err, "kernel %q argument #%d", k.name, index)
	}
	return SetArgValue(k, index, ptr)
}

// SetArgValue sets the argument at index to a copy of the bytes of value.
// T must be a fixed-size type without Go pointers (numbers, CUdeviceptr, or structs of those).
func SetArgValue[T any](k *Kernel, index int, value T) error {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&value)), unsafe.Sizeof(value))
	return k.SetArg(index, raw)
}

// NumArgs returns the number of argument slots, that is, the highest index set plus one.
func (k *Kernel) NumArgs() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.params)
}

// Arg returns a copy of the value of the argument at index, or nil if it is not set.
func (k *Kernel) Arg(index int) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()
	if index < 0 || index >= len(k.store) || !k.isSet[index] {
		return nil
	}
	return slices.Clone(k.store[index])
}

// Params returns the flat array of pointers to the argument values, as passed to the driver.
// The pointed values must not be modified. It fails with ErrArgumentGap if an argument below the highest
// one set was never set.
func (k *Kernel) Params() ([]unsafe.Pointer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.paramsLocked()
}

func (k *Kernel) paramsLocked() ([]unsafe.Pointer, error) {
	for ii, isSet := range k.isSet {
		if !isSet {
			return nil, errors.Wrapf(ErrArgumentGap, "kernel %q: argument #%d not set (%d arguments)",
				k.name, ii, len(k.isSet))
		}
	}
	return slices.Clone(k.params), nil
}

// launch calls launchFn with the params array, keeping the argument storage pinned and unchanged during
// the call.
func (k *Kernel) launch(launchFn func(fn CUfunction, params []unsafe.Pointer) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	params, err := k.paramsLocked()
	if err != nil {
		return err
	}
	fn := k.fn.Value()
	if fn == 0 || !k.module.handle.Valid() {
		return errors.Wrapf(ErrReleased, "kernel %q", k.name)
	}
	var pinner runtime.Pinner
	defer pinner.Unpin()
	for _, storage := range k.store {
		pinner.Pin(unsafe.SliceData(storage))
	}
	if len(params) > 0 {
		pinner.Pin(unsafe.SliceData(params))
	}
	return launchFn(fn, params)
}
