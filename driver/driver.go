// Package driver implements the resource-ownership layer over a GPU driver API: platform and devices,
// contexts, streams, device buffers, events, loaded modules and kernels with marshaled arguments.
//
// The driver itself is abstracted by the API interface, a fixed synchronous call surface modelled after the
// CUDA driver API, where every call returns a Result status code. Two implementations are provided:
// NewCUDA binds the NVIDIA driver (libcuda) at runtime, and NewSimulator provides an in-process
// simulated GPU, used by tests and by tools when no GPU is available.
//
// Typical usage:
//
//	platform, err := driver.NewPlatform(driver.NewSimulator())
//	devices := platform.Devices()
//	ctx, err := driver.NewContext(devices[0])
//	stream, err := driver.NewStream(ctx)
//	module, err := driver.LoadModule(ctx, image)
//	kernel, err := module.Kernel("my_kernel")
//	kernel.SetArgBuffer(0, buf)
//	err = stream.Enqueue(kernel, driver.Dim3{X: 1}, driver.Dim3{X: 128}, nil, nil)
//	err = stream.Read(buf, true, 0, size, hostData)
//
// Every operation on a context-bound resource makes its context current on the calling OS thread for the
// duration of the driver call, see ContextSwitcher.
package driver

import (
	"unsafe"
)

// Opaque driver handles. A zero value is a null handle.
type (
	// CUdevice is a device ordinal handle. It is never released.
	CUdevice uintptr

	// CUcontext is a device context handle.
	CUcontext uintptr

	// CUdeviceptr is a device memory address.
	CUdeviceptr uintptr

	// CUstream is a command queue handle.
	CUstream uintptr

	// CUevent is a timer handle.
	CUevent uintptr

	// CUmodule is a loaded module handle.
	CUmodule uintptr

	// CUfunction is a kernel entry point handle, owned by its module. It is never released.
	CUfunction uintptr
)

// EventPair holds the two timer handles that bracket an operation.
type EventPair struct {
	Start, End CUevent
}

// DeviceAttribute identifies a device capability that can be queried with API.DeviceGetAttribute.
// The values match CUdevice_attribute.
type DeviceAttribute int32

const (
	AttrMaxThreadsPerBlock      DeviceAttribute = 1
	AttrMaxBlockDimX            DeviceAttribute = 2
	AttrMaxGridDimX             DeviceAttribute = 5
	AttrMaxSharedMemoryPerBlock DeviceAttribute = 8
	AttrWarpSize                DeviceAttribute = 10
	AttrTextureAlignment        DeviceAttribute = 14
	AttrMultiprocessorCount     DeviceAttribute = 16
	AttrComputeCapabilityMajor  DeviceAttribute = 75
	AttrComputeCapabilityMinor  DeviceAttribute = 76
)

// API is the driver call surface. It is fixed: this package only sequences and error-checks these calls.
//
// Calls are synchronous, except the ones on a stream (the "Async" copies, LaunchKernel, EventRecord and
// StreamWaitEvent), which return once the work is submitted. Calls that operate on context-bound resources
// assume the resource's context is current on the calling OS thread.
type API interface {
	// Name of the driver platform, e.g. "CUDA".
	Name() string

	Init(flags uint32) Result
	DriverGetVersion() (int, Result)

	DeviceGetCount() (int, Result)
	DeviceGet(ordinal int) (CUdevice, Result)
	DeviceGetName(dev CUdevice) (string, Result)
	DeviceGetAttribute(attr DeviceAttribute, dev CUdevice) (int, Result)
	DeviceTotalMem(dev CUdevice) (uint64, Result)

	CtxCreate(flags uint32, dev CUdevice) (CUcontext, Result)
	CtxDestroy(ctx CUcontext) Result
	CtxGetCurrent() (CUcontext, Result)
	CtxSetCurrent(ctx CUcontext) Result
	CtxGetDevice() (CUdevice, Result)

	MemAlloc(size uint64) (CUdeviceptr, Result)
	MemFree(ptr CUdeviceptr) Result
	MemcpyHtoD(dst CUdeviceptr, src unsafe.Pointer, size uint64) Result
	MemcpyDtoH(dst unsafe.Pointer, src CUdeviceptr, size uint64) Result
	MemcpyHtoDAsync(dst CUdeviceptr, src unsafe.Pointer, size uint64, stream CUstream) Result
	MemcpyDtoHAsync(dst unsafe.Pointer, src CUdeviceptr, size uint64, stream CUstream) Result

	StreamCreate(flags uint32) (CUstream, Result)
	StreamDestroy(stream CUstream) Result
	StreamSynchronize(stream CUstream) Result
	StreamWaitEvent(stream CUstream, event CUevent, flags uint32) Result

	EventCreate(flags uint32) (CUevent, Result)
	EventDestroy(event CUevent) Result
	EventRecord(event CUevent, stream CUstream) Result
	EventSynchronize(event CUevent) Result
	EventElapsedTime(start, end CUevent) (float32, Result)

	ModuleLoadData(image []byte) (CUmodule, Result)
	ModuleUnload(module CUmodule) Result
	ModuleGetFunction(module CUmodule, name string) (CUfunction, Result)

	// LaunchKernel launches f on the stream. params is the flat array of pointers to each argument value;
	// the driver copies the argument values before returning.
	LaunchKernel(f CUfunction, grid, block Dim3, sharedMemBytes uint32, stream CUstream, params []unsafe.Pointer) Result
}

// Dim3 holds the x, y, z extents of a launch grid or thread block. Zero extents are treated as 1.
type Dim3 struct {
	X, Y, Z uint32
}

// Normalized returns the dimension with zero extents replaced by 1.
func (d Dim3) Normalized() Dim3 {
	if d.X == 0 {
		d.X = 1
	}
	if d.Y == 0 {
		d.Y = 1
	}
	if d.Z == 0 {
		d.Z = 1
	}
	return d
}

// Size returns X*Y*Z of the normalized dimension.
func (d Dim3) Size() int {
	d = d.Normalized()
	return int(d.X) * int(d.Y) * int(d.Z)
}
