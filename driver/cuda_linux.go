//go:build linux

package driver

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CUDALibraryEnv can be set to the path of the CUDA driver library, if it is not in the default search path.
const CUDALibraryEnv = "GOTRITON_CUDA_LIBRARY"

// cudaLibraries are tried in order if CUDALibraryEnv is not set.
var cudaLibraries = []string{"libcuda.so.1", "libcuda.so"}

// cudaAPI binds the NVIDIA driver library at runtime (dlopen), without cgo.
type cudaAPI struct {
	lib uintptr

	cuInit             func(flags uint32) Result
	cuDriverGetVersion func(version *int32) Result

	cuDeviceGetCount     func(count *int32) Result
	cuDeviceGet          func(device *int32, ordinal int32) Result
	cuDeviceGetName      func(name *byte, length int32, dev int32) Result
	cuDeviceGetAttribute func(value *int32, attr int32, dev int32) Result
	cuDeviceTotalMem     func(bytes *uint64, dev int32) Result

	cuCtxCreate     func(ctx *uintptr, flags uint32, dev int32) Result
	cuCtxDestroy    func(ctx uintptr) Result
	cuCtxGetCurrent func(ctx *uintptr) Result
	cuCtxSetCurrent func(ctx uintptr) Result
	cuCtxGetDevice  func(device *int32) Result

	cuMemAlloc        func(ptr *uintptr, size uint64) Result
	cuMemFree         func(ptr uintptr) Result
	cuMemcpyHtoD      func(dst uintptr, src unsafe.Pointer, size uint64) Result
	cuMemcpyDtoH      func(dst unsafe.Pointer, src uintptr, size uint64) Result
	cuMemcpyHtoDAsync func(dst uintptr, src unsafe.Pointer, size uint64, stream uintptr) Result
	cuMemcpyDtoHAsync func(dst unsafe.Pointer, src uintptr, size uint64, stream uintptr) Result

	cuStreamCreate      func(stream *uintptr, flags uint32) Result
	cuStreamDestroy     func(stream uintptr) Result
	cuStreamSynchronize func(stream uintptr) Result
	cuStreamWaitEvent   func(stream, event uintptr, flags uint32) Result

	cuEventCreate      func(event *uintptr, flags uint32) Result
	cuEventDestroy     func(event uintptr) Result
	cuEventRecord      func(event, stream uintptr) Result
	cuEventSynchronize func(event uintptr) Result
	cuEventElapsedTime func(ms *float32, start, end uintptr) Result

	cuModuleLoadData    func(module *uintptr, image unsafe.Pointer) Result
	cuModuleUnload      func(module uintptr) Result
	cuModuleGetFunction func(fn *uintptr, module uintptr, name *byte) Result
	cuLaunchKernel      func(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ, sharedMemBytes uint32,
		stream uintptr, params unsafe.Pointer, extra unsafe.Pointer) Result
}

var (
	cudaOnce     sync.Once
	cudaInstance *cudaAPI
	cudaErr      error
)

// NewCUDA loads the NVIDIA driver library and returns its API. The library is loaded only once.
//
// The library path can be configured with the environment variable GOTRITON_CUDA_LIBRARY.
func NewCUDA() (API, error) {
	cudaOnce.Do(func() {
		cudaInstance, cudaErr = loadCUDA()
	})
	if cudaErr != nil {
		return nil, cudaErr
	}
	return cudaInstance, nil
}

func loadCUDA() (*cudaAPI, error) {
	candidates := cudaLibraries
	if path := os.Getenv(CUDALibraryEnv); path != "" {
		candidates = []string{path}
	}
	var lib uintptr
	var err error
	for _, candidate := range candidates {
		lib, err = purego.Dlopen(candidate, purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if err == nil {
			klog.V(1).Infof("Loaded CUDA driver from %q", candidate)
			break
		}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load CUDA driver library (tried %v, set %s to configure)",
			candidates, CUDALibraryEnv)
	}

	api := &cudaAPI{lib: lib}
	symbols := []struct {
		fn   any
		name string
	}{
		{&api.cuInit, "cuInit"},
		{&api.cuDriverGetVersion, "cuDriverGetVersion"},
		{&api.cuDeviceGetCount, "cuDeviceGetCount"},
		{&api.cuDeviceGet, "cuDeviceGet"},
		{&api.cuDeviceGetName, "cuDeviceGetName"},
		{&api.cuDeviceGetAttribute, "cuDeviceGetAttribute"},
		{&api.cuDeviceTotalMem, "cuDeviceTotalMem_v2"},
		{&api.cuCtxCreate, "cuCtxCreate_v2"},
		{&api.cuCtxDestroy, "cuCtxDestroy_v2"},
		{&api.cuCtxGetCurrent, "cuCtxGetCurrent"},
		{&api.cuCtxSetCurrent, "cuCtxSetCurrent"},
		{&api.cuCtxGetDevice, "cuCtxGetDevice"},
		{&api.cuMemAlloc, "cuMemAlloc_v2"},
		{&api.cuMemFree, "cuMemFree_v2"},
		{&api.cuMemcpyHtoD, "cuMemcpyHtoD_v2"},
		{&api.cuMemcpyDtoH, "cuMemcpyDtoH_v2"},
		{&api.cuMemcpyHtoDAsync, "cuMemcpyHtoDAsync_v2"},
		{&api.cuMemcpyDtoHAsync, "cuMemcpyDtoHAsync_v2"},
		{&api.cuStreamCreate, "cuStreamCreate"},
		{&api.cuStreamDestroy, "cuStreamDestroy_v2"},
		{&api.cuStreamSynchronize, "cuStreamSynchronize"},
		{&api.cuStreamWaitEvent, "cuStreamWaitEvent"},
		{&api.cuEventCreate, "cuEventCreate"},
		{&api.cuEventDestroy, "cuEventDestroy_v2"},
		{&api.cuEventRecord, "cuEventRecord"},
		{&api.cuEventSynchronize, "cuEventSynchronize"},
		{&api.cuEventElapsedTime, "cuEventElapsedTime"},
		{&api.cuModuleLoadData, "cuModuleLoadData"},
		{&api.cuModuleUnload, "cuModuleUnload"},
		{&api.cuModuleGetFunction, "cuModuleGetFunction"},
		{&api.cuLaunchKernel, "cuLaunchKernel"},
	}
	for _, symbol := range symbols {
		// Check first, since purego.RegisterLibFunc panics on missing symbols.
		if _, err := purego.Dlsym(lib, symbol.name); err != nil {
			return nil, errors.Wrapf(err, "CUDA driver library misses symbol %q", symbol.name)
		}
		purego.RegisterLibFunc(symbol.fn, lib, symbol.name)
	}
	return api, nil
}

var (
	hasNvidiaGPUOnce  sync.Once
	hasNvidiaGPUCache bool
)

// HasNvidiaGPU tries to guess whether an NVIDIA GPU is installed (as opposed to only the driver library).
// It checks for the device files /dev/nvidia*, and then for a working nvidia-smi command.
func HasNvidiaGPU() bool {
	hasNvidiaGPUOnce.Do(func() {
		matches, err := filepath.Glob("/dev/nvidia*")
		if err != nil {
			klog.Errorf("Failed to search for files matching \"/dev/nvidia*\": %v", err)
		}
		if len(matches) > 0 {
			hasNvidiaGPUCache = true
			return
		}
		klog.V(1).Infof("No NVIDIA devices found matching \"/dev/nvidia*\", checking nvidia-smi command instead.")
		if _, err := exec.LookPath("nvidia-smi"); err != nil {
			return
		}
		output, err := exec.Command("nvidia-smi").CombinedOutput()
		hasNvidiaGPUCache = err == nil && strings.Contains(string(output), "NVIDIA-SMI")
	})
	return hasNvidiaGPUCache
}

func (c *cudaAPI) Name() string { return "CUDA" }

func (c *cudaAPI) Init(flags uint32) Result { return c.cuInit(flags) }

func (c *cudaAPI) DriverGetVersion() (int, Result) {
	var version int32
	r := c.cuDriverGetVersion(&version)
	return int(version), r
}

func (c *cudaAPI) DeviceGetCount() (int, Result) {
	var count int32
	r := c.cuDeviceGetCount(&count)
	return int(count), r
}

func (c *cudaAPI) DeviceGet(ordinal int) (CUdevice, Result) {
	var dev int32
	r := c.cuDeviceGet(&dev, int32(ordinal))
	return CUdevice(dev), r
}

func (c *cudaAPI) DeviceGetName(dev CUdevice) (string, Result) {
	buf := make([]byte, 256)
	r := c.cuDeviceGetName(&buf[0], int32(len(buf)), int32(dev))
	if r != Success {
		return "", r
	}
	if i := strings.IndexByte(string(buf), 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), Success
}

func (c *cudaAPI) DeviceGetAttribute(attr DeviceAttribute, dev CUdevice) (int, Result) {
	var value int32
	r := c.cuDeviceGetAttribute(&value, int32(attr), int32(dev))
	return int(value), r
}

func (c *cudaAPI) DeviceTotalMem(dev CUdevice) (uint64, Result) {
	var total uint64
	r := c.cuDeviceTotalMem(&total, int32(dev))
	return total, r
}

func (c *cudaAPI) CtxCreate(flags uint32, dev CUdevice) (CUcontext, Result) {
	var ctx uintptr
	r := c.cuCtxCreate(&ctx, flags, int32(dev))
	return CUcontext(ctx), r
}

func (c *cudaAPI) CtxDestroy(ctx CUcontext) Result { return c.cuCtxDestroy(uintptr(ctx)) }

func (c *cudaAPI) CtxGetCurrent() (CUcontext, Result) {
	var ctx uintptr
	r := c.cuCtxGetCurrent(&ctx)
	return CUcontext(ctx), r
}

func (c *cudaAPI) CtxSetCurrent(ctx CUcontext) Result { return c.cuCtxSetCurrent(uintptr(ctx)) }

func (c *cudaAPI) CtxGetDevice() (CUdevice, Result) {
	var dev int32
	r := c.cuCtxGetDevice(&dev)
	return CUdevice(dev), r
}

func (c *cudaAPI) MemAlloc(size uint64) (CUdeviceptr, Result) {
	var ptr uintptr
	r := c.cuMemAlloc(&ptr, size)
	return CUdeviceptr(ptr), r
}

func (c *cudaAPI) MemFree(ptr CUdeviceptr) Result { return c.cuMemFree(uintptr(ptr)) }

func (c *cudaAPI) MemcpyHtoD(dst CUdeviceptr, src unsafe.Pointer, size uint64) Result {
	return c.cuMemcpyHtoD(uintptr(dst), src, size)
}

func (c *cudaAPI) MemcpyDtoH(dst unsafe.Pointer, src CUdeviceptr, size uint64) Result {
	return c.cuMemcpyDtoH(dst, uintptr(src), size)
}

func (c *cudaAPI) MemcpyHtoDAsync(dst CUdeviceptr, src unsafe.Pointer, size uint64, stream CUstream) Result {
	return c.cuMemcpyHtoDAsync(uintptr(dst), src, size, uintptr(stream))
}

func (c *cudaAPI) MemcpyDtoHAsync(dst unsafe.Pointer, src CUdeviceptr, size uint64, stream CUstream) Result {
	return c.cuMemcpyDtoHAsync(dst, uintptr(src), size, uintptr(stream))
}

func (c *cudaAPI) StreamCreate(flags uint32) (CUstream, Result) {
	var stream uintptr
	r := c.cuStreamCreate(&stream, flags)
	return CUstream(stream), r
}

func (c *cudaAPI) StreamDestroy(stream CUstream) Result { return c.cuStreamDestroy(uintptr(stream)) }

func (c *cudaAPI) StreamSynchronize(stream CUstream) Result {
	return c.cuStreamSynchronize(uintptr(stream))
}

func (c *cudaAPI) StreamWaitEvent(stream CUstream, event CUevent, flags uint32) Result {
	return c.cuStreamWaitEvent(uintptr(stream), uintptr(event), flags)
}

func (c *cudaAPI) EventCreate(flags uint32) (CUevent, Result) {
	var event uintptr
	r := c.cuEventCreate(&event, flags)
	return CUevent(event), r
}

func (c *cudaAPI) EventDestroy(event CUevent) Result { return c.cuEventDestroy(uintptr(event)) }

func (c *cudaAPI) EventRecord(event CUevent, stream CUstream) Result {
	return c.cuEventRecord(uintptr(event), uintptr(stream))
}

func (c *cudaAPI) EventSynchronize(event CUevent) Result { return c.cuEventSynchronize(uintptr(event)) }

func (c *cudaAPI) EventElapsedTime(start, end CUevent) (float32, Result) {
	var ms float32
	r := c.cuEventElapsedTime(&ms, uintptr(start), uintptr(end))
	return ms, r
}

func (c *cudaAPI) ModuleLoadData(image []byte) (CUmodule, Result) {
	// PTX images must be null terminated.
	buf := make([]byte, len(image)+1)
	copy(buf, image)
	var module uintptr
	r := c.cuModuleLoadData(&module, unsafe.Pointer(&buf[0]))
	return CUmodule(module), r
}

func (c *cudaAPI) ModuleUnload(module CUmodule) Result { return c.cuModuleUnload(uintptr(module)) }

func (c *cudaAPI) ModuleGetFunction(module CUmodule, name string) (CUfunction, Result) {
	cName := append([]byte(name), 0)
	var fn uintptr
	r := c.cuModuleGetFunction(&fn, uintptr(module), &cName[0])
	return CUfunction(fn), r
}

func (c *cudaAPI) LaunchKernel(f CUfunction, grid, block Dim3, sharedMemBytes uint32, stream CUstream,
	params []unsafe.Pointer) Result {
	var paramsPtr unsafe.Pointer
	if len(params) > 0 {
		paramsPtr = unsafe.Pointer(&params[0])
	}
	return c.cuLaunchKernel(uintptr(f), grid.X, grid.Y, grid.Z, block.X, block.Y, block.Z, sharedMemBytes,
		uintptr(stream), paramsPtr, nil)
}
