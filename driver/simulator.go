package driver

import (
	"bytes"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SimDeviceSpec describes a device of the Simulator.
type SimDeviceSpec struct {
	Name                 string
	Major, Minor         int
	TotalMemory          uint64
	Multiprocessors      int
	MaxThreadsPerBlock   int
	WarpSize             int
	SharedMemoryPerBlock int
}

var (
	// SimA100 is an Ampere class simulated device (sm_80).
	SimA100 = SimDeviceSpec{Name: "Simulated A100", Major: 8, Minor: 0, TotalMemory: 40 << 30,
		Multiprocessors: 108, MaxThreadsPerBlock: 1024, WarpSize: 32, SharedMemoryPerBlock: 48 << 10}

	// SimT4 is a Turing class simulated device (sm_75).
	SimT4 = SimDeviceSpec{Name: "Simulated T4", Major: 7, Minor: 5, TotalMemory: 16 << 30,
		Multiprocessors: 40, MaxThreadsPerBlock: 1024, WarpSize: 32, SharedMemoryPerBlock: 48 << 10}
)

const (
	simDriverVersion    = 12040
	simAllocAlignment   = 256
	simDefaultCost      = 5 * time.Microsecond
	simCopyLatency      = time.Microsecond
	simCopyBytesPerNano = 16
	simModulePrefix     = "simmodule:"
)

// Simulator is an in-process implementation of API with simulated devices.
//
// Device memory is host memory. Each stream has a worker goroutine that executes its work in order, and
// a simulated clock advanced by the cost of each operation: events are stamped with that clock, so elapsed
// times are deterministic. Modules are registered with RegisterModule and their kernels are Go functions.
//
// Like the real driver, the current context is per thread: the Simulator keeps it per goroutine, which is
// equivalent for callers that lock their goroutine to the OS thread (see ContextSwitcher).
//
// Failures can be injected with FailNext, and calls counted with Calls, for tests.
type Simulator struct {
	devices []SimDeviceSpec

	mu          sync.Mutex
	initialized bool
	nextHandle  uintptr
	nextAddress CUdeviceptr
	current     map[uint64]CUcontext
	contexts    map[CUcontext]*simContext
	allocations []*simAllocation // Sorted by base address.
	streams     map[CUstream]*simStream
	events      map[CUevent]*simEvent
	modules     map[CUmodule]*simLoadedModule
	functions   map[CUfunction]*simFunction
	registry    map[string]SimModule
	failures    map[string][]Result
	calls       map[string]int
}

var _ API = (*Simulator)(nil)

type simContext struct {
	handle        CUcontext
	device        int
	defaultStream *simStream
}

type simAllocation struct {
	ctx  *simContext
	base CUdeviceptr
	data []byte
}

type simLoadedModule struct {
	ctx       *simContext
	name      string
	kernels   SimModule
	functions map[string]CUfunction
}

type simFunction struct {
	module *simLoadedModule
	name   string
	kernel SimKernel
}

// NewSimulator creates a Simulator with the given devices, or with a single SimA100 if none is given.
func NewSimulator(devices ...SimDeviceSpec) *Simulator {
	if len(devices) == 0 {
		devices = []SimDeviceSpec{SimA100}
	}
	return &Simulator{
		devices:     slices.Clone(devices),
		nextHandle:  0x7f0000000000,
		nextAddress: 0x7f1200000000,
		current:     make(map[uint64]CUcontext),
		contexts:    make(map[CUcontext]*simContext),
		streams:     make(map[CUstream]*simStream),
		events:      make(map[CUevent]*simEvent),
		modules:     make(map[CUmodule]*simLoadedModule),
		functions:   make(map[CUfunction]*simFunction),
		registry:    make(map[string]SimModule),
		failures:    make(map[string][]Result),
		calls:       make(map[string]int),
	}
}

// goroutineID parses the id of the calling goroutine from its stack header ("goroutine 123 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(header, ' '); i > 0 {
		header = header[:i]
	}
	id, err := strconv.ParseUint(string(header), 10, 64)
	if err != nil {
		panic("failed to parse goroutine id: " + err.Error())
	}
	return id
}

// FailNext makes the next call of the driver operation op (e.g. "cuMemAlloc") fail with code.
// Multiple failures for the same op are used in order.
func (s *Simulator) FailNext(op string, code Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], code)
}

// Calls returns how many times the driver operation op was called.
func (s *Simulator) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Live returns the number of resources of the given kind currently allocated in the simulator.
// Default streams of contexts are not counted.
func (s *Simulator) Live(kind Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case KindContext:
		return len(s.contexts)
	case KindBuffer:
		return len(s.allocations)
	case KindStream:
		return len(s.streams)
	case KindEvent:
		return len(s.events)
	case KindModule:
		return len(s.modules)
	case KindFunction:
		return len(s.functions)
	default:
		return 0
	}
}

// MemoryInUse returns the bytes of device memory allocated on the device with the given ordinal.
func (s *Simulator) MemoryInUse(ordinal int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memoryInUseLocked(ordinal)
}

func (s *Simulator) memoryInUseLocked(ordinal int) uint64 {
	var total uint64
	for _, a := range s.allocations {
		if a.ctx.device == ordinal {
			total += uint64(len(a.data))
		}
	}
	return total
}

// begin accounts for a call of op and returns an injected failure, if any. Must be called with s.mu held.
func (s *Simulator) begin(op string) Result {
	s.calls[op]++
	if queued := s.failures[op]; len(queued) > 0 {
		s.failures[op] = queued[1:]
		return queued[0]
	}
	if !s.initialized {
		return ErrorNotInitialized
	}
	return Success
}

func (s *Simulator) newHandle() uintptr {
	s.nextHandle += 0x40
	return s.nextHandle
}

func (s *Simulator) currentLocked() (*simContext, Result) {
	ctx, found := s.contexts[s.current[goroutineID()]]
	if !found {
		return nil, ErrorInvalidContext
	}
	return ctx, Success
}

// checkCurrentLocked verifies that ctx is the current context of the caller.
func (s *Simulator) checkCurrentLocked(ctx *simContext) Result {
	current, r := s.currentLocked()
	if r != Success {
		return r
	}
	if current != ctx {
		return ErrorInvalidContext
	}
	return Success
}

// Name implements API.
func (s *Simulator) Name() string {
	return "Simulator"
}

// Init implements API.
func (s *Simulator) Init(flags uint32) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	if r := s.begin("cuInit"); r != Success {
		s.initialized = false
		return r
	}
	if flags != 0 {
		return ErrorInvalidValue
	}
	return Success
}

// DriverGetVersion implements API.
func (s *Simulator) DriverGetVersion() (int, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuDriverGetVersion"); r != Success {
		return 0, r
	}
	return simDriverVersion, Success
}

// DeviceGetCount implements API.
func (s *Simulator) DeviceGetCount() (int, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuDeviceGetCount"); r != Success {
		return 0, r
	}
	return len(s.devices), Success
}

func (s *Simulator) deviceLocked(dev CUdevice) (SimDeviceSpec, Result) {
	if int(dev) >= len(s.devices) {
		return SimDeviceSpec{}, ErrorInvalidDevice
	}
	return s.devices[dev], Success
}

// DeviceGet implements API.
func (s *Simulator) DeviceGet(ordinal int) (CUdevice, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuDeviceGet"); r != Success {
		return 0, r
	}
	if ordinal < 0 || ordinal >= len(s.devices) {
		return 0, ErrorInvalidDevice
	}
	return CUdevice(ordinal), Success
}

// DeviceGetName implements API.
func (s *Simulator) DeviceGetName(dev CUdevice) (string, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuDeviceGetName"); r != Success {
		return "", r
	}
	spec, r := s.deviceLocked(dev)
	return spec.Name, r
}

// DeviceGetAttribute implements API.
func (s *Simulator) DeviceGetAttribute(attr DeviceAttribute, dev CUdevice) (int, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuDeviceGetAttribute"); r != Success {
		return 0, r
	}
	spec, r := s.deviceLocked(dev)
	if r != Success {
		return 0, r
	}
	switch attr {
	case AttrMaxThreadsPerBlock, AttrMaxBlockDimX:
		return spec.MaxThreadsPerBlock, Success
	case AttrMaxGridDimX:
		return 1<<31 - 1, Success
	case AttrMaxSharedMemoryPerBlock:
		return spec.SharedMemoryPerBlock, Success
	case AttrWarpSize:
		return spec.WarpSize, Success
	case AttrTextureAlignment:
		return 512, Success
	case AttrMultiprocessorCount:
		return spec.Multiprocessors, Success
	case AttrComputeCapabilityMajor:
		return spec.Major, Success
	case AttrComputeCapabilityMinor:
		return spec.Minor, Success
	default:
		return 0, ErrorInvalidValue
	}
}

// DeviceTotalMem implements API.
func (s *Simulator) DeviceTotalMem(dev CUdevice) (uint64, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuDeviceTotalMem"); r != Success {
		return 0, r
	}
	spec, r := s.deviceLocked(dev)
	return spec.TotalMemory, r
}

// CtxCreate implements API. The new context becomes current on the calling goroutine.
func (s *Simulator) CtxCreate(flags uint32, dev CUdevice) (CUcontext, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuCtxCreate"); r != Success {
		return 0, r
	}
	if _, r := s.deviceLocked(dev); r != Success {
		return 0, r
	}
	ctx := &simContext{handle: CUcontext(s.newHandle()), device: int(dev)}
	ctx.defaultStream = newSimStream(ctx, 0)
	s.contexts[ctx.handle] = ctx
	s.current[goroutineID()] = ctx.handle
	return ctx.handle, Success
}

// CtxDestroy implements API. Resources still allocated in the context are destroyed with it.
func (s *Simulator) CtxDestroy(handle CUcontext) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuCtxDestroy"); r != Success {
		return r
	}
	ctx, found := s.contexts[handle]
	if !found {
		return ErrorInvalidContext
	}
	delete(s.contexts, handle)
	ctx.defaultStream.close()
	for h, st := range s.streams {
		if st.ctx == ctx {
			st.close()
			delete(s.streams, h)
		}
	}
	s.allocations = slices.DeleteFunc(s.allocations, func(a *simAllocation) bool { return a.ctx == ctx })
	for h, ev := range s.events {
		if ev.ctx == ctx {
			delete(s.events, h)
		}
	}
	for h, m := range s.modules {
		if m.ctx == ctx {
			s.unloadLocked(h, m)
		}
	}
	for g, current := range s.current {
		if current == handle {
			delete(s.current, g)
		}
	}
	return Success
}

// CtxGetCurrent implements API.
func (s *Simulator) CtxGetCurrent() (CUcontext, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuCtxGetCurrent"); r != Success {
		return 0, r
	}
	return s.current[goroutineID()], Success
}

// CtxSetCurrent implements API. Setting the null context leaves no context current.
func (s *Simulator) CtxSetCurrent(handle CUcontext) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuCtxSetCurrent"); r != Success {
		return r
	}
	g := goroutineID()
	if handle == 0 {
		delete(s.current, g)
		return Success
	}
	if _, found := s.contexts[handle]; !found {
		return ErrorInvalidContext
	}
	s.current[g] = handle
	return Success
}

// CtxGetDevice implements API.
func (s *Simulator) CtxGetDevice() (CUdevice, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuCtxGetDevice"); r != Success {
		return 0, r
	}
	ctx, r := s.currentLocked()
	if r != Success {
		return 0, r
	}
	return CUdevice(ctx.device), Success
}

// MemAlloc implements API.
func (s *Simulator) MemAlloc(size uint64) (CUdeviceptr, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuMemAlloc"); r != Success {
		return 0, r
	}
	ctx, r := s.currentLocked()
	if r != Success {
		return 0, r
	}
	if size == 0 {
		return 0, ErrorInvalidValue
	}
	if s.memoryInUseLocked(ctx.device)+size > s.devices[ctx.device].TotalMemory {
		return 0, ErrorOutOfMemory
	}
	a := &simAllocation{ctx: ctx, base: s.nextAddress, data: make([]byte, size)}
	s.nextAddress += CUdeviceptr((size + simAllocAlignment - 1) / simAllocAlignment * simAllocAlignment)
	s.allocations = append(s.allocations, a)
	return a.base, Success
}

func (s *Simulator) findAllocationLocked(ptr CUdeviceptr) (int, *simAllocation) {
	idx, found := slices.BinarySearchFunc(s.allocations, ptr, func(a *simAllocation, ptr CUdeviceptr) int {
		switch {
		case ptr < a.base:
			return 1
		case ptr >= a.base+CUdeviceptr(len(a.data)):
			return -1
		default:
			return 0
		}
	})
	if !found {
		return -1, nil
	}
	return idx, s.allocations[idx]
}

// MemFree implements API. Like cuMemFree, it first waits for all work in the allocation's context.
func (s *Simulator) MemFree(ptr CUdeviceptr) Result {
	s.mu.Lock()
	if r := s.begin("cuMemFree"); r != Success {
		s.mu.Unlock()
		return r
	}
	_, a := s.findAllocationLocked(ptr)
	if a == nil || a.base != ptr {
		s.mu.Unlock()
		return ErrorInvalidValue
	}
	if r := s.checkCurrentLocked(a.ctx); r != Success {
		s.mu.Unlock()
		return r
	}
	streams := s.contextStreamsLocked(a.ctx)
	s.mu.Unlock()

	for _, st := range streams {
		st.drain()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx, current := s.findAllocationLocked(ptr)
	if current != a {
		// Freed concurrently.
		return ErrorInvalidValue
	}
	s.allocations = slices.Delete(s.allocations, idx, idx+1)
	return Success
}

// memory returns the device memory [ptr, ptr+size), which must be within a single allocation.
func (s *Simulator) memory(ptr CUdeviceptr, size uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, a := s.findAllocationLocked(ptr)
	if a == nil {
		return nil, false
	}
	start := uint64(ptr - a.base)
	if start+size > uint64(len(a.data)) {
		return nil, false
	}
	return a.data[start : start+size], true
}

func hostBytes(ptr unsafe.Pointer, size uint64) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}

func simCopyCost(size uint64) time.Duration {
	return simCopyLatency + time.Duration(size/simCopyBytesPerNano)
}

// syncCopy runs a blocking copy: like the legacy default stream, it waits for all work in the current
// context first.
func (s *Simulator) syncCopy(op string, devicePtr CUdeviceptr, size uint64, copyFn func(device []byte)) Result {
	s.mu.Lock()
	if r := s.begin(op); r != Success {
		s.mu.Unlock()
		return r
	}
	ctx, r := s.currentLocked()
	if r != Success {
		s.mu.Unlock()
		return r
	}
	streams := s.contextStreamsLocked(ctx)
	s.mu.Unlock()

	for _, st := range streams {
		st.drain()
	}
	device, ok := s.memory(devicePtr, size)
	if !ok {
		return ErrorInvalidValue
	}
	copyFn(device)
	return Success
}

func (s *Simulator) contextStreamsLocked(ctx *simContext) []*simStream {
	streams := []*simStream{ctx.defaultStream}
	for _, st := range s.streams {
		if st.ctx == ctx {
			streams = append(streams, st)
		}
	}
	return streams
}

// MemcpyHtoD implements API.
func (s *Simulator) MemcpyHtoD(dst CUdeviceptr, src unsafe.Pointer, size uint64) Result {
	return s.syncCopy("cuMemcpyHtoD", dst, size, func(device []byte) {
		copy(device, hostBytes(src, size))
	})
}

// MemcpyDtoH implements API.
func (s *Simulator) MemcpyDtoH(dst unsafe.Pointer, src CUdeviceptr, size uint64) Result {
	return s.syncCopy("cuMemcpyDtoH", src, size, func(device []byte) {
		copy(hostBytes(dst, size), device)
	})
}

// asyncCopy enqueues a copy on a stream. The device range is validated at submission.
func (s *Simulator) asyncCopy(op string, devicePtr CUdeviceptr, size uint64, stream CUstream, copyFn func(device []byte)) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin(op); r != Success {
		return r
	}
	st, r := s.streamLocked(stream)
	if r != Success {
		return r
	}
	if _, a := s.findAllocationLocked(devicePtr); a == nil || uint64(devicePtr-a.base)+size > uint64(len(a.data)) {
		return ErrorInvalidValue
	}
	st.enqueue(simOp{name: op, run: func(st *simStream) Result {
		device, ok := s.memory(devicePtr, size)
		if !ok {
			return ErrorIllegalAddress
		}
		copyFn(device)
		st.clock += simCopyCost(size)
		return Success
	}})
	return Success
}

// MemcpyHtoDAsync implements API.
func (s *Simulator) MemcpyHtoDAsync(dst CUdeviceptr, src unsafe.Pointer, size uint64, stream CUstream) Result {
	return s.asyncCopy("cuMemcpyHtoDAsync", dst, size, stream, func(device []byte) {
		copy(device, hostBytes(src, size))
	})
}

// MemcpyDtoHAsync implements API.
func (s *Simulator) MemcpyDtoHAsync(dst unsafe.Pointer, src CUdeviceptr, size uint64, stream CUstream) Result {
	return s.asyncCopy("cuMemcpyDtoHAsync", src, size, stream, func(device []byte) {
		copy(hostBytes(dst, size), device)
	})
}

// streamLocked resolves a stream handle, the null stream being the default stream of the current context,
// and checks that its context is current.
func (s *Simulator) streamLocked(handle CUstream) (*simStream, Result) {
	if handle == 0 {
		ctx, r := s.currentLocked()
		if r != Success {
			return nil, r
		}
		return ctx.defaultStream, Success
	}
	st, found := s.streams[handle]
	if !found {
		return nil, ErrorInvalidHandle
	}
	return st, s.checkCurrentLocked(st.ctx)
}

// StreamCreate implements API.
func (s *Simulator) StreamCreate(flags uint32) (CUstream, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuStreamCreate"); r != Success {
		return 0, r
	}
	ctx, r := s.currentLocked()
	if r != Success {
		return 0, r
	}
	st := newSimStream(ctx, CUstream(s.newHandle()))
	s.streams[st.handle] = st
	return st.handle, Success
}

// StreamDestroy implements API. Work already enqueued still completes.
func (s *Simulator) StreamDestroy(stream CUstream) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuStreamDestroy"); r != Success {
		return r
	}
	st, found := s.streams[stream]
	if !found {
		return ErrorInvalidHandle
	}
	if r := s.checkCurrentLocked(st.ctx); r != Success {
		return r
	}
	delete(s.streams, stream)
	st.close()
	return Success
}

// StreamSynchronize implements API. It returns the first asynchronous failure of the stream since the
// previous synchronization, if any.
func (s *Simulator) StreamSynchronize(stream CUstream) Result {
	s.mu.Lock()
	if r := s.begin("cuStreamSynchronize"); r != Success {
		s.mu.Unlock()
		return r
	}
	st, r := s.streamLocked(stream)
	s.mu.Unlock()
	if r != Success {
		return r
	}
	return st.synchronize()
}

// StreamWaitEvent implements API. Waiting on an event never recorded is a no-op.
func (s *Simulator) StreamWaitEvent(stream CUstream, event CUevent, flags uint32) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuStreamWaitEvent"); r != Success {
		return r
	}
	st, r := s.streamLocked(stream)
	if r != Success {
		return r
	}
	ev, found := s.events[event]
	if !found {
		return ErrorInvalidHandle
	}
	record := ev.lastRecord()
	if record == nil {
		return Success
	}
	st.enqueue(simOp{name: "cuStreamWaitEvent", always: true, run: func(st *simStream) Result {
		<-record.done
		st.clock = max(st.clock, record.at)
		return Success
	}})
	return Success
}

// EventCreate implements API.
func (s *Simulator) EventCreate(flags uint32) (CUevent, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuEventCreate"); r != Success {
		return 0, r
	}
	ctx, r := s.currentLocked()
	if r != Success {
		return 0, r
	}
	ev := &simEvent{ctx: ctx, handle: CUevent(s.newHandle())}
	s.events[ev.handle] = ev
	return ev.handle, Success
}

// EventDestroy implements API.
func (s *Simulator) EventDestroy(event CUevent) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuEventDestroy"); r != Success {
		return r
	}
	ev, found := s.events[event]
	if !found {
		return ErrorInvalidHandle
	}
	if r := s.checkCurrentLocked(ev.ctx); r != Success {
		return r
	}
	delete(s.events, event)
	return Success
}

// EventRecord implements API.
func (s *Simulator) EventRecord(event CUevent, stream CUstream) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuEventRecord"); r != Success {
		return r
	}
	ev, found := s.events[event]
	if !found {
		return ErrorInvalidHandle
	}
	st, r := s.streamLocked(stream)
	if r != Success {
		return r
	}
	if st.ctx != ev.ctx {
		return ErrorInvalidHandle
	}
	record := ev.newRecord()
	st.enqueue(simOp{name: "cuEventRecord", always: true, run: func(st *simStream) Result {
		record.complete(st.clock)
		return Success
	}})
	return Success
}

// EventSynchronize implements API. Synchronizing an event never recorded returns immediately.
func (s *Simulator) EventSynchronize(event CUevent) Result {
	s.mu.Lock()
	if r := s.begin("cuEventSynchronize"); r != Success {
		s.mu.Unlock()
		return r
	}
	ev, found := s.events[event]
	s.mu.Unlock()
	if !found {
		return ErrorInvalidHandle
	}
	if record := ev.lastRecord(); record != nil {
		<-record.done
	}
	return Success
}

// EventElapsedTime implements API.
func (s *Simulator) EventElapsedTime(start, end CUevent) (float32, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuEventElapsedTime"); r != Success {
		return 0, r
	}
	startEv, found := s.events[start]
	if !found {
		return 0, ErrorInvalidHandle
	}
	endEv, found := s.events[end]
	if !found {
		return 0, ErrorInvalidHandle
	}
	startAt, r := startEv.timestamp()
	if r != Success {
		return 0, r
	}
	endAt, r := endEv.timestamp()
	if r != Success {
		return 0, r
	}
	return float32(float64(endAt-startAt) / float64(time.Millisecond)), Success
}

// RegisterModule makes a module available to ModuleLoadData under the image returned by SimModuleImage(name).
// Registering a name again replaces the module for future loads.
func (s *Simulator) RegisterModule(name string, module SimModule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[name] = module
}

// SimModuleImage returns the module image that loads the simulator module registered under name.
func SimModuleImage(name string) []byte {
	return []byte(simModulePrefix + name)
}

// ModuleLoadData implements API. Images are created with SimModuleImage.
func (s *Simulator) ModuleLoadData(image []byte) (CUmodule, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuModuleLoadData"); r != Success {
		return 0, r
	}
	ctx, r := s.currentLocked()
	if r != Success {
		return 0, r
	}
	name, isSim := bytes.CutPrefix(image, []byte(simModulePrefix))
	if !isSim {
		return 0, ErrorInvalidImage
	}
	kernels, found := s.registry[string(name)]
	if !found {
		return 0, ErrorInvalidImage
	}
	handle := CUmodule(s.newHandle())
	s.modules[handle] = &simLoadedModule{ctx: ctx, name: string(name), kernels: kernels,
		functions: make(map[string]CUfunction)}
	return handle, Success
}

// ModuleUnload implements API.
func (s *Simulator) ModuleUnload(module CUmodule) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuModuleUnload"); r != Success {
		return r
	}
	m, found := s.modules[module]
	if !found {
		return ErrorInvalidHandle
	}
	if r := s.checkCurrentLocked(m.ctx); r != Success {
		return r
	}
	s.unloadLocked(module, m)
	return Success
}

func (s *Simulator) unloadLocked(handle CUmodule, m *simLoadedModule) {
	for _, fn := range m.functions {
		delete(s.functions, fn)
	}
	delete(s.modules, handle)
}

// ModuleGetFunction implements API.
func (s *Simulator) ModuleGetFunction(module CUmodule, name string) (CUfunction, Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuModuleGetFunction"); r != Success {
		return 0, r
	}
	m, found := s.modules[module]
	if !found {
		return 0, ErrorInvalidHandle
	}
	if r := s.checkCurrentLocked(m.ctx); r != Success {
		return 0, r
	}
	if fn, found := m.functions[name]; found {
		return fn, Success
	}
	kernel, found := m.kernels[name]
	if !found {
		return 0, ErrorNotFound
	}
	fn := CUfunction(s.newHandle())
	m.functions[name] = fn
	s.functions[fn] = &simFunction{module: m, name: name, kernel: kernel}
	return fn, Success
}

// LaunchKernel implements API. Argument values are copied before it returns; the kernel runs on the
// stream's worker.
func (s *Simulator) LaunchKernel(f CUfunction, grid, block Dim3, sharedMemBytes uint32, stream CUstream,
	params []unsafe.Pointer) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.begin("cuLaunchKernel"); r != Success {
		return r
	}
	fn, found := s.functions[f]
	if !found {
		return ErrorInvalidHandle
	}
	st, r := s.streamLocked(stream)
	if r != Success {
		return r
	}
	if st.ctx != fn.module.ctx {
		return ErrorInvalidContext
	}
	spec := s.devices[st.ctx.device]
	if grid.Size() <= 0 || block.Size() > spec.MaxThreadsPerBlock ||
		int(sharedMemBytes) > spec.SharedMemoryPerBlock {
		return ErrorInvalidValue
	}
	if len(params) != len(fn.kernel.ArgSizes) {
		return ErrorInvalidValue
	}
	args := make([][]byte, len(params))
	for ii, param := range params {
		if param == nil {
			return ErrorInvalidValue
		}
		args[ii] = bytes.Clone(hostBytes(param, uint64(fn.kernel.ArgSizes[ii])))
	}
	launch := &SimLaunch{
		Kernel: fn.name,
		Grid:   grid.Normalized(),
		Block:  block.Normalized(),
		Device: spec,
		args:   args,
		sim:    s,
	}
	kernel := fn.kernel
	st.enqueue(simOp{name: "cuLaunchKernel", run: func(st *simStream) Result {
		r := runSimKernel(kernel, launch)
		cost := simDefaultCost
		if kernel.Cost != nil {
			cost = kernel.Cost(launch)
		}
		st.clock += cost
		return r
	}})
	return Success
}

// runSimKernel runs the kernel and converts its failure (or panic) into a launch status.
func runSimKernel(kernel SimKernel, launch *SimLaunch) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			klog.Errorf("Simulated kernel %q panicked: %v", launch.Kernel, p)
			r = ErrorLaunchFailed
		}
	}()
	if kernel.Run == nil {
		return Success
	}
	if err := kernel.Run(launch); err != nil {
		klog.Errorf("Simulated kernel %q failed: %v", launch.Kernel, err)
		var launchErr *simLaunchError
		if errors.As(err, &launchErr) {
			return launchErr.code
		}
		return ErrorLaunchFailed
	}
	return Success
}
