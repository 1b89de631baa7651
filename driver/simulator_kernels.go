package driver

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// SimKernel is a kernel entry point of a simulated module.
type SimKernel struct {
	// ArgSizes holds the size in bytes of each argument: launches must pass exactly len(ArgSizes) arguments.
	ArgSizes []int

	// Run executes the kernel for the whole grid. Errors make the stream fail asynchronously: they are
	// reported by the next synchronization.
	Run func(launch *SimLaunch) error

	// Cost returns the simulated execution time of the launch. If nil a fixed small cost is used.
	Cost func(launch *SimLaunch) time.Duration
}

// SimModule maps entry point names to kernels.
type SimModule map[string]SimKernel

// SimLaunch is passed to a SimKernel: it holds the launch configuration and the copied argument values,
// and gives access to device memory.
type SimLaunch struct {
	Kernel      string
	Grid, Block Dim3
	Device      SimDeviceSpec

	args [][]byte
	sim  *Simulator
}

// simLaunchError is a kernel failure with a specific driver status.
type simLaunchError struct {
	code Result
	msg  string
}

func (e *simLaunchError) Error() string {
	return e.msg + ": " + e.code.String()
}

// NumArgs returns the number of arguments of the launch.
func (l *SimLaunch) NumArgs() int {
	return len(l.args)
}

// Arg returns the raw bytes of argument i.
func (l *SimLaunch) Arg(i int) []byte {
	return l.args[i]
}

// ArgPointer decodes argument i as a device address.
func (l *SimLaunch) ArgPointer(i int) CUdeviceptr {
	return CUdeviceptr(binary.NativeEndian.Uint64(l.args[i]))
}

// ArgInt32 decodes argument i as an int32.
func (l *SimLaunch) ArgInt32(i int) int32 {
	return int32(binary.NativeEndian.Uint32(l.args[i]))
}

// ArgInt64 decodes argument i as an int64.
func (l *SimLaunch) ArgInt64(i int) int64 {
	return int64(binary.NativeEndian.Uint64(l.args[i]))
}

// ArgFloat32 decodes argument i as a float32.
func (l *SimLaunch) ArgFloat32(i int) float32 {
	return math.Float32frombits(binary.NativeEndian.Uint32(l.args[i]))
}

// ArgFloat64 decodes argument i as a float64.
func (l *SimLaunch) ArgFloat64(i int) float64 {
	return math.Float64frombits(binary.NativeEndian.Uint64(l.args[i]))
}

// Memory returns the device memory [ptr, ptr+size). Accessing memory outside an allocation fails the launch
// with ErrorIllegalAddress.
func (l *SimLaunch) Memory(ptr CUdeviceptr, size int) ([]byte, error) {
	if size < 0 {
		return nil, errors.Errorf("negative memory size %d", size)
	}
	mem, ok := l.sim.memory(ptr, uint64(size))
	if !ok {
		return nil, errors.WithStack(&simLaunchError{code: ErrorIllegalAddress,
			msg: "kernel " + l.Kernel + " accessed unallocated device memory"})
	}
	return mem, nil
}

// simOp is one unit of work of a stream.
type simOp struct {
	name string

	// always makes the op run even after a failure in the stream, so that events complete.
	always bool

	run func(st *simStream) Result
}

// simStream executes its ops in order on a worker goroutine.
type simStream struct {
	ctx    *simContext
	handle CUstream

	// clock is only accessed by the ops, which run sequentially.
	clock time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []simOp
	pending int
	closed  bool
	err     Result
}

func newSimStream(ctx *simContext, handle CUstream) *simStream {
	st := &simStream{ctx: ctx, handle: handle}
	st.cond = sync.NewCond(&st.mu)
	go st.loop()
	return st
}

func (st *simStream) enqueue(op simOp) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.queue = append(st.queue, op)
	st.pending++
	st.cond.Broadcast()
}

func (st *simStream) loop() {
	for {
		st.mu.Lock()
		for len(st.queue) == 0 && !st.closed {
			st.cond.Wait()
		}
		if len(st.queue) == 0 {
			st.mu.Unlock()
			return
		}
		op := st.queue[0]
		st.queue = st.queue[1:]
		failed := st.err != Success
		st.mu.Unlock()

		r := Success
		if !failed || op.always {
			r = op.run(st)
		}

		st.mu.Lock()
		if r != Success && st.err == Success {
			st.err = r
		}
		st.pending--
		st.cond.Broadcast()
		st.mu.Unlock()
	}
}

// drain waits until all enqueued ops have run.
func (st *simStream) drain() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for st.pending > 0 {
		st.cond.Wait()
	}
}

// synchronize waits until all enqueued ops have run and returns (and clears) the sticky failure.
func (st *simStream) synchronize() Result {
	st.mu.Lock()
	defer st.mu.Unlock()
	for st.pending > 0 {
		st.cond.Wait()
	}
	r := st.err
	st.err = Success
	return r
}

// close makes the worker exit once the queued ops have run.
func (st *simStream) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.closed = true
	st.cond.Broadcast()
}

// simEvent is a timer: each EventRecord creates a new record, completed when the stream reaches it.
type simEvent struct {
	ctx    *simContext
	handle CUevent

	mu     sync.Mutex
	record *simRecord
}

type simRecord struct {
	done chan struct{}
	at   time.Duration // Valid once done is closed.
}

func (r *simRecord) complete(at time.Duration) {
	r.at = at
	close(r.done)
}

func (ev *simEvent) newRecord() *simRecord {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	ev.record = &simRecord{done: make(chan struct{})}
	return ev.record
}

func (ev *simEvent) lastRecord() *simRecord {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.record
}

// timestamp returns the simulated time of the last record, ErrorInvalidHandle if never recorded and
// ErrorNotReady if the record was not reached yet.
func (ev *simEvent) timestamp() (time.Duration, Result) {
	record := ev.lastRecord()
	if record == nil {
		return 0, ErrorInvalidHandle
	}
	select {
	case <-record.done:
		return record.at, Success
	default:
		return 0, ErrorNotReady
	}
}
