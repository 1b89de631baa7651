package driver

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stream is an ordered queue of device work. Work enqueued on a stream executes in submission order,
// asynchronously with respect to the host; Synchronize waits for all of it.
type Stream struct {
	ctx    *Context
	handle *Handle[CUstream]

	// pinners keep host memory of pending asynchronous copies pinned until Synchronize.
	mu      sync.Mutex
	pinners []*runtime.Pinner
}

// NewStream creates a stream in ctx, owned by the returned Stream.
func NewStream(ctx *Context) (*Stream, error) {
	var cuStream CUstream
	err := ctx.Do(func() error {
		var r Result
		cuStream, r = ctx.API().StreamCreate(0)
		return toError("cuStreamCreate", r)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create stream on %s", ctx.device)
	}
	return AttachStream(ctx, cuStream, true)
}

// AttachStream wraps an existing stream of ctx. The zero CUstream is the context's default stream.
func AttachStream(ctx *Context, native CUstream, takeOwnership bool) (*Stream, error) {
	h, shared, err := bindToContext(ctx, KindStream, native, takeOwnership)
	if err != nil {
		return nil, err
	}
	return &Stream{ctx: shared, handle: h}, nil
}

// Context the stream belongs to.
func (s *Stream) Context() *Context {
	return s.ctx
}

// Handle returns the stream's handle view.
func (s *Stream) Handle() *Handle[CUstream] {
	return s.handle
}

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("Stream[%#x on %s]", uintptr(s.handle.Value()), s.ctx)
}

// native returns the driver stream, failing if this Stream was released.
func (s *Stream) native() (CUstream, error) {
	if s.handle.view.released.Load() {
		return 0, errors.Wrap(ErrReleased, "stream")
	}
	return s.handle.Value(), nil
}

func (s *Stream) checkContext(what string, other *Context) error {
	if !s.ctx.Same(other) {
		return errors.Wrapf(ErrContextMismatch, "%s from %s used on %s", what, other, s)
	}
	return nil
}

// Enqueue launches kernel on the stream with the given grid and block dimensions, after the end of every
// event in waitEvents is reached. If recordEvent is not nil, its start and end timers are recorded right
// before and right after the launch.
//
// It returns once the launch is submitted. Argument gaps in the kernel are reported here (ErrArgumentGap).
func (s *Stream) Enqueue(kernel *Kernel, grid, block Dim3, waitEvents []*Event, recordEvent *Event) error {
	cuStream, err := s.native()
	if err != nil {
		return err
	}
	if err := s.checkContext("kernel", kernel.module.ctx); err != nil {
		return err
	}
	for _, ev := range waitEvents {
		if !ev.Recorded() {
			return errors.Wrapf(ErrEventNotRecorded, "wait event of %s", kernel)
		}
	}
	var pair EventPair
	if recordEvent != nil {
		if err := s.checkContext("event", recordEvent.ctx); err != nil {
			return err
		}
		if _, err := kernel.Params(); err != nil {
			return err
		}
		if err := recordEvent.markRecorded(); err != nil {
			return err
		}
		pair = recordEvent.handle.Value()
	}
	api := s.ctx.API()
	err = s.ctx.Do(func() error {
		for _, ev := range waitEvents {
			if err := toError("cuStreamWaitEvent", api.StreamWaitEvent(cuStream, ev.handle.Value().End, 0)); err != nil {
				return err
			}
		}
		if pair.Start != 0 {
			if err := toError("cuEventRecord", api.EventRecord(pair.Start, cuStream)); err != nil {
				return err
			}
		}
		err := kernel.launch(func(fn CUfunction, params []unsafe.Pointer) error {
			return toError("cuLaunchKernel", api.LaunchKernel(fn, grid.Normalized(), block.Normalized(), 0, cuStream, params))
		})
		if err != nil {
			return err
		}
		if pair.End != 0 {
			return toError("cuEventRecord", api.EventRecord(pair.End, cuStream))
		}
		return nil
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to enqueue %s on %s", kernel, s)
	}
	return nil
}

// Bracket records the start timer of ev, calls fn, which is expected to enqueue work on this stream, and
// records the end timer of ev. The end timer is not recorded if fn fails.
func (s *Stream) Bracket(ev *Event, fn func() error) error {
	cuStream, err := s.native()
	if err != nil {
		return err
	}
	if err := s.checkContext("event", ev.ctx); err != nil {
		return err
	}
	if err := ev.markRecorded(); err != nil {
		return err
	}
	api := s.ctx.API()
	pair := ev.handle.Value()
	err = s.ctx.Do(func() error {
		return toError("cuEventRecord", api.EventRecord(pair.Start, cuStream))
	})
	if err != nil {
		return err
	}
	if err = fn(); err != nil {
		return err
	}
	return s.ctx.Do(func() error {
		return toError("cuEventRecord", api.EventRecord(pair.End, cuStream))
	})
}

// WaitFor makes the work enqueued on s from now on wait for the work already enqueued on other. It doesn't
// block the caller.
func (s *Stream) WaitFor(other *Stream) error {
	if s == other {
		return nil
	}
	cuStream, err := s.native()
	if err != nil {
		return err
	}
	if err := s.checkContext("stream", other.ctx); err != nil {
		return err
	}
	ev, err := NewEvent(s.ctx)
	if err != nil {
		return err
	}
	// The pending wait holds on to the recorded timer: the event can be destroyed right away.
	defer func() {
		if err := ev.Release(); err != nil {
			klog.Errorf("Failed to release event used to order %s after %s: %v", s, other, err)
		}
	}()
	if err := other.Bracket(ev, func() error { return nil }); err != nil {
		return err
	}
	api := s.ctx.API()
	end := ev.handle.Value().End
	err = s.ctx.Do(func() error {
		return toError("cuStreamWaitEvent", api.StreamWaitEvent(cuStream, end, 0))
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to order %s after %s", s, other)
	}
	return nil
}

// checkCopy validates a copy of size bytes at offset of buf, from/to host.
func (s *Stream) checkCopy(buf *Buffer, offset, size int, host []byte) (CUdeviceptr, error) {
	if _, err := s.native(); err != nil {
		return 0, err
	}
	if err := s.checkContext("buffer", buf.ctx); err != nil {
		return 0, err
	}
	if size > len(host) {
		return 0, errors.Wrapf(ErrOutOfRange, "copy of %d bytes with a host slice of %d bytes", size, len(host))
	}
	return buf.addressAt(offset, size)
}

// pinUntilSynchronize pins host memory used by an asynchronous copy until the next Synchronize.
func (s *Stream) pinUntilSynchronize(host []byte) {
	pinner := &runtime.Pinner{}
	pinner.Pin(unsafe.SliceData(host))
	s.mu.Lock()
	s.pinners = append(s.pinners, pinner)
	s.mu.Unlock()
}

func (s *Stream) unpinAll() {
	s.mu.Lock()
	pinners := s.pinners
	s.pinners = nil
	s.mu.Unlock()
	for _, pinner := range pinners {
		pinner.Unpin()
	}
}

// Write copies size bytes from src to buf at offset.
//
// If blocking is false the copy is enqueued on the stream and src must not be modified until Synchronize
// returns. Range errors are returned before anything is submitted.
func (s *Stream) Write(buf *Buffer, blocking bool, offset, size int, src []byte) error {
	dst, err := s.checkCopy(buf, offset, size, src)
	if err != nil {
		return errors.WithMessagef(err, "write to %s", buf)
	}
	if size == 0 {
		return nil
	}
	api := s.ctx.API()
	hostPtr := unsafe.Pointer(unsafe.SliceData(src))
	if blocking {
		return s.ctx.Do(func() error {
			return toError("cuMemcpyHtoD", api.MemcpyHtoD(dst, hostPtr, uint64(size)))
		})
	}
	s.pinUntilSynchronize(src)
	cuStream := s.handle.Value()
	return s.ctx.Do(func() error {
		return toError("cuMemcpyHtoDAsync", api.MemcpyHtoDAsync(dst, hostPtr, uint64(size), cuStream))
	})
}

// Read copies size bytes from buf at offset into dst.
//
// If blocking is false the copy is enqueued on the stream and dst holds the data only after Synchronize
// returns. Range errors are returned before anything is submitted.
func (s *Stream) Read(buf *Buffer, blocking bool, offset, size int, dst []byte) error {
	src, err := s.checkCopy(buf, offset, size, dst)
	if err != nil {
		return errors.WithMessagef(err, "read from %s", buf)
	}
	if size == 0 {
		return nil
	}
	api := s.ctx.API()
	hostPtr := unsafe.Pointer(unsafe.SliceData(dst))
	if blocking {
		return s.ctx.Do(func() error {
			return toError("cuMemcpyDtoH", api.MemcpyDtoH(hostPtr, src, uint64(size)))
		})
	}
	s.pinUntilSynchronize(dst)
	cuStream := s.handle.Value()
	return s.ctx.Do(func() error {
		return toError("cuMemcpyDtoHAsync", api.MemcpyDtoHAsync(hostPtr, src, uint64(size), cuStream))
	})
}

// Synchronize blocks until all work enqueued on the stream is complete.
func (s *Stream) Synchronize() error {
	cuStream, err := s.native()
	if err != nil {
		return err
	}
	err = s.ctx.Do(func() error {
		return toError("cuStreamSynchronize", s.ctx.API().StreamSynchronize(cuStream))
	})
	s.unpinAll()
	return err
}

// Release the stream. Pending work is not waited for, call Synchronize first.
func (s *Stream) Release() error {
	err := s.handle.Release()
	s.unpinAll()
	return err
}
