package driver

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kind of driver resource wrapped by a Handle. It selects the release routine.
type Kind int

const (
	KindDevice Kind = iota
	KindContext
	KindBuffer
	KindStream
	KindEvent
	KindModule
	KindFunction
	numKinds
)

var kindNames = [numKinds]string{
	KindDevice:   "device",
	KindContext:  "context",
	KindBuffer:   "buffer",
	KindStream:   "stream",
	KindEvent:    "event",
	KindModule:   "module",
	KindFunction: "function",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// releaseTable holds the release routine of each kind. Devices and functions are owned by the driver
// and by their module respectively, and have no release routine.
var releaseTable = [numKinds]func(api API, value any) error{
	KindContext: func(api API, value any) error {
		return toError("cuCtxDestroy", api.CtxDestroy(value.(CUcontext)))
	},
	KindBuffer: func(api API, value any) error {
		return toError("cuMemFree", api.MemFree(value.(CUdeviceptr)))
	},
	KindStream: func(api API, value any) error {
		return toError("cuStreamDestroy", api.StreamDestroy(value.(CUstream)))
	},
	KindEvent: func(api API, value any) error {
		pair := value.(EventPair)
		var err error
		if pair.Start != 0 {
			err = toError("cuEventDestroy", api.EventDestroy(pair.Start))
		}
		if pair.End != 0 {
			if err2 := toError("cuEventDestroy", api.EventDestroy(pair.End)); err == nil {
				err = err2
			}
		}
		return err
	},
	KindModule: func(api API, value any) error {
		return toError("cuModuleUnload", api.ModuleUnload(value.(CUmodule)))
	},
}

var handlesAlive [numKinds]atomic.Int64

// HandlesAlive returns the number of owned resources of the given kind not yet released.
func HandlesAlive(kind Kind) int64 {
	if kind < 0 || kind >= numKinds {
		return 0
	}
	return handlesAlive[kind].Load()
}

// handleState is shared by all views of the same resource.
type handleState[T comparable] struct {
	api   API
	kind  Kind
	value T
	owns  bool
	refs  atomic.Int64

	// scope, if set, runs the release routine, typically with the resource's context current.
	scope func(fn func() error) error

	// afterRelease is called once the last view is gone, after the release routine, whatever its outcome.
	afterRelease func()
}

func (s *handleState[T]) isNull() bool {
	var zero T
	return s.value == zero
}

func (s *handleState[T]) decRef() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}
	var err error
	if s.owns && !s.isNull() {
		if release := releaseTable[s.kind]; release != nil {
			doRelease := func() error { return release(s.api, s.value) }
			if s.scope != nil {
				err = s.scope(doRelease)
			} else {
				err = doRelease()
			}
		}
		handlesAlive[s.kind].Add(-1)
	}
	if s.afterRelease != nil {
		s.afterRelease()
	}
	return err
}

type handleView[T comparable] struct {
	released atomic.Bool
	state    *handleState[T]
}

func (v *handleView[T]) release() error {
	if !v.released.CompareAndSwap(false, true) {
		return nil
	}
	return v.state.decRef()
}

// Handle is one view over an opaque driver resource. Views created with Share point to the same resource,
// which is released (if owned) when the last view is released.
//
// A view that is garbage collected without being released is released automatically; errors in that case
// are only logged.
type Handle[T comparable] struct {
	view *handleView[T]
}

// Wrap creates the first view over value. If takeOwnership is true and value is not null, the resource is
// released with the release routine of its kind when the last view is released.
func Wrap[T comparable](api API, kind Kind, value T, takeOwnership bool) *Handle[T] {
	return wrapWithScope(api, kind, value, takeOwnership, nil, nil)
}

func wrapWithScope[T comparable](api API, kind Kind, value T, takeOwnership bool,
	scope func(fn func() error) error, afterRelease func()) *Handle[T] {
	state := &handleState[T]{
		api:          api,
		kind:         kind,
		value:        value,
		owns:         takeOwnership,
		scope:        scope,
		afterRelease: afterRelease,
	}
	state.refs.Store(1)
	if state.owns && !state.isNull() {
		handlesAlive[kind].Add(1)
	}
	return newView(state)
}

func newView[T comparable](state *handleState[T]) *Handle[T] {
	h := &Handle[T]{view: &handleView[T]{state: state}}
	runtime.AddCleanup(h, func(v *handleView[T]) {
		if err := v.release(); err != nil {
			klog.Errorf("Release of garbage collected %s handle failed: %v", v.state.kind, err)
		}
	}, h.view)
	return h
}

// Share returns a new view over the same resource. Each view must be released independently.
// It returns an error if this view was already released.
func (h *Handle[T]) Share() (*Handle[T], error) {
	if h == nil || h.view.released.Load() {
		return nil, errors.WithStack(ErrReleased)
	}
	h.view.state.refs.Add(1)
	return newView(h.view.state), nil
}

// Release this view. The underlying resource is released when this is the last view and the handle owns it.
// Releasing a view twice is a no-op.
func (h *Handle[T]) Release() error {
	if h == nil {
		return nil
	}
	defer runtime.KeepAlive(h)
	return h.view.release()
}

// Value returns the wrapped driver value, or the zero (null) value if this view was released.
func (h *Handle[T]) Value() T {
	var zero T
	if h == nil || h.view.released.Load() {
		return zero
	}
	return h.view.state.value
}

// Valid returns whether the view is not released and wraps a non-null value.
func (h *Handle[T]) Valid() bool {
	return h != nil && !h.view.released.Load() && !h.view.state.isNull()
}

// Owns returns whether the resource is released when the last view goes away.
func (h *Handle[T]) Owns() bool {
	return h != nil && h.view.state.owns
}

// Kind of the wrapped resource.
func (h *Handle[T]) Kind() Kind {
	return h.view.state.kind
}

// RefCount returns the number of live views over the resource.
func (h *Handle[T]) RefCount() int {
	if h == nil {
		return 0
	}
	return int(h.view.state.refs.Load())
}

// String implements fmt.Stringer.
func (h *Handle[T]) String() string {
	if h == nil {
		return "Handle(nil)"
	}
	return fmt.Sprintf("Handle[%s](%v, owns=%v, refs=%d)", h.view.state.kind, h.view.state.value,
		h.view.state.owns, h.RefCount())
}
