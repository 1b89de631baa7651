package driver

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event is a pair of timers (start and end) that bracket operations on a stream, used for profiling and
// for ordering work across streams.
//
// An Event is recorded once: each new measurement needs a new Event.
type Event struct {
	ctx      *Context
	handle   *Handle[EventPair]
	recorded atomic.Bool
}

// NewEvent creates an Event in ctx.
func NewEvent(ctx *Context) (*Event, error) {
	api := ctx.API()
	var pair EventPair
	err := ctx.Do(func() error {
		var r Result
		pair.Start, r = api.EventCreate(0)
		if err := toError("cuEventCreate", r); err != nil {
			return err
		}
		pair.End, r = api.EventCreate(0)
		if err := toError("cuEventCreate", r); err != nil {
			if destroyErr := toError("cuEventDestroy", api.EventDestroy(pair.Start)); destroyErr != nil {
				klog.Errorf("Failed to destroy event after failure: %v", destroyErr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create event on %s", ctx.device)
	}
	h, shared, err := bindToContext(ctx, KindEvent, pair, true)
	if err != nil {
		return nil, err
	}
	return &Event{ctx: shared, handle: h}, nil
}

// Handle returns the event's handle view.
func (e *Event) Handle() *Handle[EventPair] {
	return e.handle
}

// Context the event was created in.
func (e *Event) Context() *Context {
	return e.ctx
}

// Recorded returns whether the event was already recorded on a stream.
func (e *Event) Recorded() bool {
	return e.recorded.Load()
}

// markRecorded claims the event for a recording, failing if it was already claimed.
func (e *Event) markRecorded() error {
	if !e.handle.Valid() {
		return errors.Wrap(ErrReleased, "event")
	}
	if !e.recorded.CompareAndSwap(false, true) {
		return errors.WithStack(ErrEventAlreadyRecorded)
	}
	return nil
}

// Synchronize blocks until the end timer of the event has been reached by its stream.
func (e *Event) Synchronize() error {
	if !e.Recorded() {
		return errors.WithStack(ErrEventNotRecorded)
	}
	pair := e.handle.Value()
	return e.ctx.Do(func() error {
		return toError("cuEventSynchronize", e.ctx.API().EventSynchronize(pair.End))
	})
}

// ElapsedTime waits for the end timer and returns the time elapsed between start and end.
func (e *Event) ElapsedTime() (time.Duration, error) {
	if !e.Recorded() {
		return 0, errors.WithStack(ErrEventNotRecorded)
	}
	pair := e.handle.Value()
	if pair.Start == 0 {
		return 0, errors.Wrap(ErrReleased, "event")
	}
	api := e.ctx.API()
	var ms float32
	err := e.ctx.Do(func() error {
		if err := toError("cuEventSynchronize", api.EventSynchronize(pair.End)); err != nil {
			return err
		}
		var r Result
		ms, r = api.EventElapsedTime(pair.Start, pair.End)
		return toError("cuEventElapsedTime", r)
	})
	if err != nil {
		return 0, err
	}
	return time.Duration(float64(ms) * float64(time.Millisecond)), nil
}

// Release the event.
func (e *Event) Release() error {
	return e.handle.Release()
}
