package driver

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is a device's execution environment. Resources (buffers, streams, events, modules) are created
// within a context, and the context must be current on the calling thread for any operation on them:
// this package does that with a ContextSwitcher around every driver call.
//
// Every resource created from a Context holds its own shared view of the context handle, so the context
// is destroyed only after the Context and all its resources are released, in any order.
type Context struct {
	device *Device
	handle *Handle[CUcontext]
}

// NewContext creates a new context on the device, owned by the returned Context.
// The context that was current on the calling thread before the call remains current.
func NewContext(device *Device) (*Context, error) {
	api := device.platform.api
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	previous, r := api.CtxGetCurrent()
	if err := toError("cuCtxGetCurrent", r); err != nil {
		return nil, err
	}
	cuCtx, r := api.CtxCreate(0, device.handle.Value())
	if err := toError("cuCtxCreate", r); err != nil {
		return nil, errors.WithMessagef(err, "failed to create context on %s", device)
	}
	// Context creation makes the new context current: restore the previous one.
	if err := toError("cuCtxSetCurrent", api.CtxSetCurrent(previous)); err != nil {
		if destroyErr := toError("cuCtxDestroy", api.CtxDestroy(cuCtx)); destroyErr != nil {
			klog.Errorf("Failed to destroy context after failure: %v", destroyErr)
		}
		return nil, err
	}
	return &Context{device: device, handle: Wrap(api, KindContext, cuCtx, true)}, nil
}

// AttachCurrentContext wraps the context current on the calling thread, without taking ownership.
// It returns ErrNoCurrentContext if no context is current.
func AttachCurrentContext(platform *Platform) (*Context, error) {
	api := platform.api
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cuCtx, r := api.CtxGetCurrent()
	if err := toError("cuCtxGetCurrent", r); err != nil {
		return nil, err
	}
	if cuCtx == 0 {
		return nil, errors.WithStack(ErrNoCurrentContext)
	}
	cuDevice, r := api.CtxGetDevice()
	if err := toError("cuCtxGetDevice", r); err != nil {
		return nil, err
	}
	for _, device := range platform.devices {
		if device.handle.Value() == cuDevice {
			return &Context{device: device, handle: Wrap(api, KindContext, cuCtx, false)}, nil
		}
	}
	return nil, errors.Errorf("current context is on device %d, which is not known to %s", cuDevice, platform)
}

// Device the context was created on.
func (c *Context) Device() *Device {
	return c.device
}

// API of the driver that owns this context.
func (c *Context) API() API {
	return c.device.platform.api
}

// Handle returns the context handle view held by this Context.
func (c *Context) Handle() *Handle[CUcontext] {
	return c.handle
}

// Owns returns whether the underlying context is destroyed once released.
func (c *Context) Owns() bool {
	return c.handle.Owns()
}

// Release this Context. The driver context is destroyed (if owned) once every resource created in it is
// also released.
func (c *Context) Release() error {
	return c.handle.Release()
}

// Same returns whether both refer to the same driver context.
func (c *Context) Same(other *Context) bool {
	return c != nil && other != nil && c.handle.Value() == other.handle.Value()
}

// String implements fmt.Stringer.
func (c *Context) String() string {
	return fmt.Sprintf("Context[%#x on %s]", uintptr(c.handle.Value()), c.device)
}

// share returns a new Context with its own view over the same context handle, for resources to hold.
func (c *Context) share() (*Context, error) {
	h, err := c.handle.Share()
	if err != nil {
		return nil, errors.WithMessagef(err, "context")
	}
	return &Context{device: c.device, handle: h}, nil
}

// ContextSwitcher makes a context current on the calling thread and restores the previously current one.
// Create it with Context.Switch, and call Restore when done -- usually with defer.
//
// The goroutine is locked to its OS thread between Switch and Restore, since the current context is
// thread state of the driver.
type ContextSwitcher struct {
	api      API
	previous CUcontext
	switched bool
	restored bool
}

// Switch makes c current on the calling thread, recording the previously current context.
// The returned ContextSwitcher must be restored with Restore.
func (c *Context) Switch() (*ContextSwitcher, error) {
	cuCtx := c.handle.Value()
	if cuCtx == 0 {
		return nil, errors.Wrap(ErrReleased, "context")
	}
	api := c.API()
	runtime.LockOSThread()
	previous, r := api.CtxGetCurrent()
	if err := toError("cuCtxGetCurrent", r); err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	s := &ContextSwitcher{api: api, previous: previous}
	if previous != cuCtx {
		if err := toError("cuCtxSetCurrent", api.CtxSetCurrent(cuCtx)); err != nil {
			runtime.UnlockOSThread()
			return nil, err
		}
		s.switched = true
	}
	return s, nil
}

// Restore makes the previously current context current again and unlocks the thread.
// Calling it more than once is a no-op.
func (s *ContextSwitcher) Restore() error {
	if s == nil || s.restored {
		return nil
	}
	s.restored = true
	defer runtime.UnlockOSThread()
	if !s.switched {
		return nil
	}
	return toError("cuCtxSetCurrent", s.api.CtxSetCurrent(s.previous))
}

// Do runs fn with c current on the calling thread, and restores the previous context afterward, even if
// fn fails or panics. An error restoring the context is returned only if fn succeeded.
func (c *Context) Do(fn func() error) (err error) {
	switcher, err := c.Switch()
	if err != nil {
		return err
	}
	defer func() {
		restoreErr := switcher.Restore()
		if restoreErr != nil {
			if err == nil {
				err = restoreErr
			} else {
				klog.Errorf("Failed to restore context after error %v: %v", err, restoreErr)
			}
		}
	}()
	return fn()
}
