package driver

import (
	"runtime"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// currentContext returns the context current on the calling goroutine.
func currentContext(t *testing.T, api API) CUcontext {
	current, r := api.CtxGetCurrent()
	require.NoError(t, toError("cuCtxGetCurrent", r))
	return current
}

func TestContextSwitcher(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	env := newTestEnv(t)
	other := must.M1(NewContext(env.device))
	defer func() { require.NoError(t, other.Release()) }()
	require.False(t, env.ctx.Same(other))

	// Creating contexts doesn't change the current one.
	require.Equal(t, CUcontext(0), currentContext(t, env.sim))

	err := env.ctx.Do(func() error {
		require.Equal(t, env.ctx.Handle().Value(), currentContext(t, env.sim))
		innerErr := other.Do(func() error {
			require.Equal(t, other.Handle().Value(), currentContext(t, env.sim))
			return nil
		})
		require.NoError(t, innerErr)
		require.Equal(t, env.ctx.Handle().Value(), currentContext(t, env.sim))

		// Already current: no switch.
		calls := env.sim.Calls("cuCtxSetCurrent")
		require.NoError(t, env.ctx.Do(func() error { return nil }))
		require.Equal(t, calls, env.sim.Calls("cuCtxSetCurrent"))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, CUcontext(0), currentContext(t, env.sim))
}

func TestContextSwitcherRestoresOnFailure(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	env := newTestEnv(t)

	// Error returned by the scoped function.
	errScope := errors.New("scope failed")
	err := env.ctx.Do(func() error { return errScope })
	require.ErrorIs(t, err, errScope)
	require.Equal(t, CUcontext(0), currentContext(t, env.sim))

	// Panic in the scoped function.
	require.Panics(t, func() {
		_ = env.ctx.Do(func() error { panic("boom") })
	})
	require.Equal(t, CUcontext(0), currentContext(t, env.sim))

	// Explicit switcher, restored twice.
	switcher, err := env.ctx.Switch()
	require.NoError(t, err)
	require.Equal(t, env.ctx.Handle().Value(), currentContext(t, env.sim))
	require.NoError(t, switcher.Restore())
	require.NoError(t, switcher.Restore())
	require.Equal(t, CUcontext(0), currentContext(t, env.sim))

	// Failure to switch.
	env.sim.FailNext("cuCtxSetCurrent", ErrorInvalidContext)
	err = env.ctx.Do(func() error {
		t.Fatal("scope should not run")
		return nil
	})
	require.True(t, IsDriverError(err, ErrorInvalidContext))
}

func TestAttachCurrentContext(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	env := newTestEnv(t)
	platform := env.device.Platform()

	_, err := AttachCurrentContext(platform)
	require.ErrorIs(t, err, ErrNoCurrentContext)

	err = env.ctx.Do(func() error {
		attached, err := AttachCurrentContext(platform)
		if err != nil {
			return err
		}
		require.False(t, attached.Owns())
		require.True(t, attached.Same(env.ctx))
		require.Same(t, env.device, attached.Device())
		return attached.Release()
	})
	require.NoError(t, err)
	require.Equal(t, 0, env.sim.Calls("cuCtxDestroy"))
	require.Equal(t, 1, env.sim.Live(KindContext))
}

func TestContextReleased(t *testing.T) {
	env := newTestEnv(t)
	ctx := must.M1(NewContext(env.device))
	require.NoError(t, ctx.Release())
	require.ErrorIs(t, ctx.Do(func() error { return nil }), ErrReleased)
	_, err := NewBuffer(ctx, 16)
	require.ErrorIs(t, err, ErrReleased)
}
