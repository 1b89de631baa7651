package driver

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestHandleReleasedOnce(t *testing.T) {
	env := newTestEnv(t)
	buf := must.M1(NewBuffer(env.ctx, 1024))
	require.Equal(t, 1, env.sim.Live(KindBuffer))
	require.Equal(t, 1, buf.Handle().RefCount())

	shared, err := buf.Handle().Share()
	require.NoError(t, err)
	require.Equal(t, 2, shared.RefCount())
	require.Equal(t, buf.Address(), shared.Value())

	// First view released: memory still allocated.
	require.NoError(t, buf.Release())
	require.Equal(t, 0, env.sim.Calls("cuMemFree"))
	require.Equal(t, CUdeviceptr(0), buf.Address())
	require.False(t, buf.Handle().Valid())
	require.True(t, shared.Valid())

	// Releasing a view twice is a no-op.
	require.NoError(t, buf.Release())
	require.Equal(t, 1, shared.RefCount())

	// Last view: freed exactly once.
	require.NoError(t, shared.Release())
	require.NoError(t, shared.Release())
	require.Equal(t, 1, env.sim.Calls("cuMemFree"))
	require.Equal(t, 0, env.sim.Live(KindBuffer))

	// A released view can't be shared.
	_, err = shared.Share()
	require.ErrorIs(t, err, ErrReleased)
}

func TestHandleWithoutOwnership(t *testing.T) {
	env := newTestEnv(t)
	owner := must.M1(NewBuffer(env.ctx, 256))
	attached := must.M1(AttachBuffer(env.ctx, owner.Address(), owner.Size(), false))
	require.False(t, attached.Handle().Owns())
	require.NoError(t, attached.Release())
	require.Equal(t, 0, env.sim.Calls("cuMemFree"))
	require.Equal(t, 1, env.sim.Live(KindBuffer))

	require.NoError(t, owner.Release())
	require.Equal(t, 1, env.sim.Calls("cuMemFree"))
}

func TestHandleNullValue(t *testing.T) {
	sim := NewSimulator()
	before := HandlesAlive(KindStream)
	h := Wrap(sim, KindStream, CUstream(0), true)
	require.False(t, h.Valid())
	require.Equal(t, before, HandlesAlive(KindStream))
	require.NoError(t, h.Release())
	require.Equal(t, 0, sim.Calls("cuStreamDestroy"))
	require.Equal(t, "stream", h.Kind().String())
}

func TestHandleReleaseFailure(t *testing.T) {
	env := newTestEnv(t)
	buf := must.M1(NewBuffer(env.ctx, 256))
	env.sim.FailNext("cuMemFree", ErrorIllegalAddress)
	err := buf.Release()
	require.Error(t, err)
	require.True(t, IsDriverError(err, ErrorIllegalAddress))
	var driverErr *Error
	require.True(t, errors.As(err, &driverErr))
	require.Equal(t, "cuMemFree", driverErr.Op)
	require.Contains(t, err.Error(), "CUDA_ERROR_ILLEGAL_ADDRESS")
}

func TestReleaseOrderIndependent(t *testing.T) {
	sim := NewSimulator()
	sim.RegisterModule(testModule, testKernels())
	platform := must.M1(NewPlatform(sim))
	ctx := must.M1(NewContext(platform.Devices()[0]))
	buf := must.M1(NewBuffer(ctx, 64))
	stream := must.M1(NewStream(ctx))
	event := must.M1(NewEvent(ctx))
	module := must.M1(LoadModule(ctx, SimModuleImage(testModule)))
	kernel := must.M1(module.Kernel("fill"))

	// The context is released first, but it is only destroyed after all its resources.
	require.NoError(t, ctx.Release())
	require.Equal(t, 1, sim.Live(KindContext))
	require.NoError(t, module.Release())
	require.Equal(t, 1, sim.Live(KindModule), "kernel still holds the module")
	require.NoError(t, buf.Release())
	require.NoError(t, stream.Release())
	require.NoError(t, event.Release())
	require.Equal(t, 1, sim.Live(KindContext))
	require.NoError(t, kernel.Release())
	require.Equal(t, 0, sim.Live(KindModule))
	require.Equal(t, 0, sim.Live(KindContext))
	require.Equal(t, 1, sim.Calls("cuCtxDestroy"))
	for _, kind := range []Kind{KindBuffer, KindStream, KindEvent, KindFunction} {
		require.Equalf(t, 0, sim.Live(kind), "kind %s", kind)
	}
}
