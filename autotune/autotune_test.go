package autotune

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gotriton/driver"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// busyModule has a single kernel, "busy", whose simulated cost is given by its only argument, in
// nanoseconds.
var busyModule = driver.SimModule{
	"busy": {
		ArgSizes: []int{8},
		Cost: func(l *driver.SimLaunch) time.Duration {
			return time.Duration(l.ArgInt64(0))
		},
	},
}

// fakeCandidate launches "busy" with a fixed cost.
type fakeCandidate struct {
	name   string
	pref   PreferenceKey
	kernel *driver.Kernel
	runs   *atomic.Int64
}

func (c *fakeCandidate) Name() string              { return c.name }
func (c *fakeCandidate) Preference() PreferenceKey { return c.pref }

func runCandidate(c *fakeCandidate, stream *driver.Stream) error {
	c.runs.Add(1)
	return stream.Enqueue(c.kernel, driver.Dim3{}, driver.Dim3{X: 32}, nil, nil)
}

type testEnv struct {
	sim    *driver.Simulator
	ctx    *driver.Context
	module *driver.Module
}

func newTestEnv(t *testing.T) *testEnv {
	sim := driver.NewSimulator()
	sim.RegisterModule("busy", busyModule)
	platform := must.M1(driver.NewPlatform(sim))
	ctx := must.M1(driver.NewContext(platform.Devices()[0]))
	module := must.M1(driver.LoadModule(ctx, driver.SimModuleImage("busy")))
	t.Cleanup(func() {
		require.NoError(t, module.Release())
		require.NoError(t, ctx.Release())
	})
	return &testEnv{sim: sim, ctx: ctx, module: module}
}

func (env *testEnv) newCandidate(t *testing.T, name string, cost time.Duration, pref PreferenceKey) *fakeCandidate {
	k := must.M1(env.module.Kernel("busy"))
	t.Cleanup(func() { require.NoError(t, k.Release()) })
	require.NoError(t, driver.SetArgValue(k, 0, int64(cost)))
	return &fakeCandidate{name: name, pref: pref, kernel: k, runs: &atomic.Int64{}}
}

func (env *testEnv) newSelector(t *testing.T, cfg Config) *Selector[int, *fakeCandidate] {
	s, err := NewSelector[int, *fakeCandidate](t.Name(), env.ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Release()) })
	return s
}

func quickConfig() Config {
	cfg := DefaultConfig()
	cfg.Warmup = 1
	cfg.Repetitions = 3
	return cfg
}

func TestPreferenceKey(t *testing.T) {
	sm80 := PreferenceKey{ComputeCapability: 80, Alignment: 8}
	require.True(t, PreferenceKey{ComputeCapability: 70, Alignment: 8}.Accepts(sm80))
	require.True(t, PreferenceKey{ComputeCapability: 80, Alignment: 4}.Accepts(sm80))
	require.True(t, PreferenceKey{ComputeCapability: 50}.Accepts(sm80))
	require.False(t, PreferenceKey{ComputeCapability: 90, Alignment: 1}.Accepts(sm80))
	require.False(t, PreferenceKey{ComputeCapability: 80, Alignment: 16}.Accepts(sm80))
	require.Equal(t, "sm_80/align8", sm80.String())

	require.Equal(t, 8, AlignmentOf(8, 64, 128, 1024))
	require.Equal(t, 4, AlignmentOf(8, 64, 12))
	require.Equal(t, 1, AlignmentOf(8, 64, 7))
	require.Equal(t, 1, AlignmentOf(0, 64))
}

func TestRegistryLookup(t *testing.T) {
	type key struct{ dtype string }
	env := newTestEnv(t)
	registry := NewRegistry[key, *fakeCandidate]()
	_, err := registry.Lookup(key{"f32"}, PreferenceKey{ComputeCapability: 80, Alignment: 8})
	require.ErrorIs(t, err, ErrNoCandidates)

	a := env.newCandidate(t, "a_sm70_align8", time.Microsecond, PreferenceKey{ComputeCapability: 70, Alignment: 8})
	b := env.newCandidate(t, "b_sm90", time.Microsecond, PreferenceKey{ComputeCapability: 90, Alignment: 1})
	c := env.newCandidate(t, "c_sm50_align1", time.Microsecond, PreferenceKey{ComputeCapability: 50, Alignment: 1})
	d := env.newCandidate(t, "d_sm75_align4", time.Microsecond, PreferenceKey{ComputeCapability: 75, Alignment: 4})
	for _, candidate := range []*fakeCandidate{a, b, c, d} {
		registry.Register(key{"f32"}, candidate)
	}
	require.Equal(t, []*fakeCandidate{a, b, c, d}, registry.Candidates(key{"f32"}))
	require.Equal(t, []key{{"f32"}}, registry.Keys())

	got, err := registry.Lookup(key{"f32"}, PreferenceKey{ComputeCapability: 80, Alignment: 8})
	require.NoError(t, err)
	require.Equal(t, []*fakeCandidate{a, c, d}, got)

	got, err = registry.Lookup(key{"f32"}, PreferenceKey{ComputeCapability: 75, Alignment: 2})
	require.NoError(t, err)
	require.Equal(t, []*fakeCandidate{c}, got)

	_, err = registry.Lookup(key{"f32"}, PreferenceKey{ComputeCapability: 35, Alignment: 8})
	require.ErrorIs(t, err, ErrNoEligibleCandidates)
	_, err = registry.Lookup(key{"f16"}, PreferenceKey{ComputeCapability: 80, Alignment: 8})
	require.ErrorIs(t, err, ErrNoCandidates)
}

func TestBench(t *testing.T) {
	env := newTestEnv(t)
	stream := must.M1(driver.NewStream(env.ctx))
	defer func() { require.NoError(t, stream.Release()) }()
	c := env.newCandidate(t, "c", 40*time.Microsecond, PreferenceKey{})

	cfg := DefaultConfig()
	cfg.Warmup, cfg.Repetitions = 2, 5
	latency, err := Bench(stream, cfg, func() error { return runCandidate(c, stream) })
	require.NoError(t, err)
	require.InDelta(t, float64(40*time.Microsecond), float64(latency), 10)
	require.Equal(t, int64(7), c.runs.Load())
	require.Equal(t, 7, env.sim.Calls("cuLaunchKernel"))
	require.Equal(t, 0, env.sim.Live(driver.KindEvent), "benchmark events must be released")

	errRun := errors.New("candidate failed")
	_, err = Bench(stream, cfg, func() error { return errRun })
	require.ErrorIs(t, err, errRun)

	// A failed timed run still waits for the runs already enqueued.
	syncs := env.sim.Calls("cuStreamSynchronize")
	var calls int
	_, err = Bench(stream, cfg, func() error {
		calls++
		if calls == cfg.Warmup+2 {
			return errRun
		}
		return runCandidate(c, stream)
	})
	require.ErrorIs(t, err, errRun)
	require.Equal(t, syncs+1, env.sim.Calls("cuStreamSynchronize"))
	require.Equal(t, 0, env.sim.Live(driver.KindEvent))
	require.NoError(t, stream.Synchronize())

	cfg.Repetitions = 0
	_, err = Bench(stream, cfg, func() error { return nil })
	require.Error(t, err)
}

func TestAggregate(t *testing.T) {
	require.Equal(t, 3.0, aggregate(AggregateMedian, []float64{5, 1, 3}))
	require.Equal(t, 3.0, aggregate(AggregateMean, []float64{5, 1, 3}))
	require.Equal(t, 1.0, aggregate(AggregateMin, []float64{5, 1, 3}))
}

func TestSelectorPicksFastest(t *testing.T) {
	env := newTestEnv(t)
	selector := env.newSelector(t, quickConfig())
	slow := env.newCandidate(t, "slow", 30*time.Microsecond, PreferenceKey{})
	fast := env.newCandidate(t, "fast", 10*time.Microsecond, PreferenceKey{})
	medium := env.newCandidate(t, "medium", 20*time.Microsecond, PreferenceKey{})
	candidates := func() ([]*fakeCandidate, error) { return []*fakeCandidate{slow, fast, medium}, nil }

	got, err := selector.Select(nil, 1, candidates, runCandidate)
	require.NoError(t, err)
	require.Same(t, fast, got)
}

func TestSelectorIdempotent(t *testing.T) {
	env := newTestEnv(t)
	selector := env.newSelector(t, quickConfig())
	a := env.newCandidate(t, "a", 20*time.Microsecond, PreferenceKey{})
	b := env.newCandidate(t, "b", 10*time.Microsecond, PreferenceKey{})
	var lookups int
	candidates := func() ([]*fakeCandidate, error) {
		lookups++
		return []*fakeCandidate{a, b}, nil
	}

	first, err := selector.Select(nil, 42, candidates, runCandidate)
	require.NoError(t, err)
	stats := selector.Stats()
	require.Equal(t, Stats{Hits: 0, Misses: 1, Benchmarks: 2, Entries: 1}, stats)
	launches := env.sim.Calls("cuLaunchKernel")

	second, err := selector.Select(nil, 42, candidates, runCandidate)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, lookups)
	require.Equal(t, launches, env.sim.Calls("cuLaunchKernel"), "no benchmark on a cache hit")
	require.Equal(t, Stats{Hits: 1, Misses: 1, Benchmarks: 2, Entries: 1}, selector.Stats())

	// A different signature is benchmarked again.
	_, err = selector.Select(nil, 43, candidates, runCandidate)
	require.NoError(t, err)
	require.Equal(t, int64(4), selector.Stats().Benchmarks)
	require.ElementsMatch(t, []int{42, 43}, selector.Cache().Keys())
}

func TestSelectorTieBreak(t *testing.T) {
	env := newTestEnv(t)
	selector := env.newSelector(t, quickConfig())
	first := env.newCandidate(t, "first", 10*time.Microsecond, PreferenceKey{})
	second := env.newCandidate(t, "second", 10*time.Microsecond, PreferenceKey{})
	got, err := selector.Select(nil, 1, func() ([]*fakeCandidate, error) {
		return []*fakeCandidate{first, second}, nil
	}, runCandidate)
	require.NoError(t, err)
	require.Same(t, first, got)

	// Same costs, reversed order.
	got, err = selector.Select(nil, 2, func() ([]*fakeCandidate, error) {
		return []*fakeCandidate{second, first}, nil
	}, runCandidate)
	require.NoError(t, err)
	require.Same(t, second, got)
}

func TestSelectorNoCandidates(t *testing.T) {
	env := newTestEnv(t)
	selector := env.newSelector(t, quickConfig())
	registry := NewRegistry[string, *fakeCandidate]()
	_, err := selector.Select(nil, 1, func() ([]*fakeCandidate, error) {
		return registry.Lookup("missing", PreferenceKey{ComputeCapability: 80, Alignment: 8})
	}, runCandidate)
	require.ErrorIs(t, err, ErrNoCandidates)

	// An empty list, e.g. after filtering, is the same as no candidates.
	_, err = selector.Select(nil, 2, func() ([]*fakeCandidate, error) { return nil, nil }, runCandidate)
	require.ErrorIs(t, err, ErrNoCandidates)
	require.NotErrorIs(t, err, ErrNoEligibleCandidates)

	require.Equal(t, 0, env.sim.Calls("cuLaunchKernel"))
	require.Equal(t, 0, env.sim.Calls("cuEventCreate"))
	require.Equal(t, Stats{Misses: 2}, selector.Stats())
}

func TestSelectorWaitsForCaller(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	env.sim.RegisterModule("gated", driver.SimModule{"wait": {Run: func(*driver.SimLaunch) error {
		<-gate
		return nil
	}}})
	gated := must.M1(driver.LoadModule(env.ctx, driver.SimModuleImage("gated")))
	defer func() { require.NoError(t, gated.Release()) }()
	wait := must.M1(gated.Kernel("wait"))
	defer func() { require.NoError(t, wait.Release()) }()
	caller := must.M1(driver.NewStream(env.ctx))
	defer func() { require.NoError(t, caller.Release()) }()

	selector := env.newSelector(t, quickConfig())
	c := env.newCandidate(t, "c", 10*time.Microsecond, PreferenceKey{})
	candidates := func() ([]*fakeCandidate, error) { return []*fakeCandidate{c}, nil }
	require.NoError(t, caller.Enqueue(wait, driver.Dim3{}, driver.Dim3{}, nil, nil))
	done := make(chan error, 1)
	go func() {
		_, err := selector.Select(caller, 1, candidates, runCandidate)
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("benchmark completed before the work pending on the caller's stream: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, 1, env.sim.Calls("cuStreamWaitEvent"))
	require.NoError(t, caller.Synchronize())

	// Cache hits don't touch the streams.
	got, err := selector.Select(caller, 1, candidates, runCandidate)
	require.NoError(t, err)
	require.Same(t, c, got)
	require.Equal(t, 1, env.sim.Calls("cuStreamWaitEvent"))
}

func TestCacheEntriesMetric(t *testing.T) {
	env := newTestEnv(t)
	c := env.newCandidate(t, "c", 10*time.Microsecond, PreferenceKey{})
	candidates := func() ([]*fakeCandidate, error) { return []*fakeCandidate{c}, nil }

	// Two selectors with the same name, e.g. one per device, add up.
	first := env.newSelector(t, quickConfig())
	second := env.newSelector(t, quickConfig())
	for _, sig := range []int{1, 2} {
		_, err := first.Select(nil, sig, candidates, runCandidate)
		require.NoError(t, err)
	}
	_, err := second.Select(nil, 1, candidates, runCandidate)
	require.NoError(t, err)
	_, err = first.Select(nil, 1, candidates, runCandidate)
	require.NoError(t, err)
	require.Equal(t, 3.0, testutil.ToFloat64(CacheEntries.WithLabelValues(t.Name())))
	require.Equal(t, 1.0, testutil.ToFloat64(CacheHits.WithLabelValues(t.Name())))
}

func TestSelectorConcurrentMisses(t *testing.T) {
	env := newTestEnv(t)
	selector := env.newSelector(t, quickConfig())
	a := env.newCandidate(t, "a", 20*time.Microsecond, PreferenceKey{})
	b := env.newCandidate(t, "b", 10*time.Microsecond, PreferenceKey{})
	candidates := func() ([]*fakeCandidate, error) { return []*fakeCandidate{a, b}, nil }

	const numWorkers = 8
	results := make([]*fakeCandidate, numWorkers)
	var g errgroup.Group
	for w := range numWorkers {
		g.Go(func() error {
			c, err := selector.Select(nil, 7, candidates, runCandidate)
			results[w] = c
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, c := range results {
		require.Same(t, b, c)
	}
	stats := selector.Stats()
	require.Equal(t, int64(numWorkers), stats.Hits+stats.Misses)
	require.Equal(t, 2*stats.Misses, stats.Benchmarks)
	require.Equal(t, 1, stats.Entries)
	require.Equal(t, 1.0, testutil.ToFloat64(CacheEntries.WithLabelValues(t.Name())),
		"concurrent misses of one signature add a single entry")
}
