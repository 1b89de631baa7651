package autotune

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/gotriton/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Selector picks, for each problem signature S, the fastest candidate C, benchmarking them only the first
// time a signature is seen.
//
// Benchmarks run on a dedicated stream owned by the Selector, one benchmark at a time. Concurrent
// selections for the same new signature may both benchmark; the last one to finish wins the cache entry.
type Selector[S comparable, C Candidate] struct {
	name   string
	cfg    Config
	stream *driver.Stream
	cache  *Cache[S, C]

	// benchMu serializes the use of the dedicated stream.
	benchMu sync.Mutex

	hits, misses, benchmarks atomic.Int64
}

// Stats of a Selector.
type Stats struct {
	Hits, Misses int64

	// Benchmarks is the number of candidates benchmarked.
	Benchmarks int64

	// Entries is the number of cached signatures.
	Entries int
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("%d hits, %d misses, %d candidates benchmarked, %d cached signatures",
		s.Hits, s.Misses, s.Benchmarks, s.Entries)
}

// NewSelector creates a Selector named name (used in logs and metrics), with its dedicated stream in ctx.
func NewSelector[S comparable, C Candidate](name string, ctx *driver.Context, cfg Config) (*Selector[S, C], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stream, err := driver.NewStream(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create benchmark stream for selector %q", name)
	}
	return &Selector[S, C]{
		name:   name,
		cfg:    cfg,
		stream: stream,
		cache:  NewCache[S, C](),
	}, nil
}

// Name of the selector.
func (s *Selector[S, C]) Name() string {
	return s.name
}

// Config used for benchmarks.
func (s *Selector[S, C]) Config() Config {
	return s.cfg
}

// Cache of selected candidates.
func (s *Selector[S, C]) Cache() *Cache[S, C] {
	return s.cache
}

// Stats returns a snapshot of the selector counters.
func (s *Selector[S, C]) Stats() Stats {
	return Stats{
		Hits:       s.hits.Load(),
		Misses:     s.misses.Load(),
		Benchmarks: s.benchmarks.Load(),
		Entries:    s.cache.Len(),
	}
}

// Release the dedicated stream.
func (s *Selector[S, C]) Release() error {
	return s.stream.Release()
}

// Select returns the candidate cached for sig or, on a miss, benchmarks the candidates and caches the
// fastest.
//
// On a miss, candidates is called to get the eligible candidates (usually Registry.Lookup); its errors
// are returned before anything is benchmarked. run(c, stream) must enqueue one execution of c on stream.
// The fastest candidate is the one with the lowest aggregated latency; on ties the first one, in the
// order returned by candidates, wins.
//
// The benchmark runs usually read and write the caller's operands, so they are ordered after the work
// already enqueued on caller, and Select blocks until that work is done. caller may be nil if there is
// no such work.
func (s *Selector[S, C]) Select(caller *driver.Stream, sig S, candidates func() ([]C, error),
	run func(c C, stream *driver.Stream) error) (C, error) {
	if c, found := s.cache.Get(sig); found {
		s.hits.Add(1)
		CacheHits.WithLabelValues(s.name).Inc()
		return c, nil
	}
	s.misses.Add(1)
	CacheMisses.WithLabelValues(s.name).Inc()

	var best C
	eligible, err := candidates()
	if err != nil {
		return best, err
	}
	if len(eligible) == 0 {
		return best, errors.Wrapf(ErrNoCandidates, "selector %q, signature %+v", s.name, sig)
	}

	s.benchMu.Lock()
	defer s.benchMu.Unlock()
	if caller != nil {
		if err := s.stream.WaitFor(caller); err != nil {
			return best, errors.WithMessagef(err, "selector %q", s.name)
		}
	}
	bestLatency := time.Duration(-1)
	for _, c := range eligible {
		latency, err := Bench(s.stream, s.cfg, func() error { return run(c, s.stream) })
		if err != nil {
			return best, errors.WithMessagef(err, "selector %q failed to benchmark candidate %s", s.name, c.Name())
		}
		s.benchmarks.Add(1)
		BenchmarkRuns.WithLabelValues(s.name).Inc()
		CandidateLatency.WithLabelValues(s.name, c.Name()).Observe(latency.Seconds())
		klog.V(2).Infof("autotune %s: %+v: candidate %s took %s", s.name, sig, c.Name(), latency)
		if bestLatency < 0 || latency < bestLatency {
			best, bestLatency = c, latency
		}
	}
	if s.cache.Put(sig, best) {
		CacheEntries.WithLabelValues(s.name).Inc()
	}
	klog.V(1).Infof("autotune %s: selected %s (%s) for %+v out of %d candidates", s.name, best.Name(),
		bestLatency, sig, len(eligible))
	return best, nil
}
