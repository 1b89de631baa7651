package autotune

import (
	"slices"
	"time"

	"github.com/gomlx/gotriton/driver"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Bench measures the latency of run, which must enqueue its work on stream.
//
// It calls run cfg.Warmup times untimed, then cfg.Repetitions times each bracketed by a new driver.Event
// on stream, synchronizes the stream and aggregates the elapsed times as configured by cfg.Aggregate.
// The stream should be otherwise idle, so that the events time only the work of run. If a run fails, the
// runs already enqueued are waited for before returning.
func Bench(stream *driver.Stream, cfg Config, run func() error) (time.Duration, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	for i := range cfg.Warmup {
		if err := run(); err != nil {
			drainAfterFailure(stream)
			return 0, errors.WithMessagef(err, "warm-up run #%d", i)
		}
	}

	ctx := stream.Context()
	events := make([]*driver.Event, 0, cfg.Repetitions)
	defer func() {
		for _, ev := range events {
			if err := ev.Release(); err != nil {
				klog.Errorf("Failed to release benchmark event: %v", err)
			}
		}
	}()
	for i := range cfg.Repetitions {
		ev, err := driver.NewEvent(ctx)
		if err != nil {
			drainAfterFailure(stream)
			return 0, err
		}
		events = append(events, ev)
		if err := stream.Bracket(ev, run); err != nil {
			drainAfterFailure(stream)
			return 0, errors.WithMessagef(err, "timed run #%d", i)
		}
	}
	if err := stream.Synchronize(); err != nil {
		return 0, errors.WithMessage(err, "benchmark failed")
	}

	samples := make([]float64, len(events))
	for i, ev := range events {
		elapsed, err := ev.ElapsedTime()
		if err != nil {
			return 0, err
		}
		samples[i] = float64(elapsed)
	}
	return time.Duration(aggregate(cfg.Aggregate, samples)), nil
}

// drainAfterFailure waits for the runs already enqueued on stream, so that they don't outlive the
// benchmark. Errors are only logged: the failure of the run is the one reported.
func drainAfterFailure(stream *driver.Stream) {
	if err := stream.Synchronize(); err != nil {
		klog.Warningf("Failed to synchronize %s after a failed benchmark run: %v", stream, err)
	}
}

// aggregate reduces samples, which it sorts in place.
func aggregate(how Aggregate, samples []float64) float64 {
	switch how {
	case AggregateMean:
		return stat.Mean(samples, nil)
	case AggregateMin:
		return floats.Min(samples)
	default:
		slices.Sort(samples)
		return stat.Quantile(0.5, stat.Empirical, samples, nil)
	}
}
