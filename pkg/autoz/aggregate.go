// Probe sample aggregation
//
// Collects a batch of raw trigger heights, reduces it to one measurement
// with quality metrics, and re-collects the whole batch when the spread
// exceeds the configured limit and retries remain.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"context"
	"math"
	"sort"

	"autoz-host/pkg/errors"
	"autoz-host/pkg/log"
)

// AggregateMethod selects how a sample batch reduces to a single value.
type AggregateMethod string

const (
	// MethodMedian takes the middle value of the sorted batch; an even
	// batch averages the two central values.
	MethodMedian AggregateMethod = "median"
	// MethodAverage takes the arithmetic mean of the batch.
	MethodAverage AggregateMethod = "average"
)

// Measurement is one aggregated probe result with quality metrics.
type Measurement struct {
	Value       float64
	Samples     []float64
	Spread      float64
	Method      AggregateMethod
	RetriesUsed int

	// Degraded is set when retries were exhausted with the spread still
	// over the limit. The measurement is accepted anyway; callers decide
	// how to surface it.
	Degraded bool
}

// AggregateParams are the per-run knobs of a sample collection.
type AggregateParams struct {
	Samples     int
	Method      AggregateMethod
	MaxSpread   float64 // <= 0 disables the spread check
	MaxRetries  int
	RetractDist float64
}

// Aggregator turns raw probe triggers into Measurements.
type Aggregator struct {
	prober Prober
	lg     *log.Logger
}

// NewAggregator creates an aggregator on the supplied probe driver.
func NewAggregator(prober Prober, lg *log.Logger) *Aggregator {
	return &Aggregator{prober: prober, lg: lg}
}

// Collect runs the sampling loop. The returned Measurement is valid even
// when retries were exhausted (Degraded set); only a probe hardware failure
// returns an error. The probe is invoked Samples x (1 + RetriesUsed) times.
func (a *Aggregator) Collect(ctx context.Context, p AggregateParams) (*Measurement, error) {
	if p.Samples < 1 {
		p.Samples = 1
	}

	var samples []float64
	var spread float64
	for attempt := 0; ; attempt++ {
		var err error
		samples, err = a.collectBatch(ctx, p)
		if err != nil {
			return nil, err
		}
		spread = sampleSpread(samples)

		if p.MaxSpread <= 0 || spread <= p.MaxSpread {
			return a.finish(samples, spread, p.Method, attempt, false), nil
		}
		if attempt >= p.MaxRetries {
			a.lg.Warn("probe spread over limit with retries exhausted, accepting degraded",
				log.Fields{"spread": spread, "limit": p.MaxSpread, "retries": attempt})
			return a.finish(samples, spread, p.Method, attempt, true), nil
		}

		a.lg.Infof("probe spread %.4fmm > limit %.4fmm (retry %d/%d)",
			spread, p.MaxSpread, attempt+1, p.MaxRetries)
		if err := a.prober.Retract(ctx, p.RetractDist); err != nil {
			return nil, errors.ProbeFailed(err)
		}
	}
}

// Warmup performs throwaway probe taps to settle the probe mechanism.
// Results are discarded.
func (a *Aggregator) Warmup(ctx context.Context, count int, retract float64) error {
	if count <= 0 {
		return nil
	}
	a.lg.Infof("performing %d warm-up tap(s)", count)
	for i := 0; i < count; i++ {
		if _, err := a.prober.ProbeOnce(ctx); err != nil {
			return errors.ProbeFailed(err)
		}
		if err := a.prober.Retract(ctx, retract); err != nil {
			return errors.ProbeFailed(err)
		}
	}
	return nil
}

func (a *Aggregator) collectBatch(ctx context.Context, p AggregateParams) ([]float64, error) {
	samples := make([]float64, 0, p.Samples)
	for i := 0; i < p.Samples; i++ {
		z, err := a.prober.ProbeOnce(ctx)
		if err != nil {
			return nil, errors.ProbeFailed(err)
		}
		a.lg.Debug("probe sample", log.Fields{"index": i, "z": z})
		samples = append(samples, z)
		if i+1 < p.Samples {
			if err := a.prober.Retract(ctx, p.RetractDist); err != nil {
				return nil, errors.ProbeFailed(err)
			}
		}
	}
	return samples, nil
}

func (a *Aggregator) finish(samples []float64, spread float64, method AggregateMethod, retries int, degraded bool) *Measurement {
	return &Measurement{
		Value:       reduce(samples, method),
		Samples:     samples,
		Spread:      spread,
		Method:      method,
		RetriesUsed: retries,
		Degraded:    degraded,
	}
}

func reduce(samples []float64, method AggregateMethod) float64 {
	if len(samples) == 0 {
		return 0
	}
	if method == MethodAverage {
		return mean(samples)
	}
	return median(samples)
}

func median(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(samples []float64) float64 {
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}

func stdDev(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	avg := mean(samples)
	variance := 0.0
	for _, v := range samples {
		variance += (v - avg) * (v - avg)
	}
	return math.Sqrt(variance / float64(len(samples)))
}

func sampleSpread(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	lo, hi := samples[0], samples[0]
	for _, v := range samples[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return hi - lo
}
