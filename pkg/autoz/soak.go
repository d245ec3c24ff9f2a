// Thermal soak gate
//
// Blocks a run until the rate of change of every tracked sensor falls below
// a threshold, or a timeout elapses. Critical for nozzle-as-probe setups
// (thermal expansion shifts the trigger point) and inductive probes
// (trigger distance is temperature dependent).
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"context"
	"math"
	"time"

	"autoz-host/pkg/errors"
	"autoz-host/pkg/log"
)

const defaultSoakInterval = 2 * time.Second

// SoakConfig holds the parameters of one soak wait.
type SoakConfig struct {
	Sensors       []string
	RateThreshold float64 // deg/min
	Timeout       time.Duration
	CheckInterval time.Duration
	// AbortOnCancel escalates host cancellation to a fatal run abort
	// instead of proceeding with timed-out semantics.
	AbortOnCancel bool
}

// SoakResult reports how a soak wait ended.
type SoakResult struct {
	Performed bool
	Stable    bool
	TimedOut  bool
	Cancelled bool
	Elapsed   time.Duration
}

// SoakGate waits for thermal stability. The now and sleep hooks exist so
// tests can drive the clock.
type SoakGate struct {
	reader TemperatureReader
	lg     *log.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSoakGate creates a gate on the given temperature reader.
func NewSoakGate(reader TemperatureReader, lg *log.Logger) *SoakGate {
	return &SoakGate{
		reader: reader,
		lg:     lg,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Wait blocks until all sensors are stable, the timeout elapses, or the
// context is cancelled. Timeout is non-fatal: the result carries TimedOut
// and the caller proceeds. Cancellation follows cfg.AbortOnCancel.
func (g *SoakGate) Wait(ctx context.Context, cfg SoakConfig) (SoakResult, error) {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = defaultSoakInterval
	}

	start := g.now()
	prev := make(map[string]float64)
	for _, name := range cfg.Sensors {
		temp, err := g.reader.Temperature(name)
		if err != nil {
			g.lg.Warn("soak sensor unavailable", log.Fields{"sensor": name, "error": err.Error()})
			continue
		}
		prev[name] = temp
	}
	if len(prev) == 0 {
		g.lg.Info("no valid sensors for thermal soak, skipping")
		return SoakResult{Performed: false, Stable: true}, nil
	}

	g.lg.Infof("waiting for thermal stability (threshold %.2f deg/min, timeout %.0fs)",
		cfg.RateThreshold, cfg.Timeout.Seconds())

	prevTime := start
	lastReport := start
	failed := make(map[string]bool)
	for {
		if err := g.sleep(ctx, interval); err != nil {
			if cfg.AbortOnCancel {
				return SoakResult{Performed: true, Cancelled: true, Elapsed: g.now().Sub(start)},
					errors.Aborted("soak", err)
			}
			g.lg.Warn("thermal soak cancelled, proceeding with current temperatures")
			return SoakResult{Performed: true, Cancelled: true, TimedOut: true,
				Elapsed: g.now().Sub(start)}, nil
		}

		now := g.now()
		elapsed := now.Sub(start)
		if elapsed > cfg.Timeout {
			g.lg.Warnf("thermal soak timed out after %.0fs, proceeding", cfg.Timeout.Seconds())
			return SoakResult{Performed: true, TimedOut: true, Elapsed: elapsed}, nil
		}

		minutes := now.Sub(prevTime).Minutes()
		current := make(map[string]float64, len(prev))
		allStable := true
		for name, prevTemp := range prev {
			temp, err := g.reader.Temperature(name)
			if err != nil {
				// A sensor that stops reading must not satisfy the
				// gate; hold the wait until it recovers or time runs
				// out.
				allStable = false
				if !failed[name] {
					g.lg.Warn("soak sensor read failed", log.Fields{
						"sensor": name, "error": err.Error()})
					failed[name] = true
				}
				continue
			}
			delete(failed, name)
			current[name] = temp
			if minutes > 0.01 {
				rate := math.Abs(temp-prevTemp) / minutes
				if rate > cfg.RateThreshold {
					allStable = false
				}
			}
		}

		if now.Sub(lastReport) >= 30*time.Second {
			g.lg.Debug("thermal soak progress", log.Fields{
				"elapsed_s": int(elapsed.Seconds()),
				"timeout_s": int(cfg.Timeout.Seconds()),
			})
			lastReport = now
		}

		// Require two full intervals so the rate is based on settled data.
		if allStable && elapsed >= 2*interval {
			g.lg.Infof("thermal stability reached after %.0fs", elapsed.Seconds())
			return SoakResult{Performed: true, Stable: true, Elapsed: elapsed}, nil
		}

		for name, temp := range current {
			prev[name] = temp
		}
		prevTime = now
	}
}
