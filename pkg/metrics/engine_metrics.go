// Engine-level metrics for the auto Z offset host
//
// Pre-built counters, gauges and histograms covering probing runs,
// retries, offsets and probe health. A nil *EngineMetrics is safe to call;
// every method no-ops, so metrics stay optional at wiring time.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strings"
	"time"
)

// EngineMetrics bundles all metrics exported by the offset engine.
type EngineMetrics struct {
	runsTotal    *counterVec
	runFailures  *counterVec
	retriesTotal *counter
	soaksTotal   *counterVec
	applyTotal   *counter
	calibrations *counter

	lastOffset  *gauge
	lastProbeZ  *gauge
	lastSpread  *gauge
	lastDrift   *gauge
	confidence  *gauge
	historyRuns *gauge
	baselineSet *gauge

	runDuration  *histogram
	soakDuration *histogram
}

// NewEngineMetrics creates the full metric set.
func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		runsTotal: newCounterVec("autoz_runs_total",
			"Total offset computation runs, by result", "result"),
		runFailures: newCounterVec("autoz_run_failures_total",
			"Failed runs, by error code", "code"),
		retriesTotal: newCounter("autoz_probe_retries_total",
			"Probe batch retries due to excessive spread"),
		soaksTotal: newCounterVec("autoz_soaks_total",
			"Thermal soak waits, by outcome", "outcome"),
		applyTotal: newCounter("autoz_offset_applies_total",
			"Offsets applied to the printer"),
		calibrations: newCounter("autoz_calibrations_total",
			"Completed calibration procedures"),

		lastOffset: newGauge("autoz_last_offset_mm",
			"Final Z offset of the most recent successful run"),
		lastProbeZ: newGauge("autoz_last_probe_z_mm",
			"Aggregated trigger height of the most recent run"),
		lastSpread: newGauge("autoz_last_spread_mm",
			"Sample spread of the most recent run"),
		lastDrift: newGauge("autoz_last_drift_mm",
			"Drift from the calibration baseline of the most recent run"),
		confidence: newGauge("autoz_probe_confidence",
			"Probe health confidence score in [0, 1]"),
		historyRuns: newGauge("autoz_health_history_runs",
			"Number of runs in the health history"),
		baselineSet: newGauge("autoz_baseline_present",
			"1 when a calibration baseline is stored"),

		runDuration: newHistogram("autoz_run_duration_seconds",
			"Wall time of offset computation runs",
			exponentialBuckets(0.5, 2, 10)),
		soakDuration: newHistogram("autoz_soak_duration_seconds",
			"Wall time spent waiting for thermal stability",
			linearBuckets(0, 30, 12)),
	}
}

// RecordRun records the outcome of one offset computation.
func (em *EngineMetrics) RecordRun(result string, duration time.Duration) {
	if em == nil {
		return
	}
	em.runsTotal.inc(result)
	em.runDuration.observe(duration.Seconds())
}

// RecordFailure counts a failed run by error code.
func (em *EngineMetrics) RecordFailure(code string) {
	if em == nil {
		return
	}
	em.runFailures.inc(code)
}

// RecordRetries adds probe batch retries.
func (em *EngineMetrics) RecordRetries(n int) {
	if em == nil || n <= 0 {
		return
	}
	em.retriesTotal.add(uint64(n))
}

// RecordSoak records a thermal soak wait.
func (em *EngineMetrics) RecordSoak(outcome string, elapsed time.Duration) {
	if em == nil {
		return
	}
	em.soaksTotal.inc(outcome)
	em.soakDuration.observe(elapsed.Seconds())
}

// RecordApply counts an offset sent to the printer.
func (em *EngineMetrics) RecordApply() {
	if em == nil {
		return
	}
	em.applyTotal.inc()
}

// RecordCalibration counts a completed calibration.
func (em *EngineMetrics) RecordCalibration() {
	if em == nil {
		return
	}
	em.calibrations.inc()
}

// SetRunResult publishes the gauges of the most recent successful run.
func (em *EngineMetrics) SetRunResult(offset, probeZ, spread, drift float64) {
	if em == nil {
		return
	}
	em.lastOffset.set(offset)
	em.lastProbeZ.set(probeZ)
	em.lastSpread.set(spread)
	em.lastDrift.set(drift)
}

// SetHealth publishes the probe health gauges.
func (em *EngineMetrics) SetHealth(confidence float64, runs int) {
	if em == nil {
		return
	}
	em.confidence.set(confidence)
	em.historyRuns.set(float64(runs))
}

// SetBaselinePresent publishes whether a calibration baseline exists.
func (em *EngineMetrics) SetBaselinePresent(present bool) {
	if em == nil {
		return
	}
	v := 0.0
	if present {
		v = 1.0
	}
	em.baselineSet.set(v)
}

// Gather renders all engine metrics in Prometheus text format.
func (em *EngineMetrics) Gather() string {
	if em == nil {
		return ""
	}
	var b strings.Builder
	em.runsTotal.write(&b)
	em.runFailures.write(&b)
	em.retriesTotal.write(&b)
	em.soaksTotal.write(&b)
	em.applyTotal.write(&b)
	em.calibrations.write(&b)
	em.lastOffset.write(&b)
	em.lastProbeZ.write(&b)
	em.lastSpread.write(&b)
	em.lastDrift.write(&b)
	em.confidence.write(&b)
	em.historyRuns.write(&b)
	em.baselineSet.write(&b)
	em.runDuration.write(&b)
	em.soakDuration.write(&b)
	return b.String()
}
