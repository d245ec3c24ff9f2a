// Unit tests for the engine metric set
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestNilEngineMetricsIsSafe(t *testing.T) {
	var em *EngineMetrics

	em.RecordRun("ok", time.Second)
	em.RecordFailure("DRIFT")
	em.RecordRetries(2)
	em.RecordSoak("stable", 30*time.Second)
	em.RecordApply()
	em.RecordCalibration()
	em.SetRunResult(0.01, 0.5, 0.004, 0.01)
	em.SetHealth(0.9, 10)
	em.SetBaselinePresent(true)

	if out := em.Gather(); out != "" {
		t.Errorf("nil metrics gathered %q, want empty", out)
	}
}

func TestRunCountersByResult(t *testing.T) {
	em := NewEngineMetrics()
	em.RecordRun("ok", time.Second)
	em.RecordRun("ok", 2*time.Second)
	em.RecordRun("failed", time.Second)

	out := em.Gather()
	for _, want := range []string{
		`autoz_runs_total{result="failed"} 1`,
		`autoz_runs_total{result="ok"} 2`,
		"# TYPE autoz_runs_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestGaugesReflectLastRun(t *testing.T) {
	em := NewEngineMetrics()
	em.SetRunResult(0.011, 0.510, 0.004, 0.010)
	em.SetHealth(0.92, 14)
	em.SetBaselinePresent(true)

	out := em.Gather()
	for _, want := range []string{
		"autoz_last_offset_mm 0.011",
		"autoz_last_probe_z_mm 0.51",
		"autoz_probe_confidence 0.92",
		"autoz_health_history_runs 14",
		"autoz_baseline_present 1",
		"# TYPE autoz_probe_confidence gauge",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}

	em.SetBaselinePresent(false)
	if !strings.Contains(em.Gather(), "autoz_baseline_present 0") {
		t.Error("baseline gauge did not reset")
	}
}

func TestSoakHistogramBuckets(t *testing.T) {
	em := NewEngineMetrics()
	em.RecordSoak("stable", 45*time.Second)

	out := em.Gather()
	for _, want := range []string{
		`autoz_soak_duration_seconds_bucket{le="30"} 0`,
		`autoz_soak_duration_seconds_bucket{le="60"} 1`,
		`autoz_soak_duration_seconds_bucket{le="+Inf"} 1`,
		"autoz_soak_duration_seconds_sum 45",
		"autoz_soak_duration_seconds_count 1",
		`autoz_soaks_total{outcome="stable"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestRetriesIgnoreNonPositive(t *testing.T) {
	em := NewEngineMetrics()
	em.RecordRetries(0)
	em.RecordRetries(-3)
	em.RecordRetries(2)

	if !strings.Contains(em.Gather(), "autoz_probe_retries_total 2") {
		t.Error("retries counter should hold 2")
	}
}

func TestFailureCodeLabelEscaping(t *testing.T) {
	em := NewEngineMetrics()
	em.RecordFailure(`bad"code`)

	if !strings.Contains(em.Gather(), `autoz_run_failures_total{code="bad\"code"} 1`) {
		t.Errorf("label not escaped: %s", em.Gather())
	}
}

func TestHistogramIgnoresNonFinite(t *testing.T) {
	h := newHistogram("test_seconds", "test", linearBuckets(0, 1, 3))
	h.observe(math.NaN())
	h.observe(math.Inf(1))
	h.observe(1.5)

	var b strings.Builder
	h.write(&b)
	out := b.String()
	if !strings.Contains(out, "test_seconds_count 1") {
		t.Errorf("non-finite observations counted: %s", out)
	}
}

func TestBucketGenerators(t *testing.T) {
	lin := linearBuckets(0, 30, 4)
	if len(lin) != 4 || lin[0] != 0 || lin[3] != 90 {
		t.Errorf("linear buckets = %v", lin)
	}
	exp := exponentialBuckets(0.5, 2, 4)
	if len(exp) != 4 || exp[0] != 0.5 || exp[3] != 4 {
		t.Errorf("exponential buckets = %v", exp)
	}
}
