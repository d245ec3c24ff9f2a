// Automatic Z offset engine
//
// Orchestrates one offset computation: thermal soak, warmup taps, sample
// aggregation, drift detection against the calibration baseline,
// temperature compensation, profile resolution, safety clamping and
// finally applying the offset. Also owns the calibration flow, the probe
// test diagnostic and the probe health tracker.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"autoz-host/pkg/errors"
	"autoz-host/pkg/log"
	"autoz-host/pkg/metrics"
)

// Deps are the engine's collaborators. Prober and Temps are required;
// Applicator, Store and Metrics are optional (nil disables the concern).
type Deps struct {
	Prober     Prober
	Temps      TemperatureReader
	Applicator OffsetApplicator
	Store      Store
	Logger     *log.Logger
	Metrics    *metrics.EngineMetrics
}

// Engine is the offset computation engine. All public methods are safe for
// concurrent use; one run executes at a time.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	profiles map[string]*AdjustmentProfile
	deps     Deps
	lg       *log.Logger

	agg    *Aggregator
	soak   *SoakGate
	health *HealthTracker

	baseline *CalibrationBaseline
	lastRun  *LastRun

	pendingCal *CalibrationSession
}

// New creates an engine and restores persisted state from the store.
func New(cfg Config, profiles map[string]*AdjustmentProfile, deps Deps) (*Engine, error) {
	if deps.Prober == nil {
		return nil, errors.New(errors.ErrState, "engine needs a probe driver")
	}
	lg := deps.Logger
	if lg == nil {
		lg = log.New("autoz")
	}
	if profiles == nil {
		profiles = make(map[string]*AdjustmentProfile)
	}

	e := &Engine{
		cfg:      cfg,
		profiles: profiles,
		deps:     deps,
		lg:       lg,
		agg:      NewAggregator(deps.Prober, lg),
		soak:     NewSoakGate(deps.Temps, lg),
		health:   NewHealthTracker(cfg.Health),
	}

	if deps.Store != nil {
		baseline, err := deps.Store.LoadBaseline()
		if err != nil {
			return nil, errors.StateError("load baseline", err)
		}
		e.baseline = baseline

		lastRun, err := deps.Store.LoadLastRun()
		if err != nil {
			return nil, errors.StateError("load last run", err)
		}
		e.lastRun = lastRun

		if cfg.HealthTracking {
			history, err := deps.Store.LoadHistory()
			if err != nil {
				return nil, errors.StateError("load health history", err)
			}
			e.health.Restore(history)
		}
	}
	deps.Metrics.SetBaselinePresent(e.baseline != nil)
	deps.Metrics.SetHealth(e.health.Confidence(), e.health.Len())
	return e, nil
}

// RunContext carries per-run parameter overrides. Nil pointer fields keep
// the configured value.
type RunContext struct {
	Material     string
	BuildSurface string
	Nozzle       string

	// Profiles, when non-empty, replaces profile matching entirely.
	Profiles  []string
	AutoMatch *bool

	// Environment overrides for sensors the host cannot read.
	BedTemp          *float64
	HotendTemp       *float64
	ChamberTemp      *float64
	FirstLayerHeight *float64

	// ManualTrim is an operator nudge added on top of the computed
	// adjustment and counted against max_total_adjustment.
	ManualTrim float64

	Samples    *int
	Retries    *int
	WarmupTaps *int
	MaxSpread  *float64
	MaxDrift   *float64
	MaxAdjust  *float64
	OffsetMin  *float64
	OffsetMax  *float64

	SoakEnabled *bool
	SoakTimeout *time.Duration

	Move      *bool
	MoveSpeed *float64
	Persist   *bool
}

// Result is the full outcome of one offset computation.
type Result struct {
	ProbeZ      float64
	Spread      float64
	Samples     []float64
	RetriesUsed int
	Degraded    bool

	Drift             float64
	PaperDelta        float64
	EstimatedContactZ float64

	Adjustment float64
	ManualTrim float64
	// FinalOffset is EstimatedContactZ + Adjustment + ManualTrim.
	FinalOffset float64

	Profiles []string
	Details  []Contribution

	Soak       SoakResult
	WarmupTaps int

	Warnings []string
	Applied  bool

	Timestamp time.Time
}

type runSettings struct {
	samples    int
	retries    int
	warmupTaps int
	maxSpread  float64
	maxDrift   float64
	limits     SafetyLimits

	soakEnabled bool
	soakTimeout time.Duration

	move      bool
	moveSpeed float64
	persist   bool
}

func (e *Engine) settingsFor(rc *RunContext) runSettings {
	s := runSettings{
		samples:     e.cfg.Samples,
		retries:     e.cfg.Retries,
		warmupTaps:  e.cfg.WarmupTaps,
		maxSpread:   e.cfg.MaxSpread,
		maxDrift:    e.cfg.MaxDrift,
		limits:      e.cfg.Limits,
		soakEnabled: e.cfg.SoakEnabled,
		soakTimeout: e.cfg.SoakTimeout,
		move:        e.cfg.ApplyMove,
		moveSpeed:   e.cfg.MoveSpeed,
		persist:     e.cfg.PersistLastRun,
	}
	if e.cfg.AdaptiveSamples && e.cfg.HealthTracking {
		s.samples = e.health.SuggestSamples(s.samples)
	}
	if rc == nil {
		return s
	}
	if rc.Samples != nil {
		s.samples = *rc.Samples
	}
	if rc.Retries != nil {
		s.retries = *rc.Retries
	}
	if rc.WarmupTaps != nil {
		s.warmupTaps = *rc.WarmupTaps
	}
	if rc.MaxSpread != nil {
		s.maxSpread = *rc.MaxSpread
	}
	if rc.MaxDrift != nil {
		s.maxDrift = *rc.MaxDrift
	}
	if rc.MaxAdjust != nil {
		s.limits.MaxTotalAdjustment = *rc.MaxAdjust
	}
	if rc.OffsetMin != nil {
		s.limits.OffsetMin = *rc.OffsetMin
	}
	if rc.OffsetMax != nil {
		s.limits.OffsetMax = *rc.OffsetMax
	}
	if rc.SoakEnabled != nil {
		s.soakEnabled = *rc.SoakEnabled
	}
	if rc.SoakTimeout != nil {
		s.soakTimeout = *rc.SoakTimeout
	}
	if rc.Move != nil {
		s.move = *rc.Move
	}
	if rc.MoveSpeed != nil {
		s.moveSpeed = *rc.MoveSpeed
	}
	if rc.Persist != nil {
		s.persist = *rc.Persist
	}
	return s
}

func (e *Engine) readTemp(sensor string) *float64 {
	if sensor == "" || e.deps.Temps == nil {
		return nil
	}
	v, err := e.deps.Temps.Temperature(sensor)
	if err != nil {
		e.lg.Debug("sensor read failed", log.Fields{"sensor": sensor, "error": err.Error()})
		return nil
	}
	return &v
}

func (e *Engine) environment(rc *RunContext) Environment {
	env := Environment{
		BedTemp:     e.readTemp(e.cfg.BedSensor),
		HotendTemp:  e.readTemp(e.cfg.HotendSensor),
		ChamberTemp: e.readTemp(e.cfg.ChamberSensor),
	}
	if rc != nil {
		if rc.BedTemp != nil {
			env.BedTemp = rc.BedTemp
		}
		if rc.HotendTemp != nil {
			env.HotendTemp = rc.HotendTemp
		}
		if rc.ChamberTemp != nil {
			env.ChamberTemp = rc.ChamberTemp
		}
		env.FirstLayerHeight = rc.FirstLayerHeight
		env.Material = rc.Material
		env.BuildSurface = rc.BuildSurface
		env.Nozzle = rc.Nozzle
	}
	return env
}

// globalRefs resolves the global reference chain: explicit config
// references first, then the values captured at calibration time.
func (e *Engine) globalRefs() TempRefs {
	base := e.baseline.Refs()
	return TempRefs{
		Bed:        firstNonNil(e.cfg.Refs.Bed, base.Bed),
		Hotend:     firstNonNil(e.cfg.Refs.Hotend, base.Hotend),
		Chamber:    firstNonNil(e.cfg.Refs.Chamber, base.Chamber),
		FirstLayer: firstNonNil(e.cfg.Refs.FirstLayer, base.FirstLayer),
	}
}

func (e *Engine) recordRun(spread, drift float64, retries int, accepted bool, persist bool) {
	if !e.cfg.HealthTracking {
		return
	}
	e.health.Record(HealthRecord{
		Timestamp:   time.Now(),
		Spread:      spread,
		Drift:       drift,
		RetriesUsed: retries,
		Accepted:    accepted,
	})
	e.deps.Metrics.SetHealth(e.health.Confidence(), e.health.Len())
	if persist && e.deps.Store != nil {
		if err := e.deps.Store.SaveHistory(e.health.Records()); err != nil {
			e.lg.Warn("health history save failed", log.Fields{"error": err.Error()})
		}
	}
}

// Run executes one full offset computation and, when an applicator is
// wired, applies the resulting offset.
func (e *Engine) Run(ctx context.Context, rc *RunContext) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := time.Now()
	res, err := e.run(ctx, rc)
	if err != nil {
		e.deps.Metrics.RecordRun("error", time.Since(started))
		if ee, ok := err.(*errors.EngineError); ok {
			e.deps.Metrics.RecordFailure(string(ee.Code))
		}
		return nil, err
	}
	e.deps.Metrics.RecordRun("ok", time.Since(started))
	return res, nil
}

func (e *Engine) run(ctx context.Context, rc *RunContext) (*Result, error) {
	if e.baseline == nil {
		return nil, errors.Uncalibrated()
	}
	s := e.settingsFor(rc)
	env := e.environment(rc)

	// Resolve profiles before touching hardware so bad names fail fast.
	autoMatch := e.cfg.AutoMatch
	if rc != nil && rc.AutoMatch != nil {
		autoMatch = *rc.AutoMatch
	}
	var explicit []string
	if rc != nil {
		explicit = rc.Profiles
	}
	applied, err := ResolveProfiles(e.profiles, explicit, e.cfg.DefaultProfiles,
		autoMatch, env, e.cfg.ProbeType)
	if err != nil {
		return nil, err
	}

	res := &Result{
		PaperDelta: e.baseline.PaperDelta,
		Timestamp:  time.Now(),
	}
	if rc != nil {
		res.ManualTrim = rc.ManualTrim
	}

	if s.soakEnabled && e.deps.Temps != nil {
		soakRes, err := e.soak.Wait(ctx, SoakConfig{
			Sensors:       e.cfg.SoakSensors,
			RateThreshold: e.cfg.SoakThreshold,
			Timeout:       s.soakTimeout,
			CheckInterval: e.cfg.SoakInterval,
			AbortOnCancel: e.cfg.SoakAbortOnCancel,
		})
		if err != nil {
			return nil, err
		}
		res.Soak = soakRes
		outcome := "stable"
		if soakRes.TimedOut {
			outcome = "timeout"
			res.Warnings = append(res.Warnings,
				"thermal soak timed out before temperatures stabilized")
		}
		e.deps.Metrics.RecordSoak(outcome, soakRes.Elapsed)
	}

	if s.warmupTaps > 0 {
		if err := e.agg.Warmup(ctx, s.warmupTaps, e.cfg.RetractDist); err != nil {
			return nil, err
		}
		res.WarmupTaps = s.warmupTaps
	}

	m, err := e.agg.Collect(ctx, AggregateParams{
		Samples:     s.samples,
		Method:      e.cfg.Method,
		MaxSpread:   s.maxSpread,
		MaxRetries:  s.retries,
		RetractDist: e.cfg.RetractDist,
	})
	if err != nil {
		return nil, err
	}
	e.deps.Metrics.RecordRetries(m.RetriesUsed)
	res.ProbeZ = m.Value
	res.Spread = m.Spread
	res.Samples = m.Samples
	res.RetriesUsed = m.RetriesUsed
	res.Degraded = m.Degraded
	if m.Degraded {
		res.Warnings = append(res.Warnings,
			errors.SpreadExceeded(m.Spread, s.maxSpread, m.RetriesUsed).Error())
	}

	drift, err := checkDrift(m.Value, e.baseline, s.maxDrift)
	if err != nil {
		e.recordRun(m.Spread, drift, m.RetriesUsed, false, s.persist)
		return nil, err
	}
	res.Drift = drift
	res.EstimatedContactZ = m.Value + e.baseline.PaperDelta

	refs := e.globalRefs()
	adjustment := 0.0
	if e.cfg.GlobalOffset != 0 {
		adjustment += e.cfg.GlobalOffset
		res.Details = append(res.Details, Contribution{
			Name: "global_offset", Value: e.cfg.GlobalOffset,
		})
	}
	gVal, gDetails := e.cfg.Terms.Evaluate("global", env, refs)
	adjustment += gVal
	res.Details = append(res.Details, gDetails...)

	for _, p := range applied {
		pVal, pDetails := p.Calculate(env, refs)
		adjustment += pVal
		res.Details = append(res.Details, pDetails...)
		res.Profiles = append(res.Profiles, p.Name)
	}
	res.Adjustment = adjustment

	res.FinalOffset = res.EstimatedContactZ + adjustment + res.ManualTrim
	if err := s.limits.Validate(res.FinalOffset, adjustment+res.ManualTrim); err != nil {
		e.recordRun(m.Spread, drift, m.RetriesUsed, false, s.persist)
		return nil, err
	}

	if e.deps.Applicator != nil {
		if err := e.deps.Applicator.Apply(res.FinalOffset, s.move, s.moveSpeed); err != nil {
			return nil, errors.ApplyError(err)
		}
		res.Applied = true
		e.deps.Metrics.RecordApply()
	}

	e.lastRun = &LastRun{
		ProbeZ:    res.ProbeZ,
		Spread:    res.Spread,
		Drift:     res.Drift,
		Offset:    res.FinalOffset,
		Timestamp: res.Timestamp,
	}
	if s.persist && e.deps.Store != nil {
		if err := e.deps.Store.SaveLastRun(*e.lastRun); err != nil {
			e.lg.Warn("last run save failed", log.Fields{"error": err.Error()})
		}
	}
	e.recordRun(m.Spread, drift, m.RetriesUsed, true, s.persist)
	if e.cfg.HealthTracking {
		res.Warnings = append(res.Warnings, e.health.Warnings()...)
	}
	e.deps.Metrics.SetRunResult(res.FinalOffset, res.ProbeZ, res.Spread, res.Drift)

	e.lg.Info("offset computed", log.Fields{
		"probe_z": fmt.Sprintf("%.4f", res.ProbeZ),
		"spread":  fmt.Sprintf("%.4f", res.Spread),
		"drift":   fmt.Sprintf("%.4f", res.Drift),
		"offset":  fmt.Sprintf("%.4f", res.FinalOffset),
		"applied": res.Applied,
	})
	return res, nil
}

// CalibrationSession holds the measurement half of an in-flight
// calibration, waiting for the operator's paper-test height. The host may
// record the probed XY on it before FinishCalibration; the position lands
// in the stored baseline.
type CalibrationSession struct {
	Measurement *Measurement
	Env         Environment
	Soak        SoakResult
	StartedAt   time.Time

	ReferenceX float64
	ReferenceY float64
}

// BeginCalibration probes the reference point and opens a calibration
// session. The operator then jogs the nozzle to paper contact and calls
// FinishCalibration with the accepted Z.
func (e *Engine) BeginCalibration(ctx context.Context, rc *RunContext) (*CalibrationSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.settingsFor(rc)
	env := e.environment(rc)

	sess := &CalibrationSession{Env: env, StartedAt: time.Now()}

	if s.soakEnabled && e.deps.Temps != nil {
		soakRes, err := e.soak.Wait(ctx, SoakConfig{
			Sensors:       e.cfg.SoakSensors,
			RateThreshold: e.cfg.SoakThreshold,
			Timeout:       s.soakTimeout,
			CheckInterval: e.cfg.SoakInterval,
			AbortOnCancel: e.cfg.SoakAbortOnCancel,
		})
		if err != nil {
			return nil, err
		}
		sess.Soak = soakRes
	}
	if s.warmupTaps > 0 {
		if err := e.agg.Warmup(ctx, s.warmupTaps, e.cfg.RetractDist); err != nil {
			return nil, err
		}
	}

	m, err := e.agg.Collect(ctx, AggregateParams{
		Samples:     s.samples,
		Method:      e.cfg.Method,
		MaxSpread:   s.maxSpread,
		MaxRetries:  s.retries,
		RetractDist: e.cfg.RetractDist,
	})
	if err != nil {
		return nil, err
	}
	if m.Degraded {
		return nil, errors.CalibrationError(fmt.Sprintf(
			"probe spread %.4f too high for calibration; fix the probe first", m.Spread))
	}
	sess.Measurement = m
	e.pendingCal = sess

	e.lg.Info("calibration probe complete", log.Fields{
		"trigger_height": fmt.Sprintf("%.4f", m.Value),
		"spread":         fmt.Sprintf("%.4f", m.Spread),
	})
	return sess, nil
}

// FinishCalibration closes the pending session with the operator-accepted
// paper-contact Z and stores the new baseline.
func (e *Engine) FinishCalibration(ctx context.Context, paperZ float64) (*CalibrationBaseline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingCal == nil {
		return nil, errors.CalibrationError("no calibration in progress")
	}
	sess := e.pendingCal
	m := sess.Measurement

	baseline := &CalibrationBaseline{
		TriggerHeight:       m.Value,
		PaperDelta:          paperZ - m.Value,
		ReferenceX:          sess.ReferenceX,
		ReferenceY:          sess.ReferenceY,
		BedTempRef:          sess.Env.BedTemp,
		HotendTempRef:       sess.Env.HotendTemp,
		ChamberTempRef:      sess.Env.ChamberTemp,
		FirstLayerReference: e.cfg.FirstLayerReference,
		ProbeType:           e.cfg.ProbeType,
		CreatedAt:           time.Now(),
	}

	if e.cfg.CalibrationValidate {
		check, err := e.agg.Collect(ctx, AggregateParams{
			Samples:     e.cfg.Samples,
			Method:      e.cfg.Method,
			MaxSpread:   e.cfg.MaxSpread,
			MaxRetries:  e.cfg.Retries,
			RetractDist: e.cfg.RetractDist,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCalibration, "validation probe failed")
		}
		if diff := check.Value - m.Value; abs(diff) > 3*e.cfg.MaxSpread {
			e.lg.Warn("calibration validation diverged", log.Fields{
				"difference": fmt.Sprintf("%.4f", diff),
				"limit":      fmt.Sprintf("%.4f", 3*e.cfg.MaxSpread),
			})
		}
	}

	if e.deps.Store != nil {
		if err := e.deps.Store.SaveBaseline(baseline); err != nil {
			return nil, errors.StateError("save baseline", err)
		}
	}
	e.baseline = baseline
	e.pendingCal = nil
	e.deps.Metrics.RecordCalibration()
	e.deps.Metrics.SetBaselinePresent(true)

	e.lg.Info("calibration stored", log.Fields{
		"trigger_height": fmt.Sprintf("%.4f", baseline.TriggerHeight),
		"paper_delta":    fmt.Sprintf("%.4f", baseline.PaperDelta),
	})
	return baseline, nil
}

// AbortCalibration discards a pending calibration session.
func (e *Engine) AbortCalibration() {
	e.mu.Lock()
	e.pendingCal = nil
	e.mu.Unlock()
}

// ClearCalibration removes the stored baseline and, optionally, the probe
// health history.
func (e *Engine) ClearCalibration(clearHistory bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deps.Store != nil {
		if err := e.deps.Store.ClearBaseline(); err != nil {
			return errors.StateError("clear baseline", err)
		}
		if clearHistory {
			if err := e.deps.Store.SaveHistory(nil); err != nil {
				return errors.StateError("clear health history", err)
			}
		}
	}
	e.baseline = nil
	if clearHistory {
		e.health = NewHealthTracker(e.cfg.Health)
	}
	e.deps.Metrics.SetBaselinePresent(false)
	e.lg.Info("calibration cleared", log.Fields{"history_cleared": clearHistory})
	return nil
}

// ProbeTestReport is the outcome of a repeatability diagnostic.
type ProbeTestReport struct {
	Samples    []float64
	Median     float64
	Average    float64
	Spread     float64
	StdDev     float64
	Rating     string
	WarmupTaps int
}

// Repeatability rating thresholds on sample spread, in machine units.
const (
	ratingExcellent  = 0.005
	ratingGood       = 0.015
	ratingAcceptable = 0.030
)

func rateSpread(spread float64) string {
	switch {
	case spread <= ratingExcellent:
		return "EXCELLENT"
	case spread <= ratingGood:
		return "GOOD"
	case spread <= ratingAcceptable:
		return "ACCEPTABLE"
	default:
		return "POOR"
	}
}

// ProbeTest runs a repeatability diagnostic: warmup then one batch with no
// spread gating, reported with a quality rating. The baseline, health
// history and offset state are untouched.
func (e *Engine) ProbeTest(ctx context.Context, rc *RunContext) (*ProbeTestReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.settingsFor(rc)
	if s.warmupTaps > 0 {
		if err := e.agg.Warmup(ctx, s.warmupTaps, e.cfg.RetractDist); err != nil {
			return nil, err
		}
	}
	m, err := e.agg.Collect(ctx, AggregateParams{
		Samples:     s.samples,
		Method:      MethodMedian,
		MaxSpread:   0, // no gating; report whatever the probe does
		MaxRetries:  0,
		RetractDist: e.cfg.RetractDist,
	})
	if err != nil {
		return nil, err
	}
	return &ProbeTestReport{
		Samples:    m.Samples,
		Median:     median(m.Samples),
		Average:    mean(m.Samples),
		Spread:     m.Spread,
		StdDev:     stdDev(m.Samples),
		Rating:     rateSpread(m.Spread),
		WarmupTaps: s.warmupTaps,
	}, nil
}

// Calibrated reports whether a baseline is stored.
func (e *Engine) Calibrated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseline != nil
}

// Baseline returns the stored calibration baseline, or nil.
func (e *Engine) Baseline() *CalibrationBaseline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.baseline
}

// Health returns the current health snapshot.
func (e *Engine) Health() HealthSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health.Summary(e.cfg.Samples)
}

// GetStatus reports engine state for the status server and host console.
func (e *Engine) GetStatus() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := map[string]any{
		"probe_type":    string(e.cfg.ProbeType),
		"calibrated":    e.baseline != nil,
		"samples":       e.cfg.Samples,
		"method":        string(e.cfg.Method),
		"max_spread":    e.cfg.MaxSpread,
		"max_drift":     e.cfg.MaxDrift,
		"soak_enabled":  e.cfg.SoakEnabled,
		"profile_count": len(e.profiles),
	}
	if e.baseline != nil {
		status["trigger_height"] = e.baseline.TriggerHeight
		status["paper_delta"] = e.baseline.PaperDelta
		status["calibrated_at"] = e.baseline.CreatedAt.Format(time.RFC3339)
	}
	if e.lastRun != nil {
		status["last_probe_z"] = e.lastRun.ProbeZ
		status["last_spread"] = e.lastRun.Spread
		status["last_drift"] = e.lastRun.Drift
		status["last_offset"] = e.lastRun.Offset
		status["last_run_at"] = e.lastRun.Timestamp.Format(time.RFC3339)
	}
	if e.cfg.HealthTracking {
		h := e.health.Summary(e.cfg.Samples)
		status["health"] = map[string]any{
			"runs":              h.Runs,
			"confidence":        h.Confidence,
			"spread_trend":      string(h.SpreadTrend),
			"retry_rate":        h.RetryRate,
			"avg_spread":        h.AvgSpread,
			"max_abs_drift":     h.MaxAbsDrift,
			"suggested_samples": h.SuggestedSamples,
			"warnings":          h.Warnings,
		}
	}
	return status
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
