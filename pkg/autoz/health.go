// Probe health tracking
//
// Keeps a bounded history of run outcomes and derives a confidence score,
// a spread trend, retry statistics, an adaptive sample-count suggestion
// and health warnings from it.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"math"
	"time"
)

// SpreadTrend classifies spread development over the history.
type SpreadTrend string

const (
	TrendStable    SpreadTrend = "stable"
	TrendImproving SpreadTrend = "improving"
	TrendDegrading SpreadTrend = "degrading"
)

// Health warning identifiers, reported by Warnings.
const (
	WarnDegradingTrend = "degrading_spread_trend"
	WarnHighRetryRate  = "high_retry_rate"
	WarnHighSpread     = "high_recent_spread"
)

// HealthRecord is the persisted outcome of one probing run.
type HealthRecord struct {
	Timestamp   time.Time `yaml:"timestamp"`
	Spread      float64   `yaml:"spread"`
	Drift       float64   `yaml:"drift"`
	RetriesUsed int       `yaml:"retries_used"`
	Accepted    bool      `yaml:"accepted"`
}

// HealthConfig tunes the tracker. Zero values are replaced by defaults.
type HealthConfig struct {
	Capacity        int
	TrendMargin     float64
	SpreadWeight    float64
	RetryWeight     float64
	DriftWeight     float64
	DriftHalfLife   float64
	SpreadNorm      float64
	DriftNorm       float64
	HighSpreadLimit float64
	MinSamples      int
	MaxSamples      int
}

// DefaultHealthConfig returns the standard tracker tuning.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Capacity:        50,
		TrendMargin:     0.20,
		SpreadWeight:    0.4,
		RetryWeight:     0.3,
		DriftWeight:     0.3,
		DriftHalfLife:   10,
		SpreadNorm:      0.030,
		DriftNorm:       0.100,
		HighSpreadLimit: 0.040,
		MinSamples:      3,
		MaxSamples:      10,
	}
}

func (c *HealthConfig) applyDefaults() {
	d := DefaultHealthConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.TrendMargin <= 0 {
		c.TrendMargin = d.TrendMargin
	}
	if c.SpreadWeight == 0 && c.RetryWeight == 0 && c.DriftWeight == 0 {
		c.SpreadWeight = d.SpreadWeight
		c.RetryWeight = d.RetryWeight
		c.DriftWeight = d.DriftWeight
	}
	if c.DriftHalfLife <= 0 {
		c.DriftHalfLife = d.DriftHalfLife
	}
	if c.SpreadNorm <= 0 {
		c.SpreadNorm = d.SpreadNorm
	}
	if c.DriftNorm <= 0 {
		c.DriftNorm = d.DriftNorm
	}
	if c.HighSpreadLimit <= 0 {
		c.HighSpreadLimit = d.HighSpreadLimit
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = d.MaxSamples
	}
}

// HealthTracker is a fixed-capacity ring of run records. Not safe for
// concurrent use; the engine serializes access.
type HealthTracker struct {
	cfg     HealthConfig
	records []HealthRecord
	head    int
	count   int
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	cfg.applyDefaults()
	return &HealthTracker{
		cfg:     cfg,
		records: make([]HealthRecord, cfg.Capacity),
	}
}

// Record appends a run outcome, evicting the oldest record at capacity.
func (h *HealthTracker) Record(rec HealthRecord) {
	h.records[h.head] = rec
	h.head = (h.head + 1) % len(h.records)
	if h.count < len(h.records) {
		h.count++
	}
}

// Len returns the number of stored records.
func (h *HealthTracker) Len() int { return h.count }

// Records returns the stored history, oldest first.
func (h *HealthTracker) Records() []HealthRecord {
	out := make([]HealthRecord, 0, h.count)
	start := h.head - h.count
	if start < 0 {
		start += len(h.records)
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.records[(start+i)%len(h.records)])
	}
	return out
}

// Restore replaces the history with persisted records, keeping only the
// newest Capacity entries.
func (h *HealthTracker) Restore(recs []HealthRecord) {
	h.head = 0
	h.count = 0
	if len(recs) > len(h.records) {
		recs = recs[len(recs)-len(h.records):]
	}
	for _, r := range recs {
		h.Record(r)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RetryRate is the fraction of runs that needed at least one retry.
func (h *HealthTracker) RetryRate() float64 {
	if h.count == 0 {
		return 0
	}
	retried := 0
	for _, r := range h.Records() {
		if r.RetriesUsed > 0 {
			retried++
		}
	}
	return float64(retried) / float64(h.count)
}

// Confidence scores probe reliability in [0, 1]. It penalizes average
// spread, the retry rate and recency-weighted drift; an empty history
// scores a neutral 0.5.
func (h *HealthTracker) Confidence() float64 {
	if h.count == 0 {
		return 0.5
	}
	recs := h.Records()

	avgSpread := 0.0
	for _, r := range recs {
		avgSpread += r.Spread
	}
	avgSpread /= float64(len(recs))

	// Drift penalty decays with age: a record k runs back weighs
	// 2^(-k/halfLife).
	driftNum, driftDen := 0.0, 0.0
	for i, r := range recs {
		age := float64(len(recs) - 1 - i)
		w := math.Exp2(-age / h.cfg.DriftHalfLife)
		driftNum += w * math.Abs(r.Drift)
		driftDen += w
	}
	recentDrift := driftNum / driftDen

	penalty := h.cfg.SpreadWeight*clamp01(avgSpread/h.cfg.SpreadNorm) +
		h.cfg.RetryWeight*h.RetryRate() +
		h.cfg.DriftWeight*clamp01(recentDrift/h.cfg.DriftNorm)
	return clamp01(1 - penalty)
}

// Trend compares average spread of the oldest and newest thirds of the
// history. Fewer than 6 records is always stable; a relative change beyond
// TrendMargin classifies as improving or degrading.
func (h *HealthTracker) Trend() SpreadTrend {
	if h.count < 6 {
		return TrendStable
	}
	recs := h.Records()
	k := h.count / 3

	avg := func(rs []HealthRecord) float64 {
		s := 0.0
		for _, r := range rs {
			s += r.Spread
		}
		return s / float64(len(rs))
	}
	oldest := avg(recs[:k])
	newest := avg(recs[len(recs)-k:])

	if oldest <= 0 {
		if newest > 0 {
			return TrendDegrading
		}
		return TrendStable
	}
	change := (newest - oldest) / oldest
	switch {
	case change > h.cfg.TrendMargin:
		return TrendDegrading
	case change < -h.cfg.TrendMargin:
		return TrendImproving
	default:
		return TrendStable
	}
}

// SuggestSamples adapts the per-run sample count to observed reliability:
// high confidence over a long history earns fewer samples, low confidence
// or heavy retrying earns more.
func (h *HealthTracker) SuggestSamples(configured int) int {
	conf := h.Confidence()
	switch {
	case conf >= 0.9 && h.count >= 20:
		n := configured - 2
		if n < h.cfg.MinSamples {
			n = h.cfg.MinSamples
		}
		return n
	case conf < 0.4 || h.RetryRate() > 0.5:
		n := configured + 2
		if n > h.cfg.MaxSamples {
			n = h.cfg.MaxSamples
		}
		return n
	default:
		return configured
	}
}

// recentRetryRate looks at the newest window (at most 10 runs).
func (h *HealthTracker) recentRetryRate() float64 {
	if h.count == 0 {
		return 0
	}
	recs := h.Records()
	window := 10
	if window > len(recs) {
		window = len(recs)
	}
	recs = recs[len(recs)-window:]
	retried := 0
	for _, r := range recs {
		if r.RetriesUsed > 0 {
			retried++
		}
	}
	return float64(retried) / float64(window)
}

// Warnings lists active health concerns.
func (h *HealthTracker) Warnings() []string {
	var warns []string
	if h.Trend() == TrendDegrading {
		warns = append(warns, WarnDegradingTrend)
	}
	if h.recentRetryRate() > 0.5 {
		warns = append(warns, WarnHighRetryRate)
	}
	if h.count > 0 {
		recs := h.Records()
		if recs[len(recs)-1].Spread > h.cfg.HighSpreadLimit {
			warns = append(warns, WarnHighSpread)
		}
	}
	return warns
}

// HealthSummary is a snapshot of all derived health statistics.
type HealthSummary struct {
	Runs             int
	Confidence       float64
	SpreadTrend      SpreadTrend
	RetryRate        float64
	AvgSpread        float64
	MaxAbsDrift      float64
	SuggestedSamples int
	Warnings         []string
}

// Summary computes the full snapshot for status reporting.
func (h *HealthTracker) Summary(configuredSamples int) HealthSummary {
	sum := HealthSummary{
		Runs:             h.count,
		Confidence:       h.Confidence(),
		SpreadTrend:      h.Trend(),
		RetryRate:        h.RetryRate(),
		SuggestedSamples: h.SuggestSamples(configuredSamples),
		Warnings:         h.Warnings(),
	}
	if h.count > 0 {
		for _, r := range h.Records() {
			sum.AvgSpread += r.Spread
			if d := math.Abs(r.Drift); d > sum.MaxAbsDrift {
				sum.MaxAbsDrift = d
			}
		}
		sum.AvgSpread /= float64(h.count)
	}
	return sum
}
