// Collaborator interfaces for the automatic Z-offset engine
//
// The engine never touches hardware or storage directly; the embedding host
// supplies implementations of these interfaces.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"context"
	"time"
)

// Prober is the physical probe driver. ProbeOnce performs one full probe
// cycle (descend until trigger, lift clear) and returns the trigger height
// in machine units. Retract lifts the toolhead by dist between samples.
type Prober interface {
	ProbeOnce(ctx context.Context) (float64, error)
	Retract(ctx context.Context, dist float64) error
}

// TemperatureReader returns the current temperature of a named sensor.
// The thermal soak gate polls it repeatedly; environment resolution reads
// it once per run.
type TemperatureReader interface {
	Temperature(sensor string) (float64, error)
}

// OffsetApplicator applies a validated Z offset to the motion system.
// It is invoked only after the safety validator accepts a value.
type OffsetApplicator interface {
	Apply(offset float64, move bool, moveSpeed float64) error
}

// LastRun holds the persisted values of the most recent completed run.
type LastRun struct {
	ProbeZ    float64
	Spread    float64
	Drift     float64
	Offset    float64
	Timestamp time.Time
}

// Store is the persistent state collaborator. LoadBaseline returns
// (nil, nil) when no baseline has been calibrated yet; that is a valid
// "uncalibrated" state, not an error.
type Store interface {
	LoadBaseline() (*CalibrationBaseline, error)
	SaveBaseline(*CalibrationBaseline) error
	ClearBaseline() error

	LoadLastRun() (*LastRun, error)
	SaveLastRun(LastRun) error

	LoadHistory() ([]HealthRecord, error)
	SaveHistory([]HealthRecord) error
}
