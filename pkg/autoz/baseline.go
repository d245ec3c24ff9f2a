// Calibration baseline and drift detection
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"math"
	"time"

	"autoz-host/pkg/errors"
)

// CalibrationBaseline is the one-time reference every run is compared
// against. It is created by the interactive calibration flow and mutated
// only by a full recalibration or an explicit clear.
type CalibrationBaseline struct {
	// TriggerHeight is the aggregated probe trigger height recorded at
	// calibration time.
	TriggerHeight float64

	// PaperDelta is the operator-accepted nozzle contact height minus
	// TriggerHeight, from the one-time paper test.
	PaperDelta float64

	ReferenceX float64
	ReferenceY float64

	// Reference temperatures captured at calibration time. Nil when the
	// corresponding sensor was unavailable.
	BedTempRef     *float64
	HotendTempRef  *float64
	ChamberTempRef *float64

	FirstLayerReference float64

	ProbeType ProbeType
	CreatedAt time.Time
}

// Refs returns the baseline's reference temperatures as a TempRefs set.
func (b *CalibrationBaseline) Refs() TempRefs {
	if b == nil {
		return TempRefs{}
	}
	fl := b.FirstLayerReference
	return TempRefs{
		Bed:        b.BedTempRef,
		Hotend:     b.HotendTempRef,
		Chamber:    b.ChamberTempRef,
		FirstLayer: &fl,
	}
}

// checkDrift compares a new aggregated value against the baseline trigger
// height. The bound is inclusive: |drift| == maxDrift passes. A maxDrift
// of zero or below disables the check.
func checkDrift(value float64, baseline *CalibrationBaseline, maxDrift float64) (float64, error) {
	if baseline == nil {
		return 0, errors.Uncalibrated()
	}
	drift := value - baseline.TriggerHeight
	if maxDrift > 0 && math.Abs(drift) > maxDrift {
		return drift, errors.DriftExceeded(drift, maxDrift)
	}
	return drift, nil
}
