// Safety clamps for computed offsets
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import "autoz-host/pkg/errors"

// SafetyLimits bounds the computed offset. Bounds are inclusive; a zero
// MaxTotalAdjustment disables the adjustment check.
type SafetyLimits struct {
	OffsetMin          float64
	OffsetMax          float64
	MaxTotalAdjustment float64
}

// Validate checks the total adjustment magnitude first, then the final
// offset range. Values exactly on a bound pass.
func (s SafetyLimits) Validate(final, adjustment float64) error {
	if s.MaxTotalAdjustment > 0 {
		mag := adjustment
		if mag < 0 {
			mag = -mag
		}
		if mag > s.MaxTotalAdjustment {
			return errors.AdjustmentTooLarge(adjustment, s.MaxTotalAdjustment)
		}
	}
	if final < s.OffsetMin || final > s.OffsetMax {
		return errors.OffsetOutOfRange(final, s.OffsetMin, s.OffsetMax)
	}
	return nil
}
