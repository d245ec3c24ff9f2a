// Unified error handling for the automatic Z-offset host
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Configuration errors
	ErrConfigSection ErrorCode = "CONFIG_SECTION"
	ErrConfigOption  ErrorCode = "CONFIG_OPTION"
	ErrConfigValue   ErrorCode = "CONFIG_VALUE"

	// Engine run errors
	ErrProbe        ErrorCode = "PROBE"
	ErrSpread       ErrorCode = "SPREAD"
	ErrUncalibrated ErrorCode = "UNCALIBRATED"
	ErrDrift        ErrorCode = "DRIFT"
	ErrOffsetRange  ErrorCode = "OFFSET_RANGE"
	ErrAdjustment   ErrorCode = "ADJUSTMENT"
	ErrSoakTimeout  ErrorCode = "SOAK_TIMEOUT"
	ErrCalibration  ErrorCode = "CALIBRATION"
	ErrAborted      ErrorCode = "ABORTED"

	// Collaborator errors
	ErrState ErrorCode = "STATE"
	ErrApply ErrorCode = "APPLY"
)

// EngineError is the unified error type for the host system
type EngineError struct {
	// Code is the error category
	Code ErrorCode

	// Stage names the pipeline stage the error is attributable to
	Stage string

	// Message is a human-readable error description
	Message string

	// Values holds the numeric values that caused the failure,
	// e.g. measured spread vs. configured limit
	Values map[string]float64

	// Err wraps the underlying error
	Err error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if len(e.Values) > 0 {
		keys := make([]string, 0, len(e.Values))
		for k := range e.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%.4f", k, e.Values[k]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, " "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error {
	return e.Err
}

// SetStage sets the pipeline stage
func (e *EngineError) SetStage(stage string) *EngineError {
	e.Stage = stage
	return e
}

// SetValue records a numeric value involved in the failure
func (e *EngineError) SetValue(name string, value float64) *EngineError {
	if e.Values == nil {
		e.Values = make(map[string]float64)
	}
	e.Values[name] = value
	return e
}

// New creates a new EngineError
func New(code ErrorCode, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, format string, args ...interface{}) *EngineError {
	return &EngineError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Config errors

// ConfigSectionError creates an error for a missing config section
func ConfigSectionError(section string) *EngineError {
	return New(ErrConfigSection, "section '%s' not found", section)
}

// ConfigValueError creates an error for a config value that fails validation
func ConfigValueError(section, option, value, reason string) *EngineError {
	return New(ErrConfigValue, "option '%s' in section '%s': invalid value '%s' (%s)",
		option, section, value, reason)
}

// Engine run errors

// ProbeFailed creates a fatal error for an underlying probe hardware failure
func ProbeFailed(err error) *EngineError {
	return Wrap(err, ErrProbe, "probe trigger failed").SetStage("aggregate")
}

// SpreadExceeded creates a non-fatal error for probe repeatability failure
// after all retries. The run proceeds with the degraded measurement and
// carries this message in its warnings.
func SpreadExceeded(spread, limit float64, retries int) *EngineError {
	return New(ErrSpread,
		"probe spread %.4fmm exceeds limit %.4fmm after %d retries; "+
			"check for debris on the nozzle or bed, a loose probe mount, "+
			"or enable thermal_soak", spread, limit, retries).
		SetStage("aggregate").
		SetValue("spread", spread).
		SetValue("limit", limit)
}

// Uncalibrated creates a fatal error for drift-aware operation without a
// stored calibration baseline
func Uncalibrated() *EngineError {
	return New(ErrUncalibrated,
		"no calibration baseline stored; run the one-time calibration first").
		SetStage("drift")
}

// DriftExceeded creates a fatal error for measurement drift beyond policy
func DriftExceeded(drift, maxDrift float64) *EngineError {
	direction := "further from the bed"
	if drift < 0 {
		direction = "closer to the bed"
	}
	return New(ErrDrift,
		"probe drift %.4fmm exceeds max_drift %.4fmm; the probe triggered "+
			"%.4fmm %s than during calibration. Recalibrate at current "+
			"temperatures or raise max_drift",
		drift, maxDrift, abs(drift), direction).
		SetStage("drift").
		SetValue("drift", drift).
		SetValue("max_drift", maxDrift)
}

// OffsetOutOfRange creates a fatal error for a final offset outside the
// configured safe bounds
func OffsetOutOfRange(offset, minSafe, maxSafe float64) *EngineError {
	reason := "could cause poor adhesion or air printing"
	if offset < minSafe {
		reason = "could cause nozzle collision with the bed"
	}
	return New(ErrOffsetRange,
		"offset %.4fmm outside safe range [%.4f, %.4f]; this %s",
		offset, minSafe, maxSafe, reason).
		SetStage("safety").
		SetValue("offset", offset).
		SetValue("safe_offset_min", minSafe).
		SetValue("safe_offset_max", maxSafe)
}

// AdjustmentTooLarge creates a fatal error for a non-probe adjustment total
// beyond the configured cap
func AdjustmentTooLarge(total, maxAdjust float64) *EngineError {
	return New(ErrAdjustment,
		"adjustment %.4fmm exceeds max_total_adjustment %.4fmm; if this is "+
			"expected, raise the limit or pass a per-run override",
		total, maxAdjust).
		SetStage("safety").
		SetValue("adjustment", total).
		SetValue("max_total_adjustment", maxAdjust)
}

// CalibrationError creates an error for calibration flow misuse
func CalibrationError(message string) *EngineError {
	return New(ErrCalibration, "%s", message).SetStage("calibrate")
}

// Aborted creates a fatal error for a run cancelled by the host
func Aborted(stage string, err error) *EngineError {
	return Wrap(err, ErrAborted, "run aborted by host").SetStage(stage)
}

// StateError creates an error for persistent store failures
func StateError(operation string, err error) *EngineError {
	return Wrap(err, ErrState, "state %s failed", operation)
}

// ApplyError creates a fatal error for an offset applicator failure
func ApplyError(err error) *EngineError {
	return Wrap(err, ErrApply, "offset apply failed").SetStage("apply")
}

// Is checks if an error matches the given error code
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if ee, ok := err.(*EngineError); ok {
			if ee.Code == code {
				return true
			}
			err = ee.Err
			continue
		}
		return false
	}
	return false
}

// IsFatal reports whether the error aborts the whole run. Non-fatal
// conditions (spread degradation, soak timeout) are recorded on the run
// report instead of being returned.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	ee, ok := err.(*EngineError)
	if !ok {
		return true
	}
	switch ee.Code {
	case ErrSpread, ErrSoakTimeout:
		return false
	}
	return true
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
