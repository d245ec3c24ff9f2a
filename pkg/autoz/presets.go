// Probe-type presets
//
// Each supported probe type carries tuned default parameters so users get
// sensible behavior from a one-line probe_type setting. Every preset value
// can be overridden by an explicit config option or per-run parameter.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"sort"
	"time"
)

// ProbeType identifies the kind of Z probe in use.
type ProbeType string

const (
	// ProbeTap is a CNC Tap style nozzle-as-probe.
	ProbeTap ProbeType = "tap"
	// ProbeMicroprobe is a Microprobe / Klicky style dockable probe.
	ProbeMicroprobe ProbeType = "microprobe"
	// ProbeBLTouch is a BLTouch / servo deploy probe.
	ProbeBLTouch ProbeType = "bltouch"
	// ProbeInductive is an inductive or capacitive proximity probe.
	ProbeInductive ProbeType = "inductive"
	// ProbeGeneric is the fallback for unknown probe hardware.
	ProbeGeneric ProbeType = "generic"
)

// Preset holds the default parameter record for one probe type.
type Preset struct {
	Description string

	Samples     int
	MaxSpread   float64
	Retries     int
	RetractDist float64

	BedCoeff     float64
	HotendCoeff  float64
	ChamberCoeff float64

	WarmupTaps int

	Soak          bool
	SoakThreshold float64 // deg/min
	SoakTimeout   time.Duration
	SoakSensors   []string

	MaxDrift           float64
	MaxTotalAdjustment float64
	OffsetMin          float64
	OffsetMax          float64
}

var presets = map[ProbeType]Preset{
	ProbeTap: {
		Description:        "CNC Tap (nozzle-as-probe)",
		Samples:            5,
		MaxSpread:          0.015,
		Retries:            3,
		RetractDist:        1.0,
		BedCoeff:           0.00010,
		HotendCoeff:        0.00005,
		ChamberCoeff:       0.00005,
		WarmupTaps:         2,
		Soak:               true,
		SoakThreshold:      0.3,
		SoakTimeout:        300 * time.Second,
		SoakSensors:        []string{"heater_bed"},
		MaxDrift:           0.80,
		MaxTotalAdjustment: 0.500,
		OffsetMin:          -0.500,
		OffsetMax:          0.500,
	},
	ProbeMicroprobe: {
		Description:        "Microprobe / Klicky style",
		Samples:            5,
		MaxSpread:          0.020,
		Retries:            2,
		RetractDist:        1.5,
		BedCoeff:           0.00005,
		HotendCoeff:        0.00002,
		ChamberCoeff:       0.00003,
		WarmupTaps:         0,
		Soak:               false,
		SoakThreshold:      0.5,
		SoakTimeout:        180 * time.Second,
		SoakSensors:        []string{"heater_bed"},
		MaxDrift:           1.0,
		MaxTotalAdjustment: 0.600,
		OffsetMin:          -0.600,
		OffsetMax:          0.600,
	},
	ProbeBLTouch: {
		Description:        "BLTouch / servo deploy probe",
		Samples:            7,
		MaxSpread:          0.030,
		Retries:            3,
		RetractDist:        2.0,
		BedCoeff:           0.00003,
		HotendCoeff:        0.00001,
		ChamberCoeff:       0.00002,
		WarmupTaps:         1,
		Soak:               false,
		SoakThreshold:      0.5,
		SoakTimeout:        120 * time.Second,
		SoakSensors:        []string{"heater_bed"},
		MaxDrift:           1.2,
		MaxTotalAdjustment: 0.700,
		OffsetMin:          -0.700,
		OffsetMax:          0.700,
	},
	ProbeInductive: {
		Description:        "Inductive / capacitive proximity probe",
		Samples:            7,
		MaxSpread:          0.025,
		Retries:            2,
		RetractDist:        2.0,
		BedCoeff:           0.00080,
		HotendCoeff:        0.00005,
		ChamberCoeff:       0.00010,
		WarmupTaps:         1,
		Soak:               true,
		SoakThreshold:      0.2,
		SoakTimeout:        600 * time.Second,
		SoakSensors:        []string{"heater_bed"},
		MaxDrift:           1.5,
		MaxTotalAdjustment: 0.800,
		OffsetMin:          -0.800,
		OffsetMax:          0.800,
	},
	ProbeGeneric: {
		Description:        "Generic / unknown probe type",
		Samples:            5,
		MaxSpread:          0.020,
		Retries:            2,
		RetractDist:        1.5,
		WarmupTaps:         0,
		Soak:               false,
		SoakThreshold:      0.3,
		SoakTimeout:        300 * time.Second,
		SoakSensors:        []string{"heater_bed"},
		MaxDrift:           1.0,
		MaxTotalAdjustment: 0.600,
		OffsetMin:          -0.500,
		OffsetMax:          0.500,
	},
}

// PresetFor returns the default parameter record for a probe type. Unknown
// types fall back to the generic preset.
func PresetFor(t ProbeType) Preset {
	if p, ok := presets[t]; ok {
		return p
	}
	return presets[ProbeGeneric]
}

// KnownProbeType reports whether t is a supported probe type.
func KnownProbeType(t ProbeType) bool {
	_, ok := presets[t]
	return ok
}

// KnownProbeTypes returns the supported probe type names, sorted.
func KnownProbeTypes() []string {
	names := make([]string, 0, len(presets))
	for t := range presets {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}
