// Engine configuration
//
// Loads the [auto_z_offset] section and its [auto_z_offset_profile <name>]
// companions from printer.cfg. Defaults come from the probe-type preset,
// so most installations need only probe_type.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"strings"
	"time"

	"autoz-host/pkg/config"
	"autoz-host/pkg/errors"
)

// Config section names in printer.cfg.
const (
	ConfigSection        = "auto_z_offset"
	ProfileSectionPrefix = "auto_z_offset_profile"
)

// Config is the resolved engine configuration.
type Config struct {
	ProbeType ProbeType

	Samples     int
	Method      AggregateMethod
	MaxSpread   float64
	Retries     int
	RetractDist float64
	WarmupTaps  int

	SoakEnabled       bool
	SoakSensors       []string
	SoakThreshold     float64
	SoakTimeout       time.Duration
	SoakInterval      time.Duration
	SoakAbortOnCancel bool

	MaxDrift float64

	// GlobalOffset is a fixed manual correction added to every run.
	GlobalOffset float64
	Terms        CompensationTerms
	Refs         TempRefs

	FirstLayerReference float64

	BedSensor     string
	HotendSensor  string
	ChamberSensor string

	DefaultProfiles []string
	AutoMatch       bool

	Limits SafetyLimits

	ApplyMove bool
	MoveSpeed float64

	PersistLastRun  bool
	ReportBreakdown bool

	// CalibrationValidate re-probes after calibration and warns when the
	// check diverges from the fresh baseline.
	CalibrationValidate bool

	HealthTracking  bool
	AdaptiveSamples bool
	Health          HealthConfig
}

// DefaultConfig returns the configuration implied by a probe-type preset.
func DefaultConfig(pt ProbeType) Config {
	p := PresetFor(pt)
	return Config{
		ProbeType:   pt,
		Samples:     p.Samples,
		Method:      MethodMedian,
		MaxSpread:   p.MaxSpread,
		Retries:     p.Retries,
		RetractDist: p.RetractDist,
		WarmupTaps:  p.WarmupTaps,

		SoakEnabled:   p.Soak,
		SoakSensors:   append([]string(nil), p.SoakSensors...),
		SoakThreshold: p.SoakThreshold,
		SoakTimeout:   p.SoakTimeout,
		SoakInterval:  defaultSoakInterval,

		MaxDrift: p.MaxDrift,

		Terms: CompensationTerms{
			Bed:     ChannelCoeffs{Linear: p.BedCoeff},
			Hotend:  ChannelCoeffs{Linear: p.HotendCoeff},
			Chamber: ChannelCoeffs{Linear: p.ChamberCoeff},
		},

		FirstLayerReference: 0.20,

		BedSensor:    "heater_bed",
		HotendSensor: "extruder",

		AutoMatch: true,

		Limits: SafetyLimits{
			OffsetMin:          p.OffsetMin,
			OffsetMax:          p.OffsetMax,
			MaxTotalAdjustment: p.MaxTotalAdjustment,
		},

		ApplyMove: false,
		MoveSpeed: 5.0,

		PersistLastRun:  true,
		ReportBreakdown: true,

		CalibrationValidate: false,

		HealthTracking:  true,
		AdaptiveSamples: false,
		Health:          DefaultHealthConfig(),
	}
}

func loadChannel(sec *config.Section, prefix string, fallback ChannelCoeffs) (ChannelCoeffs, error) {
	out := fallback
	if sec.HasOption(prefix + "_coeff") {
		v, err := sec.GetFloat(prefix + "_coeff")
		if err != nil {
			return out, err
		}
		out.Linear = v
	}
	if sec.HasOption(prefix + "_poly") {
		v, err := sec.GetFloatList(prefix + "_poly")
		if err != nil {
			return out, err
		}
		out.Poly = v
	}
	return out, nil
}

func loadRef(sec *config.Section, option string, fallback *float64) (*float64, error) {
	if !sec.HasOption(option) {
		return fallback, nil
	}
	v, err := sec.GetFloat(option)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// LoadConfig reads the [auto_z_offset] section and all profile sections.
// Missing options keep their preset defaults.
func LoadConfig(cfg *config.Config) (Config, map[string]*AdjustmentProfile, error) {
	sec, err := cfg.GetSection(ConfigSection)
	if err != nil {
		return Config{}, nil, errors.ConfigSectionError(ConfigSection)
	}

	ptName, err := sec.GetChoice("probe_type", KnownProbeTypes(), string(ProbeGeneric))
	if err != nil {
		return Config{}, nil, err
	}
	c := DefaultConfig(ProbeType(ptName))

	fail := func(err error) (Config, map[string]*AdjustmentProfile, error) {
		return Config{}, nil, errors.Wrap(err, errors.ErrConfigOption,
			"invalid [%s] option", ConfigSection)
	}

	one := 1
	zero := 0.0
	if c.Samples, err = sec.GetIntWithBounds("samples", &one, nil, c.Samples); err != nil {
		return fail(err)
	}
	method, err := sec.GetChoice("method", []string{string(MethodMedian), string(MethodAverage)}, string(c.Method))
	if err != nil {
		return fail(err)
	}
	c.Method = AggregateMethod(method)
	if c.MaxSpread, err = sec.GetFloat("max_spread", c.MaxSpread); err != nil {
		return fail(err)
	}
	if c.Retries, err = sec.GetIntWithBounds("retries", &zeroInt, nil, c.Retries); err != nil {
		return fail(err)
	}
	if c.RetractDist, err = sec.GetFloatWithBounds("retract_dist",
		config.FloatBounds{Above: &zero}, c.RetractDist); err != nil {
		return fail(err)
	}
	if c.WarmupTaps, err = sec.GetIntWithBounds("warmup_taps", &zeroInt, nil, c.WarmupTaps); err != nil {
		return fail(err)
	}

	if c.SoakEnabled, err = sec.GetBool("thermal_soak", c.SoakEnabled); err != nil {
		return fail(err)
	}
	if c.SoakSensors, err = sec.GetList("soak_sensors", c.SoakSensors); err != nil {
		return fail(err)
	}
	if c.SoakThreshold, err = sec.GetFloatWithBounds("soak_threshold",
		config.FloatBounds{Above: &zero}, c.SoakThreshold); err != nil {
		return fail(err)
	}
	if v, err := sec.GetFloat("soak_timeout", c.SoakTimeout.Seconds()); err != nil {
		return fail(err)
	} else {
		c.SoakTimeout = time.Duration(v * float64(time.Second))
	}
	if v, err := sec.GetFloat("soak_interval", c.SoakInterval.Seconds()); err != nil {
		return fail(err)
	} else {
		c.SoakInterval = time.Duration(v * float64(time.Second))
	}
	if c.SoakAbortOnCancel, err = sec.GetBool("soak_abort_on_cancel", c.SoakAbortOnCancel); err != nil {
		return fail(err)
	}

	if c.MaxDrift, err = sec.GetFloat("max_drift", c.MaxDrift); err != nil {
		return fail(err)
	}
	if c.GlobalOffset, err = sec.GetFloat("global_offset", c.GlobalOffset); err != nil {
		return fail(err)
	}

	if c.Terms.Bed, err = loadChannel(sec, "bed_temp", c.Terms.Bed); err != nil {
		return fail(err)
	}
	if c.Terms.Hotend, err = loadChannel(sec, "hotend_temp", c.Terms.Hotend); err != nil {
		return fail(err)
	}
	if c.Terms.Chamber, err = loadChannel(sec, "chamber_temp", c.Terms.Chamber); err != nil {
		return fail(err)
	}
	if c.Terms.FirstLayer, err = sec.GetFloat("first_layer_coeff", c.Terms.FirstLayer); err != nil {
		return fail(err)
	}
	if c.FirstLayerReference, err = sec.GetFloat("first_layer_reference", c.FirstLayerReference); err != nil {
		return fail(err)
	}

	if c.Refs.Bed, err = loadRef(sec, "bed_temp_ref", nil); err != nil {
		return fail(err)
	}
	if c.Refs.Hotend, err = loadRef(sec, "hotend_temp_ref", nil); err != nil {
		return fail(err)
	}
	if c.Refs.Chamber, err = loadRef(sec, "chamber_temp_ref", nil); err != nil {
		return fail(err)
	}
	c.Refs.FirstLayer = &c.FirstLayerReference

	if c.BedSensor, err = sec.Get("bed_sensor", c.BedSensor); err != nil {
		return fail(err)
	}
	if c.HotendSensor, err = sec.Get("hotend_sensor", c.HotendSensor); err != nil {
		return fail(err)
	}
	if c.ChamberSensor, err = sec.Get("chamber_sensor", c.ChamberSensor); err != nil {
		return fail(err)
	}

	if c.DefaultProfiles, err = sec.GetList("default_profiles", nil); err != nil {
		return fail(err)
	}
	if c.AutoMatch, err = sec.GetBool("auto_match_profiles", c.AutoMatch); err != nil {
		return fail(err)
	}

	if c.Limits.OffsetMin, err = sec.GetFloat("offset_min", c.Limits.OffsetMin); err != nil {
		return fail(err)
	}
	if c.Limits.OffsetMax, err = sec.GetFloat("offset_max", c.Limits.OffsetMax); err != nil {
		return fail(err)
	}
	if c.Limits.OffsetMin > c.Limits.OffsetMax {
		return Config{}, nil, errors.New(errors.ErrConfigValue,
			"[%s]: offset_min must not exceed offset_max", ConfigSection)
	}
	if c.Limits.MaxTotalAdjustment, err = sec.GetFloat("max_total_adjustment",
		c.Limits.MaxTotalAdjustment); err != nil {
		return fail(err)
	}

	if c.ApplyMove, err = sec.GetBool("apply_move", c.ApplyMove); err != nil {
		return fail(err)
	}
	if c.MoveSpeed, err = sec.GetFloatWithBounds("move_speed",
		config.FloatBounds{Above: &zero}, c.MoveSpeed); err != nil {
		return fail(err)
	}

	if c.PersistLastRun, err = sec.GetBool("persist_last_run", c.PersistLastRun); err != nil {
		return fail(err)
	}
	if c.ReportBreakdown, err = sec.GetBool("report_breakdown", c.ReportBreakdown); err != nil {
		return fail(err)
	}
	if c.CalibrationValidate, err = sec.GetBool("calibration_validate", c.CalibrationValidate); err != nil {
		return fail(err)
	}

	if c.HealthTracking, err = sec.GetBool("health_tracking", c.HealthTracking); err != nil {
		return fail(err)
	}
	if c.AdaptiveSamples, err = sec.GetBool("adaptive_samples", c.AdaptiveSamples); err != nil {
		return fail(err)
	}
	if c.Health.Capacity, err = sec.GetIntWithBounds("health_history", &one, nil,
		c.Health.Capacity); err != nil {
		return fail(err)
	}

	profiles, err := loadProfiles(cfg)
	if err != nil {
		return Config{}, nil, err
	}
	for _, name := range c.DefaultProfiles {
		if _, ok := profiles[name]; !ok {
			return Config{}, nil, errors.ConfigValueError(ConfigSection,
				"default_profiles", name, "no such profile section")
		}
	}
	return c, profiles, nil
}

var zeroInt = 0

func loadProfiles(cfg *config.Config) (map[string]*AdjustmentProfile, error) {
	profiles := make(map[string]*AdjustmentProfile)
	for _, sec := range cfg.GetPrefixSections(ProfileSectionPrefix + " ") {
		name := strings.TrimSpace(strings.TrimPrefix(sec.Name(), ProfileSectionPrefix+" "))
		if name == "" {
			return nil, errors.New(errors.ErrConfigValue,
				"[%s]: profile section needs a name", sec.Name())
		}
		p := &AdjustmentProfile{Name: name, Enabled: true}

		var err error
		fail := func(err error) (map[string]*AdjustmentProfile, error) {
			return nil, errors.Wrap(err, errors.ErrConfigOption,
				"invalid [%s] option", sec.Name())
		}

		if p.Priority, err = sec.GetInt("priority", 0); err != nil {
			return fail(err)
		}
		if p.Enabled, err = sec.GetBool("enabled", true); err != nil {
			return fail(err)
		}
		if p.Material, err = sec.Get("material", ""); err != nil {
			return fail(err)
		}
		if p.BuildSurface, err = sec.Get("build_surface", ""); err != nil {
			return fail(err)
		}
		if p.Nozzle, err = sec.Get("nozzle", ""); err != nil {
			return fail(err)
		}
		pt, err := sec.Get("probe_type", "")
		if err != nil {
			return fail(err)
		}
		p.ProbeType = strings.ToLower(strings.TrimSpace(pt))
		if p.ProbeType != "" && !KnownProbeType(ProbeType(p.ProbeType)) {
			return nil, errors.ConfigValueError(sec.Name(),
				"probe_type", p.ProbeType, "unknown probe type")
		}
		if p.StaticOffset, err = sec.GetFloat("offset", 0); err != nil {
			return fail(err)
		}

		if p.Terms.Bed, err = loadChannel(sec, "bed_temp", ChannelCoeffs{}); err != nil {
			return fail(err)
		}
		if p.Terms.Hotend, err = loadChannel(sec, "hotend_temp", ChannelCoeffs{}); err != nil {
			return fail(err)
		}
		if p.Terms.Chamber, err = loadChannel(sec, "chamber_temp", ChannelCoeffs{}); err != nil {
			return fail(err)
		}
		if p.Terms.FirstLayer, err = sec.GetFloat("first_layer_coeff", 0); err != nil {
			return fail(err)
		}

		if p.Refs.Bed, err = loadRef(sec, "bed_temp_ref", nil); err != nil {
			return fail(err)
		}
		if p.Refs.Hotend, err = loadRef(sec, "hotend_temp_ref", nil); err != nil {
			return fail(err)
		}
		if p.Refs.Chamber, err = loadRef(sec, "chamber_temp_ref", nil); err != nil {
			return fail(err)
		}
		if p.Refs.FirstLayer, err = loadRef(sec, "first_layer_ref", nil); err != nil {
			return fail(err)
		}

		profiles[name] = p
	}
	return profiles, nil
}
