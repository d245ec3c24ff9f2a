// Unit tests for engine configuration loading
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"testing"
	"time"

	"autoz-host/pkg/config"
	"autoz-host/pkg/errors"
)

func parseConfig(t *testing.T, text string) (Config, map[string]*AdjustmentProfile) {
	t.Helper()
	cfg, err := config.Parse(text)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	c, profiles, err := LoadConfig(cfg)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	return c, profiles
}

func TestPresetDefaultsForTap(t *testing.T) {
	c, _ := parseConfig(t, `
[auto_z_offset]
probe_type: tap
`)
	if c.ProbeType != ProbeTap {
		t.Errorf("probe type = %v", c.ProbeType)
	}
	if c.Samples != 5 || c.Retries != 3 || c.WarmupTaps != 2 {
		t.Errorf("tap preset not applied: samples=%d retries=%d warmup=%d",
			c.Samples, c.Retries, c.WarmupTaps)
	}
	approx(t, c.MaxSpread, 0.015, 1e-12, "tap max_spread")
	if !c.SoakEnabled {
		t.Error("tap preset should enable thermal soak")
	}
	approx(t, c.Terms.Bed.Linear, 0.0001, 1e-12, "tap bed coeff")
	approx(t, c.Limits.MaxTotalAdjustment, 0.5, 1e-12, "tap max adjustment")
}

func TestMissingProbeTypeFallsBackToGeneric(t *testing.T) {
	c, _ := parseConfig(t, `
[auto_z_offset]
samples: 4
`)
	if c.ProbeType != ProbeGeneric {
		t.Errorf("probe type = %v, want generic", c.ProbeType)
	}
	if c.Samples != 4 {
		t.Errorf("explicit samples = %d, want 4", c.Samples)
	}
}

func TestExplicitOptionsOverridePreset(t *testing.T) {
	c, _ := parseConfig(t, `
[auto_z_offset]
probe_type: tap
samples: 9
max_spread: 0.05
method: average
thermal_soak: false
soak_timeout: 120
max_drift: 0.25
global_offset: -0.015
bed_temp_coeff: 0.0002
bed_temp_ref: 60
offset_min: -0.3
offset_max: 0.3
`)
	if c.Samples != 9 {
		t.Errorf("samples = %d", c.Samples)
	}
	if c.Method != MethodAverage {
		t.Errorf("method = %v", c.Method)
	}
	if c.SoakEnabled {
		t.Error("thermal_soak: false ignored")
	}
	if c.SoakTimeout != 120*time.Second {
		t.Errorf("soak_timeout = %v", c.SoakTimeout)
	}
	approx(t, c.MaxDrift, 0.25, 1e-12, "max_drift")
	approx(t, c.GlobalOffset, -0.015, 1e-12, "global_offset")
	approx(t, c.Terms.Bed.Linear, 0.0002, 1e-12, "bed coeff")
	if c.Refs.Bed == nil {
		t.Fatal("bed_temp_ref not loaded")
	}
	approx(t, *c.Refs.Bed, 60, 1e-12, "bed ref")
	approx(t, c.Limits.OffsetMin, -0.3, 1e-12, "offset_min")
}

func TestPolynomialCoeffsFromConfig(t *testing.T) {
	c, _ := parseConfig(t, `
[auto_z_offset]
probe_type: inductive
bed_temp_poly: 0.001, 0.0002
`)
	if len(c.Terms.Bed.Poly) != 2 {
		t.Fatalf("poly = %v", c.Terms.Bed.Poly)
	}
	approx(t, c.Terms.Bed.Poly[1], 0.0002, 1e-12, "poly c2")
}

func TestProfileSections(t *testing.T) {
	_, profiles := parseConfig(t, `
[auto_z_offset]
probe_type: tap

[auto_z_offset_profile petg_textured]
priority: 10
material: PETG
build_surface: textured_pei
offset: -0.02
bed_temp_coeff: 0.00015
bed_temp_ref: 80

[auto_z_offset_profile disabled_one]
enabled: false
offset: 0.5
`)
	if len(profiles) != 2 {
		t.Fatalf("loaded %d profiles, want 2", len(profiles))
	}
	p := profiles["petg_textured"]
	if p == nil {
		t.Fatal("petg_textured profile missing")
	}
	if p.Priority != 10 || p.Material != "PETG" || p.BuildSurface != "textured_pei" {
		t.Errorf("profile fields wrong: %+v", p)
	}
	approx(t, p.StaticOffset, -0.02, 1e-12, "profile offset")
	approx(t, p.Terms.Bed.Linear, 0.00015, 1e-12, "profile bed coeff")
	if p.Refs.Bed == nil {
		t.Fatal("profile bed ref missing")
	}
	approx(t, *p.Refs.Bed, 80, 1e-12, "profile bed ref")

	if profiles["disabled_one"].Enabled {
		t.Error("enabled: false ignored")
	}
}

func TestUnknownDefaultProfileErrors(t *testing.T) {
	cfg, err := config.Parse(`
[auto_z_offset]
probe_type: tap
default_profiles: missing
`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	_, _, err = LoadConfig(cfg)
	if err == nil {
		t.Fatal("expected error for unknown default profile")
	}
	if !errors.Is(err, errors.ErrConfigValue) {
		t.Errorf("error = %v, want CONFIG_VALUE", err)
	}
}

func TestInvalidProbeTypeInProfileErrors(t *testing.T) {
	cfg, err := config.Parse(`
[auto_z_offset]
probe_type: tap

[auto_z_offset_profile weird]
probe_type: laser
`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	_, _, err = LoadConfig(cfg)
	if err == nil {
		t.Fatal("expected error for unknown probe_type in profile")
	}
}

func TestOffsetBoundsOrderingValidated(t *testing.T) {
	cfg, err := config.Parse(`
[auto_z_offset]
probe_type: tap
offset_min: 0.5
offset_max: -0.5
`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	_, _, err = LoadConfig(cfg)
	if err == nil {
		t.Fatal("expected error for inverted offset bounds")
	}
}

func TestMissingSectionErrors(t *testing.T) {
	cfg, err := config.Parse(`
[printer]
kinematics: corexy
`)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	_, _, err = LoadConfig(cfg)
	if !errors.Is(err, errors.ErrConfigSection) {
		t.Errorf("error = %v, want CONFIG_SECTION", err)
	}
}

func TestSensorNamesAndHealthOptions(t *testing.T) {
	c, _ := parseConfig(t, `
[auto_z_offset]
probe_type: tap
bed_sensor: heater_bed
chamber_sensor: temperature_sensor chamber
health_tracking: true
adaptive_samples: true
health_history: 25
`)
	if c.ChamberSensor != "temperature_sensor chamber" {
		t.Errorf("chamber sensor = %q", c.ChamberSensor)
	}
	if !c.AdaptiveSamples {
		t.Error("adaptive_samples not loaded")
	}
	if c.Health.Capacity != 25 {
		t.Errorf("health capacity = %d, want 25", c.Health.Capacity)
	}
}
