// Unit tests for adjustment profiles
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"testing"

	"autoz-host/pkg/errors"
)

func profileMap(ps ...*AdjustmentProfile) map[string]*AdjustmentProfile {
	m := make(map[string]*AdjustmentProfile)
	for _, p := range ps {
		m[p.Name] = p
	}
	return m
}

func TestProfileMatchingIsCaseInsensitive(t *testing.T) {
	p := &AdjustmentProfile{Name: "abs", Enabled: true, Material: "ABS"}

	if !p.Matches(Environment{Material: "abs"}, ProbeTap) {
		t.Error("material match should ignore case")
	}
	if p.Matches(Environment{Material: "PLA"}, ProbeTap) {
		t.Error("different material must not match")
	}
}

func TestEmptyCriteriaMatchAnything(t *testing.T) {
	p := &AdjustmentProfile{Name: "any", Enabled: true}
	if !p.Matches(Environment{Material: "PETG", BuildSurface: "textured"}, ProbeBLTouch) {
		t.Error("profile with no criteria should match any environment")
	}
}

func TestDisabledProfileNeverMatches(t *testing.T) {
	p := &AdjustmentProfile{Name: "off", Enabled: false}
	if p.Matches(Environment{}, ProbeTap) {
		t.Error("disabled profile matched")
	}
}

func TestProbeTypeCriterion(t *testing.T) {
	p := &AdjustmentProfile{Name: "tap-only", Enabled: true, ProbeType: "tap"}
	if !p.Matches(Environment{}, ProbeTap) {
		t.Error("should match tap probe")
	}
	if p.Matches(Environment{}, ProbeBLTouch) {
		t.Error("should not match bltouch probe")
	}
}

func TestResolveOrdersByPriorityThenName(t *testing.T) {
	all := profileMap(
		&AdjustmentProfile{Name: "b", Priority: 10, Enabled: true},
		&AdjustmentProfile{Name: "a", Priority: 10, Enabled: true},
		&AdjustmentProfile{Name: "z", Priority: 5, Enabled: true},
	)
	got, err := ResolveProfiles(all, nil, nil, true, Environment{}, ProbeTap)
	if err != nil {
		t.Fatalf("ResolveProfiles failed: %v", err)
	}
	want := []string{"z", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("resolved %d profiles, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.Name != want[i] {
			t.Errorf("position %d = %q, want %q", i, p.Name, want[i])
		}
	}
}

func TestResolveExplicitUnknownNameIsFatal(t *testing.T) {
	all := profileMap(&AdjustmentProfile{Name: "petg", Enabled: true})

	_, err := ResolveProfiles(all, []string{"petg", "nope"}, nil, true, Environment{}, ProbeTap)
	if err == nil {
		t.Fatal("expected error for unknown explicit profile")
	}
	if !errors.Is(err, errors.ErrConfigValue) {
		t.Errorf("error code = %v, want CONFIG_VALUE", err)
	}
}

func TestResolveExplicitReplacesMatching(t *testing.T) {
	all := profileMap(
		&AdjustmentProfile{Name: "petg", Enabled: true},
		// Would auto-match everything, must not appear.
		&AdjustmentProfile{Name: "always", Enabled: true},
	)
	got, err := ResolveProfiles(all, []string{"petg"}, nil, true, Environment{}, ProbeTap)
	if err != nil {
		t.Fatalf("ResolveProfiles failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "petg" {
		t.Errorf("explicit list must replace matching, got %v", got)
	}
}

func TestResolveExplicitSkipsDisabled(t *testing.T) {
	all := profileMap(
		&AdjustmentProfile{Name: "on", Enabled: true},
		&AdjustmentProfile{Name: "off", Enabled: false},
	)
	got, err := ResolveProfiles(all, []string{"on", "off"}, nil, false, Environment{}, ProbeTap)
	if err != nil {
		t.Fatalf("ResolveProfiles failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "on" {
		t.Errorf("disabled explicit profile must be skipped, got %v", got)
	}
}

func TestResolveDefaultsAndMatchingDeduplicate(t *testing.T) {
	all := profileMap(
		// In defaults AND auto-matching; must appear once.
		&AdjustmentProfile{Name: "base", Enabled: true},
		&AdjustmentProfile{Name: "abs", Enabled: true, Material: "ABS"},
	)
	got, err := ResolveProfiles(all, nil, []string{"base"}, true,
		Environment{Material: "ABS"}, ProbeTap)
	if err != nil {
		t.Fatalf("ResolveProfiles failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("resolved %d profiles, want 2 (deduplicated)", len(got))
	}
}

func TestResolveAutoMatchDisabled(t *testing.T) {
	all := profileMap(&AdjustmentProfile{Name: "always", Enabled: true})
	got, err := ResolveProfiles(all, nil, nil, false, Environment{}, ProbeTap)
	if err != nil {
		t.Fatalf("ResolveProfiles failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("auto-match disabled must resolve nothing, got %v", got)
	}
}

func TestProfileStaticOffsetsSum(t *testing.T) {
	p1 := &AdjustmentProfile{Name: "a", Priority: 10, Enabled: true, StaticOffset: 0.01}
	p2 := &AdjustmentProfile{Name: "b", Priority: 20, Enabled: true, StaticOffset: -0.02}

	total := 0.0
	for _, p := range []*AdjustmentProfile{p1, p2} {
		v, _ := p.Calculate(Environment{}, TempRefs{})
		total += v
	}
	approx(t, total, -0.01, 1e-12, "summed static offsets")
}

func TestProfileRefsOverrideGlobals(t *testing.T) {
	p := &AdjustmentProfile{
		Name:    "hotbed",
		Enabled: true,
		Terms:   CompensationTerms{Bed: ChannelCoeffs{Linear: 0.0001}},
		Refs:    TempRefs{Bed: f(100)},
	}
	env := Environment{BedTemp: f(110)}
	global := TempRefs{Bed: f(60)}

	// Against profile ref 100, not global 60.
	v, _ := p.Calculate(env, global)
	approx(t, v, 0.001, 1e-12, "profile-local reference")
}

func TestProfileFallsBackToGlobalRefs(t *testing.T) {
	p := &AdjustmentProfile{
		Name:    "plain",
		Enabled: true,
		Terms:   CompensationTerms{Bed: ChannelCoeffs{Linear: 0.0001}},
	}
	v, _ := p.Calculate(Environment{BedTemp: f(70)}, TempRefs{Bed: f(60)})
	approx(t, v, 0.001, 1e-12, "global reference fallback")
}
