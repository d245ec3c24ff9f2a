// Adjustment profiles
//
// A profile bundles a static offset and compensation terms behind matching
// criteria (material, build surface, nozzle, probe type). Profiles are
// applied in ascending priority order, ties broken by name, and each
// contributes additively to the run's adjustment.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import (
	"sort"
	"strings"

	"autoz-host/pkg/errors"
)

// AdjustmentProfile is one named adjustment rule.
type AdjustmentProfile struct {
	Name     string
	Priority int
	Enabled  bool

	// Matching criteria. Empty string matches anything; comparisons are
	// case-insensitive.
	Material     string
	BuildSurface string
	Nozzle       string
	ProbeType    string

	StaticOffset float64
	Terms        CompensationTerms

	// Refs override the global references for this profile's terms.
	Refs TempRefs
}

func matchField(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

// Matches reports whether the profile applies to the given run environment
// and probe type. A disabled profile never matches.
func (p *AdjustmentProfile) Matches(env Environment, probeType ProbeType) bool {
	if !p.Enabled {
		return false
	}
	if !matchField(p.Material, env.Material) {
		return false
	}
	if !matchField(p.BuildSurface, env.BuildSurface) {
		return false
	}
	if !matchField(p.Nozzle, env.Nozzle) {
		return false
	}
	if p.ProbeType != "" && !strings.EqualFold(p.ProbeType, string(probeType)) {
		return false
	}
	return true
}

// ResolveProfiles selects the profiles to apply for one run. When explicit
// names are given they replace matching entirely: every name must exist
// (unknown names are fatal) and disabled profiles are skipped. Otherwise
// the default list plus auto-matched profiles apply, deduplicated. The
// result is ordered by (priority, name).
func ResolveProfiles(all map[string]*AdjustmentProfile, explicit []string,
	defaults []string, autoMatch bool, env Environment, probeType ProbeType) ([]*AdjustmentProfile, error) {

	var chosen []*AdjustmentProfile
	seen := make(map[string]bool)

	take := func(p *AdjustmentProfile) {
		if !seen[p.Name] {
			seen[p.Name] = true
			chosen = append(chosen, p)
		}
	}

	if len(explicit) > 0 {
		for _, name := range explicit {
			p, ok := all[name]
			if !ok {
				return nil, errors.New(errors.ErrConfigValue,
					"unknown adjustment profile %q", name).SetStage("profiles")
			}
			if !p.Enabled {
				continue
			}
			take(p)
		}
	} else {
		for _, name := range defaults {
			p, ok := all[name]
			if !ok {
				return nil, errors.New(errors.ErrConfigValue,
					"default_profiles names unknown profile %q", name).SetStage("profiles")
			}
			if !p.Enabled {
				continue
			}
			take(p)
		}
		if autoMatch {
			for _, p := range all {
				if p.Matches(env, probeType) {
					take(p)
				}
			}
		}
	}

	sort.Slice(chosen, func(i, j int) bool {
		if chosen[i].Priority != chosen[j].Priority {
			return chosen[i].Priority < chosen[j].Priority
		}
		return chosen[i].Name < chosen[j].Name
	})
	return chosen, nil
}

// Calculate returns the profile's additive contribution and its breakdown
// entries. Profile references fall back to the supplied globals per
// channel.
func (p *AdjustmentProfile) Calculate(env Environment, global TempRefs) (float64, []Contribution) {
	refs := TempRefs{
		Bed:        firstNonNil(p.Refs.Bed, global.Bed),
		Hotend:     firstNonNil(p.Refs.Hotend, global.Hotend),
		Chamber:    firstNonNil(p.Refs.Chamber, global.Chamber),
		FirstLayer: firstNonNil(p.Refs.FirstLayer, global.FirstLayer),
	}

	total, details := p.Terms.Evaluate(p.Name, env, refs)
	if p.StaticOffset != 0 {
		total += p.StaticOffset
		details = append([]Contribution{{
			Name:  p.Name + "_static",
			Value: p.StaticOffset,
		}}, details...)
	}
	return total, details
}
