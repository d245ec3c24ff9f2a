// Temperature and first-layer compensation
//
// Evaluates additive correction terms from the difference between current
// and reference conditions. Each temperature channel carries either a
// linear coefficient or a polynomial; the polynomial supersedes the linear
// coefficient when both are configured.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package autoz

import "fmt"

// ChannelCoeffs holds the correction coefficients of one temperature
// channel. A non-empty Poly supersedes Linear.
type ChannelCoeffs struct {
	Linear float64
	Poly   []float64
}

func (c ChannelCoeffs) active() bool {
	return len(c.Poly) > 0 || c.Linear != 0
}

// CompensationTerms is a full coefficient set: three temperature channels
// plus the always-linear first-layer term.
type CompensationTerms struct {
	Bed     ChannelCoeffs
	Hotend  ChannelCoeffs
	Chamber ChannelCoeffs

	// FirstLayer is the linear coefficient applied to
	// (first_layer_height - first_layer_reference).
	FirstLayer float64
}

// TempRefs holds reference values per channel. Nil means "no reference";
// a channel without both a current and a reference value contributes zero.
type TempRefs struct {
	Bed        *float64
	Hotend     *float64
	Chamber    *float64
	FirstLayer *float64
}

// Environment is the measured state of one run.
type Environment struct {
	BedTemp          *float64
	HotendTemp       *float64
	ChamberTemp      *float64
	FirstLayerHeight *float64

	Material     string
	BuildSurface string
	Nozzle       string
}

// Contribution is one named additive term of the final offset, kept for
// the run breakdown report.
type Contribution struct {
	Name  string
	Value float64
	Note  string
}

// polyEval evaluates c1*d + c2*d^2 + ... for delta d.
func polyEval(coeffs []float64, delta float64) float64 {
	total := 0.0
	power := 1.0
	for _, c := range coeffs {
		power *= delta
		total += c * power
	}
	return total
}

// firstNonNil returns the first non-nil reference in the chain
// (profile override, then global config, then baseline).
func firstNonNil(chain ...*float64) *float64 {
	for _, v := range chain {
		if v != nil {
			return v
		}
	}
	return nil
}

// Evaluate sums the contributions of every channel with both a current and
// a reference value. The prefix namespaces contribution names in the
// breakdown ("global" for the engine-level terms, profile names otherwise).
func (t CompensationTerms) Evaluate(prefix string, env Environment, refs TempRefs) (float64, []Contribution) {
	total := 0.0
	var details []Contribution

	add := func(channel string, cur, ref *float64, c ChannelCoeffs) {
		if cur == nil || ref == nil || !c.active() {
			return
		}
		delta := *cur - *ref
		var val float64
		var note string
		if len(c.Poly) > 0 {
			val = polyEval(c.Poly, delta)
			note = fmt.Sprintf("poly dT=%.2f ref=%.2f", delta, *ref)
			channel += "_poly"
		} else {
			val = delta * c.Linear
			note = fmt.Sprintf("(%.2f - ref %.2f) * %.6f", *cur, *ref, c.Linear)
		}
		total += val
		details = append(details, Contribution{
			Name:  prefix + "_" + channel,
			Value: val,
			Note:  note,
		})
	}

	add("bed_temp", env.BedTemp, refs.Bed, t.Bed)
	add("hotend_temp", env.HotendTemp, refs.Hotend, t.Hotend)
	add("chamber_temp", env.ChamberTemp, refs.Chamber, t.Chamber)

	if t.FirstLayer != 0 && env.FirstLayerHeight != nil && refs.FirstLayer != nil {
		val := (*env.FirstLayerHeight - *refs.FirstLayer) * t.FirstLayer
		total += val
		details = append(details, Contribution{
			Name:  prefix + "_first_layer",
			Value: val,
			Note: fmt.Sprintf("(layer %.3f - ref %.3f) * %.6f",
				*env.FirstLayerHeight, *refs.FirstLayer, t.FirstLayer),
		})
	}

	return total, details
}
