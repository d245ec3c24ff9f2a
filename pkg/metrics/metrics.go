// Prometheus-compatible metric primitives
//
// The host exports a small fixed metric set, so there is no general
// registry: each primitive holds one series (counters optionally fan out
// over a single label) and knows how to write itself in exposition text
// format. EngineMetrics owns the set and the output order.
//
// Copyright (C) 2026  AutoZ Host Project
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// counter is a single monotonically increasing series.
type counter struct {
	name, help string

	mu    sync.Mutex
	value uint64
}

func newCounter(name, help string) *counter {
	return &counter{name: name, help: help}
}

func (c *counter) add(delta uint64) {
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}

func (c *counter) inc() { c.add(1) }

func (c *counter) get() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

func (c *counter) write(b *strings.Builder) {
	writeHeader(b, c.name, c.help, "counter")
	fmt.Fprintf(b, "%s %d\n", c.name, c.get())
}

// counterVec fans a counter out over the values of one label.
type counterVec struct {
	name, help, label string

	mu     sync.Mutex
	values map[string]uint64
}

func newCounterVec(name, help, label string) *counterVec {
	return &counterVec{name: name, help: help, label: label,
		values: make(map[string]uint64)}
}

func (c *counterVec) inc(labelValue string) {
	c.mu.Lock()
	c.values[labelValue]++
	c.mu.Unlock()
}

func (c *counterVec) write(b *strings.Builder) {
	c.mu.Lock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	snapshot := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		snapshot[k] = v
	}
	c.mu.Unlock()

	writeHeader(b, c.name, c.help, "counter")
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", c.name, c.label, escapeLabel(k), snapshot[k])
	}
}

// gauge is a single settable series.
type gauge struct {
	name, help string

	mu    sync.Mutex
	value float64
}

func newGauge(name, help string) *gauge {
	return &gauge{name: name, help: help}
}

func (g *gauge) set(v float64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *gauge) get() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

func (g *gauge) write(b *strings.Builder) {
	writeHeader(b, g.name, g.help, "gauge")
	fmt.Fprintf(b, "%s %g\n", g.name, g.get())
}

// histogram buckets observations against fixed upper bounds.
type histogram struct {
	name, help string
	buckets    []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

func newHistogram(name, help string, buckets []float64) *histogram {
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	return &histogram{name: name, help: help,
		buckets: sorted, counts: make([]uint64, len(sorted))}
}

func (h *histogram) observe(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	h.mu.Lock()
	for i, upper := range h.buckets {
		if v <= upper {
			h.counts[i]++
		}
	}
	h.count++
	h.sum += v
	h.mu.Unlock()
}

func (h *histogram) write(b *strings.Builder) {
	h.mu.Lock()
	counts := append([]uint64(nil), h.counts...)
	sum, count := h.sum, h.count
	h.mu.Unlock()

	writeHeader(b, h.name, h.help, "histogram")
	var cumulative uint64
	for i, upper := range h.buckets {
		cumulative += counts[i]
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"} %d\n", h.name, upper, cumulative)
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"} %d\n", h.name, count)
	fmt.Fprintf(b, "%s_sum %g\n", h.name, sum)
	fmt.Fprintf(b, "%s_count %d\n", h.name, count)
}

// linearBuckets returns count bounds starting at start, width apart.
func linearBuckets(start, width float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start + float64(i)*width
	}
	return buckets
}

// exponentialBuckets returns count bounds starting at start, each factor
// times the previous.
func exponentialBuckets(start, factor float64, count int) []float64 {
	buckets := make([]float64, count)
	for i := range buckets {
		buckets[i] = start
		start *= factor
	}
	return buckets
}

func writeHeader(b *strings.Builder, name, help, typ string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func escapeLabel(v string) string {
	return strings.NewReplacer("\\", "\\\\", "\n", "\\n", "\"", "\\\"").Replace(v)
}
