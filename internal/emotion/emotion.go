// Package emotion holds the read-only projection of per-user relationship
// metrics consumed by prompting. Mutation is owned by an external state
// collaborator; this package only validates delta directives extracted from
// model output and turns raw values into qualitative labels for prompts.
package emotion

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
)

// Metric names accepted in delta directives.
const (
	MetricAffinity  = "affinity"
	MetricAnnoyance = "annoyance"
	MetricTrust     = "trust"
	MetricCuriosity = "curiosity"
)

var knownMetrics = map[string]bool{
	MetricAffinity:  true,
	MetricAnnoyance: true,
	MetricTrust:     true,
	MetricCuriosity: true,
}

// Snapshot is one user's current metric values.
type Snapshot struct {
	UserID    string `json:"user_id"`
	Affinity  int    `json:"affinity"`
	Annoyance int    `json:"annoyance"`
	Trust     int    `json:"trust"`
	Curiosity int    `json:"curiosity"`
}

func (s Snapshot) value(metric string) int {
	switch metric {
	case MetricAffinity:
		return s.Affinity
	case MetricAnnoyance:
		return s.Annoyance
	case MetricTrust:
		return s.Trust
	case MetricCuriosity:
		return s.Curiosity
	}
	return 0
}

// Delta is one adjustment directive extracted from model output.
// Value arrives as float64 because JSON numbers are untyped.
type Delta struct {
	UserID string  `json:"user_id"`
	Metric string  `json:"metric"`
	Value  float64 `json:"delta"`
}

// ValidDelta reports whether a single directive is applicable: known metric
// name and a finite integral delta.
func ValidDelta(d Delta) bool {
	if !knownMetrics[strings.ToLower(d.Metric)] {
		return false
	}
	if math.IsNaN(d.Value) || math.IsInf(d.Value, 0) {
		return false
	}
	return d.Value == math.Trunc(d.Value)
}

// FilterDeltas drops invalid directives and keeps the rest. A bad entry never
// fails the whole result; drops are logged at debug level.
func FilterDeltas(deltas []Delta) []Delta {
	out := make([]Delta, 0, len(deltas))
	for _, d := range deltas {
		if !ValidDelta(d) {
			slog.Debug("dropping invalid emotion delta", "metric", d.Metric, "delta", d.Value, "user", d.UserID)
			continue
		}
		d.Metric = strings.ToLower(d.Metric)
		out = append(out, d)
	}
	return out
}

// Bucket maps a metric value at or above Min to a qualitative label.
type Bucket struct {
	Min   int    `json:"min"`
	Label string `json:"label"`
}

// BucketSet is a persona's thresholds for one metric, checked highest-first.
type BucketSet []Bucket

// Label returns the label of the highest bucket whose Min the value reaches,
// or "" when no bucket matches.
func (b BucketSet) Label(value int) string {
	sorted := make(BucketSet, len(b))
	copy(sorted, b)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min > sorted[j].Min })
	for _, bk := range sorted {
		if value >= bk.Min {
			return bk.Label
		}
	}
	return ""
}

// Buckets is the full per-metric threshold table a persona defines.
type Buckets map[string]BucketSet

// Guidance renders prompt text describing the relationship with a user in
// qualitative terms. Raw numbers never appear; metrics with no matching
// bucket are omitted.
func Guidance(s Snapshot, b Buckets) string {
	if len(b) == 0 {
		return ""
	}
	metrics := []string{MetricAffinity, MetricAnnoyance, MetricTrust, MetricCuriosity}
	var parts []string
	for _, m := range metrics {
		set, ok := b[m]
		if !ok {
			continue
		}
		if label := set.Label(s.value(m)); label != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", m, label))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "Your current feelings toward this user: " + strings.Join(parts, ", ") + "."
}
