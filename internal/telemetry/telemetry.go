// Package telemetry keeps in-process sync metrics.
//
// Nothing recorded here leaves the process. The daemon exposes a Snapshot
// on its local API; there is no exporter.
package telemetry

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Timing aggregates recorded durations for one series.
type Timing struct {
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Max   time.Duration `json:"max"`
	Last  time.Duration `json:"last"`
}

// Snapshot is a copy of every series.
type Snapshot struct {
	Counters map[string]int64  `json:"counters"`
	Timings  map[string]Timing `json:"timings"`
	Since    time.Time         `json:"since"`
}

// Registry holds counters and timings keyed by name and tags.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	timings  map[string]*Timing
	since    time.Time
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

// Default is the registry the package-level functions record into.
var Default = New()

// RecordCount adds delta to a counter.
func (r *Registry) RecordCount(name string, delta int, tags map[string]string) {
	if delta == 0 {
		return
	}
	key := seriesKey(name, tags)
	r.mu.Lock()
	r.counters[key] += int64(delta)
	r.mu.Unlock()
}

// RecordTiming adds one duration to a timing series.
func (r *Registry) RecordTiming(name string, d time.Duration, tags map[string]string) {
	key := seriesKey(name, tags)
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timings[key]
	if !ok {
		t = &Timing{}
		r.timings[key] = t
	}
	t.Count++
	t.Total += d
	t.Last = d
	if d > t.Max {
		t.Max = d
	}
}

// Snapshot copies the current values.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Counters: make(map[string]int64, len(r.counters)),
		Timings:  make(map[string]Timing, len(r.timings)),
		Since:    r.since,
	}
	for k, v := range r.counters {
		s.Counters[k] = v
	}
	for k, v := range r.timings {
		s.Timings[k] = *v
	}
	return s
}

// Reset drops every series.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]int64)
	r.timings = make(map[string]*Timing)
	r.since = time.Now().UTC()
}

// seriesKey renders name{k=v,...} with tags in key order.
func seriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return b.String()
}

// RecordCount adds delta to a counter in Default.
func RecordCount(name string, delta int, tags map[string]string) {
	Default.RecordCount(name, delta, tags)
}

// RecordTiming records a duration in Default.
func RecordTiming(name string, d time.Duration, tags map[string]string) {
	Default.RecordTiming(name, d, tags)
}
