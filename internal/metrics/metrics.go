// Package metrics provides an in-process metric registry for the completion
// pipeline. Use dot import to access the Metric* helpers directly.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000 // ring buffer size for timing percentiles

// MetricType represents the type of metric
type MetricType string

const (
	TypeTiming      MetricType = "timing"
	TypeHitMiss     MetricType = "hit_miss"
	TypeCounter     MetricType = "counter"
	TypeSuccessFail MetricType = "success_fail"
	TypeOutcome     MetricType = "outcome"
)

type timingMetric struct {
	count     int64
	total     time.Duration
	min, max  time.Duration
	samples   []time.Duration
	sampleIdx int
}

type hitMissMetric struct {
	hits, misses int64
}

type successFailMetric struct {
	success, failures int64
	reasons           map[string]int64
}

type outcomeMetric struct {
	outcomes map[string]int64
	total    int64
}

// Manager is the metric registry. Paths are "topic/function".
type Manager struct {
	mu          sync.Mutex
	timings     map[string]*timingMetric
	hitMiss     map[string]*hitMissMetric
	counters    map[string]int64
	successFail map[string]*successFailMetric
	outcomes    map[string]*outcomeMetric
}

var (
	instance *Manager
	once     sync.Once
)

// GetInstance returns the singleton metrics manager
func GetInstance() *Manager {
	once.Do(func() {
		instance = New()
	})
	return instance
}

// New creates an empty registry. Tests use this to avoid the global instance.
func New() *Manager {
	return &Manager{
		timings:     make(map[string]*timingMetric),
		hitMiss:     make(map[string]*hitMissMetric),
		counters:    make(map[string]int64),
		successFail: make(map[string]*successFailMetric),
		outcomes:    make(map[string]*outcomeMetric),
	}
}

func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// RecordDuration records a duration directly
func (m *Manager) RecordDuration(topic, function string, d time.Duration) {
	path := buildPath(topic, function)
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timings[path]
	if !ok {
		t = &timingMetric{min: d, max: d, samples: make([]time.Duration, 0, 16)}
		m.timings[path] = t
	}
	t.count++
	t.total += d
	if d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	if len(t.samples) < maxSamples {
		t.samples = append(t.samples, d)
	} else {
		t.samples[t.sampleIdx] = d
		t.sampleIdx = (t.sampleIdx + 1) % maxSamples
	}
}

// RecordHit records a cache hit
func (m *Manager) RecordHit(topic, function string) {
	m.hitMissFor(buildPath(topic, function), func(h *hitMissMetric) { h.hits++ })
}

// RecordMiss records a cache miss
func (m *Manager) RecordMiss(topic, function string) {
	m.hitMissFor(buildPath(topic, function), func(h *hitMissMetric) { h.misses++ })
}

func (m *Manager) hitMissFor(path string, fn func(*hitMissMetric)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hitMiss[path]
	if !ok {
		h = &hitMissMetric{}
		m.hitMiss[path] = h
	}
	fn(h)
}

// AddCounter adds delta to a counter
func (m *Manager) AddCounter(topic, function string, delta int64) {
	m.mu.Lock()
	m.counters[buildPath(topic, function)] += delta
	m.mu.Unlock()
}

// RecordSuccess records a successful operation
func (m *Manager) RecordSuccess(topic, function string) {
	m.successFailFor(buildPath(topic, function), func(s *successFailMetric) { s.success++ })
}

// RecordFailure records a failed operation with an optional reason
func (m *Manager) RecordFailure(topic, function, reason string) {
	m.successFailFor(buildPath(topic, function), func(s *successFailMetric) {
		s.failures++
		if reason != "" {
			s.reasons[reason]++
		}
	})
}

func (m *Manager) successFailFor(path string, fn func(*successFailMetric)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.successFail[path]
	if !ok {
		s = &successFailMetric{reasons: make(map[string]int64)}
		m.successFail[path] = s
	}
	fn(s)
}

// RecordOutcome records one of several named outcomes
func (m *Manager) RecordOutcome(topic, function, outcome string) {
	path := buildPath(topic, function)
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outcomes[path]
	if !ok {
		o = &outcomeMetric{outcomes: make(map[string]int64)}
		m.outcomes[path] = o
	}
	o.outcomes[outcome]++
	o.total++
}

// Snapshot is a point-in-time JSON view of one metric
type Snapshot struct {
	Path string      `json:"path"`
	Type MetricType  `json:"type"`
	Data interface{} `json:"data"`
}

// TimingSnapshot for JSON serialization
type TimingSnapshot struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
	P95Ms float64 `json:"p95_ms,omitempty"`
}

// HitMissSnapshot for JSON serialization
type HitMissSnapshot struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// SuccessFailSnapshot for JSON serialization
type SuccessFailSnapshot struct {
	Success        int64            `json:"success"`
	Failures       int64            `json:"failures"`
	SuccessRate    float64          `json:"success_rate"`
	FailureReasons map[string]int64 `json:"failure_reasons,omitempty"`
}

// OutcomeSnapshot for JSON serialization
type OutcomeSnapshot struct {
	Outcomes map[string]int64 `json:"outcomes"`
	Total    int64            `json:"total"`
}

// GetSnapshot returns every metric sorted by path.
func (m *Manager) GetSnapshot() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Snapshot
	for path, t := range m.timings {
		ts := TimingSnapshot{
			Count: t.count,
			MinMs: ms(t.min),
			MaxMs: ms(t.max),
			P95Ms: percentile(t.samples, 95),
		}
		if t.count > 0 {
			ts.AvgMs = ms(t.total) / float64(t.count)
		}
		out = append(out, Snapshot{Path: path, Type: TypeTiming, Data: ts})
	}
	for path, h := range m.hitMiss {
		hs := HitMissSnapshot{Hits: h.hits, Misses: h.misses}
		if total := h.hits + h.misses; total > 0 {
			hs.HitRate = float64(h.hits) / float64(total)
		}
		out = append(out, Snapshot{Path: path, Type: TypeHitMiss, Data: hs})
	}
	for path, v := range m.counters {
		out = append(out, Snapshot{Path: path, Type: TypeCounter, Data: v})
	}
	for path, s := range m.successFail {
		ss := SuccessFailSnapshot{Success: s.success, Failures: s.failures, FailureReasons: copyCounts(s.reasons)}
		if total := s.success + s.failures; total > 0 {
			ss.SuccessRate = float64(s.success) / float64(total)
		}
		out = append(out, Snapshot{Path: path, Type: TypeSuccessFail, Data: ss})
	}
	for path, o := range m.outcomes {
		out = append(out, Snapshot{Path: path, Type: TypeOutcome, Data: OutcomeSnapshot{Outcomes: copyCounts(o.outcomes), Total: o.total}})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Counter returns the current value of a counter (0 if unknown).
func (m *Manager) Counter(topic, function string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[buildPath(topic, function)]
}

// Outcome returns how many times outcome was recorded at topic/function.
func (m *Manager) Outcome(topic, function, outcome string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.outcomes[buildPath(topic, function)]; ok {
		return o.outcomes[outcome]
	}
	return 0
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func percentile(samples []time.Duration, p int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*p)/100 - 1
	if idx < 0 {
		idx = 0
	}
	return ms(sorted[idx])
}

func copyCounts(in map[string]int64) map[string]int64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
