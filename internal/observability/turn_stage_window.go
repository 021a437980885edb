package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// stageTargetsP95MS are the latency budgets for the call pipeline stages.
var stageTargetsP95MS = map[string]float64{
	"utterance_queue_wait":     250,
	"utterance_to_first_chunk": 900,
	"utterance_to_first_audio": 1600,
	"model_first_delta":        700,
	"model_request":            1800,
	"capability_invocation":    1200,
	"synthesis":                600,
	"turn_total":               4000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// TurnStageSnapshot is served by GET /v1/perf/latency.
type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// ring keeps the most recent samples of one stage.
type ring struct {
	buf  []float64
	head int
	size int
}

func (r *ring) add(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) last() float64 {
	return r.buf[(r.head-1+len(r.buf))%len(r.buf)]
}

func (r *ring) sorted() []float64 {
	out := slices.Clone(r.buf[:r.size])
	slices.Sort(out)
	return out
}

// turnStageWindow is a rolling latency window shared by all calls.
type turnStageWindow struct {
	mu         sync.Mutex
	capacity   int
	stages     map[string]*ring
	indicators map[string]int
}

func newTurnStageWindow(capacity int) *turnStageWindow {
	if capacity <= 0 {
		capacity = 256
	}
	w := &turnStageWindow{capacity: capacity}
	w.Reset()
	return w
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.stages[stage]
	if r == nil {
		r = &ring{buf: make([]float64, w.capacity)}
		w.stages[stage] = r
	}
	r.add(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *turnStageWindow) Reset() {
	w.mu.Lock()
	w.stages = make(map[string]*ring)
	w.indicators = make(map[string]int)
	w.mu.Unlock()
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.capacity,
		Stages:      make([]TurnStageStats, 0, len(w.stages)),
	}
	for _, stage := range sortedKeys(w.stages) {
		r := w.stages[stage]
		if r.size == 0 {
			continue
		}
		stats := summarize(r.sorted())
		stats.Stage = stage
		stats.LastMS = round2(r.last())
		stats.TargetP95MS = stageTargetsP95MS[stage]
		snap.Stages = append(snap.Stages, stats)
	}
	for _, name := range sortedKeys(w.indicators) {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func summarize(sorted []float64) TurnStageStats {
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return TurnStageStats{
		Samples: len(sorted),
		AvgMS:   round2(sum / float64(len(sorted))),
		P50MS:   round2(percentile(sorted, 50)),
		P95MS:   round2(percentile(sorted, 95)),
		P99MS:   round2(percentile(sorted, 99)),
	}
}

// percentile interpolates linearly between the two nearest ranks.
func percentile(sorted []float64, p float64) float64 {
	switch n := len(sorted); {
	case n == 0:
		return 0
	case n == 1 || p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
