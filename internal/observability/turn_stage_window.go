package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Chat turn stages, measured from request receipt.
const (
	StageContextReady = "request_to_context_ready"
	StageFirstDelta   = "request_to_first_delta"
	StagePersist      = "stream_end_to_persisted"
	StageTurnTotal    = "turn_total"
)

// stageObjectivesMS are the p95 latency objectives served by the perf endpoint.
var stageObjectivesMS = map[string]float64{
	StageContextReady: 150,
	StageFirstDelta:   1200,
	StagePersist:      400,
	StageTurnTotal:    8000,
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
	// WithinTarget is the share of samples at or under the objective.
	WithinTarget float64 `json:"within_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// stageRing keeps the most recent samples of one stage.
type stageRing struct {
	buf  []float64
	pos  int
	full bool
}

func (r *stageRing) add(ms float64) {
	r.buf[r.pos] = ms
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *stageRing) last() float64 {
	i := r.pos - 1
	if i < 0 {
		i = len(r.buf) - 1
	}
	return r.buf[i]
}

func (r *stageRing) sorted() []float64 {
	n := r.pos
	if r.full {
		n = len(r.buf)
	}
	out := append([]float64(nil), r.buf[:n]...)
	sort.Float64s(out)
	return out
}

// turnStageWindow is the rolling in-process view behind /v1/perf/latency.
// Prometheus holds the long-term histograms.
type turnStageWindow struct {
	mu         sync.RWMutex
	size       int
	rings      map[string]*stageRing
	indicators map[string]int
}

func newTurnStageWindow(size int) *turnStageWindow {
	if size <= 0 {
		size = 256
	}
	w := &turnStageWindow{size: size}
	w.clear()
	return w
}

func (w *turnStageWindow) clear() {
	w.rings = make(map[string]*stageRing)
	w.indicators = make(map[string]int)
}

func (w *turnStageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &stageRing{buf: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.add(ms)
}

func (w *turnStageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if w == nil || name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *turnStageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clear()
}

func (w *turnStageWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.rings)),
	}
	for stage, r := range w.rings {
		if samples := r.sorted(); len(samples) > 0 {
			snap.Stages = append(snap.Stages, summarize(stage, samples, r.last()))
		}
	}
	sort.Slice(snap.Stages, func(i, j int) bool { return snap.Stages[i].Stage < snap.Stages[j].Stage })

	for name, count := range w.indicators {
		if count > 0 {
			snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: count})
		}
	}
	sort.Slice(snap.Indicators, func(i, j int) bool { return snap.Indicators[i].Name < snap.Indicators[j].Name })
	return snap
}

func summarize(stage string, sorted []float64, last float64) TurnStageStats {
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	st := TurnStageStats{
		Stage:   stage,
		Samples: len(sorted),
		LastMS:  round2(last),
		AvgMS:   round2(sum / float64(len(sorted))),
		P50MS:   round2(quantile(sorted, 0.50)),
		P95MS:   round2(quantile(sorted, 0.95)),
		P99MS:   round2(quantile(sorted, 0.99)),
	}
	if target, ok := stageObjectivesMS[stage]; ok {
		st.TargetP95MS = target
		within := sort.Search(len(sorted), func(i int) bool { return sorted[i] > target })
		st.WithinTarget = round2(float64(within) / float64(len(sorted)))
	}
	return st
}

// quantile interpolates linearly between the closest ranks.
func quantile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
