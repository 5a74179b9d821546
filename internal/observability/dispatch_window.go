package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type DispatchKindStats struct {
	Kind     string  `json:"kind"`
	Samples  int     `json:"samples"`
	LastMS   float64 `json:"last_ms"`
	AvgMS    float64 `json:"avg_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	MaxMS    float64 `json:"max_ms"`
	BudgetMS float64 `json:"budget_ms,omitempty"`
}

type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

// DispatchSnapshot is the JSON body served by the dispatch latency endpoint.
type DispatchSnapshot struct {
	GeneratedAt time.Time           `json:"generated_at"`
	WindowSize  int                 `json:"window_size"`
	Kinds       []DispatchKindStats `json:"kinds"`
	Outcomes    []OutcomeCount      `json:"outcomes,omitempty"`
}

type dispatchWindow struct {
	mu         sync.RWMutex
	maxSamples int
	kinds      map[string]*sampleRing
	outcomes   map[string]int
}

type sampleRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func newDispatchWindow(maxSamples int) *dispatchWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &dispatchWindow{
		maxSamples: maxSamples,
		kinds:      make(map[string]*sampleRing),
		outcomes:   make(map[string]int),
	}
}

func (w *dispatchWindow) Observe(kind string, ms float64) {
	if kind == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	ring, ok := w.kinds[kind]
	if !ok {
		ring = &sampleRing{values: make([]float64, w.maxSamples)}
		w.kinds[kind] = ring
	}
	ring.values[ring.next] = ms
	ring.last = ms
	ring.next++
	if ring.next >= len(ring.values) {
		ring.next = 0
		ring.filled = true
	}
}

func (w *dispatchWindow) ObserveOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[outcome]++
}

func (w *dispatchWindow) Snapshot() DispatchSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	keys := make([]string, 0, len(w.kinds))
	for kind := range w.kinds {
		keys = append(keys, kind)
	}
	sort.Strings(keys)

	kinds := make([]DispatchKindStats, 0, len(keys))
	for _, kind := range keys {
		ring := w.kinds[kind]
		n := ring.next
		if ring.filled {
			n = len(ring.values)
		}
		if n <= 0 {
			continue
		}
		samples := make([]float64, n)
		copy(samples, ring.values[:n])
		sort.Float64s(samples)

		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		kinds = append(kinds, DispatchKindStats{
			Kind:     kind,
			Samples:  n,
			LastMS:   round2(ring.last),
			AvgMS:    round2(sum / float64(n)),
			P50MS:    round2(quantile(samples, 0.50)),
			P95MS:    round2(quantile(samples, 0.95)),
			MaxMS:    round2(samples[n-1]),
			BudgetMS: kindBudgetMS(kind),
		})
	}

	outcomeKeys := make([]string, 0, len(w.outcomes))
	for name := range w.outcomes {
		outcomeKeys = append(outcomeKeys, name)
	}
	sort.Strings(outcomeKeys)
	outcomes := make([]OutcomeCount, 0, len(outcomeKeys))
	for _, name := range outcomeKeys {
		outcomes = append(outcomes, OutcomeCount{Outcome: name, Count: w.outcomes[name]})
	}

	return DispatchSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Kinds:       kinds,
		Outcomes:    outcomes,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// kindBudgetMS is the ack timeout plus liveness timeout at default settings.
func kindBudgetMS(kind string) float64 {
	switch kind {
	case "volume", "microphone", "iot":
		return 6000
	default:
		return 0
	}
}
