package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// Relay stages reported by /v1/perf/relays, in hand-off order.
const (
	StageReceiveOrder = "receive_order"
	StageAwaitStaff   = "await_staff"
	StageStaffTurn    = "staff_turn"
	StageRelayTotal   = "relay_total"
)

var relayStages = []string{StageReceiveOrder, StageAwaitStaff, StageStaffTurn, StageRelayTotal}

// RelaySample is one finished order. Stages the order never reached are zero.
type RelaySample struct {
	Outcome      string
	ReceiveOrder time.Duration
	AwaitStaff   time.Duration
	StaffTurn    time.Duration
	Total        time.Duration
}

func (s RelaySample) stage(name string) time.Duration {
	switch name {
	case StageReceiveOrder:
		return s.ReceiveOrder
	case StageAwaitStaff:
		return s.AwaitStaff
	case StageStaffTurn:
		return s.StaffTurn
	default:
		return s.Total
	}
}

type RelayStageStats struct {
	Stage   string  `json:"stage"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
}

type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

// RelaySnapshot describes the most recent orders. Outcomes cover every order
// in the window; Stages only those that started a relay.
type RelaySnapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	WindowSize  int               `json:"window_size"`
	Orders      int               `json:"orders"`
	Relays      int               `json:"relays"`
	Stages      []RelayStageStats `json:"stages"`
	Outcomes    []OutcomeCount    `json:"outcomes"`
}

type windowEntry struct {
	sample  RelaySample
	relayed bool
}

// relayWindow is a ring of the last size orders.
type relayWindow struct {
	mu      sync.RWMutex
	entries []windowEntry
	next    int
	filled  bool
}

func newRelayWindow(size int) *relayWindow {
	if size <= 0 {
		size = 256
	}
	return &relayWindow{entries: make([]windowEntry, size)}
}

// Add records an order that went through the relay.
func (w *relayWindow) Add(s RelaySample) {
	w.push(windowEntry{sample: s, relayed: true})
}

// AddOutcome records an order that ended before a relay started.
func (w *relayWindow) AddOutcome(outcome string) {
	w.push(windowEntry{sample: RelaySample{Outcome: outcome}})
}

func (w *relayWindow) push(e windowEntry) {
	e.sample.Outcome = strings.TrimSpace(e.sample.Outcome)
	if e.sample.Outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[w.next] = e
	w.next++
	if w.next == len(w.entries) {
		w.next = 0
		w.filled = true
	}
}

// ordered returns the window oldest first. Callers hold mu.
func (w *relayWindow) ordered() []windowEntry {
	if !w.filled {
		return w.entries[:w.next]
	}
	out := make([]windowEntry, 0, len(w.entries))
	out = append(out, w.entries[w.next:]...)
	return append(out, w.entries[:w.next]...)
}

func (w *relayWindow) Snapshot() RelaySnapshot {
	w.mu.RLock()
	entries := append([]windowEntry(nil), w.ordered()...)
	size := len(w.entries)
	w.mu.RUnlock()

	snap := RelaySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  size,
		Orders:      len(entries),
		Stages:      make([]RelayStageStats, 0, len(relayStages)),
		Outcomes:    make([]OutcomeCount, 0),
	}

	counts := make(map[string]int)
	for _, e := range entries {
		counts[e.sample.Outcome]++
		if e.relayed {
			snap.Relays++
		}
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		snap.Outcomes = append(snap.Outcomes, OutcomeCount{Outcome: name, Count: counts[name]})
	}

	for _, stage := range relayStages {
		if st, ok := stageStats(stage, entries); ok {
			snap.Stages = append(snap.Stages, st)
		}
	}
	return snap
}

func stageStats(stage string, entries []windowEntry) (RelayStageStats, bool) {
	var samples []float64
	for _, e := range entries {
		if !e.relayed {
			continue
		}
		d := e.sample.stage(stage)
		if d <= 0 {
			continue
		}
		samples = append(samples, durationMS(d))
	}
	if len(samples) == 0 {
		return RelayStageStats{}, false
	}
	last := samples[len(samples)-1]
	sum := 0.0
	for _, v := range samples {
		sum += v
	}
	sort.Float64s(samples)
	return RelayStageStats{
		Stage:   stage,
		Samples: len(samples),
		LastMS:  round2(last),
		AvgMS:   round2(sum / float64(len(samples))),
		P50MS:   round2(quantile(samples, 0.50)),
		P95MS:   round2(quantile(samples, 0.95)),
		P99MS:   round2(quantile(samples, 0.99)),
	}, true
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
