package observability

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/antoniostano/streamrelay/internal/stream"
)

// firstBatchBudget is the time-to-first-batch a client should see.
const firstBatchBudget = 700 * time.Millisecond

// Percentiles summarises the retained samples of one series.
type Percentiles struct {
	Samples int     `json:"samples"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	P99MS   float64 `json:"p99_ms"`
	MaxMS   float64 `json:"max_ms"`
	// OverBudget counts retained samples slower than BudgetMS.
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

// FormatLatency is the rolling view of one wire format.
type FormatLatency struct {
	Format     string                 `json:"format"`
	Outcomes   map[stream.Outcome]int `json:"outcomes"`
	FirstBatch *Percentiles           `json:"first_batch,omitempty"`
	Total      *Percentiles           `json:"total,omitempty"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Window      int             `json:"window"`
	Formats     []FormatLatency `json:"formats"`
}

// latencyWindow retains the most recent durations per format. Outcome counts
// are lifetime totals.
type latencyWindow struct {
	mu     sync.Mutex
	limit  int
	series map[stream.Format]*formatSeries
}

type formatSeries struct {
	firstBatch []time.Duration
	total      []time.Duration
	outcomes   map[stream.Outcome]int
}

func newLatencyWindow(limit int) *latencyWindow {
	if limit <= 0 {
		limit = 256
	}
	return &latencyWindow{limit: limit, series: make(map[stream.Format]*formatSeries)}
}

func (w *latencyWindow) get(format stream.Format) *formatSeries {
	s, ok := w.series[format]
	if !ok {
		s = &formatSeries{outcomes: make(map[stream.Outcome]int)}
		w.series[format] = s
	}
	return s
}

func (w *latencyWindow) firstBatch(format stream.Format, d time.Duration) {
	if d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.get(format)
	s.firstBatch = keepLast(append(s.firstBatch, d), w.limit)
}

func (w *latencyWindow) finished(format stream.Format, outcome stream.Outcome, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.get(format)
	s.outcomes[outcome]++
	if d >= 0 {
		s.total = keepLast(append(s.total, d), w.limit)
	}
}

func (w *latencyWindow) snapshot() LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		Window:      w.limit,
		Formats:     make([]FormatLatency, 0, len(w.series)),
	}
	for format, s := range w.series {
		outcomes := make(map[stream.Outcome]int, len(s.outcomes))
		for k, v := range s.outcomes {
			outcomes[k] = v
		}
		out.Formats = append(out.Formats, FormatLatency{
			Format:     string(format),
			Outcomes:   outcomes,
			FirstBatch: summarize(s.firstBatch, firstBatchBudget),
			Total:      summarize(s.total, 0),
		})
	}
	sort.Slice(out.Formats, func(i, j int) bool { return out.Formats[i].Format < out.Formats[j].Format })
	return out
}

// keepLast drops the oldest entries beyond limit, reusing the backing array.
func keepLast(values []time.Duration, limit int) []time.Duration {
	if over := len(values) - limit; over > 0 {
		n := copy(values, values[over:])
		values = values[:n]
	}
	return values
}

func summarize(values []time.Duration, budget time.Duration) *Percentiles {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	p := &Percentiles{
		Samples: len(sorted),
		P50MS:   millis(nearestRank(sorted, 0.50)),
		P95MS:   millis(nearestRank(sorted, 0.95)),
		P99MS:   millis(nearestRank(sorted, 0.99)),
		MaxMS:   millis(sorted[len(sorted)-1]),
	}
	if budget > 0 {
		p.BudgetMS = millis(budget)
		idx := sort.Search(len(sorted), func(i int) bool { return sorted[i] > budget })
		p.OverBudget = len(sorted) - idx
	}
	return p
}

// nearestRank returns the smallest sample with at least q of the samples at
// or below it.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
