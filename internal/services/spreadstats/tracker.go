// Package spreadstats keeps a smoothed view of observed funding spreads
// per symbol. The raw spread is noisy tick to tick; the exponential moving
// average gives operators a steadier read on whether an edge persists.
package spreadstats

import (
	"sync"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
)

const defaultMaxSamples = 512

// Stats is a point-in-time summary for one symbol.
type Stats struct {
	Symbol   domain.Symbol   `json:"symbol"`
	Latest   decimal.Decimal `json:"latest_spread_per_hour"`
	Smoothed decimal.Decimal `json:"smoothed_spread_per_hour"`
	Samples  int             `json:"samples"`
}

// Tracker accumulates per-symbol spread observations and smooths them with
// an EMA of the configured period.
type Tracker struct {
	period     int
	maxSamples int

	mu      sync.RWMutex
	samples map[domain.Symbol][]decimal.Decimal
}

func NewTracker(period int) *Tracker {
	if period < 1 {
		period = 1
	}

	return &Tracker{
		period:     period,
		maxSamples: defaultMaxSamples,
		samples:    make(map[domain.Symbol][]decimal.Decimal),
	}
}

// Observe records one spread sample for the symbol, dropping the oldest
// sample once the window is full.
func (t *Tracker) Observe(symbol domain.Symbol, spreadPerHour decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	window := append(t.samples[symbol], spreadPerHour)
	if len(window) > t.maxSamples {
		window = window[len(window)-t.maxSamples:]
	}
	t.samples[symbol] = window
}

// Smoothed returns the EMA of the symbol's spread samples. It reports false
// until enough samples accumulated to seed the average.
func (t *Tracker) Smoothed(symbol domain.Symbol) (decimal.Decimal, bool) {
	t.mu.RLock()
	window := t.samples[symbol]
	values := make([]float64, len(window))
	for i, v := range window {
		values[i], _ = v.Float64()
	}
	t.mu.RUnlock()

	if len(values) < t.period {
		return decimal.Zero, false
	}

	ema := trend.NewEmaWithPeriod[float64](t.period)
	out := helper.ChanToSlice(ema.Compute(helper.SliceToChan(values)))
	if len(out) == 0 {
		return decimal.Zero, false
	}

	return decimal.NewFromFloat(out[len(out)-1]), true
}

// Snapshot summarizes every tracked symbol, sorted output is the caller's
// concern.
func (t *Tracker) Snapshot() []Stats {
	t.mu.RLock()
	symbols := make([]domain.Symbol, 0, len(t.samples))
	latest := make(map[domain.Symbol]decimal.Decimal, len(t.samples))
	counts := make(map[domain.Symbol]int, len(t.samples))
	for s, window := range t.samples {
		if len(window) == 0 {
			continue
		}
		symbols = append(symbols, s)
		latest[s] = window[len(window)-1]
		counts[s] = len(window)
	}
	t.mu.RUnlock()

	out := make([]Stats, 0, len(symbols))
	for _, s := range symbols {
		stats := Stats{Symbol: s, Latest: latest[s], Samples: counts[s]}
		if smoothed, ok := t.Smoothed(s); ok {
			stats.Smoothed = smoothed
		}
		out = append(out, stats)
	}

	return out
}
