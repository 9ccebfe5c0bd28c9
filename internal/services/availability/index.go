// Package availability tracks which venues list which symbols.
package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vadiminshakov/fundarb/internal/domain"
	"github.com/vadiminshakov/fundarb/internal/venue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Index maps each symbol to the venues listing it. It is rebuilt wholesale
// on a slow cadence; reads between rebuilds see an immutable snapshot.
type Index struct {
	gateways  []venue.Gateway
	whitelist map[domain.Symbol]bool
	logger    *zap.Logger

	mu       sync.RWMutex
	snapshot map[domain.Symbol][]domain.VenueID
	builtAt  time.Time
}

// NewIndex creates an index over the given venues. A non-empty whitelist
// restricts the tradable universe to the listed symbols.
func NewIndex(gateways []venue.Gateway, whitelist []domain.Symbol, logger *zap.Logger) *Index {
	wl := make(map[domain.Symbol]bool, len(whitelist))
	for _, s := range whitelist {
		wl[s] = true
	}

	return &Index{
		gateways:  gateways,
		whitelist: wl,
		logger:    logger,
		snapshot:  make(map[domain.Symbol][]domain.VenueID),
	}
}

// Rebuild queries every venue for its listed symbols and replaces the
// snapshot. A venue that fails to respond lists nothing this cycle and is
// retried on the next rebuild; the rebuild itself never fails.
func (i *Index) Rebuild(ctx context.Context) {
	type venueSymbols struct {
		venue   domain.VenueID
		symbols []domain.Symbol
	}

	results := make([]venueSymbols, len(i.gateways))

	g, gctx := errgroup.WithContext(ctx)
	for idx, gw := range i.gateways {
		g.Go(func() error {
			symbols, err := gw.Symbols(gctx)
			if err != nil {
				i.logger.Warn("venue failed to list symbols, skipping this cycle",
					zap.String("venue", gw.Name().String()),
					zap.Error(err))
				return nil
			}
			results[idx] = venueSymbols{venue: gw.Name(), symbols: symbols}
			return nil
		})
	}
	_ = g.Wait()

	next := make(map[domain.Symbol][]domain.VenueID)
	for _, res := range results {
		if res.venue == "" {
			continue
		}
		for _, s := range res.symbols {
			if len(i.whitelist) > 0 && !i.whitelist[s] {
				continue
			}
			next[s] = append(next[s], res.venue)
		}
	}

	tradable := 0
	for _, venues := range next {
		sort.Slice(venues, func(a, b int) bool { return venues[a] < venues[b] })
		if len(venues) >= 2 {
			tradable++
		}
	}

	i.mu.Lock()
	i.snapshot = next
	i.builtAt = time.Now()
	i.mu.Unlock()

	i.logger.Info("availability index rebuilt",
		zap.Int("symbols", len(next)),
		zap.Int("tradable", tradable))
}

// Tradable returns symbols listed on at least two venues, sorted for
// deterministic scan order.
func (i *Index) Tradable() []domain.Symbol {
	i.mu.RLock()
	defer i.mu.RUnlock()

	symbols := make([]domain.Symbol, 0, len(i.snapshot))
	for s, venues := range i.snapshot {
		if len(venues) >= 2 {
			symbols = append(symbols, s)
		}
	}
	sort.Slice(symbols, func(a, b int) bool { return symbols[a] < symbols[b] })

	return symbols
}

// VenuesFor returns the venues listing the symbol in the current snapshot.
func (i *Index) VenuesFor(symbol domain.Symbol) []domain.VenueID {
	i.mu.RLock()
	defer i.mu.RUnlock()

	venues := i.snapshot[symbol]
	out := make([]domain.VenueID, len(venues))
	copy(out, venues)

	return out
}

// Entries returns the whole snapshot, single-venue symbols included, for
// observability surfaces.
func (i *Index) Entries() []domain.AvailabilityEntry {
	i.mu.RLock()
	defer i.mu.RUnlock()

	entries := make([]domain.AvailabilityEntry, 0, len(i.snapshot))
	for s, venues := range i.snapshot {
		vs := make([]domain.VenueID, len(venues))
		copy(vs, venues)
		entries = append(entries, domain.AvailabilityEntry{Symbol: s, Venues: vs})
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Symbol < entries[b].Symbol })

	return entries
}

// BuiltAt reports when the snapshot was last rebuilt.
func (i *Index) BuiltAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.builtAt
}
