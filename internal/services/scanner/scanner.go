// Package scanner discovers funding arbitrage opportunities across venues.
package scanner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
	"github.com/vadiminshakov/fundarb/internal/services/rates"
	"github.com/vadiminshakov/fundarb/internal/venue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultScanConcurrency = 8

// availabilityView is the slice of the availability index the scanner needs.
type availabilityView interface {
	Tradable() []domain.Symbol
	VenuesFor(symbol domain.Symbol) []domain.VenueID
}

// Config holds the scanner's filter thresholds.
type Config struct {
	// MinProfitabilityPerHour rejects pairings whose per-hour spread is
	// below this value.
	MinProfitabilityPerHour decimal.Decimal
	// MinDailyVolume is the 24h quote volume each leg's venue must report.
	// Unavailable volume data passes the check.
	MinDailyVolume decimal.Decimal
	// PositionNotional sizes the entry cost estimate on emitted opportunities.
	PositionNotional decimal.Decimal
	// TakerFeeRate estimates per-leg entry cost; advisory only.
	TakerFeeRate decimal.Decimal
	// Concurrency bounds how many symbols are scanned at once.
	Concurrency int
}

// Scanner enumerates venue pairs per symbol and keeps the best pairing that
// survives profitability and liquidity filters.
type Scanner struct {
	gateways   map[domain.VenueID]venue.Gateway
	index      availabilityView
	normalizer *rates.Normalizer
	cfg        Config
	logger     *zap.Logger
	pool       gopool.Pool
}

func NewScanner(gateways map[domain.VenueID]venue.Gateway, index availabilityView, normalizer *rates.Normalizer, cfg Config, logger *zap.Logger) (*Scanner, error) {
	if len(gateways) < 2 {
		return nil, errors.New("scanner needs at least two venues")
	}
	if cfg.MinProfitabilityPerHour.IsNegative() {
		return nil, errors.New("min profitability must not be negative")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultScanConcurrency
	}

	return &Scanner{
		gateways:   gateways,
		index:      index,
		normalizer: normalizer,
		cfg:        cfg,
		logger:     logger,
		pool:       gopool.NewPool("funding-scanner", int32(cfg.Concurrency), gopool.NewConfig()),
	}, nil
}

// Scan produces at most one opportunity per tradable symbol. Symbols for
// which hasPosition reports true are skipped entirely.
func (s *Scanner) Scan(ctx context.Context, hasPosition func(domain.Symbol) bool) []domain.Opportunity {
	symbols := s.index.Tradable()

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		opps []domain.Opportunity
	)

	for _, symbol := range symbols {
		if hasPosition != nil && hasPosition(symbol) {
			continue
		}

		wg.Add(1)
		s.pool.Go(func() {
			defer wg.Done()

			opp, ok := s.scanSymbol(ctx, symbol)
			if !ok {
				return
			}

			mu.Lock()
			opps = append(opps, opp)
			mu.Unlock()
		})
	}
	wg.Wait()

	return opps
}

// scanSymbol fetches quotes from every listing venue, normalizes them and
// walks the pairings widest-spread first until one clears every filter. A
// wide but illiquid pairing must not shadow a narrower one that passes.
func (s *Scanner) scanSymbol(ctx context.Context, symbol domain.Symbol) (domain.Opportunity, bool) {
	normalized := s.collectRates(ctx, symbol)
	if len(normalized) < 2 {
		return domain.Opportunity{}, false
	}

	liquid := make(map[domain.VenueID]bool)
	liquidityOK := func(venueID domain.VenueID) bool {
		ok, seen := liquid[venueID]
		if !seen {
			ok = s.liquidityOK(ctx, symbol, venueID)
			liquid[venueID] = ok
		}
		return ok
	}

	for _, opp := range s.pairings(symbol, normalized) {
		if opp.SpreadPerHour.LessThan(s.cfg.MinProfitabilityPerHour) {
			// sorted descending, everything after this is narrower
			s.logger.Debug("remaining spreads below profitability threshold",
				zap.String("symbol", symbol.String()),
				zap.String("spread_per_hour", opp.SpreadPerHour.String()))
			break
		}

		if !liquidityOK(opp.LongVenue) || !liquidityOK(opp.ShortVenue) {
			continue
		}

		return opp, true
	}

	return domain.Opportunity{}, false
}

// collectRates queries all listing venues concurrently. A venue failure is
// transient: the venue is dropped from this symbol's candidate set for the
// tick and retried naturally on the next one.
func (s *Scanner) collectRates(ctx context.Context, symbol domain.Symbol) []domain.NormalizedRate {
	venues := s.index.VenuesFor(symbol)

	results := make([]*domain.NormalizedRate, len(venues))

	g, gctx := errgroup.WithContext(ctx)
	for i, venueID := range venues {
		gw, ok := s.gateways[venueID]
		if !ok {
			continue
		}
		g.Go(func() error {
			quote, err := gw.FundingQuote(gctx, symbol)
			if err != nil {
				s.logger.Debug("funding quote failed, excluding venue this tick",
					zap.String("symbol", symbol.String()),
					zap.String("venue", venueID.String()),
					zap.Error(err))
				return nil
			}

			rate, err := s.normalizer.Normalize(quote)
			if err != nil {
				s.logger.Warn("discarding malformed funding quote",
					zap.String("symbol", symbol.String()),
					zap.String("venue", venueID.String()),
					zap.Error(err))
				return nil
			}

			results[i] = &rate
			return nil
		})
	}
	_ = g.Wait()

	rates := make([]domain.NormalizedRate, 0, len(results))
	for _, r := range results {
		if r != nil {
			rates = append(rates, *r)
		}
	}

	return rates
}

// pairings enumerates unordered venue pairs, widest spread first. The
// higher-rate venue becomes the short leg: shorts receive funding where it
// is most favorable, longs pay where it is least.
func (s *Scanner) pairings(symbol domain.Symbol, normalized []domain.NormalizedRate) []domain.Opportunity {
	out := make([]domain.Opportunity, 0, len(normalized)*(len(normalized)-1)/2)

	for i := 0; i < len(normalized); i++ {
		for j := i + 1; j < len(normalized); j++ {
			low, high := normalized[i], normalized[j]
			if low.PerHour().GreaterThan(high.PerHour()) {
				low, high = high, low
			}

			out = append(out, domain.Opportunity{
				Symbol:             symbol,
				LongVenue:          low.Venue,
				ShortVenue:         high.Venue,
				SpreadPerHour:      high.PerHour().Sub(low.PerHour()),
				LongRatePerHour:    low.PerHour(),
				ShortRatePerHour:   high.PerHour(),
				EstimatedEntryCost: s.estimatedEntryCost(),
				DiscoveredAt:       time.Now(),
			})
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].SpreadPerHour.GreaterThan(out[b].SpreadPerHour)
	})

	return out
}

// estimatedEntryCost is taker fees for both legs; reported for visibility,
// never used as an entry gate.
func (s *Scanner) estimatedEntryCost() decimal.Decimal {
	return s.cfg.PositionNotional.Mul(s.cfg.TakerFeeRate).Mul(decimal.NewFromInt(2))
}

// liquidityOK checks 24h volume on one leg's venue. Missing volume data
// fails open: its absence is common and not itself a risk signal.
func (s *Scanner) liquidityOK(ctx context.Context, symbol domain.Symbol, venueID domain.VenueID) bool {
	gw, ok := s.gateways[venueID]
	if !ok {
		return false
	}

	volume, err := gw.DailyVolume(ctx, symbol)
	if err != nil {
		s.logger.Debug("volume data unavailable, passing liquidity check",
			zap.String("symbol", symbol.String()),
			zap.String("venue", venueID.String()),
			zap.Error(err))
		return true
	}

	if volume.LessThan(s.cfg.MinDailyVolume) {
		s.logger.Debug("venue fails liquidity check",
			zap.String("symbol", symbol.String()),
			zap.String("venue", venueID.String()),
			zap.String("volume", volume.String()),
			zap.String("min", s.cfg.MinDailyVolume.String()))
		return false
	}

	return true
}
