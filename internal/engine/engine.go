// Package engine runs the tick loop that ties scanning, entries and exits
// together.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
	"github.com/vadiminshakov/fundarb/internal/services/lifecycle"
	"github.com/vadiminshakov/fundarb/internal/services/scanner"
	"github.com/vadiminshakov/fundarb/internal/services/spreadstats"
	"github.com/vadiminshakov/fundarb/internal/venue"
	"go.uber.org/zap"
)

const (
	defaultTickInterval    = 30 * time.Second
	defaultRebuildInterval = 15 * time.Minute
)

type positionManager interface {
	EvaluateAll(ctx context.Context, now time.Time)
	Open(ctx context.Context, opp domain.Opportunity) error
	HasPosition(symbol domain.Symbol) bool
	CloseAll(ctx context.Context)
}

type opportunityScanner interface {
	Scan(ctx context.Context, hasPosition func(domain.Symbol) bool) []domain.Opportunity
}

type availabilityIndex interface {
	Rebuild(ctx context.Context)
}

// Config tunes the engine cadence and entry admission.
type Config struct {
	TickInterval time.Duration
	// AvailabilityRebuildInterval is the slower cadence for re-listing
	// venue symbols.
	AvailabilityRebuildInterval time.Duration
	// PositionNotional and Leverage size the margin requirement checked
	// against free balance before an entry.
	PositionNotional decimal.Decimal
	Leverage         int
	// BalanceSafetyBuffer inflates the margin requirement, 0.1 means the
	// venue must hold 10% more than the bare margin.
	BalanceSafetyBuffer decimal.Decimal
	// QuoteAsset is the settlement asset checked for free balance.
	QuoteAsset string
	// CloseOnShutdown unwinds all positions when the engine stops.
	CloseOnShutdown bool
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.AvailabilityRebuildInterval <= 0 {
		c.AvailabilityRebuildInterval = defaultRebuildInterval
	}
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}
}

// Engine owns the trading loop: exits are evaluated first on every tick,
// then at most one new position is entered from the ranked scan results.
type Engine struct {
	gateways map[domain.VenueID]venue.Gateway
	index    availabilityIndex
	scanner  opportunityScanner
	manager  positionManager
	spreads  *spreadstats.Tracker
	cfg      Config
	logger   *zap.Logger

	tickBusy atomic.Bool

	mu        sync.RWMutex
	lastOpps  []domain.Opportunity
	lastScan  time.Time
	startedAt time.Time
}

func New(gateways map[domain.VenueID]venue.Gateway, index availabilityIndex, sc opportunityScanner, manager positionManager, spreads *spreadstats.Tracker, cfg Config, logger *zap.Logger) (*Engine, error) {
	if len(gateways) < 2 {
		return nil, errors.New("engine needs at least two venues")
	}
	if cfg.PositionNotional.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("position notional must be positive")
	}
	if cfg.Leverage < 1 {
		return nil, errors.New("leverage must be at least 1")
	}
	cfg.applyDefaults()

	return &Engine{
		gateways: gateways,
		index:    index,
		scanner:  sc,
		manager:  manager,
		spreads:  spreads,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Opportunities returns the ranked result of the most recent scan.
func (e *Engine) Opportunities() ([]domain.Opportunity, time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Opportunity, len(e.lastOpps))
	copy(out, e.lastOpps)

	return out, e.lastScan
}

// StartedAt reports when Run began, zero before that.
func (e *Engine) StartedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.startedAt
}

// Run blocks until the context is canceled. The availability index is
// built once up front so the first tick has symbols to work with.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.index.Rebuild(ctx)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	rebuild := time.NewTicker(e.cfg.AvailabilityRebuildInterval)
	defer rebuild.Stop()

	e.logger.Info("starting arbitrage loop",
		zap.Duration("tick_interval", e.cfg.TickInterval),
		zap.Duration("rebuild_interval", e.cfg.AvailabilityRebuildInterval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("context done, stopping arbitrage loop")
			e.shutdown(ctx)
			return ctx.Err()

		case <-rebuild.C:
			e.index.Rebuild(ctx)

		case <-ticker.C:
			// a tick still running means venues are slow; skipping keeps
			// ticks from stacking up behind each other
			if !e.tickBusy.CompareAndSwap(false, true) {
				e.logger.Warn("previous tick still running, skipping this one")
				continue
			}
			go func() {
				defer e.tickBusy.Store(false)
				e.tick(ctx)
			}()
		}
	}
}

// tick evaluates exits first, unconditionally, then looks for one entry.
func (e *Engine) tick(ctx context.Context) {
	now := time.Now()
	e.manager.EvaluateAll(ctx, now)

	opps := scanner.Rank(e.scanner.Scan(ctx, e.manager.HasPosition))

	e.mu.Lock()
	e.lastOpps = opps
	e.lastScan = now
	e.mu.Unlock()

	for _, opp := range opps {
		e.spreads.Observe(opp.Symbol, opp.SpreadPerHour)
	}

	e.enterBest(ctx, opps)
}

// enterBest walks the ranked list and opens the first candidate whose two
// venues both hold enough free balance. One entry attempt per tick at most.
func (e *Engine) enterBest(ctx context.Context, opps []domain.Opportunity) {
	for _, opp := range opps {
		if !e.balanceOK(ctx, opp.LongVenue) || !e.balanceOK(ctx, opp.ShortVenue) {
			e.logger.Debug("insufficient balance for opportunity, trying next",
				zap.String("symbol", opp.Symbol.String()),
				zap.String("long_venue", opp.LongVenue.String()),
				zap.String("short_venue", opp.ShortVenue.String()))
			continue
		}

		if smoothed, ok := e.spreads.Smoothed(opp.Symbol); ok {
			e.logger.Info("entering top opportunity",
				zap.String("symbol", opp.Symbol.String()),
				zap.String("spread_per_hour", opp.SpreadPerHour.String()),
				zap.String("smoothed_spread_per_hour", smoothed.String()))
		}

		err := e.manager.Open(ctx, opp)
		switch {
		case err == nil:
		case errors.Is(err, lifecycle.ErrPositionExists):
			e.logger.Debug("symbol already holds a position",
				zap.String("symbol", opp.Symbol.String()))
		default:
			e.logger.Error("entry failed",
				zap.String("symbol", opp.Symbol.String()),
				zap.Error(err))
		}

		return
	}
}

// balanceOK checks the venue's free balance against the margin the entry
// needs, inflated by the safety buffer.
func (e *Engine) balanceOK(ctx context.Context, venueID domain.VenueID) bool {
	gw, ok := e.gateways[venueID]
	if !ok {
		return false
	}

	free, err := gw.AvailableBalance(ctx, e.cfg.QuoteAsset)
	if err != nil {
		e.logger.Debug("balance query failed, skipping venue this tick",
			zap.String("venue", venueID.String()),
			zap.Error(err))
		return false
	}

	required := e.cfg.PositionNotional.
		Div(decimal.NewFromInt(int64(e.cfg.Leverage))).
		Mul(decimal.NewFromInt(1).Add(e.cfg.BalanceSafetyBuffer))

	return free.GreaterThanOrEqual(required)
}

func (e *Engine) shutdown(ctx context.Context) {
	if !e.cfg.CloseOnShutdown {
		return
	}

	e.logger.Info("closing all positions before shutdown")
	e.manager.CloseAll(context.WithoutCancel(ctx))
}
