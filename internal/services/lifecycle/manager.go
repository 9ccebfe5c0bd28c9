// Package lifecycle owns arbitrage positions from entry to closure. Only
// the manager mutates the position set; everything else reads copies.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
	"github.com/vadiminshakov/fundarb/internal/services/rates"
	"github.com/vadiminshakov/fundarb/internal/storage/journal"
	"github.com/vadiminshakov/fundarb/internal/venue"
	"github.com/vadiminshakov/fundarb/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFillTimeout      = 20 * time.Second
	defaultFillPollInterval = 500 * time.Millisecond
	defaultEvalConcurrency  = 8
	clientOrderPrefix       = "fundarb-"
)

// ErrPositionExists rejects an entry for a symbol that already holds a
// position. This is flow control for the engine, not a fault.
var ErrPositionExists = errors.New("position already open for symbol")

type journalWriter interface {
	Append(event journal.Event) error
}

// Config holds the exit rules and entry sizing for the manager.
type Config struct {
	// MinSpreadFloorPerHour closes positions whose absolute spread fell
	// below this floor regardless of sign.
	MinSpreadFloorPerHour decimal.Decimal
	// CompressionExitFraction closes positions whose spread shrank by more
	// than this fraction of the entry spread (0.6 means 60%).
	CompressionExitFraction decimal.Decimal
	// MaxHoldingDuration closes positions older than this.
	MaxHoldingDuration time.Duration
	// MaxLossFraction closes positions whose net loss exceeds this fraction
	// of notional.
	MaxLossFraction decimal.Decimal
	// PositionNotional and Leverage size every entry leg.
	PositionNotional decimal.Decimal
	Leverage         int
	// FillTimeout bounds how long an entry leg may stay unfilled before the
	// one-sided failure handling kicks in.
	FillTimeout      time.Duration
	FillPollInterval time.Duration
	// EvalConcurrency bounds concurrent position evaluations.
	EvalConcurrency int
}

func (c *Config) applyDefaults() {
	if c.FillTimeout <= 0 {
		c.FillTimeout = defaultFillTimeout
	}
	if c.FillPollInterval <= 0 {
		c.FillPollInterval = defaultFillPollInterval
	}
	if c.EvalConcurrency <= 0 {
		c.EvalConcurrency = defaultEvalConcurrency
	}
}

// Manager drives the OPENING -> ACTIVE -> CLOSING -> CLOSED|FAILED state
// machine for every position.
type Manager struct {
	gateways   map[domain.VenueID]venue.Gateway
	normalizer *rates.Normalizer
	journal    journalWriter
	closer     *retrier.Retrier
	cfg        Config
	logger     *zap.Logger
	pool       gopool.Pool

	mu        sync.RWMutex
	positions map[domain.Symbol]*domain.ArbitragePosition
}

func NewManager(gateways map[domain.VenueID]venue.Gateway, normalizer *rates.Normalizer, jw journalWriter, closer *retrier.Retrier, cfg Config, logger *zap.Logger) (*Manager, error) {
	if len(gateways) == 0 {
		return nil, errors.New("lifecycle manager needs at least one venue")
	}
	if cfg.PositionNotional.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("position notional must be positive")
	}
	if cfg.Leverage < 1 {
		return nil, errors.New("leverage must be at least 1")
	}
	cfg.applyDefaults()

	return &Manager{
		gateways:   gateways,
		normalizer: normalizer,
		journal:    jw,
		closer:     closer,
		cfg:        cfg,
		logger:     logger,
		pool:       gopool.NewPool("position-eval", int32(cfg.EvalConcurrency), gopool.NewConfig()),
		positions:  make(map[domain.Symbol]*domain.ArbitragePosition),
	}, nil
}

// HasPosition reports whether the symbol holds a non-terminal position.
func (m *Manager) HasPosition(symbol domain.Symbol) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.positions[symbol]
	return ok
}

// ActivePositions returns copies of all open positions.
func (m *Manager) ActivePositions() []domain.ArbitragePosition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ArbitragePosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}

	return out
}

// Position returns a copy of the position for the symbol, if any.
func (m *Manager) Position(symbol domain.Symbol) (domain.ArbitragePosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[symbol]
	if !ok {
		return domain.ArbitragePosition{}, false
	}

	return *p, true
}

func (m *Manager) record(kind journal.EventKind, severity journal.Severity, pos domain.ArbitragePosition, note string) {
	if m.journal == nil {
		return
	}
	err := m.journal.Append(journal.Event{
		Kind:     kind,
		Severity: severity,
		Position: pos,
		Note:     note,
		At:       time.Now(),
	})
	if err != nil {
		m.logger.Error("failed to journal position event",
			zap.String("kind", string(kind)),
			zap.String("symbol", pos.Symbol.String()),
			zap.Error(err))
	}
}

// Open enters a position for the opportunity: both legs are placed
// concurrently and their results joined before the state leaves OPENING.
// The symbol slot is reserved under the lock before any venue call, closing
// the race between "opportunity found" and "position already active".
func (m *Manager) Open(ctx context.Context, opp domain.Opportunity) error {
	pos, err := domain.NewArbitragePosition(opp, m.cfg.PositionNotional, m.cfg.Leverage, time.Now())
	if err != nil {
		return errors.Wrap(err, "failed to build position from opportunity")
	}

	longGw, ok := m.gateways[opp.LongVenue]
	if !ok {
		return errors.Errorf("no gateway for long venue %s", opp.LongVenue)
	}
	shortGw, ok := m.gateways[opp.ShortVenue]
	if !ok {
		return errors.Errorf("no gateway for short venue %s", opp.ShortVenue)
	}

	m.mu.Lock()
	if _, exists := m.positions[opp.Symbol]; exists {
		m.mu.Unlock()
		return errors.Wrapf(ErrPositionExists, "symbol %s", opp.Symbol)
	}
	m.positions[opp.Symbol] = pos
	m.mu.Unlock()

	m.record(journal.EventOpened, journal.SeverityInfo, *pos, "")
	m.logger.Info("opening position",
		zap.String("symbol", opp.Symbol.String()),
		zap.String("long_venue", opp.LongVenue.String()),
		zap.String("short_venue", opp.ShortVenue.String()),
		zap.String("spread_per_hour", opp.SpreadPerHour.String()))

	legs := [2]legResult{}

	// the legs run on a context detached from tick scheduling: an in-flight
	// order must complete or fail explicitly, never be abandoned mid-wire
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.Go(func() error {
		legs[0] = m.enterLeg(gctx, longGw, pos, domain.Long)
		return nil
	})
	g.Go(func() error {
		legs[1] = m.enterLeg(gctx, shortGw, pos, domain.Short)
		return nil
	})
	_ = g.Wait()

	longLeg, shortLeg := legs[0], legs[1]

	m.mu.Lock()
	pos.LongOrder = longLeg.ref
	pos.ShortOrder = shortLeg.ref
	m.mu.Unlock()

	switch {
	case longLeg.filled && shortLeg.filled:
		m.transition(pos, domain.PositionActive, domain.ExitNone)
		m.record(journal.EventActivated, journal.SeverityInfo, *pos, "")
		m.logger.Info("position active", zap.String("symbol", pos.Symbol.String()))
		return nil

	case longLeg.filled != shortLeg.filled:
		// one-sided exposure: unwind the filled leg immediately
		filledSide := domain.Long
		failedErr := shortLeg.err
		gw := longGw
		if shortLeg.filled {
			filledSide = domain.Short
			failedErr = longLeg.err
			gw = shortGw
		}

		m.logger.Error("one leg failed to fill, unwinding the other",
			zap.String("symbol", pos.Symbol.String()),
			zap.String("filled_side", filledSide.String()),
			zap.Error(failedErr))

		unwindErr := m.unwindLeg(ctx, gw, pos, filledSide)
		note := fmt.Sprintf("%s leg failed, unwound %s leg", filledSide.Opposite(), filledSide)
		if unwindErr != nil {
			note = fmt.Sprintf("%s; unwind also failed: %v", note, unwindErr)
			m.logger.Error("emergency unwind failed, naked exposure remains",
				zap.String("symbol", pos.Symbol.String()),
				zap.Error(unwindErr))
		}
		m.record(journal.EventUnwind, journal.SeverityAlert, *pos, note)
		m.fail(pos, domain.ExitOneLegFailure, note)
		return errors.Errorf("entry failed for %s: one leg did not fill", pos.Symbol)

	default:
		// neither leg filled, nothing to unwind
		note := fmt.Sprintf("both legs failed: long: %v; short: %v", longLeg.err, shortLeg.err)
		m.fail(pos, domain.ExitFailure, note)
		return errors.Errorf("entry failed for %s: no leg filled", pos.Symbol)
	}
}

type legResult struct {
	ref    domain.OrderRef
	filled bool
	err    error
}

func (m *Manager) enterLeg(ctx context.Context, gw venue.Gateway, pos *domain.ArbitragePosition, side domain.Side) legResult {
	ref, err := gw.PlaceOrder(ctx, venue.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          side,
		Notional:      pos.SizeNotional,
		Leverage:      pos.Leverage,
		ClientOrderID: clientOrderPrefix + uuid.New().String(),
	})
	if err != nil {
		return legResult{err: errors.Wrapf(err, "%s leg placement", side)}
	}

	filled, err := m.awaitFill(ctx, gw, ref)
	if err != nil {
		return legResult{ref: ref, err: errors.Wrapf(err, "%s leg fill", side)}
	}
	if !filled {
		return legResult{ref: ref, err: errors.Errorf("%s leg did not fill within %s", side, m.cfg.FillTimeout)}
	}

	return legResult{ref: ref, filled: true}
}

// awaitFill polls the order until filled or the fill timeout elapses. On
// timeout the order is cancelled so it cannot fill behind our back. Poll
// errors are transient: the order may well be filling while the status
// endpoint hiccups, so polling continues until the timeout decides.
func (m *Manager) awaitFill(ctx context.Context, gw venue.Gateway, ref domain.OrderRef) (bool, error) {
	deadline := time.NewTimer(m.cfg.FillTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(m.cfg.FillPollInterval)
	defer poll.Stop()

	for {
		done, _, err := gw.OrderExecuted(ctx, ref)
		if err != nil {
			m.logger.Debug("order status poll failed, retrying until fill timeout",
				zap.String("venue", ref.Venue.String()),
				zap.String("client_order_id", ref.ClientOrderID),
				zap.Error(err))
		} else if done {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			if cancelErr := gw.CancelOrder(ctx, ref); cancelErr != nil {
				m.logger.Error("failed to cancel unfilled order",
					zap.String("venue", ref.Venue.String()),
					zap.String("client_order_id", ref.ClientOrderID),
					zap.Error(cancelErr))
			}
			return false, nil
		case <-poll.C:
		}
	}
}

// unwindLeg closes a single filled leg with a reduce-only market order,
// eliminating directional exposure after the other leg failed.
func (m *Manager) unwindLeg(ctx context.Context, gw venue.Gateway, pos *domain.ArbitragePosition, side domain.Side) error {
	return m.closer.Do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return m.closeLeg(ctx, gw, pos, side)
	})
}

// closeLeg submits the opposite-direction reduce-only order and waits for
// the fill.
func (m *Manager) closeLeg(ctx context.Context, gw venue.Gateway, pos *domain.ArbitragePosition, side domain.Side) error {
	ref, err := gw.PlaceOrder(ctx, venue.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          side.Opposite(),
		Notional:      pos.SizeNotional,
		Leverage:      pos.Leverage,
		ReduceOnly:    true,
		ClientOrderID: clientOrderPrefix + uuid.New().String(),
	})
	if err != nil {
		return errors.Wrapf(err, "close %s leg on %s", side, gw.Name())
	}

	filled, err := m.awaitFill(ctx, gw, ref)
	if err != nil {
		return errors.Wrapf(err, "close %s leg fill on %s", side, gw.Name())
	}
	if !filled {
		return errors.Errorf("close %s leg on %s did not fill", side, gw.Name())
	}

	return nil
}

// EvaluateAll accrues funding and checks exit conditions for every active
// position. Evaluation runs concurrently across positions and strictly
// sequentially within one.
func (m *Manager) EvaluateAll(ctx context.Context, now time.Time) {
	active := m.ActivePositions()

	var wg sync.WaitGroup
	for _, pos := range active {
		if pos.State != domain.PositionActive {
			continue
		}

		wg.Add(1)
		m.pool.Go(func() {
			defer wg.Done()
			m.evaluate(ctx, pos.Symbol, now)
		})
	}
	wg.Wait()
}

func (m *Manager) evaluate(ctx context.Context, symbol domain.Symbol, now time.Time) {
	pos, ok := m.Position(symbol)
	if !ok || pos.State != domain.PositionActive {
		return
	}

	m.accrue(ctx, symbol, now)
	pos, ok = m.Position(symbol)
	if !ok {
		return
	}

	reason, triggered := m.exitCondition(ctx, pos, now)
	if !triggered {
		return
	}

	m.Close(ctx, symbol, reason)
}

// accrue folds funding and fees since the last accrual from both venues
// into the running totals. The running totals, not an end-of-trade
// reconstruction, feed the stop loss.
func (m *Manager) accrue(ctx context.Context, symbol domain.Symbol, now time.Time) {
	pos, ok := m.Position(symbol)
	if !ok {
		return
	}

	totalFunding := decimal.Zero
	totalFees := decimal.Zero
	for _, venueID := range []domain.VenueID{pos.LongVenue, pos.ShortVenue} {
		gw, exists := m.gateways[venueID]
		if !exists {
			return
		}
		funding, fees, err := gw.AccruedSince(ctx, symbol, pos.LastAccrualAt)
		if err != nil {
			// transient: keep LastAccrualAt so the window is retried next tick
			m.logger.Debug("funding accrual query failed, retrying next tick",
				zap.String("symbol", symbol.String()),
				zap.String("venue", venueID.String()),
				zap.Error(err))
			return
		}
		totalFunding = totalFunding.Add(funding)
		totalFees = totalFees.Add(fees)
	}

	m.mu.Lock()
	if p, exists := m.positions[symbol]; exists {
		p.Accrue(totalFunding, totalFees, now)
	}
	m.mu.Unlock()
}

// exitCondition evaluates the prioritized exit rules; the first true
// condition wins and later ones are not checked. A rule whose market data
// is unavailable this tick is skipped, not treated as triggered.
func (m *Manager) exitCondition(ctx context.Context, pos domain.ArbitragePosition, now time.Time) (domain.ExitReason, bool) {
	spread, spreadOK := m.currentSpread(ctx, pos)

	if spreadOK {
		// 1. spread flip: the differential reversed sign vs entry
		if spread.Mul(pos.EntrySpreadPerHour).Sign() < 0 {
			return domain.ExitSpreadFlip, true
		}

		// 2. absolute floor
		if spread.Abs().LessThan(m.cfg.MinSpreadFloorPerHour) {
			return domain.ExitSpreadFloor, true
		}

		// 3. compression relative to entry
		entryAbs := pos.EntrySpreadPerHour.Abs()
		if entryAbs.GreaterThan(decimal.Zero) {
			retained := spread.Abs().Div(entryAbs)
			if decimal.NewFromInt(1).Sub(retained).GreaterThan(m.cfg.CompressionExitFraction) {
				return domain.ExitCompression, true
			}
		}
	}

	// 4. maximum holding duration
	if m.cfg.MaxHoldingDuration > 0 && pos.Age(now) > m.cfg.MaxHoldingDuration {
		return domain.ExitMaxDuration, true
	}

	// 5. stop loss on running totals plus unrealized marks
	if unrealized, ok := m.unrealizedPnl(ctx, pos); ok {
		lossLimit := m.cfg.MaxLossFraction.Neg()
		if pos.NetPnl(unrealized).Div(pos.SizeNotional).LessThan(lossLimit) {
			return domain.ExitStopLoss, true
		}
	}

	return domain.ExitNone, false
}

// currentSpread recomputes the signed per-hour spread (short venue rate
// minus long venue rate) from fresh quotes.
func (m *Manager) currentSpread(ctx context.Context, pos domain.ArbitragePosition) (decimal.Decimal, bool) {
	longRate, okLong := m.normalizedRate(ctx, pos.LongVenue, pos.Symbol)
	shortRate, okShort := m.normalizedRate(ctx, pos.ShortVenue, pos.Symbol)
	if !okLong || !okShort {
		return decimal.Zero, false
	}

	return shortRate.PerHour().Sub(longRate.PerHour()), true
}

func (m *Manager) normalizedRate(ctx context.Context, venueID domain.VenueID, symbol domain.Symbol) (domain.NormalizedRate, bool) {
	gw, ok := m.gateways[venueID]
	if !ok {
		return domain.NormalizedRate{}, false
	}

	quote, err := gw.FundingQuote(ctx, symbol)
	if err != nil {
		m.logger.Debug("funding quote unavailable during exit evaluation",
			zap.String("symbol", symbol.String()),
			zap.String("venue", venueID.String()),
			zap.Error(err))
		return domain.NormalizedRate{}, false
	}

	rate, err := m.normalizer.Normalize(quote)
	if err != nil {
		m.logger.Warn("discarding malformed funding quote during exit evaluation",
			zap.String("symbol", symbol.String()),
			zap.String("venue", venueID.String()),
			zap.Error(err))
		return domain.NormalizedRate{}, false
	}

	return rate, true
}

// unrealizedPnl sums both venues' marks for the position.
func (m *Manager) unrealizedPnl(ctx context.Context, pos domain.ArbitragePosition) (decimal.Decimal, bool) {
	total := decimal.Zero
	for _, venueID := range []domain.VenueID{pos.LongVenue, pos.ShortVenue} {
		gw, ok := m.gateways[venueID]
		if !ok {
			return decimal.Zero, false
		}
		mark, err := gw.PositionMark(ctx, pos.Symbol)
		if err != nil {
			m.logger.Debug("position mark unavailable, skipping stop loss this tick",
				zap.String("symbol", pos.Symbol.String()),
				zap.String("venue", venueID.String()),
				zap.Error(err))
			return decimal.Zero, false
		}
		total = total.Add(mark.UnrealizedPnl)
	}

	return total, true
}

// Close transitions the position to CLOSING and unwinds both legs with
// bounded retries. Exhausted retries surface as a FAILED position with an
// alert journal event; funds remain deployed and an operator must act.
func (m *Manager) Close(ctx context.Context, symbol domain.Symbol, reason domain.ExitReason) {
	m.mu.Lock()
	pos, ok := m.positions[symbol]
	if !ok || pos.State != domain.PositionActive {
		m.mu.Unlock()
		return
	}
	pos.State = domain.PositionClosing
	pos.ExitReason = reason
	snapshot := *pos
	m.mu.Unlock()

	m.record(journal.EventExitTriggered, journal.SeverityInfo, snapshot, string(reason))
	m.logger.Info("closing position",
		zap.String("symbol", symbol.String()),
		zap.String("reason", reason.String()))

	longGw := m.gateways[snapshot.LongVenue]
	shortGw := m.gateways[snapshot.ShortVenue]

	// leg closes are detached from tick cancellation for the same reason
	// entries are: an in-flight close must run to completion or failure.
	// the legs must not share a canceling group either: one leg exhausting
	// its retries must never abort the other leg's in-flight close
	closeCtx := context.WithoutCancel(ctx)

	var legErrs [2]error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		legErrs[0] = m.closer.Do(closeCtx, func(ctx context.Context) error {
			return m.closeLeg(ctx, longGw, &snapshot, domain.Long)
		})
	}()
	go func() {
		defer wg.Done()
		legErrs[1] = m.closer.Do(closeCtx, func(ctx context.Context) error {
			return m.closeLeg(ctx, shortGw, &snapshot, domain.Short)
		})
	}()
	wg.Wait()

	if legErrs[0] != nil || legErrs[1] != nil {
		var err error
		switch {
		case legErrs[0] != nil && legErrs[1] != nil:
			err = errors.Errorf("long leg: %v; short leg: %v", legErrs[0], legErrs[1])
		case legErrs[0] != nil:
			err = legErrs[0]
		default:
			err = legErrs[1]
		}
		note := fmt.Sprintf("close retries exhausted: %v", err)
		m.logger.Error("failed to close position, manual intervention required",
			zap.String("symbol", symbol.String()),
			zap.Error(err))
		m.fail(pos, domain.ExitCloseExhausted, note)
		return
	}

	m.mu.Lock()
	pos.State = domain.PositionClosed
	pos.ClosedAt = time.Now()
	snapshot = *pos
	delete(m.positions, symbol)
	m.mu.Unlock()

	m.record(journal.EventClosed, journal.SeverityInfo, snapshot, string(reason))
	m.logger.Info("position closed",
		zap.String("symbol", symbol.String()),
		zap.String("reason", reason.String()),
		zap.String("funding_pnl", snapshot.CumulativeFundingPnl.String()),
		zap.String("fees", snapshot.CumulativeFees.String()))
}

// fail marks the position FAILED and removes it from the active set. The
// journal keeps it visible to operators.
func (m *Manager) fail(pos *domain.ArbitragePosition, reason domain.ExitReason, note string) {
	m.mu.Lock()
	pos.State = domain.PositionFailed
	pos.ExitReason = reason
	pos.ClosedAt = time.Now()
	snapshot := *pos
	delete(m.positions, pos.Symbol)
	m.mu.Unlock()

	m.record(journal.EventFailed, journal.SeverityAlert, snapshot, note)
	m.logger.Error("position failed",
		zap.String("symbol", snapshot.Symbol.String()),
		zap.String("note", note))
}

// CloseAll unwinds every active position, used on graceful shutdown so no
// funding exposure outlives the process.
func (m *Manager) CloseAll(ctx context.Context) {
	for _, pos := range m.ActivePositions() {
		if pos.State != domain.PositionActive {
			continue
		}
		m.Close(ctx, pos.Symbol, domain.ExitShutdown)
	}
}

// transition applies a state change under the lock.
func (m *Manager) transition(pos *domain.ArbitragePosition, state domain.PositionState, reason domain.ExitReason) {
	m.mu.Lock()
	pos.State = state
	if reason != domain.ExitNone {
		pos.ExitReason = reason
	}
	m.mu.Unlock()
}
