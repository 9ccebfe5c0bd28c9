package venue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
	"go.uber.org/zap"
)

// PaperVenue is an in-memory Gateway used by dry-run mode and tests. Orders
// fill instantly at the scripted price unless a failure or stall is injected
// for the next order on a symbol.
type PaperVenue struct {
	name         domain.VenueID
	interval     time.Duration
	takerFeeRate decimal.Decimal
	logger       *zap.Logger

	mu        sync.Mutex
	rates     map[domain.Symbol]decimal.Decimal
	prices    map[domain.Symbol]decimal.Decimal
	volumes   map[domain.Symbol]decimal.Decimal
	balances  map[string]decimal.Decimal
	positions map[domain.Symbol]paperPosition
	orders    map[string]paperOrder
	feeEvents []feeEvent

	failNext  map[domain.Symbol]bool
	stallNext map[domain.Symbol]bool
}

type paperPosition struct {
	size  decimal.Decimal // signed, negative for short
	entry decimal.Decimal
}

type paperOrder struct {
	symbol domain.Symbol
	side   domain.Side
	qty    decimal.Decimal
	filled bool
}

type feeEvent struct {
	symbol domain.Symbol
	amount decimal.Decimal
	at     time.Time
}

var _ Gateway = (*PaperVenue)(nil)

func NewPaperVenue(name domain.VenueID, fundingInterval time.Duration, takerFeeRate decimal.Decimal, logger *zap.Logger) *PaperVenue {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PaperVenue{
		name:         name,
		interval:     fundingInterval,
		takerFeeRate: takerFeeRate,
		logger:       logger,
		rates:        make(map[domain.Symbol]decimal.Decimal),
		prices:       make(map[domain.Symbol]decimal.Decimal),
		volumes:      make(map[domain.Symbol]decimal.Decimal),
		balances:     make(map[string]decimal.Decimal),
		positions:    make(map[domain.Symbol]paperPosition),
		orders:       make(map[string]paperOrder),
		failNext:     make(map[domain.Symbol]bool),
		stallNext:    make(map[domain.Symbol]bool),
	}
}

func (v *PaperVenue) Name() domain.VenueID { return v.name }

// SetFunding scripts the raw funding rate for a symbol.
func (v *PaperVenue) SetFunding(symbol domain.Symbol, rate decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rates[symbol] = rate
}

// SetPrice scripts the mark price for a symbol.
func (v *PaperVenue) SetPrice(symbol domain.Symbol, price decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = price
}

// SetVolume scripts 24h volume. Symbols without a scripted volume report
// ErrVolumeUnavailable.
func (v *PaperVenue) SetVolume(symbol domain.Symbol, volume decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.volumes[symbol] = volume
}

// SetBalance scripts the free balance for an asset.
func (v *PaperVenue) SetBalance(asset string, balance decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[asset] = balance
}

// FailNextOrder makes the next order for the symbol return an error.
func (v *PaperVenue) FailNextOrder(symbol domain.Symbol) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext[symbol] = true
}

// StallNextOrder makes the next order for the symbol accept but never fill.
func (v *PaperVenue) StallNextOrder(symbol domain.Symbol) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stallNext[symbol] = true
}

// PositionSize returns the signed size held in symbol, for test assertions.
func (v *PaperVenue) PositionSize(symbol domain.Symbol) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[symbol].size
}

func (v *PaperVenue) FundingQuote(ctx context.Context, symbol domain.Symbol) (domain.FundingQuote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rate, ok := v.rates[symbol]
	if !ok {
		return domain.FundingQuote{}, errors.Wrapf(ErrNotListed, "paper venue %s has no funding for %s", v.name, symbol)
	}

	return domain.FundingQuote{
		Venue:    v.name,
		Symbol:   symbol,
		RawRate:  rate,
		Interval: v.interval,
		AsOf:     time.Now(),
	}, nil
}

func (v *PaperVenue) Symbols(ctx context.Context) ([]domain.Symbol, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	symbols := make([]domain.Symbol, 0, len(v.rates))
	for s := range v.rates {
		symbols = append(symbols, s)
	}

	return symbols, nil
}

func (v *PaperVenue) DailyVolume(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	volume, ok := v.volumes[symbol]
	if !ok {
		return decimal.Zero, errors.Wrapf(ErrVolumeUnavailable, "paper venue %s has no volume for %s", v.name, symbol)
	}

	return volume, nil
}

func (v *PaperVenue) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.balances[asset], nil
}

func (v *PaperVenue) PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderRef, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failNext[req.Symbol] {
		delete(v.failNext, req.Symbol)
		return domain.OrderRef{}, errors.Errorf("paper venue %s rejected order for %s", v.name, req.Symbol)
	}

	price, ok := v.prices[req.Symbol]
	if !ok || price.LessThanOrEqual(decimal.Zero) {
		return domain.OrderRef{}, errors.Errorf("paper venue %s has no price for %s", v.name, req.Symbol)
	}

	qty := req.Notional.Div(price)
	order := paperOrder{symbol: req.Symbol, side: req.Side, qty: qty}

	if v.stallNext[req.Symbol] {
		delete(v.stallNext, req.Symbol)
		v.orders[req.ClientOrderID] = order
		return domain.OrderRef{Venue: v.name, Symbol: req.Symbol, ClientOrderID: req.ClientOrderID}, nil
	}

	order.filled = true
	v.orders[req.ClientOrderID] = order
	v.applyFillLocked(req.Symbol, req.Side, qty, price)
	v.feeEvents = append(v.feeEvents, feeEvent{
		symbol: req.Symbol,
		amount: req.Notional.Mul(v.takerFeeRate),
		at:     time.Now(),
	})

	v.logger.Debug("paper order filled",
		zap.String("venue", v.name.String()),
		zap.String("symbol", req.Symbol.String()),
		zap.String("side", req.Side.String()),
		zap.String("qty", qty.String()))

	return domain.OrderRef{Venue: v.name, Symbol: req.Symbol, ClientOrderID: req.ClientOrderID}, nil
}

func (v *PaperVenue) applyFillLocked(symbol domain.Symbol, side domain.Side, qty, price decimal.Decimal) {
	pos := v.positions[symbol]

	delta := qty
	if side == domain.Short {
		delta = qty.Neg()
	}

	newSize := pos.size.Add(delta)
	switch {
	case newSize.IsZero():
		pos = paperPosition{}
	case pos.size.IsZero() || pos.size.Sign() != newSize.Sign():
		pos = paperPosition{size: newSize, entry: price}
	default:
		pos.size = newSize
	}

	v.positions[symbol] = pos
}

func (v *PaperVenue) OrderExecuted(ctx context.Context, ref domain.OrderRef) (bool, decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	order, ok := v.orders[ref.ClientOrderID]
	if !ok {
		return false, decimal.Zero, nil
	}
	if !order.filled {
		return false, decimal.Zero, nil
	}

	return true, order.qty, nil
}

func (v *PaperVenue) CancelOrder(ctx context.Context, ref domain.OrderRef) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.orders, ref.ClientOrderID)

	return nil
}

func (v *PaperVenue) AccruedSince(ctx context.Context, symbol domain.Symbol, since time.Time) (decimal.Decimal, decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos := v.positions[symbol]
	price := v.prices[symbol]
	quote := domain.FundingQuote{
		Venue:    v.name,
		Symbol:   symbol,
		RawRate:  v.rates[symbol],
		Interval: v.interval,
	}

	funding := approximateFunding(quote, pos.size, price, since, time.Now())

	fees := decimal.Zero
	for _, fe := range v.feeEvents {
		if fe.symbol == symbol && fe.at.After(since) {
			fees = fees.Add(fe.amount)
		}
	}

	return funding, fees, nil
}

func (v *PaperVenue) PositionMark(ctx context.Context, symbol domain.Symbol) (domain.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos := v.positions[symbol]
	if pos.size.IsZero() {
		return domain.VenuePosition{Symbol: symbol}, nil
	}

	price := v.prices[symbol]
	unrealized := price.Sub(pos.entry).Mul(pos.size)

	return domain.VenuePosition{
		Symbol:        symbol,
		Size:          pos.size,
		EntryPrice:    pos.entry,
		UnrealizedPnl: unrealized,
	}, nil
}
