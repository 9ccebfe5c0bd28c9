// Package venue defines the capability surface the engine needs from a
// derivatives venue and the adapters implementing it.
package venue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
)

// ErrVolumeUnavailable signals that a venue cannot provide 24h volume for a
// symbol. The scanner treats it as a pass, not a rejection.
var ErrVolumeUnavailable = errors.New("24h volume unavailable")

// ErrNotListed signals that the venue does not list the requested symbol.
var ErrNotListed = errors.New("symbol not listed on venue")

// OrderRequest describes one leg: a market order sized by quote notional.
type OrderRequest struct {
	Symbol        domain.Symbol
	Side          domain.Side
	Notional      decimal.Decimal
	Leverage      int
	ReduceOnly    bool
	ClientOrderID string
}

// Gateway is the per-venue capability surface. Implementations translate the
// engine's canonical symbols into their native contract naming and keep all
// venue-specific quirks behind this interface.
type Gateway interface {
	Name() domain.VenueID

	// FundingQuote returns the current funding rate together with the
	// venue's payment interval.
	FundingQuote(ctx context.Context, symbol domain.Symbol) (domain.FundingQuote, error)

	// Symbols lists the perpetual symbols currently tradable on the venue.
	Symbols(ctx context.Context) ([]domain.Symbol, error)

	// DailyVolume returns 24h quote volume, or ErrVolumeUnavailable.
	DailyVolume(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error)

	// AvailableBalance returns free balance for the asset.
	AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error)

	// PlaceOrder submits one leg as a market order.
	PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderRef, error)

	// OrderExecuted polls fill status. Returns true only for a full fill;
	// the executed quantity is reported either way.
	OrderExecuted(ctx context.Context, ref domain.OrderRef) (bool, decimal.Decimal, error)

	// CancelOrder cancels an order that has not fully filled.
	CancelOrder(ctx context.Context, ref domain.OrderRef) error

	// AccruedSince returns funding payments and trading fees accrued on the
	// venue's position in symbol since the given time. Funding is signed
	// (received positive), fees are reported as a positive cost.
	AccruedSince(ctx context.Context, symbol domain.Symbol, since time.Time) (funding, fees decimal.Decimal, err error)

	// PositionMark returns the venue's own snapshot of the open position.
	PositionMark(ctx context.Context, symbol domain.Symbol) (domain.VenuePosition, error)
}
