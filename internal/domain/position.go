package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PositionState is the lifecycle state of an arbitrage position.
type PositionState string

const (
	// PositionOpening means entry orders are in flight on both venues.
	PositionOpening PositionState = "opening"
	// PositionActive means both legs are filled and funding is accruing.
	PositionActive PositionState = "active"
	// PositionClosing means reduce-only exit orders are in flight.
	PositionClosing PositionState = "closing"
	// PositionClosed means both legs were unwound normally.
	PositionClosed PositionState = "closed"
	// PositionFailed means the position ended abnormally and may need
	// manual reconciliation on the venues.
	PositionFailed PositionState = "failed"
)

func (s PositionState) String() string { return string(s) }

// Terminal reports whether the state admits no further transitions.
func (s PositionState) Terminal() bool {
	return s == PositionClosed || s == PositionFailed
}

// ExitReason records which rule closed a position.
type ExitReason string

const (
	ExitNone        ExitReason = ""
	ExitSpreadFlip  ExitReason = "spread_flip"
	ExitSpreadFloor ExitReason = "spread_floor"
	ExitCompression ExitReason = "spread_compression"
	ExitMaxDuration ExitReason = "max_duration"
	ExitStopLoss    ExitReason = "stop_loss"
	// ExitShutdown closes positions during graceful engine shutdown.
	ExitShutdown ExitReason = "shutdown"
	// ExitOneLegFailure marks positions whose entry left one leg unfilled.
	ExitOneLegFailure ExitReason = "one_leg_failure"
	// ExitCloseExhausted marks positions whose close retries ran out.
	ExitCloseExhausted ExitReason = "close_retries_exhausted"
	// ExitFailure marks entries that failed before any leg filled.
	ExitFailure ExitReason = "failure"
)

func (r ExitReason) String() string { return string(r) }

// ArbitragePosition is a delta-neutral pair of legs on two venues: long
// where funding is lower, short where it is higher. Both legs carry the
// same notional so price moves offset and the funding spread is the payoff.
type ArbitragePosition struct {
	ID                   string          `json:"id"`
	Symbol               Symbol          `json:"symbol"`
	LongVenue            VenueID         `json:"long_venue"`
	ShortVenue           VenueID         `json:"short_venue"`
	EntrySpreadPerHour   decimal.Decimal `json:"entry_spread_per_hour"`
	EntryTime            time.Time       `json:"entry_time"`
	State                PositionState   `json:"state"`
	SizeNotional         decimal.Decimal `json:"size_notional"`
	Leverage             int             `json:"leverage"`
	CumulativeFundingPnl decimal.Decimal `json:"cumulative_funding_pnl"`
	CumulativeFees       decimal.Decimal `json:"cumulative_fees"`
	LastAccrualAt        time.Time       `json:"last_accrual_at"`
	LongOrder            OrderRef        `json:"long_order"`
	ShortOrder           OrderRef        `json:"short_order"`
	ExitReason           ExitReason      `json:"exit_reason,omitempty"`
	ClosedAt             time.Time       `json:"closed_at,omitempty"`
}

// NewArbitragePosition constructs a position in the opening state from a
// scanned opportunity. The entry spread is stored signed, short rate minus
// long rate per hour, which is positive at entry by construction.
func NewArbitragePosition(opp Opportunity, notional decimal.Decimal, leverage int, now time.Time) (*ArbitragePosition, error) {
	if opp.Symbol == "" {
		return nil, errors.New("opportunity symbol must not be empty")
	}
	if opp.LongVenue == "" || opp.ShortVenue == "" {
		return nil, errors.Errorf("opportunity for %s is missing a venue", opp.Symbol)
	}
	if opp.LongVenue == opp.ShortVenue {
		return nil, errors.Errorf("opportunity for %s has both legs on %s", opp.Symbol, opp.LongVenue)
	}
	if notional.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("position notional must be greater than zero")
	}
	if leverage < 1 {
		return nil, errors.Errorf("leverage must be at least 1, got %d", leverage)
	}

	return &ArbitragePosition{
		ID:                   uuid.New().String(),
		Symbol:               opp.Symbol,
		LongVenue:            opp.LongVenue,
		ShortVenue:           opp.ShortVenue,
		EntrySpreadPerHour:   opp.ShortRatePerHour.Sub(opp.LongRatePerHour),
		EntryTime:            now,
		State:                PositionOpening,
		SizeNotional:         notional,
		Leverage:             leverage,
		CumulativeFundingPnl: decimal.Zero,
		CumulativeFees:       decimal.Zero,
		LastAccrualAt:        now,
		ExitReason:           ExitNone,
	}, nil
}

// VenueFor returns the venue holding the given leg.
func (p *ArbitragePosition) VenueFor(side Side) VenueID {
	if side == Long {
		return p.LongVenue
	}

	return p.ShortVenue
}

// OrderFor returns the entry order reference for the given leg.
func (p *ArbitragePosition) OrderFor(side Side) OrderRef {
	if side == Long {
		return p.LongOrder
	}

	return p.ShortOrder
}

// Age is how long the position has been held.
func (p *ArbitragePosition) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// NetPnl is accrued funding minus fees plus the venues' unrealized mark,
// the quantity the stop loss is judged on.
func (p *ArbitragePosition) NetPnl(unrealized decimal.Decimal) decimal.Decimal {
	return p.CumulativeFundingPnl.Sub(p.CumulativeFees).Add(unrealized)
}

// Accrue folds one accrual window into the running totals. The totals stay
// the source of truth even when a venue later re-reports its history.
func (p *ArbitragePosition) Accrue(funding, fees decimal.Decimal, at time.Time) {
	p.CumulativeFundingPnl = p.CumulativeFundingPnl.Add(funding)
	p.CumulativeFees = p.CumulativeFees.Add(fees)
	p.LastAccrualAt = at
}
