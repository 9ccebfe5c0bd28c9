package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var secondsPerHour = decimal.NewFromInt(3600)

// FundingQuote is a venue's current funding rate for one instrument
// together with the settlement interval the raw rate applies to.
type FundingQuote struct {
	Venue    VenueID
	Symbol   Symbol
	RawRate  decimal.Decimal
	Interval time.Duration
	AsOf     time.Time
}

// NormalizedRate is a funding rate reduced to a common time basis so that
// quotes with different settlement intervals compare directly. It keeps the
// raw rate and interval instead of a pre-divided quotient: dividing first
// loses precision on repeating decimals, and the loss shows up in spreads.
type NormalizedRate struct {
	Venue           VenueID
	Symbol          Symbol
	RawRate         decimal.Decimal
	IntervalSeconds decimal.Decimal
	AsOf            time.Time
}

// PerSecond is the raw rate spread over the settlement interval.
func (r NormalizedRate) PerSecond() decimal.Decimal {
	return r.RawRate.Div(r.IntervalSeconds)
}

// PerHour projects the rate onto one hour. Multiplying before dividing keeps
// the result exact for the intervals venues actually use (an hourly rate
// round-trips unchanged, an 8h rate is divided by a plain 8).
func (r NormalizedRate) PerHour() decimal.Decimal {
	return r.RawRate.Mul(secondsPerHour).Div(r.IntervalSeconds)
}

// AvailabilityEntry is one row of the availability snapshot: a symbol and
// the venues listing it. Fewer than two venues means the symbol cannot
// participate in an arbitrage pair.
type AvailabilityEntry struct {
	Symbol Symbol    `json:"symbol"`
	Venues []VenueID `json:"venues"`
}

// Tradable reports whether the symbol has enough listings to pair.
func (e AvailabilityEntry) Tradable() bool {
	return len(e.Venues) >= 2
}
