package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Opportunity is a candidate funding arbitrage pairing for one symbol:
// short the venue paying the higher funding rate, long the venue paying
// the lower one, and collect the spread while the legs offset each other.
type Opportunity struct {
	Symbol             Symbol          `json:"symbol"`
	LongVenue          VenueID         `json:"long_venue"`
	ShortVenue         VenueID         `json:"short_venue"`
	SpreadPerHour      decimal.Decimal `json:"spread_per_hour"`
	LongRatePerHour    decimal.Decimal `json:"long_rate_per_hour"`
	ShortRatePerHour   decimal.Decimal `json:"short_rate_per_hour"`
	EstimatedEntryCost decimal.Decimal `json:"estimated_entry_cost"`
	DiscoveredAt       time.Time       `json:"discovered_at"`
}
