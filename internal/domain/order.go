package domain

import "github.com/shopspring/decimal"

// OrderRef points at an order placed on a specific venue. OrderID is the
// venue-assigned identifier and may be empty on venues that are addressed
// by client order ID only.
type OrderRef struct {
	Venue         VenueID `json:"venue"`
	Symbol        Symbol  `json:"symbol"`
	OrderID       string  `json:"order_id"`
	ClientOrderID string  `json:"client_order_id"`
}

// VenuePosition is a venue's own view of one open leg.
type VenuePosition struct {
	Symbol        Symbol
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnl decimal.Decimal
}
