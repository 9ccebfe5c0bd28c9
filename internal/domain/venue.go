package domain

// VenueID identifies a derivatives venue the engine trades on.
type VenueID string

const (
	VenueBinance     VenueID = "binance"
	VenueBybit       VenueID = "bybit"
	VenueHyperliquid VenueID = "hyperliquid"
)

func (v VenueID) String() string {
	return string(v)
}

// Symbol is the canonical instrument identifier shared across venues,
// the base asset name without a quote suffix ("KAITO", not "KAITOUSDT").
// Venue adapters translate it to their native form.
type Symbol string

func (s Symbol) String() string {
	return string(s)
}

// Side is the direction of a single leg.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Opposite returns the other direction, used when unwinding a leg.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}

	return Long
}
