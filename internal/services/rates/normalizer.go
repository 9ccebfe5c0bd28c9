// Package rates reduces venue funding quotes to a common per-second basis.
// Venues settle funding over different intervals (hourly on some, every
// eight hours on others), so raw rates are not comparable until divided by
// the interval length.
package rates

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
)

// ErrBadInterval marks a quote whose payment interval is unusable. Callers
// discard the quote for the tick and keep going.
var ErrBadInterval = errors.New("funding payment interval is not positive")

// Normalizer converts funding quotes into per-second rates.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize spreads the raw rate over the payment interval in seconds. A
// quote with a non-positive interval is a data-quality error, not a reason
// to halt scanning.
func (n *Normalizer) Normalize(q domain.FundingQuote) (domain.NormalizedRate, error) {
	if q.Interval <= 0 {
		return domain.NormalizedRate{}, errors.Wrapf(ErrBadInterval, "quote for %s on %s", q.Symbol, q.Venue)
	}

	return domain.NormalizedRate{
		Venue:           q.Venue,
		Symbol:          q.Symbol,
		RawRate:         q.RawRate,
		IntervalSeconds: decimal.NewFromFloat(q.Interval.Seconds()),
		AsOf:            q.AsOf,
	}, nil
}
