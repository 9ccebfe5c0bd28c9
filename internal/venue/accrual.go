package venue

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
)

// approximateFunding estimates funding accrued on a venue position over a
// window from the current funding rate, for venues that do not itemize
// funding payments through their API. Longs pay when the rate is positive,
// shorts receive, so the signed position size carries the sign: funding =
// -rate * size * price * elapsed/interval.
func approximateFunding(quote domain.FundingQuote, signedSize, markPrice decimal.Decimal, since, now time.Time) decimal.Decimal {
	if quote.Interval <= 0 || signedSize.IsZero() || markPrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	elapsed := now.Sub(since)
	if elapsed <= 0 {
		return decimal.Zero
	}

	intervals := decimal.NewFromFloat(elapsed.Seconds() / quote.Interval.Seconds())

	return quote.RawRate.Mul(signedSize).Mul(markPrice).Mul(intervals).Neg()
}
