package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/fundarb/internal/domain"
	"github.com/vadiminshakov/fundarb/internal/services/rates"
	"github.com/vadiminshakov/fundarb/internal/venue"
	"go.uber.org/zap"
)

type staticIndex struct {
	entries map[domain.Symbol][]domain.VenueID
}

func (s *staticIndex) Tradable() []domain.Symbol {
	out := make([]domain.Symbol, 0, len(s.entries))
	for sym, venues := range s.entries {
		if len(venues) >= 2 {
			out = append(out, sym)
		}
	}
	return out
}

func (s *staticIndex) VenuesFor(symbol domain.Symbol) []domain.VenueID {
	return s.entries[symbol]
}

func testConfig() Config {
	return Config{
		MinProfitabilityPerHour: decimal.RequireFromString("0.0003"),
		MinDailyVolume:          decimal.NewFromInt(1_000_000),
		PositionNotional:        decimal.NewFromInt(200),
		TakerFeeRate:            decimal.RequireFromString("0.0005"),
	}
}

// twoPaperVenues builds venue A paying rawRateA per 8h and venue B paying
// rawRateB per 1h, both listing KAITO.
func twoPaperVenues(t *testing.T, rawRateA, rawRateB string) (map[domain.VenueID]venue.Gateway, *venue.PaperVenue, *venue.PaperVenue) {
	t.Helper()

	a := venue.NewPaperVenue("a", 8*time.Hour, decimal.RequireFromString("0.0005"), zap.NewNop())
	a.SetFunding("KAITO", decimal.RequireFromString(rawRateA))
	a.SetPrice("KAITO", decimal.NewFromInt(2))

	b := venue.NewPaperVenue("b", time.Hour, decimal.RequireFromString("0.0005"), zap.NewNop())
	b.SetFunding("KAITO", decimal.RequireFromString(rawRateB))
	b.SetPrice("KAITO", decimal.NewFromInt(2))

	return map[domain.VenueID]venue.Gateway{"a": a, "b": b}, a, b
}

func kaitoIndex() *staticIndex {
	return &staticIndex{entries: map[domain.Symbol][]domain.VenueID{
		"KAITO": {"a", "b"},
	}}
}

func TestScanner_EqualNormalizedRatesEmitNothing(t *testing.T) {
	// 0.0008 per 8h and 0.0001 per 1h normalize to the same per-second rate
	gateways, _, _ := twoPaperVenues(t, "0.0008", "0.0001")

	s, err := NewScanner(gateways, kaitoIndex(), rates.NewNormalizer(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	opps := s.Scan(context.Background(), nil)
	assert.Empty(t, opps)
}

func TestScanner_WideSpreadEmitsOpportunity(t *testing.T) {
	// venue B at 0.0005 per 1h vs venue A at 0.0008 per 8h: spread is
	// 0.0005 - 0.0001 = 0.0004 per hour, above the 0.0003 threshold
	gateways, _, _ := twoPaperVenues(t, "0.0008", "0.0005")

	s, err := NewScanner(gateways, kaitoIndex(), rates.NewNormalizer(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	opps := s.Scan(context.Background(), nil)
	require.Len(t, opps, 1)

	opp := opps[0]
	assert.Equal(t, domain.Symbol("KAITO"), opp.Symbol)
	assert.Equal(t, domain.VenueID("a"), opp.LongVenue, "lower rate venue takes the long leg")
	assert.Equal(t, domain.VenueID("b"), opp.ShortVenue, "higher rate venue takes the short leg")
	assert.True(t, opp.SpreadPerHour.Equal(decimal.RequireFromString("0.0004")),
		"spread %s", opp.SpreadPerHour)
	// 200 * 0.0005 * 2 legs
	assert.True(t, opp.EstimatedEntryCost.Equal(decimal.RequireFromString("0.2")))
}

func TestScanner_SpreadBelowThresholdRejected(t *testing.T) {
	gateways, _, _ := twoPaperVenues(t, "0.0008", "0.0002")

	s, err := NewScanner(gateways, kaitoIndex(), rates.NewNormalizer(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	// spread is 0.0001 per hour, below the 0.0003 threshold
	assert.Empty(t, s.Scan(context.Background(), nil))
}

func TestScanner_LiquidityFailsOpenWhenVolumeUnavailable(t *testing.T) {
	// neither paper venue has scripted volume, so both report unavailable
	gateways, _, _ := twoPaperVenues(t, "0.0008", "0.0005")

	s, err := NewScanner(gateways, kaitoIndex(), rates.NewNormalizer(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	opps := s.Scan(context.Background(), nil)
	assert.Len(t, opps, 1, "missing volume data must not block an otherwise profitable trade")
}

func TestScanner_LowVolumeRejected(t *testing.T) {
	gateways, a, b := twoPaperVenues(t, "0.0008", "0.0005")
	a.SetVolume("KAITO", decimal.NewFromInt(5_000_000))
	b.SetVolume("KAITO", decimal.NewFromInt(1000)) // below the 1M threshold

	s, err := NewScanner(gateways, kaitoIndex(), rates.NewNormalizer(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	assert.Empty(t, s.Scan(context.Background(), nil))
}

func TestScanner_SymbolsWithOpenPositionsSkipped(t *testing.T) {
	gateways, _, _ := twoPaperVenues(t, "0.0008", "0.0005")

	s, err := NewScanner(gateways, kaitoIndex(), rates.NewNormalizer(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	opps := s.Scan(context.Background(), func(sym domain.Symbol) bool {
		return sym == "KAITO"
	})
	assert.Empty(t, opps)
}

func TestScanner_SingleSurvivingQuoteSkipsSymbol(t *testing.T) {
	gateways, _, _ := twoPaperVenues(t, "0.0008", "0.0005")
	// venue b stops quoting the symbol entirely
	gateways["b"] = venue.NewPaperVenue("b", time.Hour, decimal.Zero, zap.NewNop())

	s, err := NewScanner(gateways, kaitoIndex(), rates.NewNormalizer(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	assert.Empty(t, s.Scan(context.Background(), nil))
}

func TestScanner_ThreeVenuesPickBestPairing(t *testing.T) {
	gateways, _, _ := twoPaperVenues(t, "0.0008", "0.0005")

	c := venue.NewPaperVenue("c", time.Hour, decimal.Zero, zap.NewNop())
	c.SetFunding("KAITO", decimal.RequireFromString("-0.0002"))
	c.SetPrice("KAITO", decimal.NewFromInt(2))
	gateways["c"] = c

	idx := &staticIndex{entries: map[domain.Symbol][]domain.VenueID{
		"KAITO": {"a", "b", "c"},
	}}

	s, err := NewScanner(gateways, idx, rates.NewNormalizer(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	opps := s.Scan(context.Background(), nil)
	require.Len(t, opps, 1)

	// widest pairing is b (0.0005/h) against c (-0.0002/h)
	assert.Equal(t, domain.VenueID("c"), opps[0].LongVenue)
	assert.Equal(t, domain.VenueID("b"), opps[0].ShortVenue)
	assert.True(t, opps[0].SpreadPerHour.Equal(decimal.RequireFromString("0.0007")))
}

func TestScanner_IlliquidWidestPairingYieldsToNarrower(t *testing.T) {
	gateways, a, b := twoPaperVenues(t, "0.0008", "0.0005")
	a.SetVolume("KAITO", decimal.NewFromInt(5_000_000))
	b.SetVolume("KAITO", decimal.NewFromInt(5_000_000))

	c := venue.NewPaperVenue("c", time.Hour, decimal.Zero, zap.NewNop())
	c.SetFunding("KAITO", decimal.RequireFromString("-0.0002"))
	c.SetPrice("KAITO", decimal.NewFromInt(2))
	c.SetVolume("KAITO", decimal.NewFromInt(1000)) // below the 1M threshold
	gateways["c"] = c

	idx := &staticIndex{entries: map[domain.Symbol][]domain.VenueID{
		"KAITO": {"a", "b", "c"},
	}}

	s, err := NewScanner(gateways, idx, rates.NewNormalizer(), testConfig(), zap.NewNop())
	require.NoError(t, err)

	opps := s.Scan(context.Background(), nil)
	require.Len(t, opps, 1)

	// b-c is widest at 0.0007/h but c is illiquid; a-b at 0.0004/h clears
	// every filter and must not be shadowed
	assert.Equal(t, domain.VenueID("a"), opps[0].LongVenue)
	assert.Equal(t, domain.VenueID("b"), opps[0].ShortVenue)
	assert.True(t, opps[0].SpreadPerHour.Equal(decimal.RequireFromString("0.0004")))
}
