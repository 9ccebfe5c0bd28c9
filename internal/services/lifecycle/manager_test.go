package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/fundarb/internal/domain"
	"github.com/vadiminshakov/fundarb/internal/services/rates"
	"github.com/vadiminshakov/fundarb/internal/storage/journal"
	"github.com/vadiminshakov/fundarb/internal/venue"
	"github.com/vadiminshakov/fundarb/pkg/retrier"
	"go.uber.org/zap"
)

const (
	testSymbol    = domain.Symbol("KAITO")
	venueA        = domain.VenueID("paper-a")
	venueB        = domain.VenueID("paper-b")
	testFeeRate   = "0.00025"
	testMarkPrice = "2"
)

type journalRecorder struct {
	mu     sync.Mutex
	events []journal.Event
}

func (r *journalRecorder) Append(e journal.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *journalRecorder) find(kind journal.EventKind) (journal.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return journal.Event{}, false
}

type managerFixture struct {
	manager *Manager
	a       *venue.PaperVenue
	b       *venue.PaperVenue
	journal *journalRecorder
}

// newFixture wires two paper venues quoting the same mark price with
// per-hour funding intervals, so raw rates read directly as per-hour rates.
func newFixture(t *testing.T, cfg Config) *managerFixture {
	t.Helper()

	fee := decimal.RequireFromString(testFeeRate)
	a := venue.NewPaperVenue(venueA, time.Hour, fee, zap.NewNop())
	b := venue.NewPaperVenue(venueB, time.Hour, fee, zap.NewNop())
	for _, v := range []*venue.PaperVenue{a, b} {
		v.SetPrice(testSymbol, decimal.RequireFromString(testMarkPrice))
	}
	a.SetFunding(testSymbol, decimal.RequireFromString("0.0001"))
	b.SetFunding(testSymbol, decimal.RequireFromString("0.0008"))

	if cfg.PositionNotional.IsZero() {
		cfg.PositionNotional = decimal.NewFromInt(200)
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 3
	}
	if cfg.FillTimeout == 0 {
		cfg.FillTimeout = 100 * time.Millisecond
	}
	if cfg.FillPollInterval == 0 {
		cfg.FillPollInterval = 10 * time.Millisecond
	}

	rec := &journalRecorder{}
	closer := retrier.New(retrier.WithMaxRetries(1), retrier.WithInitialInterval(time.Millisecond))
	m, err := NewManager(
		map[domain.VenueID]venue.Gateway{venueA: a, venueB: b},
		rates.NewNormalizer(),
		rec,
		closer,
		cfg,
		zap.NewNop(),
	)
	require.NoError(t, err)

	return &managerFixture{manager: m, a: a, b: b, journal: rec}
}

func testOpportunity() domain.Opportunity {
	return domain.Opportunity{
		Symbol:           testSymbol,
		LongVenue:        venueA,
		ShortVenue:       venueB,
		SpreadPerHour:    decimal.RequireFromString("0.0007"),
		LongRatePerHour:  decimal.RequireFromString("0.0001"),
		ShortRatePerHour: decimal.RequireFromString("0.0008"),
		DiscoveredAt:     time.Now(),
	}
}

// holdingConfig disables every exit rule so evaluation leaves the position
// active.
func holdingConfig() Config {
	return Config{
		MinSpreadFloorPerHour:   decimal.Zero,
		CompressionExitFraction: decimal.RequireFromString("0.99"),
		MaxHoldingDuration:      24 * time.Hour,
		MaxLossFraction:         decimal.NewFromInt(1),
	}
}

func TestManager_OpenActivatesBothLegs(t *testing.T) {
	f := newFixture(t, holdingConfig())

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	pos, ok := f.manager.Position(testSymbol)
	require.True(t, ok)
	assert.Equal(t, domain.PositionActive, pos.State)
	assert.Equal(t, venueA, pos.LongVenue)
	assert.Equal(t, venueB, pos.ShortVenue)
	assert.Equal(t, "0.0007", pos.EntrySpreadPerHour.String())

	// notional 200 at price 2 is 100 contracts on each leg
	assert.Equal(t, "100", f.a.PositionSize(testSymbol).String())
	assert.Equal(t, "-100", f.b.PositionSize(testSymbol).String())

	_, opened := f.journal.find(journal.EventOpened)
	assert.True(t, opened)
	_, activated := f.journal.find(journal.EventActivated)
	assert.True(t, activated)
}

func TestManager_AtMostOnePositionPerSymbol(t *testing.T) {
	f := newFixture(t, holdingConfig())

	const attempts = 8
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.manager.Open(context.Background(), testOpportunity())
		}()
	}
	wg.Wait()
	close(results)

	var opened, rejected int
	for err := range results {
		switch {
		case err == nil:
			opened++
		case errors.Is(err, ErrPositionExists):
			rejected++
		default:
			t.Fatalf("unexpected open error: %v", err)
		}
	}

	assert.Equal(t, 1, opened)
	assert.Equal(t, attempts-1, rejected)
	assert.Equal(t, "100", f.a.PositionSize(testSymbol).String())
}

func TestManager_OneLegStallUnwindsTheOther(t *testing.T) {
	f := newFixture(t, holdingConfig())
	f.b.StallNextOrder(testSymbol)

	err := f.manager.Open(context.Background(), testOpportunity())
	require.Error(t, err)

	assert.False(t, f.manager.HasPosition(testSymbol))
	// the filled long leg must be flattened again
	assert.True(t, f.a.PositionSize(testSymbol).IsZero())
	assert.True(t, f.b.PositionSize(testSymbol).IsZero())

	unwind, ok := f.journal.find(journal.EventUnwind)
	require.True(t, ok)
	assert.Equal(t, journal.SeverityAlert, unwind.Severity)

	failed, ok := f.journal.find(journal.EventFailed)
	require.True(t, ok)
	assert.Equal(t, journal.SeverityAlert, failed.Severity)
	assert.Equal(t, domain.PositionFailed, failed.Position.State)
}

func TestManager_BothLegsFailedLeavesNothingDeployed(t *testing.T) {
	f := newFixture(t, holdingConfig())
	f.a.FailNextOrder(testSymbol)
	f.b.FailNextOrder(testSymbol)

	err := f.manager.Open(context.Background(), testOpportunity())
	require.Error(t, err)

	assert.False(t, f.manager.HasPosition(testSymbol))
	assert.True(t, f.a.PositionSize(testSymbol).IsZero())
	assert.True(t, f.b.PositionSize(testSymbol).IsZero())
	_, unwound := f.journal.find(journal.EventUnwind)
	assert.False(t, unwound)
}

func TestManager_SpreadFlipClosesBeforeOtherRules(t *testing.T) {
	cfg := holdingConfig()
	cfg.MaxHoldingDuration = time.Nanosecond
	f := newFixture(t, cfg)

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	// reverse the differential: long venue now pays more than short
	f.a.SetFunding(testSymbol, decimal.RequireFromString("0.0008"))
	f.b.SetFunding(testSymbol, decimal.RequireFromString("0.0001"))

	f.manager.EvaluateAll(context.Background(), time.Now().Add(time.Hour))

	assert.False(t, f.manager.HasPosition(testSymbol))
	closed, ok := f.journal.find(journal.EventClosed)
	require.True(t, ok)
	assert.Equal(t, string(domain.ExitSpreadFlip), closed.Note)
}

func TestManager_CompressionBeatsDuration(t *testing.T) {
	cfg := Config{
		MinSpreadFloorPerHour:   decimal.RequireFromString("0.00005"),
		CompressionExitFraction: decimal.RequireFromString("0.6"),
		MaxHoldingDuration:      time.Nanosecond,
		MaxLossFraction:         decimal.NewFromInt(1),
	}
	f := newFixture(t, cfg)

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	// spread shrinks from 0.0007 to 0.0001 per hour: 86% compression,
	// while the floor at 0.00005 is still cleared and the holding duration
	// is also exceeded
	f.b.SetFunding(testSymbol, decimal.RequireFromString("0.0002"))

	f.manager.EvaluateAll(context.Background(), time.Now().Add(time.Hour))

	closed, ok := f.journal.find(journal.EventClosed)
	require.True(t, ok)
	assert.Equal(t, string(domain.ExitCompression), closed.Note)
}

func TestManager_MaxDurationWhenSpreadStillHealthy(t *testing.T) {
	cfg := holdingConfig()
	cfg.MaxHoldingDuration = time.Minute
	f := newFixture(t, cfg)

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	f.manager.EvaluateAll(context.Background(), time.Now().Add(time.Hour))

	closed, ok := f.journal.find(journal.EventClosed)
	require.True(t, ok)
	assert.Equal(t, string(domain.ExitMaxDuration), closed.Note)
	assert.True(t, f.a.PositionSize(testSymbol).IsZero())
	assert.True(t, f.b.PositionSize(testSymbol).IsZero())
}

func TestManager_StopLossOnMarkedLoss(t *testing.T) {
	cfg := holdingConfig()
	cfg.MaxLossFraction = decimal.RequireFromString("0.05")
	f := newFixture(t, cfg)

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	// long leg entered at 2 with 100 contracts; marking it at 1.8 is a 20
	// USDT unrealized loss, 10% of the 200 notional
	f.a.SetPrice(testSymbol, decimal.RequireFromString("1.8"))

	f.manager.EvaluateAll(context.Background(), time.Now())

	closed, ok := f.journal.find(journal.EventClosed)
	require.True(t, ok)
	assert.Equal(t, string(domain.ExitStopLoss), closed.Note)
}

func TestManager_CloseRetriesExhaustedMarksFailed(t *testing.T) {
	cfg := holdingConfig()
	cfg.MaxHoldingDuration = time.Minute
	f := newFixture(t, cfg)

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	// zero price makes every close order on the long venue fail
	f.a.SetPrice(testSymbol, decimal.Zero)

	f.manager.EvaluateAll(context.Background(), time.Now().Add(time.Hour))

	assert.False(t, f.manager.HasPosition(testSymbol))

	failed, ok := f.journal.find(journal.EventFailed)
	require.True(t, ok)
	assert.Equal(t, journal.SeverityAlert, failed.Severity)
	assert.Equal(t, domain.PositionFailed, failed.Position.State)
	assert.Equal(t, domain.ExitCloseExhausted, failed.Position.ExitReason)
}

func TestManager_CloseAllUsesShutdownReason(t *testing.T) {
	f := newFixture(t, holdingConfig())

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	f.manager.CloseAll(context.Background())

	assert.False(t, f.manager.HasPosition(testSymbol))
	assert.True(t, f.a.PositionSize(testSymbol).IsZero())
	assert.True(t, f.b.PositionSize(testSymbol).IsZero())

	closed, ok := f.journal.find(journal.EventClosed)
	require.True(t, ok)
	assert.Equal(t, string(domain.ExitShutdown), closed.Note)
}

func TestManager_AccrualFoldsFeesIntoTotals(t *testing.T) {
	f := newFixture(t, holdingConfig())

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	f.manager.EvaluateAll(context.Background(), time.Now())

	pos, ok := f.manager.Position(testSymbol)
	require.True(t, ok)
	// taker fee on both entry legs: 2 * 200 * 0.00025
	assert.Equal(t, "0.1", pos.CumulativeFees.String())
}

// slowGateway delays order placement so a close stays in flight while the
// sibling leg runs its course.
type slowGateway struct {
	venue.Gateway
	delay time.Duration
}

func (g *slowGateway) PlaceOrder(ctx context.Context, req venue.OrderRequest) (domain.OrderRef, error) {
	select {
	case <-ctx.Done():
		return domain.OrderRef{}, ctx.Err()
	case <-time.After(g.delay):
	}
	return g.Gateway.PlaceOrder(ctx, req)
}

// flakyStatusGateway errors the first few fill polls, then recovers.
type flakyStatusGateway struct {
	venue.Gateway
	mu       sync.Mutex
	failures int
}

func (g *flakyStatusGateway) OrderExecuted(ctx context.Context, ref domain.OrderRef) (bool, decimal.Decimal, error) {
	g.mu.Lock()
	if g.failures > 0 {
		g.failures--
		g.mu.Unlock()
		return false, decimal.Zero, errors.New("status endpoint hiccup")
	}
	g.mu.Unlock()
	return g.Gateway.OrderExecuted(ctx, ref)
}

func TestManager_FailedLegDoesNotAbortSiblingClose(t *testing.T) {
	f := newFixture(t, holdingConfig())

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	// long venue rejects every close, the short venue is healthy but slow:
	// its in-flight close must finish even after the long leg gives up
	f.a.SetPrice(testSymbol, decimal.Zero)
	f.manager.gateways[venueB] = &slowGateway{Gateway: f.b, delay: 30 * time.Millisecond}

	f.manager.Close(context.Background(), testSymbol, domain.ExitMaxDuration)

	assert.True(t, f.b.PositionSize(testSymbol).IsZero(), "healthy short leg was not closed")
	assert.False(t, f.manager.HasPosition(testSymbol))

	failed, ok := f.journal.find(journal.EventFailed)
	require.True(t, ok)
	assert.Equal(t, domain.ExitCloseExhausted, failed.Position.ExitReason)
}

func TestManager_TransientFillPollErrorDoesNotFailEntry(t *testing.T) {
	f := newFixture(t, holdingConfig())
	f.manager.gateways[venueA] = &flakyStatusGateway{Gateway: f.a, failures: 2}

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	pos, ok := f.manager.Position(testSymbol)
	require.True(t, ok)
	assert.Equal(t, domain.PositionActive, pos.State)
	assert.Equal(t, "100", f.a.PositionSize(testSymbol).String())
	assert.Equal(t, "-100", f.b.PositionSize(testSymbol).String())

	_, unwound := f.journal.find(journal.EventUnwind)
	assert.False(t, unwound, "a flaky status poll must not trigger the one-leg failure path")
}

func TestManager_QuoteOutageSkipsSpreadRulesNotDuration(t *testing.T) {
	cfg := holdingConfig()
	cfg.MaxHoldingDuration = time.Minute
	f := newFixture(t, cfg)

	require.NoError(t, f.manager.Open(context.Background(), testOpportunity()))

	// swap in a venue that never listed the symbol's funding: spread rules
	// lose their data and must be skipped, duration still applies
	blind := venue.NewPaperVenue(venueA, time.Hour, decimal.Zero, zap.NewNop())
	blind.SetPrice(testSymbol, decimal.RequireFromString("2"))
	f.manager.gateways[venueA] = blind

	f.manager.EvaluateAll(context.Background(), time.Now().Add(time.Hour))

	closed, ok := f.journal.find(journal.EventClosed)
	require.True(t, ok)
	assert.Equal(t, string(domain.ExitMaxDuration), closed.Note)
}
