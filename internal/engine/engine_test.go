package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/fundarb/internal/domain"
	"github.com/vadiminshakov/fundarb/internal/services/availability"
	"github.com/vadiminshakov/fundarb/internal/services/spreadstats"
	"github.com/vadiminshakov/fundarb/internal/venue"
	"go.uber.org/zap"
)

const (
	venueA = domain.VenueID("paper-a")
	venueB = domain.VenueID("paper-b")
	venueC = domain.VenueID("paper-c")
)

type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeManager struct {
	rec     *callRecorder
	openErr error
	opened  []domain.Symbol
}

func (m *fakeManager) EvaluateAll(ctx context.Context, now time.Time) {
	m.rec.record("evaluate")
}

func (m *fakeManager) Open(ctx context.Context, opp domain.Opportunity) error {
	m.rec.record("open:" + opp.Symbol.String())
	m.opened = append(m.opened, opp.Symbol)
	return m.openErr
}

func (m *fakeManager) HasPosition(symbol domain.Symbol) bool { return false }

func (m *fakeManager) CloseAll(ctx context.Context) {
	m.rec.record("close_all")
}

type fakeScanner struct {
	rec  *callRecorder
	opps []domain.Opportunity
}

func (s *fakeScanner) Scan(ctx context.Context, hasPosition func(domain.Symbol) bool) []domain.Opportunity {
	s.rec.record("scan")
	return s.opps
}

// the real index must satisfy the engine's view of it
var _ availabilityIndex = (*availability.Index)(nil)

type fakeIndex struct {
	rec *callRecorder
}

func (i *fakeIndex) Rebuild(ctx context.Context) {
	i.rec.record("rebuild")
}

func opp(symbol domain.Symbol, long, short domain.VenueID, spread string) domain.Opportunity {
	return domain.Opportunity{
		Symbol:        symbol,
		LongVenue:     long,
		ShortVenue:    short,
		SpreadPerHour: decimal.RequireFromString(spread),
		DiscoveredAt:  time.Now(),
	}
}

// paperGateways builds venues with the given free USDT balances.
func paperGateways(balances map[domain.VenueID]string) map[domain.VenueID]venue.Gateway {
	out := make(map[domain.VenueID]venue.Gateway, len(balances))
	for id, bal := range balances {
		v := venue.NewPaperVenue(id, time.Hour, decimal.Zero, zap.NewNop())
		v.SetBalance("USDT", decimal.RequireFromString(bal))
		out[id] = v
	}
	return out
}

func newTestEngine(t *testing.T, rec *callRecorder, opps []domain.Opportunity, balances map[domain.VenueID]string) (*Engine, *fakeManager) {
	t.Helper()

	manager := &fakeManager{rec: rec}
	e, err := New(
		paperGateways(balances),
		&fakeIndex{rec: rec},
		&fakeScanner{rec: rec, opps: opps},
		manager,
		spreadstats.NewTracker(3),
		Config{
			PositionNotional:    decimal.NewFromInt(200),
			Leverage:            2,
			BalanceSafetyBuffer: decimal.RequireFromString("0.1"),
		},
		zap.NewNop(),
	)
	require.NoError(t, err)

	return e, manager
}

func TestEngine_TickEvaluatesExitsBeforeEntries(t *testing.T) {
	rec := &callRecorder{}
	opps := []domain.Opportunity{opp("KAITO", venueA, venueB, "0.0007")}
	e, _ := newTestEngine(t, rec, opps, map[domain.VenueID]string{venueA: "500", venueB: "500"})

	e.tick(context.Background())

	assert.Equal(t, []string{"evaluate", "scan", "open:KAITO"}, rec.snapshot())
}

func TestEngine_InsufficientBalanceTriesNextCandidate(t *testing.T) {
	rec := &callRecorder{}
	// margin requirement is 200/2 * 1.1 = 110 per venue
	opps := []domain.Opportunity{
		opp("KAITO", venueA, venueB, "0.0009"),
		opp("ETH", venueB, venueC, "0.0004"),
	}
	e, manager := newTestEngine(t, rec, opps, map[domain.VenueID]string{
		venueA: "50",
		venueB: "500",
		venueC: "500",
	})

	e.tick(context.Background())

	require.Len(t, manager.opened, 1)
	assert.Equal(t, domain.Symbol("ETH"), manager.opened[0])
}

func TestEngine_AtMostOneEntryPerTick(t *testing.T) {
	rec := &callRecorder{}
	opps := []domain.Opportunity{
		opp("KAITO", venueA, venueB, "0.0009"),
		opp("ETH", venueA, venueB, "0.0004"),
	}
	e, manager := newTestEngine(t, rec, opps, map[domain.VenueID]string{venueA: "500", venueB: "500"})

	e.tick(context.Background())

	require.Len(t, manager.opened, 1)
	assert.Equal(t, domain.Symbol("KAITO"), manager.opened[0])
}

func TestEngine_TickRanksAndPublishesOpportunities(t *testing.T) {
	rec := &callRecorder{}
	// scanner output is unordered, the engine publishes it ranked
	opps := []domain.Opportunity{
		opp("ETH", venueA, venueB, "0.0004"),
		opp("KAITO", venueA, venueB, "0.0009"),
	}
	e, _ := newTestEngine(t, rec, opps, map[domain.VenueID]string{venueA: "500", venueB: "500"})

	e.tick(context.Background())

	published, at := e.Opportunities()
	require.Len(t, published, 2)
	assert.Equal(t, domain.Symbol("KAITO"), published[0].Symbol)
	assert.Equal(t, domain.Symbol("ETH"), published[1].Symbol)
	assert.False(t, at.IsZero())
}

func TestEngine_ShutdownClosesPositionsWhenConfigured(t *testing.T) {
	rec := &callRecorder{}
	manager := &fakeManager{rec: rec}
	e, err := New(
		paperGateways(map[domain.VenueID]string{venueA: "500", venueB: "500"}),
		&fakeIndex{rec: rec},
		&fakeScanner{rec: rec},
		manager,
		spreadstats.NewTracker(3),
		Config{
			PositionNotional: decimal.NewFromInt(200),
			Leverage:         2,
			TickInterval:     time.Hour,
			CloseOnShutdown:  true,
		},
		zap.NewNop(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	// let Run get past the initial rebuild before canceling
	require.Eventually(t, func() bool {
		for _, c := range rec.snapshot() {
			if c == "rebuild" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	calls := rec.snapshot()
	assert.Equal(t, "close_all", calls[len(calls)-1])
}
