package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArbitragePosition(t *testing.T) {
	opp := Opportunity{
		Symbol:           "KAITO",
		LongVenue:        VenueBybit,
		ShortVenue:       VenueBinance,
		SpreadPerHour:    decimal.RequireFromString("0.0004"),
		LongRatePerHour:  decimal.RequireFromString("0.0001"),
		ShortRatePerHour: decimal.RequireFromString("0.0005"),
	}

	tests := []struct {
		name     string
		opp      Opportunity
		notional decimal.Decimal
		leverage int
		wantErr  bool
	}{
		{
			name:     "valid opportunity",
			opp:      opp,
			notional: decimal.NewFromInt(200),
			leverage: 3,
		},
		{
			name: "empty symbol",
			opp: Opportunity{
				LongVenue:  VenueBybit,
				ShortVenue: VenueBinance,
			},
			notional: decimal.NewFromInt(200),
			leverage: 3,
			wantErr:  true,
		},
		{
			name: "same venue on both legs",
			opp: Opportunity{
				Symbol:     "KAITO",
				LongVenue:  VenueBinance,
				ShortVenue: VenueBinance,
			},
			notional: decimal.NewFromInt(200),
			leverage: 3,
			wantErr:  true,
		},
		{
			name:     "zero notional",
			opp:      opp,
			notional: decimal.Zero,
			leverage: 3,
			wantErr:  true,
		},
		{
			name:     "zero leverage",
			opp:      opp,
			notional: decimal.NewFromInt(200),
			leverage: 0,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Now()
			pos, err := NewArbitragePosition(tt.opp, tt.notional, tt.leverage, now)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.NotEmpty(t, pos.ID)
			assert.Equal(t, PositionOpening, pos.State)
			assert.Equal(t, now, pos.EntryTime)
			assert.Equal(t, now, pos.LastAccrualAt)
			// short 0.0005 minus long 0.0001 per hour
			assert.True(t, decimal.RequireFromString("0.0004").Equal(pos.EntrySpreadPerHour),
				"expected 0.0004, got %s", pos.EntrySpreadPerHour)
		})
	}
}

func TestArbitragePosition_Accrue(t *testing.T) {
	pos := &ArbitragePosition{
		State:                PositionActive,
		SizeNotional:         decimal.NewFromInt(200),
		CumulativeFundingPnl: decimal.Zero,
		CumulativeFees:       decimal.Zero,
	}

	first := time.Now()
	pos.Accrue(decimal.RequireFromString("0.12"), decimal.RequireFromString("0.04"), first)
	second := first.Add(15 * time.Second)
	pos.Accrue(decimal.RequireFromString("0.08"), decimal.Zero, second)

	assert.True(t, decimal.RequireFromString("0.2").Equal(pos.CumulativeFundingPnl),
		"expected 0.2, got %s", pos.CumulativeFundingPnl)
	assert.True(t, decimal.RequireFromString("0.04").Equal(pos.CumulativeFees),
		"expected 0.04, got %s", pos.CumulativeFees)
	assert.Equal(t, second, pos.LastAccrualAt)
}

func TestArbitragePosition_NetPnl(t *testing.T) {
	pos := &ArbitragePosition{
		SizeNotional:         decimal.NewFromInt(200),
		CumulativeFundingPnl: decimal.RequireFromString("1.5"),
		CumulativeFees:       decimal.RequireFromString("0.5"),
	}

	// funding 1.5 - fees 0.5 - unrealized loss 3 = -2
	net := pos.NetPnl(decimal.RequireFromString("-3"))
	assert.True(t, decimal.RequireFromString("-2").Equal(net), "expected -2, got %s", net)
}

func TestPositionState_Terminal(t *testing.T) {
	assert.False(t, PositionOpening.Terminal())
	assert.False(t, PositionActive.Terminal())
	assert.False(t, PositionClosing.Terminal())
	assert.True(t, PositionClosed.Terminal())
	assert.True(t, PositionFailed.Terminal())
}

func TestSide_Opposite(t *testing.T) {
	assert.Equal(t, Short, Long.Opposite())
	assert.Equal(t, Long, Short.Opposite())
}
