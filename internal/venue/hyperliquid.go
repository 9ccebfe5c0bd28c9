package venue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/fundarb/internal/domain"
)

const hyperliquidSlippage = 0.005 // 0.5%, emulates a market order via IOC limit

// HyperliquidGateway adapts Hyperliquid perpetuals to the Gateway surface.
// Funding settles hourly and is not itemized through the SDK, so
// AccruedSince approximates it from the current rate and the open position.
type HyperliquidGateway struct {
	ex              *hyperliquid.Exchange
	info            *hyperliquid.Info
	accountAddr     string
	fundingInterval time.Duration

	levMu       sync.Mutex
	leverageSet map[domain.Symbol]int
}

var _ Gateway = (*HyperliquidGateway)(nil)

func NewHyperliquidGateway(ex *hyperliquid.Exchange, accountAddr string, fundingInterval time.Duration) (*HyperliquidGateway, error) {
	if ex == nil {
		return nil, errors.New("hyperliquid exchange is nil")
	}
	if fundingInterval <= 0 {
		return nil, errors.New("hyperliquid funding interval must be positive")
	}

	return &HyperliquidGateway{
		ex:              ex,
		info:            ex.Info(),
		accountAddr:     accountAddr,
		fundingInterval: fundingInterval,
		leverageSet:     make(map[domain.Symbol]int),
	}, nil
}

func (g *HyperliquidGateway) Name() domain.VenueID { return domain.VenueHyperliquid }

// cloidFromID converts a free-form client ID into a valid Hyperliquid cloid
// (0x + 32 hex chars).
func cloidFromID(id string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(id)))
	return "0x" + hex.EncodeToString(sum[:16])
}

type hlAssetCtx struct {
	funding   decimal.Decimal
	midPrice  decimal.Decimal
	dayVolume decimal.Decimal
	hasVolume bool
}

func (g *HyperliquidGateway) assetCtx(ctx context.Context, symbol domain.Symbol) (hlAssetCtx, error) {
	state, err := g.info.MetaAndAssetCtxs(ctx)
	if err != nil {
		return hlAssetCtx{}, errors.Wrap(err, "failed to fetch hyperliquid asset contexts")
	}

	idx := -1
	for i, asset := range state.Universe {
		if asset.Name == symbol.String() {
			idx = i
			break
		}
	}
	if idx < 0 || idx >= len(state.Ctxs) {
		return hlAssetCtx{}, errors.Wrapf(ErrNotListed, "hyperliquid does not list %s", symbol)
	}

	item := state.Ctxs[idx]

	var out hlAssetCtx
	if out.funding, err = decimal.NewFromString(item.Funding); err != nil {
		return hlAssetCtx{}, errors.Wrapf(err, "failed to parse hyperliquid funding rate for %s", symbol)
	}
	if out.midPrice, err = decimal.NewFromString(item.MidPx); err != nil {
		return hlAssetCtx{}, errors.Wrapf(err, "failed to parse hyperliquid mid price for %s", symbol)
	}
	if vol, convErr := decimal.NewFromString(item.DayNtlVlm); convErr == nil {
		out.dayVolume = vol
		out.hasVolume = true
	}

	return out, nil
}

func (g *HyperliquidGateway) FundingQuote(ctx context.Context, symbol domain.Symbol) (domain.FundingQuote, error) {
	ac, err := g.assetCtx(ctx, symbol)
	if err != nil {
		return domain.FundingQuote{}, err
	}

	return domain.FundingQuote{
		Venue:    g.Name(),
		Symbol:   symbol,
		RawRate:  ac.funding,
		Interval: g.fundingInterval,
		AsOf:     time.Now(),
	}, nil
}

func (g *HyperliquidGateway) Symbols(ctx context.Context) ([]domain.Symbol, error) {
	meta, err := g.info.Meta(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch hyperliquid meta")
	}

	symbols := make([]domain.Symbol, 0, len(meta.Universe))
	for _, asset := range meta.Universe {
		if asset.Name == "" {
			continue
		}
		symbols = append(symbols, domain.Symbol(asset.Name))
	}

	return symbols, nil
}

func (g *HyperliquidGateway) DailyVolume(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error) {
	ac, err := g.assetCtx(ctx, symbol)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrVolumeUnavailable, "hyperliquid asset ctx for %s: %v", symbol, err)
	}
	if !ac.hasVolume {
		return decimal.Zero, errors.Wrapf(ErrVolumeUnavailable, "hyperliquid reported no day volume for %s", symbol)
	}

	return ac.dayVolume, nil
}

func (g *HyperliquidGateway) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	st, err := g.info.UserState(ctx, g.accountAddr)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to fetch hyperliquid user state")
	}

	// perp collateral is USD-denominated regardless of the asset name asked for
	if st.Withdrawable != "" {
		if free, parseErr := decimal.NewFromString(st.Withdrawable); parseErr == nil {
			return free, nil
		}
	}
	if st.MarginSummary.TotalRawUsd != "" {
		if total, parseErr := decimal.NewFromString(st.MarginSummary.TotalRawUsd); parseErr == nil {
			return total, nil
		}
	}

	return decimal.Zero, nil
}

func (g *HyperliquidGateway) ensureLeverage(ctx context.Context, symbol domain.Symbol, leverage int) {
	g.levMu.Lock()
	defer g.levMu.Unlock()

	if leverage <= 1 || g.leverageSet[symbol] == leverage {
		return
	}
	// some assets cap leverage; a rejection here is not fatal for entry
	if _, err := g.ex.UpdateLeverage(ctx, leverage, symbol.String(), true); err == nil {
		g.leverageSet[symbol] = leverage
	}
}

func (g *HyperliquidGateway) PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderRef, error) {
	if !req.ReduceOnly {
		g.ensureLeverage(ctx, req.Symbol, req.Leverage)
	}

	ac, err := g.assetCtx(ctx, req.Symbol)
	if err != nil {
		return domain.OrderRef{}, err
	}
	if ac.midPrice.LessThanOrEqual(decimal.Zero) {
		return domain.OrderRef{}, errors.Errorf("hyperliquid mid price for %s is not positive", req.Symbol)
	}

	size, _ := req.Notional.Div(ac.midPrice).Round(8).Float64()
	if size <= 0 {
		return domain.OrderRef{}, errors.Errorf("hyperliquid order size for %s rounds to zero", req.Symbol)
	}

	isBuy := req.Side == domain.Long
	px, err := g.ex.SlippagePrice(ctx, req.Symbol.String(), isBuy, hyperliquidSlippage, nil)
	if err != nil {
		return domain.OrderRef{}, errors.Wrap(err, "failed to compute hyperliquid slippage price")
	}

	cloid := cloidFromID(req.ClientOrderID)
	order := hyperliquid.CreateOrderRequest{
		Coin:          req.Symbol.String(),
		IsBuy:         isBuy,
		Price:         px,
		Size:          size,
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: &cloid,
		OrderType: hyperliquid.OrderType{
			Limit: &hyperliquid.LimitOrderType{Tif: hyperliquid.TifIoc},
		},
	}

	if _, err := g.ex.Order(ctx, order, nil); err != nil {
		return domain.OrderRef{}, errors.Wrapf(err, "failed to place hyperliquid %s order for %s", req.Side, req.Symbol)
	}

	return domain.OrderRef{
		Venue:         g.Name(),
		Symbol:        req.Symbol,
		ClientOrderID: req.ClientOrderID,
	}, nil
}

func (g *HyperliquidGateway) OrderExecuted(ctx context.Context, ref domain.OrderRef) (bool, decimal.Decimal, error) {
	if ref.ClientOrderID == "" {
		return false, decimal.Zero, nil
	}

	res, err := g.info.QueryOrderByCloid(ctx, g.accountAddr, cloidFromID(ref.ClientOrderID))
	if err != nil {
		return false, decimal.Zero, errors.Wrap(err, "failed to query hyperliquid order by cloid")
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		return false, decimal.Zero, nil
	}

	if res.Order.Status == hyperliquid.OrderStatusValueFilled {
		if res.Order.Order.OrigSz != "" {
			if filled, parseErr := decimal.NewFromString(res.Order.Order.OrigSz); parseErr == nil {
				return true, filled, nil
			}
		}
		return true, decimal.Zero, nil
	}

	return false, decimal.Zero, nil
}

func (g *HyperliquidGateway) CancelOrder(ctx context.Context, ref domain.OrderRef) error {
	res, err := g.info.QueryOrderByCloid(ctx, g.accountAddr, cloidFromID(ref.ClientOrderID))
	if err != nil {
		return errors.Wrap(err, "failed to resolve hyperliquid order for cancel")
	}
	if res == nil || res.Status != hyperliquid.OrderQueryStatusSuccess {
		// nothing resting to cancel
		return nil
	}

	cancels := []hyperliquid.CancelOrderRequest{{
		Coin:    ref.Symbol.String(),
		OrderID: res.Order.Order.Oid,
	}}
	if _, err := g.ex.BulkCancel(ctx, cancels); err != nil {
		return errors.Wrapf(err, "failed to cancel hyperliquid order %s", ref.ClientOrderID)
	}

	return nil
}

func (g *HyperliquidGateway) AccruedSince(ctx context.Context, symbol domain.Symbol, since time.Time) (decimal.Decimal, decimal.Decimal, error) {
	ac, err := g.assetCtx(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	pos, err := g.PositionMark(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	quote := domain.FundingQuote{
		Venue:    g.Name(),
		Symbol:   symbol,
		RawRate:  ac.funding,
		Interval: g.fundingInterval,
	}
	funding := approximateFunding(quote, pos.Size, ac.midPrice, since, time.Now())

	return funding, decimal.Zero, nil
}

func (g *HyperliquidGateway) PositionMark(ctx context.Context, symbol domain.Symbol) (domain.VenuePosition, error) {
	st, err := g.info.UserState(ctx, g.accountAddr)
	if err != nil {
		return domain.VenuePosition{}, errors.Wrap(err, "failed to fetch hyperliquid user state")
	}

	for _, ap := range st.AssetPositions {
		if ap.Position.Coin != symbol.String() {
			continue
		}
		szi := strings.TrimSpace(ap.Position.Szi)
		if szi == "" {
			continue
		}
		size, parseErr := decimal.NewFromString(szi)
		if parseErr != nil || size.IsZero() {
			continue
		}

		var entry decimal.Decimal
		if ap.Position.EntryPx != nil {
			entry, _ = decimal.NewFromString(*ap.Position.EntryPx)
		}
		unrealized, _ := decimal.NewFromString(ap.Position.UnrealizedPnl)

		return domain.VenuePosition{
			Symbol:        symbol,
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnl: unrealized,
		}, nil
	}

	return domain.VenuePosition{Symbol: symbol}, nil
}
