package venue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
)

const bybitQtyPrecision = 4

// BybitGateway adapts Bybit V5 linear perpetuals to the Gateway surface.
//
// Bybit does not itemize funding settlements through the SDK surface used
// here, so AccruedSince approximates funding from the current rate and the
// open position; trading fees are not reported.
type BybitGateway struct {
	client          *bybit.Client
	quoteAsset      string
	fundingInterval time.Duration

	levMu       sync.Mutex
	leverageSet map[domain.Symbol]int
}

var _ Gateway = (*BybitGateway)(nil)

func NewBybitGateway(client *bybit.Client, quoteAsset string, fundingInterval time.Duration) (*BybitGateway, error) {
	if client == nil {
		return nil, errors.New("bybit client is nil")
	}
	if fundingInterval <= 0 {
		return nil, errors.New("bybit funding interval must be positive")
	}

	return &BybitGateway{
		client:          client,
		quoteAsset:      quoteAsset,
		fundingInterval: fundingInterval,
		leverageSet:     make(map[domain.Symbol]int),
	}, nil
}

func (g *BybitGateway) Name() domain.VenueID { return domain.VenueBybit }

func (g *BybitGateway) contract(symbol domain.Symbol) bybit.SymbolV5 {
	return bybit.SymbolV5(symbol.String() + g.quoteAsset)
}

type bybitTicker struct {
	lastPrice   decimal.Decimal
	fundingRate decimal.Decimal
	turnover24h decimal.Decimal
	hasTurnover bool
}

func (g *BybitGateway) ticker(symbol domain.Symbol) (bybitTicker, error) {
	sym := g.contract(symbol)
	result, err := g.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Linear,
		Symbol:   &sym,
	})
	if err != nil {
		return bybitTicker{}, errors.Wrapf(err, "failed to fetch bybit ticker for %s", symbol)
	}
	if len(result.Result.LinearInverse.List) == 0 {
		return bybitTicker{}, errors.Wrapf(ErrNotListed, "bybit returned no ticker for %s", symbol)
	}

	item := result.Result.LinearInverse.List[0]

	var t bybitTicker
	if t.lastPrice, err = decimal.NewFromString(item.LastPrice); err != nil {
		return bybitTicker{}, errors.Wrap(err, "failed to parse bybit last price")
	}
	if t.fundingRate, err = decimal.NewFromString(item.FundingRate); err != nil {
		return bybitTicker{}, errors.Wrap(err, "failed to parse bybit funding rate")
	}
	if turnover, convErr := decimal.NewFromString(item.Turnover24H); convErr == nil {
		t.turnover24h = turnover
		t.hasTurnover = true
	}

	return t, nil
}

func (g *BybitGateway) FundingQuote(ctx context.Context, symbol domain.Symbol) (domain.FundingQuote, error) {
	t, err := g.ticker(symbol)
	if err != nil {
		return domain.FundingQuote{}, err
	}

	return domain.FundingQuote{
		Venue:    g.Name(),
		Symbol:   symbol,
		RawRate:  t.fundingRate,
		Interval: g.fundingInterval,
		AsOf:     time.Now(),
	}, nil
}

func (g *BybitGateway) Symbols(ctx context.Context) ([]domain.Symbol, error) {
	result, err := g.client.V5().Market().GetInstrumentsInfo(bybit.V5GetInstrumentsInfoParam{
		Category: bybit.CategoryV5Linear,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch bybit instruments")
	}
	if result.Result.LinearInverse == nil {
		return nil, errors.New("bybit returned no linear instruments")
	}

	symbols := make([]domain.Symbol, 0, len(result.Result.LinearInverse.List))
	for _, inst := range result.Result.LinearInverse.List {
		if string(inst.Status) != "Trading" {
			continue
		}
		if string(inst.QuoteCoin) != g.quoteAsset {
			continue
		}
		base := strings.TrimSuffix(string(inst.Symbol), g.quoteAsset)
		if base == "" || base == string(inst.Symbol) {
			continue
		}
		symbols = append(symbols, domain.Symbol(base))
	}

	return symbols, nil
}

func (g *BybitGateway) DailyVolume(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error) {
	t, err := g.ticker(symbol)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrVolumeUnavailable, "bybit ticker for %s: %v", symbol, err)
	}
	if !t.hasTurnover {
		return decimal.Zero, errors.Wrapf(ErrVolumeUnavailable, "bybit reported no turnover for %s", symbol)
	}

	return t.turnover24h, nil
}

func (g *BybitGateway) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	res, err := g.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5("UNIFIED"), nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to fetch bybit wallet balance")
	}

	for _, account := range res.Result.List {
		for _, coin := range account.Coin {
			if string(coin.Coin) != asset {
				continue
			}
			free, parseErr := decimal.NewFromString(coin.WalletBalance)
			if parseErr != nil {
				return decimal.Zero, errors.Wrap(parseErr, "failed to parse bybit wallet balance")
			}
			return free, nil
		}
	}

	return decimal.Zero, nil
}

// ensureLeverage sets symbol leverage once; bybit rejects a no-op change, so
// errors here are swallowed after the first successful set.
func (g *BybitGateway) ensureLeverage(symbol domain.Symbol, leverage int) {
	g.levMu.Lock()
	defer g.levMu.Unlock()

	if g.leverageSet[symbol] == leverage {
		return
	}

	lev := decimal.NewFromInt(int64(leverage)).String()
	_, err := g.client.V5().Position().SetLeverage(bybit.V5SetLeverageParam{
		Category:     bybit.CategoryV5Linear,
		Symbol:       g.contract(symbol),
		BuyLeverage:  lev,
		SellLeverage: lev,
	})
	if err == nil {
		g.leverageSet[symbol] = leverage
	}
}

func (g *BybitGateway) PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderRef, error) {
	if req.Leverage > 0 && !req.ReduceOnly {
		g.ensureLeverage(req.Symbol, req.Leverage)
	}

	t, err := g.ticker(req.Symbol)
	if err != nil {
		return domain.OrderRef{}, err
	}

	qty := req.Notional.Div(t.lastPrice).RoundFloor(bybitQtyPrecision)
	if qty.LessThanOrEqual(decimal.Zero) {
		return domain.OrderRef{}, errors.Errorf("bybit order quantity for %s rounds to zero at price %s", req.Symbol, t.lastPrice)
	}

	side := bybit.SideBuy
	if req.Side == domain.Short {
		side = bybit.SideSell
	}

	linkID := req.ClientOrderID
	param := bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Linear,
		Symbol:      g.contract(req.Symbol),
		Side:        side,
		OrderType:   bybit.OrderTypeMarket,
		Qty:         qty.String(),
		OrderLinkID: &linkID,
	}
	if req.ReduceOnly {
		reduce := true
		param.ReduceOnly = &reduce
	}

	res, err := g.client.V5().Order().CreateOrder(param)
	if err != nil {
		return domain.OrderRef{}, errors.Wrapf(err, "failed to place bybit %s order for %s", req.Side, req.Symbol)
	}

	return domain.OrderRef{
		Venue:         g.Name(),
		Symbol:        req.Symbol,
		OrderID:       res.Result.OrderID,
		ClientOrderID: req.ClientOrderID,
	}, nil
}

func (g *BybitGateway) OrderExecuted(ctx context.Context, ref domain.OrderRef) (bool, decimal.Decimal, error) {
	sym := g.contract(ref.Symbol)
	linkID := ref.ClientOrderID

	res, err := g.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
		Category:    bybit.CategoryV5Linear,
		Symbol:      &sym,
		OrderLinkID: &linkID,
	})
	if err != nil {
		return false, decimal.Zero, errors.Wrap(err, "failed to query bybit order status")
	}
	if len(res.Result.List) == 0 {
		// market orders drop out of the realtime view once settled
		hist, histErr := g.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
			Category:    bybit.CategoryV5Linear,
			Symbol:      &sym,
			OrderLinkID: &linkID,
		})
		if histErr != nil {
			return false, decimal.Zero, errors.Wrap(histErr, "failed to query bybit order history")
		}
		if len(hist.Result.List) == 0 {
			return false, decimal.Zero, nil
		}
		return bybitOrderState(string(hist.Result.List[0].OrderStatus), hist.Result.List[0].CumExecQty)
	}

	return bybitOrderState(string(res.Result.List[0].OrderStatus), res.Result.List[0].CumExecQty)
}

func bybitOrderState(status, cumExecQty string) (bool, decimal.Decimal, error) {
	executed, err := decimal.NewFromString(cumExecQty)
	if err != nil {
		executed = decimal.Zero
	}

	switch status {
	case "Filled":
		return true, executed, nil
	case "PartiallyFilled":
		return false, executed, nil
	case "Cancelled", "Rejected", "Deactivated":
		return false, executed, nil
	default:
		return false, executed, nil
	}
}

func (g *BybitGateway) CancelOrder(ctx context.Context, ref domain.OrderRef) error {
	linkID := ref.ClientOrderID
	_, err := g.client.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
		Category:    bybit.CategoryV5Linear,
		Symbol:      g.contract(ref.Symbol),
		OrderLinkID: &linkID,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to cancel bybit order %s", ref.ClientOrderID)
	}

	return nil
}

func (g *BybitGateway) AccruedSince(ctx context.Context, symbol domain.Symbol, since time.Time) (decimal.Decimal, decimal.Decimal, error) {
	quote, err := g.FundingQuote(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	pos, err := g.PositionMark(ctx, symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	t, err := g.ticker(symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	funding := approximateFunding(quote, pos.Size, t.lastPrice, since, time.Now())

	return funding, decimal.Zero, nil
}

func (g *BybitGateway) PositionMark(ctx context.Context, symbol domain.Symbol) (domain.VenuePosition, error) {
	sym := g.contract(symbol)
	res, err := g.client.V5().Position().GetPositionInfo(bybit.V5GetPositionInfoParam{
		Category: bybit.CategoryV5Linear,
		Symbol:   &sym,
	})
	if err != nil {
		return domain.VenuePosition{}, errors.Wrapf(err, "failed to fetch bybit position for %s", symbol)
	}

	for _, p := range res.Result.List {
		size, parseErr := decimal.NewFromString(p.Size)
		if parseErr != nil || size.IsZero() {
			continue
		}
		if p.Side == bybit.SideSell {
			size = size.Neg()
		}
		entry, _ := decimal.NewFromString(p.AvgPrice)
		unrealized, _ := decimal.NewFromString(p.UnrealisedPnl)
		return domain.VenuePosition{
			Symbol:        symbol,
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnl: unrealized,
		}, nil
	}

	return domain.VenuePosition{Symbol: symbol}, nil
}
