package venue

import (
	"context"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fundarb/internal/domain"
)

const (
	binancePerpContract = "PERPETUAL"
	binanceQtyPrecision = 4
)

// BinanceGateway adapts Binance USD-M futures to the Gateway surface.
type BinanceGateway struct {
	client          *futures.Client
	quoteAsset      string
	fundingInterval time.Duration

	levMu       sync.Mutex
	leverageSet map[domain.Symbol]int
}

var _ Gateway = (*BinanceGateway)(nil)

func NewBinanceGateway(client *futures.Client, quoteAsset string, fundingInterval time.Duration) (*BinanceGateway, error) {
	if client == nil {
		return nil, errors.New("binance futures client is nil")
	}
	if fundingInterval <= 0 {
		return nil, errors.New("binance funding interval must be positive")
	}

	return &BinanceGateway{
		client:          client,
		quoteAsset:      quoteAsset,
		fundingInterval: fundingInterval,
		leverageSet:     make(map[domain.Symbol]int),
	}, nil
}

func (g *BinanceGateway) Name() domain.VenueID { return domain.VenueBinance }

func (g *BinanceGateway) contract(symbol domain.Symbol) string {
	return symbol.String() + g.quoteAsset
}

func (g *BinanceGateway) FundingQuote(ctx context.Context, symbol domain.Symbol) (domain.FundingQuote, error) {
	res, err := g.client.NewPremiumIndexService().Symbol(g.contract(symbol)).Do(ctx)
	if err != nil {
		return domain.FundingQuote{}, errors.Wrapf(err, "failed to fetch binance premium index for %s", symbol)
	}
	if len(res) == 0 {
		return domain.FundingQuote{}, errors.Wrapf(ErrNotListed, "binance returned no premium index for %s", symbol)
	}

	rate, err := decimal.NewFromString(res[0].LastFundingRate)
	if err != nil {
		return domain.FundingQuote{}, errors.Wrapf(err, "failed to parse binance funding rate for %s", symbol)
	}

	return domain.FundingQuote{
		Venue:    g.Name(),
		Symbol:   symbol,
		RawRate:  rate,
		Interval: g.fundingInterval,
		AsOf:     time.UnixMilli(res[0].Time),
	}, nil
}

func (g *BinanceGateway) Symbols(ctx context.Context) ([]domain.Symbol, error) {
	info, err := g.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch binance exchange info")
	}

	symbols := make([]domain.Symbol, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.ContractType != binancePerpContract || s.Status != "TRADING" {
			continue
		}
		if s.QuoteAsset != g.quoteAsset {
			continue
		}
		symbols = append(symbols, domain.Symbol(s.BaseAsset))
	}

	return symbols, nil
}

func (g *BinanceGateway) DailyVolume(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error) {
	stats, err := g.client.NewListPriceChangeStatsService().Symbol(g.contract(symbol)).Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrVolumeUnavailable, "binance 24h stats for %s: %v", symbol, err)
	}
	if len(stats) == 0 {
		return decimal.Zero, errors.Wrapf(ErrVolumeUnavailable, "binance returned no 24h stats for %s", symbol)
	}

	volume, err := decimal.NewFromString(stats[0].QuoteVolume)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrVolumeUnavailable, "binance quote volume for %s: %v", symbol, err)
	}

	return volume, nil
}

func (g *BinanceGateway) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := g.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to fetch binance futures balance")
	}

	for _, b := range balances {
		if b.Asset != asset {
			continue
		}
		free, err := decimal.NewFromString(b.AvailableBalance)
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "failed to parse binance available balance")
		}
		return free, nil
	}

	return decimal.Zero, nil
}

// ensureLeverage sets the contract leverage once per symbol.
func (g *BinanceGateway) ensureLeverage(ctx context.Context, symbol domain.Symbol, leverage int) error {
	g.levMu.Lock()
	defer g.levMu.Unlock()

	if g.leverageSet[symbol] == leverage {
		return nil
	}
	if _, err := g.client.NewChangeLeverageService().Symbol(g.contract(symbol)).Leverage(leverage).Do(ctx); err != nil {
		return errors.Wrapf(err, "failed to set binance leverage for %s", symbol)
	}
	g.leverageSet[symbol] = leverage

	return nil
}

func (g *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (domain.OrderRef, error) {
	if req.Leverage > 0 && !req.ReduceOnly {
		if err := g.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return domain.OrderRef{}, err
		}
	}

	mark, err := g.markPrice(ctx, req.Symbol)
	if err != nil {
		return domain.OrderRef{}, err
	}

	qty := req.Notional.Div(mark).RoundFloor(binanceQtyPrecision)
	if qty.LessThanOrEqual(decimal.Zero) {
		return domain.OrderRef{}, errors.Errorf("binance order quantity for %s rounds to zero at mark %s", req.Symbol, mark)
	}

	side := futures.SideTypeBuy
	if req.Side == domain.Short {
		side = futures.SideTypeSell
	}

	svc := g.client.NewCreateOrderService().
		Symbol(g.contract(req.Symbol)).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(qty.String()).
		NewClientOrderID(req.ClientOrderID)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return domain.OrderRef{}, errors.Wrapf(err, "failed to place binance %s order for %s", req.Side, req.Symbol)
	}

	return domain.OrderRef{
		Venue:         g.Name(),
		Symbol:        req.Symbol,
		OrderID:       decimal.NewFromInt(res.OrderID).String(),
		ClientOrderID: req.ClientOrderID,
	}, nil
}

func (g *BinanceGateway) markPrice(ctx context.Context, symbol domain.Symbol) (decimal.Decimal, error) {
	res, err := g.client.NewPremiumIndexService().Symbol(g.contract(symbol)).Do(ctx)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "failed to fetch binance mark price for %s", symbol)
	}
	if len(res) == 0 {
		return decimal.Zero, errors.Wrapf(ErrNotListed, "binance returned no mark price for %s", symbol)
	}

	mark, err := decimal.NewFromString(res[0].MarkPrice)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to parse binance mark price")
	}
	if mark.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.Errorf("binance mark price for %s is not positive: %s", symbol, mark)
	}

	return mark, nil
}

func (g *BinanceGateway) OrderExecuted(ctx context.Context, ref domain.OrderRef) (bool, decimal.Decimal, error) {
	order, err := g.client.NewGetOrderService().
		Symbol(g.contract(ref.Symbol)).
		OrigClientOrderID(ref.ClientOrderID).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && apiErr.Code == -2013 {
			// order does not exist
			return false, decimal.Zero, nil
		}
		return false, decimal.Zero, errors.Wrap(err, "failed to query binance order status")
	}

	executedQty, parseErr := decimal.NewFromString(order.ExecutedQuantity)
	if parseErr != nil {
		return false, decimal.Zero, errors.Wrap(parseErr, "failed to parse executed quantity")
	}

	switch order.Status {
	case futures.OrderStatusTypeFilled:
		return true, executedQty, nil
	case futures.OrderStatusTypePartiallyFilled:
		return false, executedQty, nil
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeRejected, futures.OrderStatusTypeExpired:
		return false, executedQty, nil
	default:
		return false, executedQty, nil
	}
}

func (g *BinanceGateway) CancelOrder(ctx context.Context, ref domain.OrderRef) error {
	_, err := g.client.NewCancelOrderService().
		Symbol(g.contract(ref.Symbol)).
		OrigClientOrderID(ref.ClientOrderID).
		Do(ctx)
	if err != nil {
		if apiErr, ok := err.(*common.APIError); ok && (apiErr.Code == -2011 || apiErr.Code == -2013) {
			// already gone or fully filled
			return nil
		}
		return errors.Wrapf(err, "failed to cancel binance order %s", ref.ClientOrderID)
	}

	return nil
}

func (g *BinanceGateway) AccruedSince(ctx context.Context, symbol domain.Symbol, since time.Time) (decimal.Decimal, decimal.Decimal, error) {
	incomes, err := g.client.NewGetIncomeHistoryService().
		Symbol(g.contract(symbol)).
		StartTime(since.UnixMilli()).
		Limit(1000).
		Do(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, errors.Wrapf(err, "failed to fetch binance income history for %s", symbol)
	}

	funding := decimal.Zero
	fees := decimal.Zero
	for _, inc := range incomes {
		amount, parseErr := decimal.NewFromString(inc.Income)
		if parseErr != nil {
			return decimal.Zero, decimal.Zero, errors.Wrap(parseErr, "failed to parse binance income amount")
		}
		switch inc.IncomeType {
		case "FUNDING_FEE":
			funding = funding.Add(amount)
		case "COMMISSION":
			// commissions come back negative, report them as a positive cost
			fees = fees.Add(amount.Neg())
		}
	}

	return funding, fees, nil
}

func (g *BinanceGateway) PositionMark(ctx context.Context, symbol domain.Symbol) (domain.VenuePosition, error) {
	risks, err := g.client.NewGetPositionRiskService().Symbol(g.contract(symbol)).Do(ctx)
	if err != nil {
		return domain.VenuePosition{}, errors.Wrapf(err, "failed to fetch binance position risk for %s", symbol)
	}

	for _, r := range risks {
		size, parseErr := decimal.NewFromString(r.PositionAmt)
		if parseErr != nil || size.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)
		unrealized, _ := decimal.NewFromString(r.UnRealizedProfit)
		return domain.VenuePosition{
			Symbol:        symbol,
			Size:          size,
			EntryPrice:    entry,
			UnrealizedPnl: unrealized,
		}, nil
	}

	return domain.VenuePosition{Symbol: symbol}, nil
}
