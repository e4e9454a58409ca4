package adapter

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"boll-trading-bot/internal/binance"
	"boll-trading-bot/internal/database"
	"boll-trading-bot/internal/errs"
)

// Live executes orders on Binance USD-M futures.
type Live struct {
	client  *binance.Client
	symbol  string
	feeRate float64
	logger  zerolog.Logger

	mu   sync.Mutex
	info *SymbolInfo
}

// NewLive wraps a Binance client for one symbol. feeRate is the estimate
// used when an order's commissions cannot be read back.
func NewLive(client *binance.Client, symbol string, feeRate float64, logger zerolog.Logger) *Live {
	return &Live{
		client:  client,
		symbol:  symbol,
		feeRate: feeRate,
		logger:  logger.With().Str("component", "live_adapter").Logger(),
	}
}

// Init warms the symbol info cache and sets the account leverage.
func (l *Live) Init(ctx context.Context, leverage int) error {
	if _, err := l.SymbolInfo(ctx); err != nil {
		return err
	}
	if err := l.client.SetLeverage(ctx, l.symbol, leverage); err != nil {
		return errs.Adapter("set_leverage", err)
	}
	l.logger.Info().Str("symbol", l.symbol).Int("leverage", leverage).Msg("live adapter ready")
	return nil
}

// SymbolInfo returns the cached trading rules, fetching them once.
func (l *Live) SymbolInfo(ctx context.Context) (*SymbolInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.info != nil {
		return l.info, nil
	}
	raw, err := l.client.GetSymbolInfo(ctx, l.symbol)
	if err != nil {
		return nil, errs.Adapter("symbol_info", err)
	}
	l.info = &SymbolInfo{
		Symbol:            raw.Symbol,
		QuoteAsset:        raw.QuoteAsset,
		LotStep:           raw.LotStep,
		MinQty:            raw.MinQty,
		MinNotional:       raw.MinNotional,
		QuantityPrecision: raw.QuantityPrecision,
	}
	return l.info, nil
}

// Balance returns the available balance in the symbol's quote asset.
func (l *Live) Balance(ctx context.Context) (float64, error) {
	info, err := l.SymbolInfo(ctx)
	if err != nil {
		return 0, err
	}
	balances, err := l.client.GetBalances(ctx)
	if err != nil {
		return 0, errs.Adapter("balance", err)
	}
	for _, b := range balances {
		if b.Asset == info.QuoteAsset {
			return b.AvailableBalance, nil
		}
	}
	return 0, errs.Adapter("balance", fmt.Errorf("no %s balance entry", info.QuoteAsset))
}

// Positions returns the open positions for the adapter's symbol.
func (l *Live) Positions(ctx context.Context) ([]Position, error) {
	risks, err := l.client.GetPositionRisk(ctx, l.symbol)
	if err != nil {
		return nil, errs.Adapter("positions", err)
	}
	positions := make([]Position, 0, 1)
	for _, r := range risks {
		if r.PositionAmt == 0 {
			continue
		}
		side := database.SideLong
		qty := r.PositionAmt
		if qty < 0 {
			side = database.SideShort
			qty = -qty
		}
		positions = append(positions, Position{
			Symbol:     r.Symbol,
			Side:       side,
			Qty:        qty,
			EntryPrice: r.EntryPrice,
		})
	}
	return positions, nil
}

func (l *Live) OpenLong(ctx context.Context, qty float64) (*Fill, error) {
	return l.placeOrder(ctx, "open_long", binance.SideBuy, qty, false)
}

func (l *Live) OpenShort(ctx context.Context, qty float64) (*Fill, error) {
	return l.placeOrder(ctx, "open_short", binance.SideSell, qty, false)
}

func (l *Live) CloseLong(ctx context.Context, qty float64) (*Fill, error) {
	return l.placeOrder(ctx, "close_long", binance.SideSell, qty, true)
}

func (l *Live) CloseShort(ctx context.Context, qty float64) (*Fill, error) {
	return l.placeOrder(ctx, "close_short", binance.SideBuy, qty, true)
}

func (l *Live) placeOrder(ctx context.Context, op, side string, qty float64, reduceOnly bool) (*Fill, error) {
	info, err := l.SymbolInfo(ctx)
	if err != nil {
		return nil, err
	}
	quantity := strconv.FormatFloat(qty, 'f', info.QuantityPrecision, 64)
	resp, err := l.client.PlaceMarketOrder(ctx, l.symbol, side, quantity, reduceOnly, uuid.NewString())
	if err != nil {
		return nil, errs.Adapter(op, err)
	}
	if resp.ExecutedQty == 0 {
		return nil, errs.Adapter(op, fmt.Errorf("order %d not filled (status %s)", resp.OrderID, resp.Status))
	}
	fill := &Fill{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Qty:       resp.ExecutedQty,
		FillPrice: resp.AvgPrice,
		Ts:        resp.UpdateTime,
	}
	fill.Fee = l.orderFee(ctx, resp)
	return fill, nil
}

// orderFee sums the commissions reported for the order's fills, falling
// back to a fee-rate estimate when they cannot be read back yet.
func (l *Live) orderFee(ctx context.Context, resp *binance.OrderResponse) float64 {
	trades, err := l.client.GetOrderTrades(ctx, l.symbol, resp.OrderID)
	if err == nil && len(trades) > 0 {
		var fee float64
		for _, tr := range trades {
			fee += tr.Commission
		}
		return fee
	}
	if err != nil {
		l.logger.Debug().Err(err).Int64("order_id", resp.OrderID).Msg("using estimated fee")
	}
	return resp.ExecutedQty * resp.AvgPrice * l.feeRate
}
