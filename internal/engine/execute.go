package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"boll-trading-bot/internal/adapter"
	"boll-trading-bot/internal/database"
	"boll-trading-bot/internal/errs"
	"boll-trading-bot/internal/indicator"
	"boll-trading-bot/internal/metrics"
)

// adapterTimeout bounds every adapter call so a hung venue cannot stall
// the bar loop indefinitely.
const adapterTimeout = 10 * time.Second

// qtyEpsilon absorbs float dust when comparing requested and filled
// quantities.
const qtyEpsilon = 1e-9

// legResult is one executed order leg.
type legResult struct {
	fill *adapter.Fill
	side database.TradeSide
	pnl  float64
}

// execute runs a decided transition: close leg, open leg, atomic
// persistence, then the in-memory state advance. Any leg failure leaves
// the machine in a state that matches the orders that actually executed.
func (e *Engine) execute(ctx context.Context, bar database.Bar, b indicator.Bands, d *decision, pos *database.Position) {
	from := e.machine.Current()
	dst := eventDst[d.event]

	if d.closeLeg != "" && pos == nil {
		e.reportInvariant(errs.Invariantf("transition", "state %s requires an open position to close", from))
		return
	}
	if d.openLeg != "" && d.closeLeg == "" && pos != nil {
		e.reportInvariant(errs.Invariantf("transition",
			"state %s is flat but a %s position of %v is open", from, pos.Side, pos.Qty))
		return
	}

	var closeRes *legResult
	if d.closeLeg != "" {
		fill, err := e.closePosition(ctx, d.closeLeg, pos.Qty)
		if err != nil {
			metrics.IncOrder(orderAction(d.closeLeg), "error")
			e.logger.Error().
				Err(err).
				Str("state", from).
				Str("leg", string(d.closeLeg)).
				Msg("close leg failed, state unchanged")
			e.bus.PublishError("engine", "close order failed", err)
			return
		}
		metrics.IncOrder(orderAction(d.closeLeg), "ok")
		closeRes = &legResult{fill: fill, side: d.closeLeg, pnl: realizedPnL(pos, fill)}

		if fill.Qty < pos.Qty-qtyEpsilon {
			e.persistPartialClose(ctx, bar, from, pos, closeRes)
			return
		}
	}

	var openRes *legResult
	if d.openLeg != "" {
		res, ok := e.openPosition(ctx, d.openLeg, bar.Close)
		if !ok {
			if closeRes == nil {
				return
			}
			// the close is real; fall back flat rather than pretend
			// the new position exists
			e.logger.Warn().
				Str("from", from).
				Str("intended", dst).
				Msg("open leg failed after close, falling back to idle")
			e.persistTransition(ctx, bar, b, from, StateIdle, closeRes, nil, nil)
			e.machine.SetState(StateIdle)
			e.finishTransition(bar, from, StateIdle, nil, closeRes)
			return
		}
		openRes = res
	}

	finalPos := e.nextPosition(d, dst, pos, openRes)
	e.persistTransition(ctx, bar, b, from, dst, closeRes, openRes, finalPos)
	if err := e.machine.Event(ctx, d.event); err != nil {
		e.reportInvariant(errs.Invariant("transition", err))
		return
	}
	e.logger.Info().
		Str("from", from).
		Str("to", dst).
		Str("reason", d.reason).
		Float64("close", bar.Close).
		Msg("state transition")
	e.finishTransition(bar, from, dst, finalPos, closeRes, openRes)
}

// nextPosition derives the position row the transition leaves behind:
// the freshly opened one, the carried one with its state column moved,
// or nil when the transition ends flat.
func (e *Engine) nextPosition(d *decision, dst string, pos *database.Position, openRes *legResult) *database.Position {
	now := time.Now().UnixMilli()
	if openRes != nil {
		side := database.SideLong
		if openRes.side == database.TradeSideSell {
			side = database.SideShort
		}
		return &database.Position{
			Symbol:     e.cfg.Symbol,
			Side:       side,
			Qty:        openRes.fill.Qty,
			EntryPrice: openRes.fill.FillPrice,
			OpenedAt:   openRes.fill.Ts,
			State:      dst,
			UpdatedAt:  now,
		}
	}
	if d.closeLeg != "" || pos == nil {
		return nil
	}
	carried := *pos
	carried.State = dst
	carried.UpdatedAt = now
	return &carried
}

// persistTransition writes the transition atomically: trade rows, the
// position row (saved or deleted) and the transition log line. When the
// write fails the in-memory state still advances, because the orders
// already executed at the venue; recovery resyncs the store on restart.
func (e *Engine) persistTransition(ctx context.Context, bar database.Bar, b indicator.Bands, from, to string, closeRes, openRes *legResult, finalPos *database.Position) {
	err := e.repo.WithTx(ctx, func(tx *database.Tx) error {
		if closeRes != nil {
			if err := tx.InsertTrade(ctx, e.tradeRow(bar, from, to, closeRes)); err != nil {
				return err
			}
		}
		if openRes != nil {
			if err := tx.InsertTrade(ctx, e.tradeRow(bar, from, to, openRes)); err != nil {
				return err
			}
		}
		if finalPos != nil {
			if err := tx.SavePosition(ctx, finalPos); err != nil {
				return err
			}
		} else if closeRes != nil {
			if err := tx.DeletePosition(ctx, e.cfg.Symbol); err != nil {
				return err
			}
		}
		line := fmt.Sprintf("transition %s -> %s close=%.8g up=%.8g mid=%.8g dn=%.8g",
			from, to, bar.Close, b.Upper, b.Middle, b.Lower)
		return tx.AppendLog(ctx, "INFO", line)
	})
	if err != nil {
		e.logger.Error().Err(err).Str("from", from).Str("to", to).Msg("transition persist failed")
		e.bus.PublishError("engine", "transition persist failed", errs.Storage("persist_transition", err))
	}
}

// persistPartialClose records a partially filled close: the trade row
// carries the filled qty, the position keeps the residual, and the state
// does not move.
func (e *Engine) persistPartialClose(ctx context.Context, bar database.Bar, state string, pos *database.Position, closeRes *legResult) {
	residual := *pos
	residual.Qty = pos.Qty - closeRes.fill.Qty
	residual.UpdatedAt = time.Now().UnixMilli()

	e.logger.Warn().
		Float64("requested", pos.Qty).
		Float64("filled", closeRes.fill.Qty).
		Float64("residual", residual.Qty).
		Str("state", state).
		Msg("partial close fill, holding state")

	err := e.repo.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.InsertTrade(ctx, e.tradeRow(bar, state, state, closeRes)); err != nil {
			return err
		}
		return tx.SavePosition(ctx, &residual)
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("partial close persist failed")
		e.bus.PublishError("engine", "partial close persist failed", errs.Storage("persist_partial_close", err))
	}
	e.setPosition(&residual)
	e.publishTrade(closeRes)
}

func (e *Engine) tradeRow(bar database.Bar, from, to string, res *legResult) *database.Trade {
	ts := res.fill.Ts
	if ts == 0 {
		ts = bar.CloseTime
	}
	return &database.Trade{
		OrderID:   res.fill.OrderID,
		Symbol:    e.cfg.Symbol,
		Side:      res.side,
		Qty:       res.fill.Qty,
		Price:     res.fill.FillPrice,
		Fee:       res.fill.Fee,
		PnL:       res.pnl,
		StateFrom: from,
		StateTo:   to,
		Ts:        ts,
	}
}

// closePosition routes the close leg with the adapter call deadline.
func (e *Engine) closePosition(ctx context.Context, leg database.TradeSide, qty float64) (*adapter.Fill, error) {
	callCtx, cancel := context.WithTimeout(ctx, adapterTimeout)
	defer cancel()
	switch leg {
	case database.TradeSideCloseShort:
		return e.adapter.CloseShort(callCtx, qty)
	case database.TradeSideCloseLong:
		return e.adapter.CloseLong(callCtx, qty)
	}
	return nil, errs.Invariantf("close", "unexpected close leg %s", leg)
}

// openPosition sizes and places the open leg. A false return means no
// order was placed (sizing skip or venue failure), already logged.
func (e *Engine) openPosition(ctx context.Context, leg database.TradeSide, price float64) (*legResult, bool) {
	infoCtx, cancel := context.WithTimeout(ctx, adapterTimeout)
	info, err := e.adapter.SymbolInfo(infoCtx)
	cancel()
	if err != nil {
		e.logger.Error().Err(err).Msg("symbol info unavailable, skipping open")
		e.bus.PublishError("engine", "symbol info unavailable", err)
		return nil, false
	}

	balCtx, cancel := context.WithTimeout(ctx, adapterTimeout)
	balance, err := e.adapter.Balance(balCtx)
	cancel()
	if err != nil {
		e.logger.Error().Err(err).Msg("balance unavailable, skipping open")
		e.bus.PublishError("engine", "balance unavailable", err)
		return nil, false
	}
	e.setBalance(balance)

	qty := sizeOrder(balance, e.cfg.TradePercent, float64(e.cfg.Leverage), price, info.LotStep)
	if qty <= 0 || qty < info.MinQty || qty*price < info.MinNotional {
		e.logger.Warn().
			Float64("balance", balance).
			Float64("price", price).
			Float64("qty", qty).
			Float64("min_qty", info.MinQty).
			Float64("min_notional", info.MinNotional).
			Msg("order size below exchange minimum, skipping open")
		return nil, false
	}

	callCtx, cancel := context.WithTimeout(ctx, adapterTimeout)
	defer cancel()
	var fill *adapter.Fill
	switch leg {
	case database.TradeSideBuy:
		fill, err = e.adapter.OpenLong(callCtx, qty)
	case database.TradeSideSell:
		fill, err = e.adapter.OpenShort(callCtx, qty)
	default:
		err = errs.Invariantf("open", "unexpected open leg %s", leg)
	}
	if err != nil {
		metrics.IncOrder(orderAction(leg), "error")
		e.logger.Error().Err(err).Str("leg", string(leg)).Float64("qty", qty).Msg("open order failed")
		e.bus.PublishError("engine", "open order failed", err)
		return nil, false
	}
	metrics.IncOrder(orderAction(leg), "ok")
	return &legResult{fill: fill, side: leg}, true
}

// finishTransition updates the snapshot, gauges and event stream after
// the state has moved.
func (e *Engine) finishTransition(bar database.Bar, from, to string, finalPos *database.Position, legs ...*legResult) {
	e.setPosition(finalPos)
	metrics.IncTransition(from, to)
	metrics.SetEngineState(stateIndex[to])
	e.bus.PublishStateChanged(from, to, bar.Close)
	for _, leg := range legs {
		if leg != nil {
			e.publishTrade(leg)
		}
	}
}

func (e *Engine) publishTrade(res *legResult) {
	e.bus.PublishTradeExecuted(e.cfg.Symbol, string(res.side), res.fill.Qty, res.fill.FillPrice, res.fill.Fee, res.pnl)
}

func (e *Engine) reportInvariant(err error) {
	e.logger.Error().Err(err).Msg("invariant violation, bar halted")
	e.bus.PublishError("engine", "invariant violation", err)
}

// sizeOrder computes (balance * percent * leverage) / price rounded down
// to the lot step.
func sizeOrder(balance, percent, leverage, price, step float64) float64 {
	if price <= 0 || step <= 0 {
		return 0
	}
	raw := balance * percent * leverage / price
	steps := math.Floor(raw / step)
	if steps <= 0 {
		return 0
	}
	qty := steps * step
	return math.Round(qty*1e8) / 1e8
}

// realizedPnL is the gross pnl of closing against the position's entry.
// Fees are tracked separately and never folded in.
func realizedPnL(pos *database.Position, fill *adapter.Fill) float64 {
	if pos.Side == database.SideShort {
		return (pos.EntryPrice - fill.FillPrice) * fill.Qty
	}
	return (fill.FillPrice - pos.EntryPrice) * fill.Qty
}

func orderAction(side database.TradeSide) string {
	switch side {
	case database.TradeSideBuy:
		return "open_long"
	case database.TradeSideSell:
		return "open_short"
	case database.TradeSideCloseLong:
		return "close_long"
	case database.TradeSideCloseShort:
		return "close_short"
	}
	return string(side)
}
