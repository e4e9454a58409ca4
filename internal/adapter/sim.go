package adapter

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"boll-trading-bot/internal/database"
	"boll-trading-bot/internal/errs"
)

// SimConfig seeds the simulated account.
type SimConfig struct {
	Symbol      string
	Balance     float64
	LotStep     float64
	MinNotional float64
	FeeRate     float64
}

// Sim keeps a local ledger and fills every order at the last marked
// price. The engine marks the triggering bar close before placing
// orders, so fills execute exactly at that close.
type Sim struct {
	mu      sync.Mutex
	feeRate float64
	info    SymbolInfo
	balance float64
	pos     *simPosition
	price   float64
	ts      int64
	logger  zerolog.Logger
}

type simPosition struct {
	side  database.PositionSide
	qty   float64
	entry float64
}

// NewSim builds a simulated account from config.
func NewSim(cfg SimConfig, logger zerolog.Logger) *Sim {
	return &Sim{
		feeRate: cfg.FeeRate,
		balance: cfg.Balance,
		info: SymbolInfo{
			Symbol:            cfg.Symbol,
			QuoteAsset:        quoteAssetOf(cfg.Symbol),
			LotStep:           cfg.LotStep,
			MinQty:            cfg.LotStep,
			MinNotional:       cfg.MinNotional,
			QuantityPrecision: precisionOf(cfg.LotStep),
		},
		logger: logger.With().Str("component", "sim_adapter").Logger(),
	}
}

// Mark records the price simulated fills execute at.
func (s *Sim) Mark(price float64, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = price
	s.ts = ts
}

// SeedBalance overrides the account balance, used on restart to carry
// realized PnL forward from the trade history.
func (s *Sim) SeedBalance(balance float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = balance
}

// SeedPosition restores an open position so a later close realizes PnL
// against the original entry price.
func (s *Sim) SeedPosition(side database.PositionSide, qty, entryPrice float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = &simPosition{side: side, qty: qty, entry: entryPrice}
}

func (s *Sim) Balance(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *Sim) Positions(ctx context.Context) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos == nil {
		return nil, nil
	}
	return []Position{{
		Symbol:     s.info.Symbol,
		Side:       s.pos.side,
		Qty:        s.pos.qty,
		EntryPrice: s.pos.entry,
	}}, nil
}

func (s *Sim) SymbolInfo(ctx context.Context) (*SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	return &info, nil
}

func (s *Sim) OpenLong(ctx context.Context, qty float64) (*Fill, error) {
	return s.open(ctx, "open_long", database.SideLong, qty)
}

func (s *Sim) OpenShort(ctx context.Context, qty float64) (*Fill, error) {
	return s.open(ctx, "open_short", database.SideShort, qty)
}

func (s *Sim) CloseLong(ctx context.Context, qty float64) (*Fill, error) {
	return s.close(ctx, "close_long", database.SideLong, qty)
}

func (s *Sim) CloseShort(ctx context.Context, qty float64) (*Fill, error) {
	return s.close(ctx, "close_short", database.SideShort, qty)
}

func (s *Sim) open(ctx context.Context, op string, side database.PositionSide, qty float64) (*Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.price <= 0 {
		return nil, errs.Adapter(op, fmt.Errorf("no price marked"))
	}
	if s.pos != nil {
		return nil, errs.Adapter(op, fmt.Errorf("position already open (%s %v)", s.pos.side, s.pos.qty))
	}
	if qty <= 0 {
		return nil, errs.Adapter(op, fmt.Errorf("quantity %v is not positive", qty))
	}

	fee := qty * s.price * s.feeRate
	s.balance -= fee
	s.pos = &simPosition{side: side, qty: qty, entry: s.price}
	s.logger.Debug().
		Str("side", string(side)).
		Float64("qty", qty).
		Float64("price", s.price).
		Float64("fee", fee).
		Msg("sim open")
	return &Fill{
		OrderID:   uuid.NewString(),
		Qty:       qty,
		FillPrice: s.price,
		Fee:       fee,
		Ts:        s.ts,
	}, nil
}

func (s *Sim) close(ctx context.Context, op string, side database.PositionSide, qty float64) (*Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.price <= 0 {
		return nil, errs.Adapter(op, fmt.Errorf("no price marked"))
	}
	if s.pos == nil || s.pos.side != side {
		return nil, errs.Adapter(op, fmt.Errorf("no open %s position", side))
	}
	if qty <= 0 {
		return nil, errs.Adapter(op, fmt.Errorf("quantity %v is not positive", qty))
	}
	if qty > s.pos.qty {
		qty = s.pos.qty
	}

	var realized float64
	if side == database.SideLong {
		realized = (s.price - s.pos.entry) * qty
	} else {
		realized = (s.pos.entry - s.price) * qty
	}
	fee := qty * s.price * s.feeRate
	s.balance += realized - fee

	s.pos.qty -= qty
	if s.pos.qty <= 0 {
		s.pos = nil
	}
	s.logger.Debug().
		Str("side", string(side)).
		Float64("qty", qty).
		Float64("price", s.price).
		Float64("realized", realized).
		Float64("fee", fee).
		Msg("sim close")
	return &Fill{
		OrderID:   uuid.NewString(),
		Qty:       qty,
		FillPrice: s.price,
		Fee:       fee,
		Ts:        s.ts,
	}, nil
}

func quoteAssetOf(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "BTC"} {
		if strings.HasSuffix(symbol, quote) {
			return quote
		}
	}
	return "USDT"
}

// precisionOf counts the decimal places of a lot step, so 0.001 formats
// quantities with three decimals.
func precisionOf(step float64) int {
	if step <= 0 {
		return 0
	}
	precision := 0
	for step < 1 && precision < 8 {
		step *= 10
		step = math.Round(step*1e8) / 1e8
		precision++
	}
	return precision
}
