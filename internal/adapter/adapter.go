// Package adapter abstracts order execution behind the capability set the
// engine needs. The live adapter routes to Binance futures, the sim
// adapter keeps a local ledger and never touches the network.
package adapter

import (
	"context"

	"boll-trading-bot/internal/database"
)

// Fill describes an executed order.
type Fill struct {
	OrderID   string  `json:"order_id"`
	Qty       float64 `json:"qty"`
	FillPrice float64 `json:"fill_price"`
	Fee       float64 `json:"fee"`
	Ts        int64   `json:"ts"`
}

// Position is an open position as the venue reports it.
type Position struct {
	Symbol     string                `json:"symbol"`
	Side       database.PositionSide `json:"side"`
	Qty        float64               `json:"qty"`
	EntryPrice float64               `json:"entry_price"`
}

// SymbolInfo carries the trading rules used for order sizing.
type SymbolInfo struct {
	Symbol            string  `json:"symbol"`
	QuoteAsset        string  `json:"quote_asset"`
	LotStep           float64 `json:"lot_step"`
	MinQty            float64 `json:"min_qty"`
	MinNotional       float64 `json:"min_notional"`
	QuantityPrecision int     `json:"quantity_precision"`
}

// Adapter is the execution surface the engine drives. Close operations
// report the executed quantity in the returned Fill, which may be less
// than requested.
type Adapter interface {
	Balance(ctx context.Context) (float64, error)
	Positions(ctx context.Context) ([]Position, error)
	OpenLong(ctx context.Context, qty float64) (*Fill, error)
	OpenShort(ctx context.Context, qty float64) (*Fill, error)
	CloseLong(ctx context.Context, qty float64) (*Fill, error)
	CloseShort(ctx context.Context, qty float64) (*Fill, error)
	SymbolInfo(ctx context.Context) (*SymbolInfo, error)
}

// PriceMarker is implemented by adapters that fill orders locally. The
// engine marks the triggering close before placing orders so simulated
// fills execute at that price.
type PriceMarker interface {
	Mark(price float64, ts int64)
}

// Seeder is implemented by adapters whose book can be restored from the
// store on restart.
type Seeder interface {
	SeedBalance(balance float64)
	SeedPosition(side database.PositionSide, qty, entryPrice float64)
}
