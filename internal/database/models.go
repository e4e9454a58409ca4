package database

// PositionSide is the direction of an open position.
type PositionSide string

const (
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// TradeSide is the action a trade row records. BUY and SELL open positions
// (pnl stays 0); CLOSE_LONG and CLOSE_SHORT realize pnl.
type TradeSide string

const (
	TradeSideBuy        TradeSide = "BUY"
	TradeSideSell       TradeSide = "SELL"
	TradeSideCloseLong  TradeSide = "CLOSE_LONG"
	TradeSideCloseShort TradeSide = "CLOSE_SHORT"
)

// Bar is one candlestick. OpenTime and CloseTime are epoch milliseconds;
// volumes come in base and quote flavors with the taker-buy split Binance
// reports alongside them.
type Bar struct {
	Symbol        string  `json:"symbol"`
	Interval      string  `json:"interval"`
	OpenTime      int64   `json:"open_time"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
	CloseTime     int64   `json:"close_time"`
	QuoteVolume   float64 `json:"quote_volume"`
	Trades        int64   `json:"trades"`
	TakerBuyBase  float64 `json:"taker_buy_base"`
	TakerBuyQuote float64 `json:"taker_buy_quote"`
}

// Position is the single open position, keyed by symbol. State mirrors the
// engine state holding it; restarts resume from the side, not this column.
type Position struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Qty        float64      `json:"qty"`
	EntryPrice float64      `json:"entry_price"`
	OpenedAt   int64        `json:"opened_at"`
	State      string       `json:"state"`
	UpdatedAt  int64        `json:"updated_at"`
}

// Trade is one append-only fill record. PnL is gross realized pnl; Fee is
// recorded separately and never folded in.
type Trade struct {
	ID        int64     `json:"id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      TradeSide `json:"side"`
	Qty       float64   `json:"qty"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
	PnL       float64   `json:"pnl"`
	StateFrom string    `json:"state_from"`
	StateTo   string    `json:"state_to"`
	Ts        int64     `json:"ts"`
}

// LogRow is one line of the persisted log ring.
type LogRow struct {
	ID      int64  `json:"id"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

// DailyProfit aggregates trades for one UTC day. Net = gross pnl - fees,
// derived at query time.
type DailyProfit struct {
	Day      string  `json:"day"`
	GrossPnL float64 `json:"gross_pnl"`
	Fees     float64 `json:"fees"`
	NetPnL   float64 `json:"net_pnl"`
	Trades   int     `json:"trades"`
}

// ProfitSummary rolls daily profits up for the dashboard.
type ProfitSummary struct {
	TotalNet     float64 `json:"total_net"`
	TodayNet     float64 `json:"today_net"`
	YesterdayNet float64 `json:"yesterday_net"`
	TotalTrades  int     `json:"total_trades"`
}
