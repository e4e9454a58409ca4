package binance

// Kline is a single candlestick as returned by the futures klines endpoint.
type Kline struct {
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
	Final         bool    `json:"final"`
}

// AccountBalance is one asset entry from /fapi/v2/balance.
type AccountBalance struct {
	AccountAlias       string  `json:"accountAlias"`
	Asset              string  `json:"asset"`
	Balance            float64 `json:"balance,string"`
	CrossWalletBalance float64 `json:"crossWalletBalance,string"`
	CrossUnPnl         float64 `json:"crossUnPnl,string"`
	AvailableBalance   float64 `json:"availableBalance,string"`
	MaxWithdrawAmount  float64 `json:"maxWithdrawAmount,string"`
	MarginAvailable    bool    `json:"marginAvailable"`
	UpdateTime         int64   `json:"updateTime"`
}

// PositionRisk is one entry from /fapi/v2/positionRisk.
type PositionRisk struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	BreakEvenPrice   float64 `json:"breakEvenPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnRealizedProfit float64 `json:"unRealizedProfit,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Leverage         float64 `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	PositionSide     string  `json:"positionSide"`
	UpdateTime       int64   `json:"updateTime"`
}

// OrderResponse is the RESULT-type response to a new order request.
type OrderResponse struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	CumQuote      float64 `json:"cumQuote,string"`
	ReduceOnly    bool    `json:"reduceOnly"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	Type          string  `json:"type"`
	UpdateTime    int64   `json:"updateTime"`
}

// OrderTrade is one fill from /fapi/v1/userTrades, used to recover the
// commission for a filled order.
type OrderTrade struct {
	Symbol          string  `json:"symbol"`
	ID              int64   `json:"id"`
	OrderID         int64   `json:"orderId"`
	Side            string  `json:"side"`
	Price           float64 `json:"price,string"`
	Qty             float64 `json:"qty,string"`
	RealizedPnl     float64 `json:"realizedPnl,string"`
	Commission      float64 `json:"commission,string"`
	CommissionAsset string  `json:"commissionAsset"`
	Time            int64   `json:"time"`
}

// SymbolInfo carries the trading rules the bot needs for order sizing.
type SymbolInfo struct {
	Symbol            string  `json:"symbol"`
	QuoteAsset        string  `json:"quote_asset"`
	PricePrecision    int     `json:"price_precision"`
	QuantityPrecision int     `json:"quantity_precision"`
	LotStep           float64 `json:"lot_step"`
	MinQty            float64 `json:"min_qty"`
	MinNotional       float64 `json:"min_notional"`
}

// exchangeInfoResponse mirrors the subset of /fapi/v1/exchangeInfo we read.
type exchangeInfoResponse struct {
	Symbols []exchangeSymbol `json:"symbols"`
}

type exchangeSymbol struct {
	Symbol            string           `json:"symbol"`
	Status            string           `json:"status"`
	QuoteAsset        string           `json:"quoteAsset"`
	PricePrecision    int              `json:"pricePrecision"`
	QuantityPrecision int              `json:"quantityPrecision"`
	Filters           []exchangeFilter `json:"filters"`
}

type exchangeFilter struct {
	FilterType  string `json:"filterType"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	Notional    string `json:"notional"`
	MinNotional string `json:"minNotional"`
}

// tickerPrice is the /fapi/v1/ticker/price response.
type tickerPrice struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
	Time   int64   `json:"time"`
}

// leverageResponse is the /fapi/v1/leverage response.
type leverageResponse struct {
	Symbol           string `json:"symbol"`
	Leverage         int    `json:"leverage"`
	MaxNotionalValue string `json:"maxNotionalValue"`
}

// apiError is the error body Binance returns on non-2xx responses.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// klineEvent is the websocket kline payload pushed on <symbol>@kline_<interval>.
type klineEvent struct {
	EventType string       `json:"e"`
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     klinePayload `json:"k"`
}

type klinePayload struct {
	OpenTime      int64   `json:"t"`
	CloseTime     int64   `json:"T"`
	Symbol        string  `json:"s"`
	Interval      string  `json:"i"`
	Open          float64 `json:"o,string"`
	Close         float64 `json:"c,string"`
	High          float64 `json:"h,string"`
	Low           float64 `json:"l,string"`
	Volume        float64 `json:"v,string"`
	QuoteVolume   float64 `json:"q,string"`
	Trades        int64   `json:"n"`
	TakerBuyBase  float64 `json:"V,string"`
	TakerBuyQuote float64 `json:"Q,string"`
	Final         bool    `json:"x"`
}

// Kline converts the stream payload into the REST kline shape.
func (p klinePayload) toKline() Kline {
	return Kline{
		OpenTime:      p.OpenTime,
		Open:          p.Open,
		High:          p.High,
		Low:           p.Low,
		Close:         p.Close,
		Volume:        p.Volume,
		CloseTime:     p.CloseTime,
		QuoteVolume:   p.QuoteVolume,
		Trades:        p.Trades,
		TakerBuyBase:  p.TakerBuyBase,
		TakerBuyQuote: p.TakerBuyQuote,
		Final:         p.Final,
	}
}
