// Package binance is a minimal Binance USD-M futures client covering the
// endpoints the bot needs: klines, balances, positions, market orders,
// leverage and exchange metadata, plus the kline websocket stream.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// FuturesBaseURL is the production USD-M futures REST endpoint.
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the futures testnet REST endpoint.
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	// StreamBaseURL is the production futures websocket endpoint.
	StreamBaseURL = "wss://fstream.binance.com"
	// StreamTestnetURL is the futures testnet websocket endpoint.
	StreamTestnetURL = "wss://stream.binancefuture.com"

	// SideBuy and SideSell are the order side values the API accepts.
	SideBuy  = "BUY"
	SideSell = "SELL"

	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	recvWindow     = 10000
)

// APIError is a non-2xx response from the exchange.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance API error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Client talks to the USD-M futures REST API. All methods are safe for
// concurrent use.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient returns a client for the production or testnet endpoint.
// apiKey and apiSecret may be empty for public endpoints only.
func NewClient(apiKey, apiSecret string, testnet bool, logger zerolog.Logger) *Client {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}
	return &Client{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "binance").Logger(),
	}
}

// NewClientWithBaseURL targets an explicit REST endpoint instead of the
// production/testnet pair.
func NewClientWithBaseURL(apiKey, apiSecret, baseURL string, logger zerolog.Logger) *Client {
	c := NewClient(apiKey, apiSecret, false, logger)
	c.baseURL = baseURL
	return c
}

// BaseURL reports the REST endpoint the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// Ping checks REST connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/fapi/v1/ping", nil, false, nil)
}

// GetKlines fetches the most recent limit candles for symbol/interval.
// The last candle may still be open; callers that need only finalized
// candles should drop it when its close time is in the future.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	var raw [][]interface{}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false, &raw); err != nil {
		return nil, err
	}
	return parseKlines(raw)
}

// GetKlinesRange fetches candles with open time in [startTime, endTime].
// Zero startTime or endTime omits that bound. limit caps the page size.
func (c *Client) GetKlinesRange(ctx context.Context, symbol, interval string, startTime, endTime int64, limit int) ([]Kline, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	if startTime > 0 {
		params["startTime"] = strconv.FormatInt(startTime, 10)
	}
	if endTime > 0 {
		params["endTime"] = strconv.FormatInt(endTime, 10)
	}
	var raw [][]interface{}
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/klines", params, false, &raw); err != nil {
		return nil, err
	}
	return parseKlines(raw)
}

// GetPrice returns the latest trade price for symbol.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := map[string]string{"symbol": symbol}
	var ticker tickerPrice
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false, &ticker); err != nil {
		return 0, err
	}
	return ticker.Price, nil
}

// GetSymbolInfo reads the trading rules for symbol from exchangeInfo.
func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	params := map[string]string{"symbol": symbol}
	var resp exchangeInfoResponse
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", params, false, &resp); err != nil {
		return nil, err
	}
	for _, s := range resp.Symbols {
		if s.Symbol != symbol {
			continue
		}
		info := &SymbolInfo{
			Symbol:            s.Symbol,
			QuoteAsset:        s.QuoteAsset,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				info.LotStep, _ = strconv.ParseFloat(f.StepSize, 64)
				info.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
			case "MIN_NOTIONAL":
				notional := f.Notional
				if notional == "" {
					notional = f.MinNotional
				}
				info.MinNotional, _ = strconv.ParseFloat(notional, 64)
			}
		}
		return info, nil
	}
	return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
}

// GetBalances returns the futures wallet balances per asset.
func (c *Client) GetBalances(ctx context.Context) ([]AccountBalance, error) {
	var balances []AccountBalance
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// GetPositionRisk returns position risk entries for symbol. One-way
// position mode yields a single entry with signed positionAmt.
func (c *Client) GetPositionRisk(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := map[string]string{"symbol": symbol}
	var positions []PositionRisk
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// SetLeverage sets the initial leverage for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	var resp leverageResponse
	return c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, &resp)
}

// PlaceMarketOrder submits a MARKET order and waits for the RESULT
// response so the fill price and executed quantity are populated.
// quantity must already be rounded to the symbol's lot step and
// formatted with its quantity precision.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side, quantity string, reduceOnly bool, clientOrderID string) (*OrderResponse, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             side,
		"type":             "MARKET",
		"quantity":         quantity,
		"newOrderRespType": "RESULT",
	}
	if reduceOnly {
		params["reduceOnly"] = "true"
	}
	if clientOrderID != "" {
		params["newClientOrderId"] = clientOrderID
	}
	var resp OrderResponse
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &resp); err != nil {
		return nil, err
	}
	c.logger.Info().
		Str("symbol", symbol).
		Str("side", side).
		Str("quantity", quantity).
		Bool("reduce_only", reduceOnly).
		Int64("order_id", resp.OrderID).
		Float64("avg_price", resp.AvgPrice).
		Msg("market order placed")
	return &resp, nil
}

// GetOrderTrades returns the fills for an order, used to recover the
// commission actually charged.
func (c *Client) GetOrderTrades(ctx context.Context, symbol string, orderID int64) ([]OrderTrade, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	var trades []OrderTrade
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/userTrades", params, true, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// do runs a request with retries. Signed requests get a fresh timestamp
// on every attempt so retries do not fall outside the recv window.
func (c *Client) do(ctx context.Context, method, path string, params map[string]string, signed bool, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			c.logger.Warn().
				Err(lastErr).
				Str("path", path).
				Dur("backoff", delay).
				Int("attempt", attempt+1).
				Msg("retrying binance request")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err := c.doOnce(ctx, method, path, params, signed, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, params map[string]string, signed bool, out interface{}) error {
	p := make(map[string]string, len(params)+2)
	for k, v := range params {
		p[k] = v
	}
	if signed {
		p["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		p["recvWindow"] = strconv.Itoa(recvWindow)
	}
	query := buildQueryString(p)
	if signed {
		query += "&signature=" + c.sign(query)
	}

	reqURL := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if query != "" {
			reqURL += "?" + query
		}
	} else {
		body = strings.NewReader(query)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var parsed apiError
		if json.Unmarshal(data, &parsed) == nil && parsed.Code != 0 {
			apiErr.Code = parsed.Code
			apiErr.Message = parsed.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// buildQueryString sorts keys for a stable string to sign. A leftover
// signature key is never part of the signed payload.
func buildQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(parts, "&")
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// isRetryable reports whether a request is worth repeating. Rate limits,
// server errors and a handful of transient API codes qualify; context
// cancellation and all other API rejections do not.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus == http.StatusTooManyRequests || apiErr.HTTPStatus == 418 {
			return true
		}
		if apiErr.HTTPStatus >= 500 {
			return true
		}
		switch apiErr.Code {
		case -1001, -1003, -1015, -1016:
			return true
		}
		return false
	}
	// transport-level failure
	return true
}

// retryDelay is exponential backoff with jitter, capped at maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay / 2)))
	return delay - delay/4 + jitter
}

func parseKlines(raw [][]interface{}) ([]Kline, error) {
	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			return nil, fmt.Errorf("kline row has %d fields, want at least 7", len(row))
		}
		openTime, ok := row[0].(float64)
		if !ok {
			return nil, fmt.Errorf("kline open time has unexpected type %T", row[0])
		}
		closeTime, ok := row[6].(float64)
		if !ok {
			return nil, fmt.Errorf("kline close time has unexpected type %T", row[6])
		}
		k := Kline{
			OpenTime:  int64(openTime),
			Open:      parseFloat(row[1]),
			High:      parseFloat(row[2]),
			Low:       parseFloat(row[3]),
			Close:     parseFloat(row[4]),
			Volume:    parseFloat(row[5]),
			CloseTime: int64(closeTime),
			Final:     true,
		}
		if len(row) > 10 {
			k.QuoteVolume = parseFloat(row[7])
			if n, ok := row[8].(float64); ok {
				k.Trades = int64(n)
			}
			k.TakerBuyBase = parseFloat(row[9])
			k.TakerBuyQuote = parseFloat(row[10])
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func parseFloat(v interface{}) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case float64:
		return x
	default:
		return 0
	}
}
