package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// logRingCap bounds the persisted log relation; older rows are pruned as
// new ones arrive.
const logRingCap = 1000

// Repository provides data access methods over the shared schema.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx exposes the repository's write methods inside one transaction.
type Tx struct {
	tx *sql.Tx
	r  *Repository
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := r.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, r: r}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ============================================================================
// BARS
// ============================================================================

// UpsertBar inserts or replaces one candlestick. Re-ingesting the same
// open_time overwrites the row, keeping ingestion idempotent.
func (r *Repository) UpsertBar(ctx context.Context, bar *Bar) error {
	return upsertBar(ctx, r.db.SQL, bar)
}

// UpsertBar is the in-transaction variant.
func (t *Tx) UpsertBar(ctx context.Context, bar *Bar) error {
	return upsertBar(ctx, t.tx, bar)
}

func upsertBar(ctx context.Context, q querier, bar *Bar) error {
	query := `
		INSERT INTO bars (symbol, interval, open_time, open, high, low, close, volume, close_time,
			quote_volume, trades, taker_buy_base, taker_buy_quote)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume,
			close_time = excluded.close_time,
			quote_volume = excluded.quote_volume,
			trades = excluded.trades,
			taker_buy_base = excluded.taker_buy_base,
			taker_buy_quote = excluded.taker_buy_quote
	`
	_, err := q.ExecContext(
		ctx, query,
		bar.Symbol, bar.Interval, bar.OpenTime, bar.Open, bar.High,
		bar.Low, bar.Close, bar.Volume, bar.CloseTime,
		bar.QuoteVolume, bar.Trades, bar.TakerBuyBase, bar.TakerBuyQuote,
	)
	return err
}

// GetRecentBars returns the newest n bars in ascending open_time order.
func (r *Repository) GetRecentBars(ctx context.Context, symbol, interval string, n int) ([]*Bar, error) {
	query := `
		SELECT symbol, interval, open_time, open, high, low, close, volume, close_time,
			quote_volume, trades, taker_buy_base, taker_buy_quote
		FROM bars
		WHERE symbol = $1 AND interval = $2
		ORDER BY open_time DESC
		LIMIT $3
	`
	bars, err := r.queryBars(ctx, query, symbol, interval, n)
	if err != nil {
		return nil, err
	}
	// Reverse to ascending order for indicator windows.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// GetBarsSince returns bars with open_time > after, ascending.
func (r *Repository) GetBarsSince(ctx context.Context, symbol, interval string, after int64) ([]*Bar, error) {
	query := `
		SELECT symbol, interval, open_time, open, high, low, close, volume, close_time,
			quote_volume, trades, taker_buy_base, taker_buy_quote
		FROM bars
		WHERE symbol = $1 AND interval = $2 AND open_time > $3
		ORDER BY open_time ASC
	`
	return r.queryBars(ctx, query, symbol, interval, after)
}

// MaxOpenTime returns the newest stored open_time, or 0 when no bars exist.
func (r *Repository) MaxOpenTime(ctx context.Context, symbol, interval string) (int64, error) {
	query := `SELECT COALESCE(MAX(open_time), 0) FROM bars WHERE symbol = $1 AND interval = $2`
	var maxOpen int64
	err := r.db.SQL.QueryRowContext(ctx, query, symbol, interval).Scan(&maxOpen)
	return maxOpen, err
}

// CountBars returns the number of stored bars for the pair.
func (r *Repository) CountBars(ctx context.Context, symbol, interval string) (int, error) {
	query := `SELECT COUNT(*) FROM bars WHERE symbol = $1 AND interval = $2`
	var n int
	err := r.db.SQL.QueryRowContext(ctx, query, symbol, interval).Scan(&n)
	return n, err
}

func (r *Repository) queryBars(ctx context.Context, query string, args ...interface{}) ([]*Bar, error) {
	rows, err := r.db.SQL.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bars []*Bar
	for rows.Next() {
		bar := &Bar{}
		err := rows.Scan(
			&bar.Symbol, &bar.Interval, &bar.OpenTime, &bar.Open, &bar.High,
			&bar.Low, &bar.Close, &bar.Volume, &bar.CloseTime,
			&bar.QuoteVolume, &bar.Trades, &bar.TakerBuyBase, &bar.TakerBuyQuote,
		)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, rows.Err()
}

// ============================================================================
// POSITIONS
// ============================================================================

// SavePosition upserts the open position row for its symbol.
func (r *Repository) SavePosition(ctx context.Context, pos *Position) error {
	return savePosition(ctx, r.db.SQL, pos)
}

// SavePosition is the in-transaction variant.
func (t *Tx) SavePosition(ctx context.Context, pos *Position) error {
	return savePosition(ctx, t.tx, pos)
}

func savePosition(ctx context.Context, q querier, pos *Position) error {
	query := `
		INSERT INTO positions (symbol, side, qty, entry_price, opened_at, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			side = excluded.side,
			qty = excluded.qty,
			entry_price = excluded.entry_price,
			opened_at = excluded.opened_at,
			state = excluded.state,
			updated_at = excluded.updated_at
	`
	_, err := q.ExecContext(
		ctx, query,
		pos.Symbol, pos.Side, pos.Qty, pos.EntryPrice, pos.OpenedAt, pos.State, pos.UpdatedAt,
	)
	return err
}

// GetOpenPosition returns the open position for symbol, or nil when flat.
func (r *Repository) GetOpenPosition(ctx context.Context, symbol string) (*Position, error) {
	query := `
		SELECT symbol, side, qty, entry_price, opened_at, state, updated_at
		FROM positions
		WHERE symbol = $1
	`
	pos := &Position{}
	err := r.db.SQL.QueryRowContext(ctx, query, symbol).Scan(
		&pos.Symbol, &pos.Side, &pos.Qty, &pos.EntryPrice, &pos.OpenedAt, &pos.State, &pos.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

// DeletePosition removes the open position row (flat).
func (r *Repository) DeletePosition(ctx context.Context, symbol string) error {
	return deletePosition(ctx, r.db.SQL, symbol)
}

// DeletePosition is the in-transaction variant.
func (t *Tx) DeletePosition(ctx context.Context, symbol string) error {
	return deletePosition(ctx, t.tx, symbol)
}

func deletePosition(ctx context.Context, q querier, symbol string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM positions WHERE symbol = $1`, symbol)
	return err
}

// UpdatePositionState rewrites only the persisted engine state.
func (r *Repository) UpdatePositionState(ctx context.Context, symbol, state string) error {
	query := `UPDATE positions SET state = $2, updated_at = $3 WHERE symbol = $1`
	_, err := r.db.SQL.ExecContext(ctx, query, symbol, state, time.Now().UnixMilli())
	return err
}

// ============================================================================
// TRADES
// ============================================================================

// InsertTrade appends one fill record and fills in its generated ID.
func (r *Repository) InsertTrade(ctx context.Context, trade *Trade) error {
	return insertTrade(ctx, r.db.SQL, trade)
}

// InsertTrade is the in-transaction variant.
func (t *Tx) InsertTrade(ctx context.Context, trade *Trade) error {
	return insertTrade(ctx, t.tx, trade)
}

func insertTrade(ctx context.Context, q querier, trade *Trade) error {
	query := `
		INSERT INTO trades (order_id, symbol, side, qty, price, fee, pnl, state_from, state_to, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	return q.QueryRowContext(
		ctx, query,
		trade.OrderID, trade.Symbol, trade.Side, trade.Qty, trade.Price,
		trade.Fee, trade.PnL, trade.StateFrom, trade.StateTo, trade.Ts,
	).Scan(&trade.ID)
}

// RecentTrades returns the newest trades first.
func (r *Repository) RecentTrades(ctx context.Context, limit int) ([]*Trade, error) {
	query := `
		SELECT id, order_id, symbol, side, qty, price, fee, pnl, state_from, state_to, ts
		FROM trades
		ORDER BY ts DESC, id DESC
		LIMIT $1
	`
	return r.queryTrades(ctx, query, limit)
}

// TradesBetween returns trades with from <= ts < to, ascending.
func (r *Repository) TradesBetween(ctx context.Context, from, to int64) ([]*Trade, error) {
	query := `
		SELECT id, order_id, symbol, side, qty, price, fee, pnl, state_from, state_to, ts
		FROM trades
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts ASC, id ASC
	`
	return r.queryTrades(ctx, query, from, to)
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*Trade, error) {
	rows, err := r.db.SQL.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade := &Trade{}
		err := rows.Scan(
			&trade.ID, &trade.OrderID, &trade.Symbol, &trade.Side, &trade.Qty,
			&trade.Price, &trade.Fee, &trade.PnL, &trade.StateFrom, &trade.StateTo, &trade.Ts,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// ============================================================================
// LOGS
// ============================================================================

// AppendLog inserts one line into the log ring and prunes beyond the cap.
func (r *Repository) AppendLog(ctx context.Context, level, message string) error {
	return appendLog(ctx, r.db.SQL, level, message)
}

// AppendLog is the in-transaction variant.
func (t *Tx) AppendLog(ctx context.Context, level, message string) error {
	return appendLog(ctx, t.tx, level, message)
}

func appendLog(ctx context.Context, q querier, level, message string) error {
	insert := `INSERT INTO logs (level, message, ts) VALUES ($1, $2, $3)`
	if _, err := q.ExecContext(ctx, insert, level, message, time.Now().UnixMilli()); err != nil {
		return err
	}
	prune := `DELETE FROM logs WHERE id NOT IN (SELECT id FROM logs ORDER BY id DESC LIMIT $1)`
	_, err := q.ExecContext(ctx, prune, logRingCap)
	return err
}

// RecentLogs returns the newest log lines first.
func (r *Repository) RecentLogs(ctx context.Context, limit int) ([]*LogRow, error) {
	query := `
		SELECT id, level, message, ts
		FROM logs
		ORDER BY id DESC
		LIMIT $1
	`
	rows, err := r.db.SQL.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*LogRow
	for rows.Next() {
		row := &LogRow{}
		if err := rows.Scan(&row.ID, &row.Level, &row.Message, &row.Ts); err != nil {
			return nil, err
		}
		logs = append(logs, row)
	}
	return logs, rows.Err()
}

// ============================================================================
// PROFITS
// ============================================================================

// DailyProfits aggregates trades per UTC day, newest first. Gross pnl and
// fees are summed separately; net is derived, never stored.
func (r *Repository) DailyProfits(ctx context.Context) ([]*DailyProfit, error) {
	dayExpr := `date(ts / 1000, 'unixepoch')`
	if r.db.Dialect() == DialectPostgres {
		dayExpr = `to_char(to_timestamp(ts / 1000.0) AT TIME ZONE 'UTC', 'YYYY-MM-DD')`
	}
	query := fmt.Sprintf(`
		SELECT %s AS day, SUM(pnl), SUM(fee), COUNT(*)
		FROM trades
		GROUP BY day
		ORDER BY day DESC
	`, dayExpr)

	rows, err := r.db.SQL.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profits []*DailyProfit
	for rows.Next() {
		p := &DailyProfit{}
		if err := rows.Scan(&p.Day, &p.GrossPnL, &p.Fees, &p.Trades); err != nil {
			return nil, err
		}
		p.NetPnL = p.GrossPnL - p.Fees
		profits = append(profits, p)
	}
	return profits, rows.Err()
}

// ProfitSummary rolls the daily aggregation up to totals plus today and
// yesterday, evaluated in UTC.
func (r *Repository) ProfitSummary(ctx context.Context) (*ProfitSummary, error) {
	daily, err := r.DailyProfits(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")

	summary := &ProfitSummary{}
	for _, day := range daily {
		summary.TotalNet += day.NetPnL
		summary.TotalTrades += day.Trades
		switch day.Day {
		case today:
			summary.TodayNet = day.NetPnL
		case yesterday:
			summary.YesterdayNet = day.NetPnL
		}
	}
	return summary, nil
}
