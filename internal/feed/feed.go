// Package feed turns the exchange's candlestick data into a single ordered
// stream of closed bars. It bootstraps history over REST, then follows the
// kline websocket, persisting every finalized bar and emitting it exactly
// once on a bounded channel.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"boll-trading-bot/internal/binance"
	"boll-trading-bot/internal/database"
	"boll-trading-bot/internal/errs"
	"boll-trading-bot/internal/events"
	"boll-trading-bot/internal/metrics"
)

const (
	// barBuffer is the closed-bar channel capacity. A full channel blocks
	// the feed rather than dropping bars.
	barBuffer = 8

	klinePage       = 1000
	minBootstrap    = 50
	maxRetryBackoff = 30 * time.Second
)

// ErrBootstrapExhausted is returned when the initial history fetch keeps
// failing. The daemon treats it as fatal.
var ErrBootstrapExhausted = errors.New("bootstrap retries exhausted")

// Config sets the feed's symbol, interval and bootstrap behavior.
type Config struct {
	Symbol     string
	Interval   string
	IntervalMs int64
	// Period is the indicator window; bootstrap fetches max(Period, 50) bars.
	Period  int
	Retries int
}

// Feed owns the market data pipeline for one symbol/interval.
type Feed struct {
	cfg    Config
	client *binance.Client
	stream *binance.KlineStream
	repo   *database.Repository
	bus    *events.Bus
	logger zerolog.Logger

	out chan database.Bar

	mu          sync.Mutex
	lastOpen    int64
	lastPrice   float64
	lastPriceTs int64
	emitting    bool
}

// New wires a feed. The stream is injected so the caller picks the
// endpoint; its handlers are attached by Run.
func New(cfg Config, client *binance.Client, stream *binance.KlineStream, repo *database.Repository, bus *events.Bus, logger zerolog.Logger) *Feed {
	return &Feed{
		cfg:    cfg,
		client: client,
		stream: stream,
		repo:   repo,
		bus:    bus,
		logger: logger.With().Str("component", "feed").Logger(),
		out:    make(chan database.Bar, barBuffer),
	}
}

// Bars is the closed-bar channel the engine consumes.
func (f *Feed) Bars() <-chan database.Bar { return f.out }

// CloseBars closes the bar channel so a draining consumer can finish.
// Call only after Run has returned.
func (f *Feed) CloseBars() { close(f.out) }

// LastPrice reports the most recent streamed price, partial bars included.
func (f *Feed) LastPrice() (price float64, ts int64, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrice, f.lastPriceTs, f.lastPrice > 0
}

// LastOpenTime reports the newest bar open time delivered so far.
func (f *Feed) LastOpenTime() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpen
}

func (f *Feed) bootstrapBars() int {
	if f.cfg.Period > minBootstrap {
		return f.cfg.Period
	}
	return minBootstrap
}

// Bootstrap fetches and persists recent history before streaming starts.
// Bootstrap bars seed the store and the dedup watermark but emit no
// events. Failures retry with doubling backoff; once the configured
// attempts are spent the error wraps ErrBootstrapExhausted.
func (f *Feed) Bootstrap(ctx context.Context) error {
	delay := time.Second
	for attempt := 1; attempt <= f.cfg.Retries; attempt++ {
		err := f.bootstrapOnce(ctx)
		if err == nil {
			f.mu.Lock()
			f.emitting = true
			f.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", f.cfg.Retries).
			Dur("retry_in", delay).
			Msg("bootstrap attempt failed")
		if attempt < f.cfg.Retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryBackoff {
				delay = maxRetryBackoff
			}
		}
	}
	return errs.Network("bootstrap", ErrBootstrapExhausted)
}

// bootstrapOnce pulls the recent window, fills any gap back to the store
// tip, persists everything and hands new bars to deliver.
func (f *Feed) bootstrapOnce(ctx context.Context) error {
	storeMax, err := f.repo.MaxOpenTime(ctx, f.cfg.Symbol, f.cfg.Interval)
	if err != nil {
		return err
	}

	recent, err := f.client.GetKlines(ctx, f.cfg.Symbol, f.cfg.Interval, f.bootstrapBars()+1)
	if err != nil {
		return errs.Network("bootstrap_klines", err)
	}
	klines := dropUnclosed(recent)
	if n := f.bootstrapBars(); len(klines) > n {
		klines = klines[len(klines)-n:]
	}

	if storeMax > 0 && len(klines) > 0 && klines[0].OpenTime > storeMax+f.cfg.IntervalMs {
		gap, err := f.fetchRange(ctx, storeMax+f.cfg.IntervalMs, klines[0].OpenTime-1)
		if err != nil {
			return err
		}
		klines = append(gap, klines...)
	}

	for _, k := range klines {
		bar := f.barFrom(k)
		if err := f.repo.UpsertBar(ctx, &bar); err != nil {
			return err
		}
		if err := f.deliver(ctx, bar); err != nil {
			return err
		}
	}
	f.logger.Info().
		Int("bars", len(klines)).
		Int64("tip", f.LastOpenTime()).
		Msg("bootstrap complete")
	return nil
}

// fetchRange pages through [from, to] in ascending order.
func (f *Feed) fetchRange(ctx context.Context, from, to int64) ([]binance.Kline, error) {
	var all []binance.Kline
	start := from
	for start <= to {
		page, err := f.client.GetKlinesRange(ctx, f.cfg.Symbol, f.cfg.Interval, start, to, klinePage)
		if err != nil {
			return nil, errs.Network("gap_fill", err)
		}
		page = dropUnclosed(page)
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		if len(page) < klinePage {
			break
		}
		start = page[len(page)-1].OpenTime + f.cfg.IntervalMs
	}
	return all, nil
}

// Run consumes the websocket until ctx ends. Every (re)connect gap-fills
// over REST before messages flow, so no finalized bar is lost across
// disconnects.
func (f *Feed) Run(ctx context.Context) error {
	f.stream.OnOpen = func(ctx context.Context, reconnected bool) error {
		if reconnected {
			metrics.IncStreamReconnect()
			f.bus.PublishStream(events.EventStreamReconnected, f.cfg.Symbol)
		} else {
			f.bus.PublishStream(events.EventStreamConnected, f.cfg.Symbol)
		}
		return f.bootstrapOnce(ctx)
	}
	f.stream.OnKline = f.handleKline
	return f.stream.Run(ctx)
}

func (f *Feed) handleKline(ctx context.Context, k binance.Kline) {
	f.mu.Lock()
	f.lastPrice = k.Close
	f.lastPriceTs = time.Now().UnixMilli()
	f.mu.Unlock()
	f.bus.PublishPriceUpdate(f.cfg.Symbol, k.Close)

	if !k.Final {
		return
	}
	bar := f.barFrom(k)
	if err := f.repo.UpsertBar(ctx, &bar); err != nil {
		f.logger.Error().Err(err).Int64("open_time", bar.OpenTime).Msg("bar upsert failed")
	}
	if err := f.deliver(ctx, bar); err != nil {
		f.logger.Debug().Err(err).Msg("bar delivery aborted")
	}
}

// deliver emits a bar at most once. Bars at or behind the watermark are
// dropped, which absorbs the overlap between gap-fill and the stream as
// well as out-of-order duplicates.
func (f *Feed) deliver(ctx context.Context, bar database.Bar) error {
	f.mu.Lock()
	if bar.OpenTime <= f.lastOpen {
		f.mu.Unlock()
		return nil
	}
	f.lastOpen = bar.OpenTime
	emit := f.emitting
	f.mu.Unlock()
	if !emit {
		return nil
	}

	metrics.IncBarsIngested()
	f.bus.PublishBarClosed(bar.Symbol, bar.OpenTime, bar.Close)
	select {
	case f.out <- bar:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feed) barFrom(k binance.Kline) database.Bar {
	return database.Bar{
		Symbol:        f.cfg.Symbol,
		Interval:      f.cfg.Interval,
		OpenTime:      k.OpenTime,
		Open:          k.Open,
		High:          k.High,
		Low:           k.Low,
		Close:         k.Close,
		Volume:        k.Volume,
		CloseTime:     k.CloseTime,
		QuoteVolume:   k.QuoteVolume,
		Trades:        k.Trades,
		TakerBuyBase:  k.TakerBuyBase,
		TakerBuyQuote: k.TakerBuyQuote,
	}
}

// dropUnclosed strips the still-open candle the REST endpoint appends.
func dropUnclosed(klines []binance.Kline) []binance.Kline {
	now := time.Now().UnixMilli()
	out := make([]binance.Kline, 0, len(klines))
	for _, k := range klines {
		if k.CloseTime <= now {
			out = append(out, k)
		}
	}
	return out
}
