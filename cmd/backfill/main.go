// Backfill pages historical klines from the futures REST API into the
// store so the indicator window has history before the daemon's first run.
//
//	backfill -symbol BTCUSDT -interval 1h -start 2024-01-01 -end 2024-06-30
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"boll-trading-bot/config"
	"boll-trading-bot/internal/binance"
	"boll-trading-bot/internal/database"
	"boll-trading-bot/internal/logging"
)

const pageSize = 1000

func main() {
	os.Exit(run())
}

func run() int {
	godotenv.Load()

	configPath := flag.String("config", "config.json", "path to the config file")
	symbol := flag.String("symbol", "", "symbol to fetch (defaults to the configured symbol)")
	interval := flag.String("interval", "", "kline interval (defaults to the configured interval)")
	start := flag.String("start", "", "first day to fetch, YYYY-MM-DD or RFC3339 (required)")
	end := flag.String("end", "", "last day to fetch, defaults to now")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	if *symbol == "" {
		*symbol = cfg.Trading.Symbol
	}
	if *interval == "" {
		*interval = cfg.Trading.Interval
	}

	intervalMs, err := intervalMillis(*interval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	if *start == "" {
		fmt.Fprintln(os.Stderr, "-start is required")
		flag.Usage()
		return 2
	}
	startMs, err := parseTime(*start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse -start: %v\n", err)
		return 2
	}
	endMs := time.Now().UnixMilli()
	if *end != "" {
		endMs, err = parseTime(*end)
		if err != nil {
			fmt.Fprintf(os.Stderr, "parse -end: %v\n", err)
			return 2
		}
	}
	if endMs <= startMs {
		fmt.Fprintln(os.Stderr, "-end must be after -start")
		return 2
	}

	logger := logging.New(logging.Config{Level: "warn", Format: "console"})

	db, err := database.New(database.Config{
		Path: cfg.Database.Path,
		URL:  cfg.Database.URL,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 4
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.RunMigrations(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrations: %v\n", err)
		return 4
	}
	repo := database.NewRepository(db)

	// Klines are public data, no credentials needed.
	client := binance.NewClient("", "", cfg.Binance.Testnet, logger)

	fmt.Printf("backfilling %s %s from %s to %s\n",
		*symbol, *interval,
		time.UnixMilli(startMs).UTC().Format(time.RFC3339),
		time.UnixMilli(endMs).UTC().Format(time.RFC3339))

	total := 0
	cursor := startMs
	for cursor <= endMs {
		fetchCtx, cancelFetch := context.WithTimeout(ctx, 30*time.Second)
		page, err := client.GetKlinesRange(fetchCtx, *symbol, *interval, cursor, endMs, pageSize)
		cancelFetch()
		if err != nil {
			fmt.Fprintf(os.Stderr, "fetch klines at %d: %v\n", cursor, err)
			return 3
		}
		page = dropUnclosed(page)
		if len(page) == 0 {
			break
		}

		for i := range page {
			k := page[i]
			bar := database.Bar{
				Symbol:        *symbol,
				Interval:      *interval,
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
			if err := repo.UpsertBar(ctx, &bar); err != nil {
				fmt.Fprintf(os.Stderr, "upsert bar %d: %v\n", k.OpenTime, err)
				return 4
			}
		}
		total += len(page)
		fmt.Printf("  %d bars through %s\n", total,
			time.UnixMilli(page[len(page)-1].OpenTime).UTC().Format(time.RFC3339))

		if len(page) < pageSize {
			break
		}
		cursor = page[len(page)-1].OpenTime + intervalMs
	}

	fmt.Printf("done, %d bars stored\n", total)
	return 0
}

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

var intervalTable = map[string]int64{
	"1m":  60_000,
	"5m":  300_000,
	"15m": 900_000,
	"1h":  3_600_000,
	"4h":  14_400_000,
	"1d":  86_400_000,
}

func intervalMillis(interval string) (int64, error) {
	ms, ok := intervalTable[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval %q", interval)
	}
	return ms, nil
}

func parseTime(s string) (int64, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time %q, use YYYY-MM-DD or RFC3339", s)
}
