package engine

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"boll-trading-bot/internal/adapter"
	"boll-trading-bot/internal/database"
	"boll-trading-bot/internal/errs"
	"boll-trading-bot/internal/events"
	"boll-trading-bot/internal/indicator"
)

const (
	testBaseOpen   = int64(1_700_000_000_000)
	testIntervalMs = int64(3_600_000)
)

func newTestRepo(t *testing.T) *database.Repository {
	t.Helper()
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "engine.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return database.NewRepository(db)
}

func newTestSim(balance float64) *adapter.Sim {
	return adapter.NewSim(adapter.SimConfig{
		Symbol:      "BTCUSDT",
		Balance:     balance,
		LotStep:     0.001,
		MinNotional: 5,
		FeeRate:     0.0005,
	}, zerolog.Nop())
}

func testConfig(live bool) Config {
	return Config{
		Symbol:       "BTCUSDT",
		Interval:     "1h",
		Period:       20,
		Std:          2,
		Leverage:     10,
		TradePercent: 0.7,
		Live:         live,
	}
}

func newTestEngine(t *testing.T, adp adapter.Adapter, repo *database.Repository) *Engine {
	t.Helper()
	if repo == nil {
		repo = newTestRepo(t)
	}
	return New(testConfig(false), adp, repo, events.NewBus(), zerolog.Nop())
}

// pushBar feeds one closed bar straight into the engine, bypassing the
// feed channel.
func pushBar(e *Engine, i int, close float64) {
	open := testBaseOpen + int64(i)*testIntervalMs
	e.handleBar(context.Background(), database.Bar{
		Symbol:    "BTCUSDT",
		Interval:  "1h",
		OpenTime:  open,
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    1,
		CloseTime: open + testIntervalMs - 1,
	})
}

// warmConstant fills the indicator window with n flat bars. With flat
// history the bands collapse onto the close, so the warm bars themselves
// never trigger a transition. Returns the next bar index.
func warmConstant(e *Engine, n int, v float64) int {
	for i := 0; i < n; i++ {
		pushBar(e, i, v)
	}
	return n
}

func allTrades(t *testing.T, repo *database.Repository) []*database.Trade {
	t.Helper()
	trades, err := repo.TradesBetween(context.Background(), 0, int64(1)<<62)
	if err != nil {
		t.Fatalf("list trades: %v", err)
	}
	return trades
}

func openPosition(t *testing.T, repo *database.Repository) *database.Position {
	t.Helper()
	pos, err := repo.GetOpenPosition(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("get open position: %v", err)
	}
	return pos
}

func simBalance(t *testing.T, sim *adapter.Sim) float64 {
	t.Helper()
	balance, err := sim.Balance(context.Background())
	if err != nil {
		t.Fatalf("sim balance: %v", err)
	}
	return balance
}

// assertLedger checks that the sim balance equals the initial balance
// plus the gross pnl minus the fees of every recorded trade.
func assertLedger(t *testing.T, repo *database.Repository, sim *adapter.Sim, initial float64) {
	t.Helper()
	var pnl, fees float64
	for _, tr := range allTrades(t, repo) {
		pnl += tr.PnL
		fees += tr.Fee
	}
	want := initial + pnl - fees
	if got := simBalance(t, sim); math.Abs(got-want) > 1e-6 {
		t.Errorf("balance = %v, want %v (initial %v + pnl %v - fees %v)", got, want, initial, pnl, fees)
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDecideTransitions(t *testing.T) {
	bands := indicator.Bands{Upper: 110, Middle: 100, Lower: 90}
	short := &database.Position{Side: database.SideShort, Qty: 1, EntryPrice: 100}
	long := &database.Position{Side: database.SideLong, Qty: 1, EntryPrice: 100}

	tests := []struct {
		name      string
		state     string
		close     float64
		pos       *database.Position
		wantEvent string
		wantClose database.TradeSide
		wantOpen  database.TradeSide
	}{
		{"idle crosses above upper", StateIdle, 111, nil, evMarkAbove, "", ""},
		{"idle exactly on upper stays", StateIdle, 110, nil, "", "", ""},
		{"idle below upper stays", StateIdle, 109, nil, "", "", ""},

		{"marked re-enters below upper", StateAboveUpper, 109, nil, evEnterShort, "", database.TradeSideSell},
		{"marked exactly on upper stays", StateAboveUpper, 110, nil, "", "", ""},
		{"marked still above upper stays", StateAboveUpper, 111, nil, "", "", ""},

		{"short stops above upper", StateHoldingShort, 111, short, evStopShort, database.TradeSideCloseShort, ""},
		{"short exactly on upper stays", StateHoldingShort, 110, short, "", "", ""},
		{"short drops below middle", StateHoldingShort, 99, short, evShortBelowMid, "", ""},
		{"short exactly on middle stays", StateHoldingShort, 100, short, "", "", ""},
		{"short between bands stays", StateHoldingShort, 105, short, "", "", ""},

		{"stopped re-enters below upper", StateShortStopped, 109, nil, evEnterShort, "", database.TradeSideSell},
		{"stopped above upper stays", StateShortStopped, 111, nil, "", "", ""},

		{"short flips long above middle", StateBelowMidShort, 101, short, evFlipLong, database.TradeSideCloseShort, database.TradeSideBuy},
		{"short exactly on middle holds", StateBelowMidShort, 100, short, "", "", ""},
		{"short drops below lower", StateBelowMidShort, 89, short, evShortBelowLower, "", ""},
		{"short exactly on lower holds", StateBelowMidShort, 90, short, "", "", ""},

		{"long stops below middle", StateHoldingLong, 99, long, evStopLong, database.TradeSideCloseLong, ""},
		{"long exactly on middle stays", StateHoldingLong, 100, long, "", "", ""},
		{"long flips short above upper", StateHoldingLong, 111, long, evFlipShort, database.TradeSideCloseLong, database.TradeSideSell},
		{"long exactly on upper stays", StateHoldingLong, 110, long, "", "", ""},

		{"waiting short rebounds above lower", StateBelowLowerWait, 91, short, evFlipLong, database.TradeSideCloseShort, database.TradeSideBuy},
		{"waiting flat rebounds above lower", StateBelowLowerWait, 91, nil, evFlipLong, "", database.TradeSideBuy},
		{"waiting exactly on lower stays", StateBelowLowerWait, 90, short, "", "", ""},
		{"waiting below lower stays", StateBelowLowerWait, 89, short, "", "", ""},

		{"parked long marks above upper", StateAboveMidWait, 111, long, evLongAboveUpper, "", ""},
		{"parked long flips short below middle", StateAboveMidWait, 99, long, evFlipShort, database.TradeSideCloseLong, database.TradeSideSell},
		{"parked long exactly on middle stays", StateAboveMidWait, 100, long, "", "", ""},
		{"parked long exactly on upper stays", StateAboveMidWait, 110, long, "", "", ""},
		{"parked long between bands stays", StateAboveMidWait, 105, long, "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decide(tt.state, tt.close, bands, tt.pos)
			if tt.wantEvent == "" {
				if d != nil {
					t.Fatalf("decide(%s, %v) = %+v, want nil", tt.state, tt.close, d)
				}
				return
			}
			if d == nil {
				t.Fatalf("decide(%s, %v) = nil, want event %s", tt.state, tt.close, tt.wantEvent)
			}
			if d.event != tt.wantEvent {
				t.Errorf("event = %s, want %s", d.event, tt.wantEvent)
			}
			if d.closeLeg != tt.wantClose {
				t.Errorf("closeLeg = %q, want %q", d.closeLeg, tt.wantClose)
			}
			if d.openLeg != tt.wantOpen {
				t.Errorf("openLeg = %q, want %q", d.openLeg, tt.wantOpen)
			}
		})
	}
}

func TestWarmupProducesNoTrades(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, sim, nil)

	for i := 0; i < 19; i++ {
		v := 100.0
		if i%2 == 1 {
			v = 200
		}
		pushBar(e, i, v)
	}

	if got := e.machine.Current(); got != StateIdle {
		t.Errorf("state = %s, want %s", got, StateIdle)
	}
	if trades := allTrades(t, e.repo); len(trades) != 0 {
		t.Errorf("trades during warmup = %d, want 0", len(trades))
	}
	if st := e.Status(); st.Bands != nil {
		t.Errorf("bands published before window is full: %+v", st.Bands)
	}
}

func TestShortCycleWithStopLoss(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, sim, nil)

	i := warmConstant(e, 20, 100)
	if got := e.machine.Current(); got != StateIdle {
		t.Fatalf("state after flat warmup = %s, want %s", got, StateIdle)
	}

	// Spike above the upper band.
	pushBar(e, i, 110)
	i++
	if got := e.machine.Current(); got != StateAboveUpper {
		t.Fatalf("state after spike = %s, want %s", got, StateAboveUpper)
	}
	if trades := allTrades(t, e.repo); len(trades) != 0 {
		t.Fatalf("marking above upper placed %d trades, want 0", len(trades))
	}

	// Re-entry below the upper band opens the short.
	pushBar(e, i, 101)
	i++
	if got := e.machine.Current(); got != StateHoldingShort {
		t.Fatalf("state after re-entry = %s, want %s", got, StateHoldingShort)
	}
	pos := openPosition(t, e.repo)
	if pos == nil {
		t.Fatal("no position row after short open")
	}
	if pos.Side != database.SideShort || pos.EntryPrice != 101 || pos.State != StateHoldingShort {
		t.Errorf("position = %+v, want SHORT @101 in %s", pos, StateHoldingShort)
	}

	// Close back above the upper band stops the short out.
	pushBar(e, i, 108)
	i++
	if got := e.machine.Current(); got != StateShortStopped {
		t.Fatalf("state after stop = %s, want %s", got, StateShortStopped)
	}
	if pos := openPosition(t, e.repo); pos != nil {
		t.Errorf("position row survived the stop: %+v", pos)
	}
	if st := e.Status(); st.Position != nil {
		t.Errorf("engine still holds position after stop: %+v", st.Position)
	}

	// Falling back under the upper band re-enters the short.
	pushBar(e, i, 103)
	if got := e.machine.Current(); got != StateHoldingShort {
		t.Fatalf("state after second entry = %s, want %s", got, StateHoldingShort)
	}

	trades := allTrades(t, e.repo)
	if len(trades) != 3 {
		t.Fatalf("trades = %d, want 3", len(trades))
	}
	wantSides := []database.TradeSide{database.TradeSideSell, database.TradeSideCloseShort, database.TradeSideSell}
	wantPrices := []float64{101, 108, 103}
	wantFromTo := [][2]string{
		{StateAboveUpper, StateHoldingShort},
		{StateHoldingShort, StateShortStopped},
		{StateShortStopped, StateHoldingShort},
	}
	for k, tr := range trades {
		if tr.Side != wantSides[k] {
			t.Errorf("trade %d side = %s, want %s", k, tr.Side, wantSides[k])
		}
		if tr.Price != wantPrices[k] {
			t.Errorf("trade %d price = %v, want %v", k, tr.Price, wantPrices[k])
		}
		if tr.StateFrom != wantFromTo[k][0] || tr.StateTo != wantFromTo[k][1] {
			t.Errorf("trade %d states = %s->%s, want %s->%s",
				k, tr.StateFrom, tr.StateTo, wantFromTo[k][0], wantFromTo[k][1])
		}
		if tr.Qty <= 0 {
			t.Errorf("trade %d qty = %v, want > 0", k, tr.Qty)
		}
		if tr.Ts == 0 {
			t.Errorf("trade %d has no timestamp", k)
		}
	}
	stop := trades[1]
	if wantPnL := (101 - 108) * stop.Qty; math.Abs(stop.PnL-wantPnL) > 1e-9 {
		t.Errorf("stop pnl = %v, want %v", stop.PnL, wantPnL)
	}
	if trades[0].PnL != 0 || trades[2].PnL != 0 {
		t.Errorf("open trades carry pnl: %v, %v", trades[0].PnL, trades[2].PnL)
	}

	assertLedger(t, e.repo, sim, 1000)
}

func TestShortTakeProfitFlipsLong(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, sim, nil)

	i := warmConstant(e, 20, 100)
	pushBar(e, i, 110)
	pushBar(e, i+1, 101)
	pushBar(e, i+2, 98)
	if got := e.machine.Current(); got != StateBelowMidShort {
		t.Fatalf("state after drop below middle = %s, want %s", got, StateBelowMidShort)
	}
	pos := openPosition(t, e.repo)
	if pos == nil || pos.State != StateBelowMidShort || pos.Side != database.SideShort {
		t.Fatalf("carried position = %+v, want short in %s", pos, StateBelowMidShort)
	}
	if trades := allTrades(t, e.repo); len(trades) != 1 {
		t.Fatalf("pure state move placed trades: %d, want 1", len(trades))
	}

	// Recovery above the middle band closes the short and opens a long
	// in the same bar.
	pushBar(e, i+3, 104)
	if got := e.machine.Current(); got != StateHoldingLong {
		t.Fatalf("state after flip = %s, want %s", got, StateHoldingLong)
	}
	trades := allTrades(t, e.repo)
	if len(trades) != 3 {
		t.Fatalf("trades after flip = %d, want 3", len(trades))
	}
	closeTr, openTr := trades[1], trades[2]
	if closeTr.Side != database.TradeSideCloseShort || closeTr.Price != 104 {
		t.Errorf("flip close leg = %s @%v, want CLOSE_SHORT @104", closeTr.Side, closeTr.Price)
	}
	if openTr.Side != database.TradeSideBuy || openTr.Price != 104 {
		t.Errorf("flip open leg = %s @%v, want BUY @104", openTr.Side, openTr.Price)
	}
	if closeTr.Ts != openTr.Ts {
		t.Errorf("flip legs have different timestamps: %d vs %d", closeTr.Ts, openTr.Ts)
	}
	if wantPnL := (101 - 104) * closeTr.Qty; math.Abs(closeTr.PnL-wantPnL) > 1e-9 {
		t.Errorf("flip close pnl = %v, want %v", closeTr.PnL, wantPnL)
	}
	pos = openPosition(t, e.repo)
	if pos == nil || pos.Side != database.SideLong || pos.EntryPrice != 104 || pos.State != StateHoldingLong {
		t.Fatalf("position after flip = %+v, want LONG @104 in %s", pos, StateHoldingLong)
	}

	// Dropping back under the middle band stops the long out to idle.
	pushBar(e, i+4, 95)
	if got := e.machine.Current(); got != StateIdle {
		t.Fatalf("state after long stop = %s, want %s", got, StateIdle)
	}
	if pos := openPosition(t, e.repo); pos != nil {
		t.Errorf("position row survived the long stop: %+v", pos)
	}
	trades = allTrades(t, e.repo)
	if len(trades) != 4 {
		t.Fatalf("trades after long stop = %d, want 4", len(trades))
	}
	last := trades[3]
	if last.Side != database.TradeSideCloseLong || last.Price != 95 {
		t.Errorf("long stop leg = %s @%v, want CLOSE_LONG @95", last.Side, last.Price)
	}
	if wantPnL := (95 - 104) * last.Qty; math.Abs(last.PnL-wantPnL) > 1e-9 {
		t.Errorf("long stop pnl = %v, want %v", last.PnL, wantPnL)
	}

	assertLedger(t, e.repo, sim, 1000)
}

func TestLowerBandFlip(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, sim, nil)

	i := warmConstant(e, 20, 100)
	pushBar(e, i, 110)
	pushBar(e, i+1, 101)
	pushBar(e, i+2, 98)
	pushBar(e, i+3, 88)
	if got := e.machine.Current(); got != StateBelowLowerWait {
		t.Fatalf("state after drop below lower = %s, want %s", got, StateBelowLowerWait)
	}
	if trades := allTrades(t, e.repo); len(trades) != 1 {
		t.Fatalf("drop below lower placed trades: %d, want 1", len(trades))
	}
	pos := openPosition(t, e.repo)
	if pos == nil || pos.State != StateBelowLowerWait {
		t.Fatalf("carried position = %+v, want short in %s", pos, StateBelowLowerWait)
	}

	// The rebound above the lower band takes profit on the short and
	// flips long.
	pushBar(e, i+4, 96)
	if got := e.machine.Current(); got != StateHoldingLong {
		t.Fatalf("state after rebound = %s, want %s", got, StateHoldingLong)
	}
	trades := allTrades(t, e.repo)
	if len(trades) != 3 {
		t.Fatalf("trades after rebound = %d, want 3", len(trades))
	}
	closeTr := trades[1]
	if closeTr.Side != database.TradeSideCloseShort || closeTr.Price != 96 {
		t.Errorf("rebound close leg = %s @%v, want CLOSE_SHORT @96", closeTr.Side, closeTr.Price)
	}
	if closeTr.PnL <= 0 {
		t.Errorf("short closed below entry has pnl %v, want > 0", closeTr.PnL)
	}
	if trades[2].Side != database.TradeSideBuy || trades[2].Price != 96 {
		t.Errorf("rebound open leg = %s @%v, want BUY @96", trades[2].Side, trades[2].Price)
	}

	assertLedger(t, e.repo, sim, 1000)
}

func TestLowerBandReboundWhenFlat(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, sim, nil)

	i := warmConstant(e, 20, 100)
	e.machine.SetState(StateBelowLowerWait)

	pushBar(e, i, 101)
	if got := e.machine.Current(); got != StateHoldingLong {
		t.Fatalf("state after flat rebound = %s, want %s", got, StateHoldingLong)
	}
	trades := allTrades(t, e.repo)
	if len(trades) != 1 {
		t.Fatalf("flat rebound placed %d trades, want 1", len(trades))
	}
	if trades[0].Side != database.TradeSideBuy || trades[0].Price != 101 {
		t.Errorf("flat rebound leg = %s @%v, want BUY @101", trades[0].Side, trades[0].Price)
	}
	pos := openPosition(t, e.repo)
	if pos == nil || pos.Side != database.SideLong {
		t.Fatalf("position after flat rebound = %+v, want LONG", pos)
	}
}

// seedLong injects a held long into the machine, the store and the sim
// book, as if the engine had been running in StateAboveMidWait.
func seedLong(t *testing.T, e *Engine, sim *adapter.Sim, qty, entry float64) *database.Position {
	t.Helper()
	pos := &database.Position{
		Symbol:     "BTCUSDT",
		Side:       database.SideLong,
		Qty:        qty,
		EntryPrice: entry,
		OpenedAt:   testBaseOpen,
		State:      StateAboveMidWait,
		UpdatedAt:  testBaseOpen,
	}
	if err := e.repo.SavePosition(context.Background(), pos); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	sim.SeedPosition(database.SideLong, qty, entry)
	e.machine.SetState(StateAboveMidWait)
	e.setPosition(pos)
	return pos
}

func TestAboveMidWaitFlipsShort(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, sim, nil)

	i := warmConstant(e, 20, 100)
	seedLong(t, e, sim, 0.5, 104)

	pushBar(e, i, 95)
	if got := e.machine.Current(); got != StateHoldingShort {
		t.Fatalf("state after drop below middle = %s, want %s", got, StateHoldingShort)
	}
	trades := allTrades(t, e.repo)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	closeTr, openTr := trades[0], trades[1]
	if closeTr.Side != database.TradeSideCloseLong || closeTr.Price != 95 || closeTr.Qty != 0.5 {
		t.Errorf("close leg = %s %v @%v, want CLOSE_LONG 0.5 @95", closeTr.Side, closeTr.Qty, closeTr.Price)
	}
	if wantPnL := (95.0 - 104.0) * 0.5; math.Abs(closeTr.PnL-wantPnL) > 1e-9 {
		t.Errorf("close pnl = %v, want %v", closeTr.PnL, wantPnL)
	}
	if openTr.Side != database.TradeSideSell || openTr.Price != 95 {
		t.Errorf("open leg = %s @%v, want SELL @95", openTr.Side, openTr.Price)
	}
	pos := openPosition(t, e.repo)
	if pos == nil || pos.Side != database.SideShort || pos.EntryPrice != 95 {
		t.Fatalf("position after flip = %+v, want SHORT @95", pos)
	}
}

func TestAboveMidWaitMarksUpper(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, sim, nil)

	i := warmConstant(e, 20, 100)
	seeded := seedLong(t, e, sim, 0.5, 104)

	pushBar(e, i, 110)
	if got := e.machine.Current(); got != StateAboveUpper {
		t.Fatalf("state after spike = %s, want %s", got, StateAboveUpper)
	}
	if trades := allTrades(t, e.repo); len(trades) != 0 {
		t.Fatalf("pure state move placed %d trades, want 0", len(trades))
	}
	pos := openPosition(t, e.repo)
	if pos == nil || pos.Qty != seeded.Qty || pos.EntryPrice != seeded.EntryPrice {
		t.Fatalf("held long changed during state move: %+v", pos)
	}
	if pos.State != StateAboveUpper {
		t.Errorf("position state = %s, want %s", pos.State, StateAboveUpper)
	}
}

func TestDuplicateAndStaleBarsIgnored(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, sim, nil)

	i := warmConstant(e, 20, 100)
	pushBar(e, i, 110)
	if got := e.machine.Current(); got != StateAboveUpper {
		t.Fatalf("state after spike = %s, want %s", got, StateAboveUpper)
	}

	// Same open time with a different close must not be reprocessed.
	pushBar(e, i, 50)
	if got := e.machine.Current(); got != StateAboveUpper {
		t.Errorf("duplicate bar moved the state to %s", got)
	}
	if st := e.Status(); st.LastClose != 110 {
		t.Errorf("duplicate bar overwrote last close: %v", st.LastClose)
	}

	// Older bars are stale, not replays.
	pushBar(e, 5, 120)
	if got := e.machine.Current(); got != StateAboveUpper {
		t.Errorf("stale bar moved the state to %s", got)
	}
	if trades := allTrades(t, e.repo); len(trades) != 0 {
		t.Errorf("ignored bars placed %d trades", len(trades))
	}
}

func TestOrderSizingUsesLotStep(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, sim, nil)

	i := warmConstant(e, 20, 100)
	pushBar(e, i, 110)
	pushBar(e, i+1, 101)

	trades := allTrades(t, e.repo)
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	// 1000 * 0.7 * 10 / 101 = 69.3069..., floored to the 0.001 step.
	if want := 69.306; math.Abs(trades[0].Qty-want) > 1e-9 {
		t.Errorf("qty = %v, want %v", trades[0].Qty, want)
	}
	if want := 69.306 * 101 * 0.0005; math.Abs(trades[0].Fee-want) > 1e-9 {
		t.Errorf("fee = %v, want %v", trades[0].Fee, want)
	}
}

func TestSizeOrder(t *testing.T) {
	tests := []struct {
		name     string
		balance  float64
		percent  float64
		leverage float64
		price    float64
		step     float64
		want     float64
	}{
		{"floors to step", 1000, 0.7, 10, 101, 0.001, 69.306},
		{"exact multiple", 100, 0.5, 2, 10, 0.1, 10},
		{"below one step", 0.001, 0.7, 10, 99, 0.001, 0},
		{"zero price", 1000, 0.7, 10, 0, 0.001, 0},
		{"zero step", 1000, 0.7, 10, 101, 0, 0},
		{"whole units", 5000, 1, 1, 7, 1, 714},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sizeOrder(tt.balance, tt.percent, tt.leverage, tt.price, tt.step)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("sizeOrder() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUndersizedOrderSkipsTransition(t *testing.T) {
	t.Run("below min notional", func(t *testing.T) {
		sim := newTestSim(0.5)
		e := newTestEngine(t, sim, nil)
		i := warmConstant(e, 20, 100)
		pushBar(e, i, 110)
		pushBar(e, i+1, 99)

		// 0.5 * 7 / 99 sizes to 0.035, notional 3.47 < 5.
		if got := e.machine.Current(); got != StateAboveUpper {
			t.Errorf("state = %s, want %s", got, StateAboveUpper)
		}
		if trades := allTrades(t, e.repo); len(trades) != 0 {
			t.Errorf("skipped entry placed %d trades", len(trades))
		}
		if pos := openPosition(t, e.repo); pos != nil {
			t.Errorf("skipped entry left a position: %+v", pos)
		}
	})

	t.Run("rounds to zero", func(t *testing.T) {
		sim := newTestSim(0.001)
		e := newTestEngine(t, sim, nil)
		i := warmConstant(e, 20, 100)
		pushBar(e, i, 110)
		pushBar(e, i+1, 99)

		if got := e.machine.Current(); got != StateAboveUpper {
			t.Errorf("state = %s, want %s", got, StateAboveUpper)
		}
		if trades := allTrades(t, e.repo); len(trades) != 0 {
			t.Errorf("skipped entry placed %d trades", len(trades))
		}
	})
}

type failOpenLong struct{ *adapter.Sim }

func (f *failOpenLong) OpenLong(ctx context.Context, qty float64) (*adapter.Fill, error) {
	return nil, errs.Adapter("open_long", errors.New("venue rejected order"))
}

func TestOpenFailureAfterCloseFallsBackToIdle(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, &failOpenLong{sim}, nil)

	i := warmConstant(e, 20, 100)
	pushBar(e, i, 110)
	pushBar(e, i+1, 101)
	pushBar(e, i+2, 98)
	if got := e.machine.Current(); got != StateBelowMidShort {
		t.Fatalf("state before flip = %s, want %s", got, StateBelowMidShort)
	}

	// The close leg executes, the open leg is rejected: the engine must
	// end flat at idle, not pretend the long exists.
	pushBar(e, i+3, 104)
	if got := e.machine.Current(); got != StateIdle {
		t.Fatalf("state after failed flip = %s, want %s", got, StateIdle)
	}
	if pos := openPosition(t, e.repo); pos != nil {
		t.Errorf("position row survived failed flip: %+v", pos)
	}
	if st := e.Status(); st.Position != nil {
		t.Errorf("engine still holds position: %+v", st.Position)
	}

	trades := allTrades(t, e.repo)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2 (entry and close only)", len(trades))
	}
	last := trades[1]
	if last.Side != database.TradeSideCloseShort {
		t.Errorf("last trade = %s, want CLOSE_SHORT", last.Side)
	}
	if last.StateFrom != StateBelowMidShort || last.StateTo != StateIdle {
		t.Errorf("last trade states = %s->%s, want %s->%s",
			last.StateFrom, last.StateTo, StateBelowMidShort, StateIdle)
	}
	assertLedger(t, e.repo, sim, 1000)
}

type failCloseShort struct{ *adapter.Sim }

func (f *failCloseShort) CloseShort(ctx context.Context, qty float64) (*adapter.Fill, error) {
	return nil, errs.Adapter("close_short", errors.New("venue unreachable"))
}

func TestCloseFailureHoldsState(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, &failCloseShort{sim}, nil)

	i := warmConstant(e, 20, 100)
	pushBar(e, i, 110)
	pushBar(e, i+1, 101)
	if got := e.machine.Current(); got != StateHoldingShort {
		t.Fatalf("state before stop = %s, want %s", got, StateHoldingShort)
	}

	// The stop trigger fires but the close order fails: no state change,
	// the position stays, the next bar gets another chance.
	pushBar(e, i+2, 108)
	if got := e.machine.Current(); got != StateHoldingShort {
		t.Fatalf("state after failed close = %s, want %s", got, StateHoldingShort)
	}
	pos := openPosition(t, e.repo)
	if pos == nil || pos.Side != database.SideShort || pos.EntryPrice != 101 {
		t.Fatalf("position after failed close = %+v, want SHORT @101", pos)
	}
	if trades := allTrades(t, e.repo); len(trades) != 1 {
		t.Errorf("trades = %d, want 1 (entry only)", len(trades))
	}
}

type halfCloseShort struct{ *adapter.Sim }

func (h *halfCloseShort) CloseShort(ctx context.Context, qty float64) (*adapter.Fill, error) {
	return h.Sim.CloseShort(ctx, qty/2)
}

func TestPartialCloseKeepsResidual(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, &halfCloseShort{sim}, nil)

	i := warmConstant(e, 20, 100)
	pushBar(e, i, 110)
	pushBar(e, i+1, 101)
	full := openPosition(t, e.repo)
	if full == nil {
		t.Fatal("no position after entry")
	}

	// Only half the close fills: the filled half is recorded, the
	// residual stays open and the state does not move.
	pushBar(e, i+2, 108)
	if got := e.machine.Current(); got != StateHoldingShort {
		t.Fatalf("state after partial close = %s, want %s", got, StateHoldingShort)
	}
	pos := openPosition(t, e.repo)
	if pos == nil {
		t.Fatal("residual position missing")
	}
	if want := full.Qty / 2; math.Abs(pos.Qty-want) > 1e-9 {
		t.Errorf("residual qty = %v, want %v", pos.Qty, want)
	}
	if pos.EntryPrice != 101 {
		t.Errorf("residual entry = %v, want 101", pos.EntryPrice)
	}

	trades := allTrades(t, e.repo)
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	partial := trades[1]
	if partial.Side != database.TradeSideCloseShort {
		t.Errorf("partial trade = %s, want CLOSE_SHORT", partial.Side)
	}
	if want := full.Qty / 2; math.Abs(partial.Qty-want) > 1e-9 {
		t.Errorf("partial qty = %v, want %v", partial.Qty, want)
	}
	if partial.StateFrom != StateHoldingShort || partial.StateTo != StateHoldingShort {
		t.Errorf("partial trade states = %s->%s, want no move", partial.StateFrom, partial.StateTo)
	}
	assertLedger(t, e.repo, sim, 1000)
}

func TestMismatchedPositionHaltsBar(t *testing.T) {
	t.Run("close leg with no position", func(t *testing.T) {
		sim := newTestSim(1000)
		e := newTestEngine(t, sim, nil)
		i := warmConstant(e, 20, 100)
		e.machine.SetState(StateHoldingShort)

		pushBar(e, i, 108)
		if got := e.machine.Current(); got != StateHoldingShort {
			t.Errorf("state = %s, want unchanged %s", got, StateHoldingShort)
		}
		if trades := allTrades(t, e.repo); len(trades) != 0 {
			t.Errorf("halted bar placed %d trades", len(trades))
		}
	})

	t.Run("open leg with position already held", func(t *testing.T) {
		sim := newTestSim(1000)
		e := newTestEngine(t, sim, nil)
		i := warmConstant(e, 20, 100)
		e.machine.SetState(StateAboveUpper)
		e.setPosition(&database.Position{
			Symbol: "BTCUSDT", Side: database.SideShort, Qty: 1, EntryPrice: 100,
		})

		pushBar(e, i, 99)
		if got := e.machine.Current(); got != StateAboveUpper {
			t.Errorf("state = %s, want unchanged %s", got, StateAboveUpper)
		}
		if trades := allTrades(t, e.repo); len(trades) != 0 {
			t.Errorf("halted bar placed %d trades", len(trades))
		}
	})
}

func TestRestartResumesFromOpenPosition(t *testing.T) {
	ctx := context.Background()

	t.Run("open short resumes holding short", func(t *testing.T) {
		repo := newTestRepo(t)
		e1 := newTestEngine(t, newTestSim(1000), repo)
		i := warmConstant(e1, 20, 100)
		pushBar(e1, i, 110)
		pushBar(e1, i+1, 101)
		pushBar(e1, i+2, 98)
		if got := e1.machine.Current(); got != StateBelowMidShort {
			t.Fatalf("state before restart = %s, want %s", got, StateBelowMidShort)
		}

		// Persist warmup bars the way the feed would have.
		for k := 0; k < 20; k++ {
			open := testBaseOpen + int64(k)*testIntervalMs
			err := repo.UpsertBar(ctx, &database.Bar{
				Symbol: "BTCUSDT", Interval: "1h", OpenTime: open,
				Open: 100, High: 100, Low: 100, Close: 100, Volume: 1,
				CloseTime: open + testIntervalMs - 1,
			})
			if err != nil {
				t.Fatalf("upsert bar: %v", err)
			}
		}

		// A restart resumes from the position's side, not the refined
		// waiting state it was in.
		sim2 := newTestSim(1000)
		e2 := newTestEngine(t, sim2, repo)
		if err := e2.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		if got := e2.machine.Current(); got != StateHoldingShort {
			t.Errorf("recovered state = %s, want %s", got, StateHoldingShort)
		}
		pos := openPosition(t, repo)
		if pos == nil || pos.State != StateHoldingShort {
			t.Errorf("store position state = %+v, want %s", pos, StateHoldingShort)
		}
		venuePos, err := sim2.Positions(ctx)
		if err != nil {
			t.Fatalf("sim positions: %v", err)
		}
		if len(venuePos) != 1 || venuePos[0].Side != database.SideShort || venuePos[0].EntryPrice != 101 {
			t.Errorf("sim book not reseeded: %+v", venuePos)
		}
		if st := e2.Status(); st.Bands == nil {
			t.Errorf("indicator window not warmed from stored bars")
		}
	})

	t.Run("open long resumes holding long", func(t *testing.T) {
		repo := newTestRepo(t)
		e1 := newTestEngine(t, newTestSim(1000), repo)
		i := warmConstant(e1, 20, 100)
		pushBar(e1, i, 110)
		pushBar(e1, i+1, 101)
		pushBar(e1, i+2, 98)
		pushBar(e1, i+3, 104)
		if got := e1.machine.Current(); got != StateHoldingLong {
			t.Fatalf("state before restart = %s, want %s", got, StateHoldingLong)
		}

		e2 := newTestEngine(t, newTestSim(1000), repo)
		if err := e2.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		if got := e2.machine.Current(); got != StateHoldingLong {
			t.Errorf("recovered state = %s, want %s", got, StateHoldingLong)
		}
	})

	t.Run("flat restarts idle even mid-cycle", func(t *testing.T) {
		repo := newTestRepo(t)
		e1 := newTestEngine(t, newTestSim(1000), repo)
		i := warmConstant(e1, 20, 100)
		pushBar(e1, i, 110)
		if got := e1.machine.Current(); got != StateAboveUpper {
			t.Fatalf("state before restart = %s, want %s", got, StateAboveUpper)
		}

		e2 := newTestEngine(t, newTestSim(1000), repo)
		if err := e2.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		if got := e2.machine.Current(); got != StateIdle {
			t.Errorf("recovered state = %s, want %s", got, StateIdle)
		}
	})
}

// venueStub plays the exchange during live-mode recovery tests. Order
// methods are never reached.
type venueStub struct {
	balance   float64
	positions []adapter.Position
}

func (v *venueStub) Balance(ctx context.Context) (float64, error) { return v.balance, nil }

func (v *venueStub) Positions(ctx context.Context) ([]adapter.Position, error) {
	return v.positions, nil
}

func (v *venueStub) OpenLong(ctx context.Context, qty float64) (*adapter.Fill, error) {
	return nil, errors.New("not implemented")
}

func (v *venueStub) OpenShort(ctx context.Context, qty float64) (*adapter.Fill, error) {
	return nil, errors.New("not implemented")
}

func (v *venueStub) CloseLong(ctx context.Context, qty float64) (*adapter.Fill, error) {
	return nil, errors.New("not implemented")
}

func (v *venueStub) CloseShort(ctx context.Context, qty float64) (*adapter.Fill, error) {
	return nil, errors.New("not implemented")
}

func (v *venueStub) SymbolInfo(ctx context.Context) (*adapter.SymbolInfo, error) {
	return &adapter.SymbolInfo{
		Symbol: "BTCUSDT", QuoteAsset: "USDT",
		LotStep: 0.001, MinQty: 0.001, MinNotional: 5,
	}, nil
}

func newLiveTestEngine(t *testing.T, venue adapter.Adapter, repo *database.Repository) *Engine {
	t.Helper()
	return New(testConfig(true), venue, repo, events.NewBus(), zerolog.Nop())
}

func TestLiveRestartTrustsVenue(t *testing.T) {
	ctx := context.Background()

	t.Run("venue flat clears stale store position", func(t *testing.T) {
		repo := newTestRepo(t)
		err := repo.SavePosition(ctx, &database.Position{
			Symbol: "BTCUSDT", Side: database.SideShort, Qty: 1, EntryPrice: 100,
			OpenedAt: testBaseOpen, State: StateHoldingShort, UpdatedAt: testBaseOpen,
		})
		if err != nil {
			t.Fatalf("seed store: %v", err)
		}

		e := newLiveTestEngine(t, &venueStub{balance: 1000}, repo)
		if err := e.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		if got := e.machine.Current(); got != StateIdle {
			t.Errorf("state = %s, want %s", got, StateIdle)
		}
		if pos := openPosition(t, repo); pos != nil {
			t.Errorf("stale store position not cleared: %+v", pos)
		}
	})

	t.Run("venue position recreates missing store row", func(t *testing.T) {
		repo := newTestRepo(t)
		venue := &venueStub{
			balance: 1000,
			positions: []adapter.Position{
				{Symbol: "BTCUSDT", Side: database.SideLong, Qty: 0.5, EntryPrice: 30000},
			},
		}

		e := newLiveTestEngine(t, venue, repo)
		if err := e.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		if got := e.machine.Current(); got != StateHoldingLong {
			t.Errorf("state = %s, want %s", got, StateHoldingLong)
		}
		pos := openPosition(t, repo)
		if pos == nil {
			t.Fatal("store position not created from venue")
		}
		if pos.Side != database.SideLong || pos.Qty != 0.5 || pos.EntryPrice != 30000 {
			t.Errorf("store position = %+v, want LONG 0.5 @30000", pos)
		}
		if pos.State != StateHoldingLong {
			t.Errorf("store position state = %s, want %s", pos.State, StateHoldingLong)
		}
	})

	t.Run("venue quantity and entry override store", func(t *testing.T) {
		repo := newTestRepo(t)
		openedAt := testBaseOpen - 7*testIntervalMs
		err := repo.SavePosition(ctx, &database.Position{
			Symbol: "BTCUSDT", Side: database.SideShort, Qty: 1, EntryPrice: 100,
			OpenedAt: openedAt, State: StateBelowMidShort, UpdatedAt: openedAt,
		})
		if err != nil {
			t.Fatalf("seed store: %v", err)
		}
		venue := &venueStub{
			balance: 1000,
			positions: []adapter.Position{
				{Symbol: "BTCUSDT", Side: database.SideShort, Qty: 2, EntryPrice: 99},
			},
		}

		e := newLiveTestEngine(t, venue, repo)
		if err := e.Init(ctx); err != nil {
			t.Fatalf("init: %v", err)
		}
		if got := e.machine.Current(); got != StateHoldingShort {
			t.Errorf("state = %s, want %s", got, StateHoldingShort)
		}
		pos := openPosition(t, repo)
		if pos == nil {
			t.Fatal("store position missing")
		}
		if pos.Qty != 2 || pos.EntryPrice != 99 {
			t.Errorf("store position = qty %v entry %v, want venue's 2 @99", pos.Qty, pos.EntryPrice)
		}
		if pos.OpenedAt != openedAt {
			t.Errorf("opened_at rewritten to %d, want original %d kept", pos.OpenedAt, openedAt)
		}
	})
}

func TestStopQueuesBarsUntilStart(t *testing.T) {
	sim := newTestSim(1000)
	e := newTestEngine(t, sim, nil)
	warmConstant(e, 20, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bars := make(chan database.Bar, 8)
	done := make(chan error, 1)

	e.Stop()
	go func() { done <- e.Run(ctx, bars) }()

	open := testBaseOpen + 20*testIntervalMs
	bars <- database.Bar{
		Symbol: "BTCUSDT", Interval: "1h", OpenTime: open,
		Open: 110, High: 110, Low: 110, Close: 110, Volume: 1,
		CloseTime: open + testIntervalMs - 1,
	}

	time.Sleep(50 * time.Millisecond)
	st := e.Status()
	if st.Running {
		t.Error("engine reports running while stopped")
	}
	if st.State != StateIdle {
		t.Errorf("stopped engine processed a bar: state %s", st.State)
	}

	e.Start()
	waitFor(t, 2*time.Second, "queued bar to be processed", func() bool {
		return e.Status().State == StateAboveUpper
	})

	close(bars)
	if err := <-done; err != nil {
		t.Errorf("run returned %v after channel close", err)
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	closes := []float64{110, 101, 98, 104, 95, 99}

	run := func() (Status, []*database.Trade, float64) {
		sim := newTestSim(1000)
		e := newTestEngine(t, sim, nil)
		i := warmConstant(e, 20, 100)
		for k, c := range closes {
			pushBar(e, i+k, c)
		}
		return e.Status(), allTrades(t, e.repo), simBalance(t, sim)
	}

	st1, trades1, bal1 := run()
	st2, trades2, bal2 := run()

	if st1.State != st2.State {
		t.Errorf("final states differ: %s vs %s", st1.State, st2.State)
	}
	if bal1 != bal2 {
		t.Errorf("final balances differ: %v vs %v", bal1, bal2)
	}
	if len(trades1) != len(trades2) {
		t.Fatalf("trade counts differ: %d vs %d", len(trades1), len(trades2))
	}
	for k := range trades1 {
		a, b := trades1[k], trades2[k]
		if a.Side != b.Side || a.Qty != b.Qty || a.Price != b.Price ||
			a.Fee != b.Fee || a.PnL != b.PnL ||
			a.StateFrom != b.StateFrom || a.StateTo != b.StateTo || a.Ts != b.Ts {
			t.Errorf("trade %d differs: %+v vs %+v", k, a, b)
		}
	}
}
