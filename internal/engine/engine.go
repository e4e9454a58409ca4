// Package engine drives the Bollinger-band trading cycle. It consumes
// closed bars single-threaded, evaluates the state machine against the
// bands of each bar, and executes entry/exit legs through the adapter.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"boll-trading-bot/internal/adapter"
	"boll-trading-bot/internal/database"
	"boll-trading-bot/internal/events"
	"boll-trading-bot/internal/indicator"
	"boll-trading-bot/internal/metrics"
)

// Config carries the strategy parameters.
type Config struct {
	Symbol       string
	Interval     string
	Period       int
	Std          float64
	Leverage     int
	TradePercent float64
	Live         bool
}

// Engine owns the state machine, the indicator window and the order flow.
// Bars are processed strictly one at a time.
type Engine struct {
	cfg     Config
	adapter adapter.Adapter
	repo    *database.Repository
	bus     *events.Bus
	logger  zerolog.Logger
	machine *fsm.FSM
	window  *indicator.Window

	mu        sync.RWMutex
	running   bool
	resume    chan struct{}
	lastOpen  int64
	lastClose float64
	bands     indicator.Bands
	bandsOK   bool
	balance   float64
	position  *database.Position
}

// Status is the dashboard snapshot of the engine.
type Status struct {
	Running      bool               `json:"running"`
	State        string             `json:"state"`
	StateName    string             `json:"state_name"`
	Symbol       string             `json:"symbol"`
	Interval     string             `json:"interval"`
	LastOpenTime int64              `json:"last_open_time"`
	LastClose    float64            `json:"last_close"`
	Balance      float64            `json:"balance"`
	Bands        *indicator.Bands   `json:"bands,omitempty"`
	Position     *database.Position `json:"position,omitempty"`
}

// New builds an engine. Call Init before Run.
func New(cfg Config, adp adapter.Adapter, repo *database.Repository, bus *events.Bus, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		adapter: adp,
		repo:    repo,
		bus:     bus,
		logger:  logger.With().Str("component", "engine").Logger(),
		machine: newMachine(),
		window:  indicator.NewWindow(cfg.Period, cfg.Std),
		running: true,
		resume:  make(chan struct{}),
	}
}

// Init warms the indicator window from persisted bars and recovers the
// state from the open position before any bar is consumed.
func (e *Engine) Init(ctx context.Context) error {
	bars, err := e.repo.GetRecentBars(ctx, e.cfg.Symbol, e.cfg.Interval, e.cfg.Period)
	if err != nil {
		return err
	}

	e.mu.Lock()
	var (
		bands indicator.Bands
		ok    bool
	)
	for _, b := range bars {
		bands, ok = e.window.Push(b.Close)
	}
	if len(bars) > 0 {
		last := bars[len(bars)-1]
		e.lastOpen = last.OpenTime
		e.lastClose = last.Close
		e.bands, e.bandsOK = bands, ok
	}
	e.mu.Unlock()

	state, pos, err := e.recoverPosition(ctx)
	if err != nil {
		return err
	}
	e.machine.SetState(state)
	e.setPosition(pos)
	metrics.SetEngineState(stateIndex[state])

	balCtx, cancel := context.WithTimeout(ctx, adapterTimeout)
	balance, err := e.adapter.Balance(balCtx)
	cancel()
	if err != nil {
		e.logger.Warn().Err(err).Msg("initial balance unavailable")
	} else {
		e.setBalance(balance)
	}

	e.logger.Info().
		Str("state", state).
		Int("warmup_bars", len(bars)).
		Bool("position_open", pos != nil).
		Msg("engine initialized")
	return nil
}

// recoverPosition derives the starting state: open short resumes S2,
// open long resumes S5, flat starts at S0. Live mode trusts the venue
// and corrects the store; sim mode trusts the store and seeds the sim
// book so closes realize pnl against the original entry.
func (e *Engine) recoverPosition(ctx context.Context) (string, *database.Position, error) {
	storePos, err := e.repo.GetOpenPosition(ctx, e.cfg.Symbol)
	if err != nil {
		return "", nil, err
	}

	if !e.cfg.Live {
		if storePos == nil {
			return StateIdle, nil, nil
		}
		if seeder, ok := e.adapter.(adapter.Seeder); ok {
			seeder.SeedPosition(storePos.Side, storePos.Qty, storePos.EntryPrice)
		}
		state := stateForSide(storePos.Side)
		if storePos.State != state {
			storePos.State = state
			storePos.UpdatedAt = time.Now().UnixMilli()
			if err := e.repo.SavePosition(ctx, storePos); err != nil {
				e.logger.Error().Err(err).Msg("recovered state rewrite failed")
			}
		}
		return state, storePos, nil
	}

	posCtx, cancel := context.WithTimeout(ctx, adapterTimeout)
	venuePositions, err := e.adapter.Positions(posCtx)
	cancel()
	if err != nil {
		return "", nil, err
	}
	var venue *adapter.Position
	if len(venuePositions) > 0 {
		venue = &venuePositions[0]
	}

	if venue == nil {
		if storePos != nil {
			e.logger.Warn().
				Str("side", string(storePos.Side)).
				Float64("qty", storePos.Qty).
				Msg("store shows a position the venue does not, clearing store")
			if err := e.repo.DeletePosition(ctx, e.cfg.Symbol); err != nil {
				return "", nil, err
			}
		}
		return StateIdle, nil, nil
	}

	state := stateForSide(venue.Side)
	pos := storePos
	if pos == nil || pos.Side != venue.Side {
		e.logger.Warn().
			Str("venue_side", string(venue.Side)).
			Float64("venue_qty", venue.Qty).
			Msg("store position disagrees with venue, correcting store")
		pos = &database.Position{
			Symbol:   e.cfg.Symbol,
			OpenedAt: time.Now().UnixMilli(),
		}
	}
	pos.Side = venue.Side
	pos.Qty = venue.Qty
	pos.EntryPrice = venue.EntryPrice
	pos.State = state
	pos.UpdatedAt = time.Now().UnixMilli()
	if err := e.repo.SavePosition(ctx, pos); err != nil {
		return "", nil, err
	}
	return state, pos, nil
}

func stateForSide(side database.PositionSide) string {
	if side == database.SideShort {
		return StateHoldingShort
	}
	return StateHoldingLong
}

// Run consumes closed bars until ctx ends or the channel closes. While
// stopped the engine leaves bars queued; the feed's bounded buffer
// provides the backpressure.
func (e *Engine) Run(ctx context.Context, bars <-chan database.Bar) error {
	for {
		e.mu.RLock()
		running, resume := e.running, e.resume
		e.mu.RUnlock()
		if !running {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-resume:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case bar, open := <-bars:
			if !open {
				return nil
			}
			e.handleBar(ctx, bar)
		}
	}
}

// handleBar is the single entry point for one closed bar.
func (e *Engine) handleBar(ctx context.Context, bar database.Bar) {
	e.mu.Lock()
	if bar.OpenTime <= e.lastOpen {
		e.mu.Unlock()
		e.logger.Debug().Int64("open_time", bar.OpenTime).Msg("duplicate or stale bar ignored")
		return
	}
	e.lastOpen = bar.OpenTime
	e.lastClose = bar.Close
	bands, ok := e.window.Push(bar.Close)
	e.bands, e.bandsOK = bands, ok
	pos := e.position
	e.mu.Unlock()

	if marker, isMarker := e.adapter.(adapter.PriceMarker); isMarker {
		marker.Mark(bar.Close, bar.CloseTime)
	}
	if !ok {
		e.logger.Debug().
			Int("have", e.window.Len()).
			Int("need", e.cfg.Period).
			Msg("indicator window still warming")
		return
	}

	d := decide(e.machine.Current(), bar.Close, bands, pos)
	if d == nil {
		return
	}
	e.execute(ctx, bar, bands, d, pos)
}

// Start resumes bar consumption.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	close(e.resume)
	e.mu.Unlock()
	e.logger.Info().Msg("engine started")
	e.bus.PublishEngineState(events.EventEngineStarted, e.machine.Current())
}

// Stop pauses bar consumption after the in-flight bar. Open positions
// are left untouched.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.resume = make(chan struct{})
	e.mu.Unlock()
	e.logger.Info().Msg("engine stopped")
	e.bus.PublishEngineState(events.EventEngineStopped, e.machine.Current())
}

// Status returns a snapshot for the dashboard.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := Status{
		Running:      e.running,
		State:        e.machine.Current(),
		Symbol:       e.cfg.Symbol,
		Interval:     e.cfg.Interval,
		LastOpenTime: e.lastOpen,
		LastClose:    e.lastClose,
		Balance:      e.balance,
	}
	st.StateName = StateName(st.State)
	if e.bandsOK {
		bands := e.bands
		st.Bands = &bands
	}
	if e.position != nil {
		pos := *e.position
		st.Position = &pos
	}
	return st
}

// Preview recomputes the bands as if price replaced the newest close,
// approximating the bands of the still-forming bar.
func (e *Engine) Preview(price float64) (indicator.Bands, bool) {
	e.mu.RLock()
	closes := e.window.Closes()
	e.mu.RUnlock()
	return indicator.Preview(closes, e.cfg.Period, e.cfg.Std, price)
}

func (e *Engine) setPosition(pos *database.Position) {
	e.mu.Lock()
	e.position = pos
	e.mu.Unlock()
}

func (e *Engine) setBalance(balance float64) {
	e.mu.Lock()
	e.balance = balance
	e.mu.Unlock()
	metrics.SetBalance(balance)
}
