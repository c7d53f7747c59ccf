// Package engine drives the discrete-tick backtest loop described in
// §4.4: it owns per-symbol books, the last-known snapshot maps, the
// simulated broker and portfolio, and dispatches merged events to an
// optional strategy in the exact step order the spec lays out.
//
// Grounded on fenrir/internal/engine/engine.go's Engine, which owns a
// Books map and is the sole Trade-dispatch authority — generalized here
// from one asset-type-keyed book map to the full multi-symbol, multi-event
// context §4.4 requires.
package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fenrir/internal/broker"
	"fenrir/internal/errs"
	"fenrir/internal/guard"
	"fenrir/internal/marketdata"
	"fenrir/internal/metrics"
	"fenrir/internal/portfolio"
)

// EventSource is the minimal contract Engine.Run needs from a merged
// stream: *merge.Merger satisfies it directly.
type EventSource interface {
	Next() (marketdata.Event, bool, error)
	Close() error
}

// Result is the engine's final state, returned by Run regardless of
// whether it ended by exhaustion or by a fatal error.
type Result struct {
	RunID       string
	Portfolio   *portfolio.Portfolio
	Fills       []marketdata.Fill
	Rejections  []marketdata.Rejection
	EventCounts map[marketdata.EventKind]int
}

// Engine is the sole owner of its broker, books, and portfolio; multiple
// engines may run in one process without interference (§9).
type Engine struct {
	cfg   Config
	ctx   *Context
	br    *broker.Broker
	pf    *portfolio.Portfolio
	guard *guard.BookGuard
	mx    metrics.Recorder

	runID string

	fundingBoundary map[string]int64 // symbol -> last applied next_funding_time_ms
	eventCounts     map[marketdata.EventKind]int

	haveNow   bool
	lastNowMs int64

	tickAnchorSet bool
	nextTickMs    int64

	appliedFills int // len(br.Fills()) already folded into pf
}

// New constructs an Engine. brokerCfg configures the simulated broker
// wired to this engine's own books.
func New(cfg Config, brokerCfg broker.Config) *Engine {
	runID := uuid.NewString()
	ectx := newContext()
	pf := portfolio.New()

	br := broker.New(brokerCfg, bookProvider{ctx: ectx})

	br.WithPositions(pf)

	var g *guard.BookGuard
	if cfg.BookGuardEnabled && cfg.BookGuardSymbol != "" {
		g = guard.New(cfg.BookGuardSymbol, cfg.BookGuard)
		br.WithGuard(g)
	}

	ectx.Broker = newTradingWindowProxy(br, cfg)
	ectx.Portfolio = pf

	return &Engine{
		cfg:             cfg,
		ctx:             ectx,
		br:              br,
		pf:              pf,
		guard:           g,
		mx:              metrics.Noop(),
		runID:           runID,
		fundingBoundary: make(map[string]int64),
		eventCounts:     make(map[marketdata.EventKind]int),
	}
}

// Context exposes the engine's live context, e.g. so a caller can inspect
// books before the run starts or after it ends.
func (e *Engine) Context() *Context { return e.ctx }

// WithMetrics attaches a Recorder the engine and its broker report through.
// Without one, nothing is recorded beyond Result.
func (e *Engine) WithMetrics(m metrics.Recorder) *Engine {
	e.mx = m
	e.br.WithMetrics(m)
	return e
}

// Run drives src to exhaustion, dispatching to strategy's optional
// EventHandler/TickHandler capabilities, and returns the final Result.
// A fatal error (OutOfOrderEvent, or one bubbled up from src) stops the
// loop immediately; src.Close() is always called.
func (e *Engine) Run(ctx context.Context, src EventSource, strategy any) (*Result, error) {
	log.Info().Str("run_id", e.runID).Msg("engine: run starting")
	defer func() {
		if err := src.Close(); err != nil {
			log.Error().Str("run_id", e.runID).Err(err).Msg("engine: error closing event source")
		}
	}()

	eh, _ := strategy.(EventHandler)
	th, _ := strategy.(TickHandler)

	for {
		select {
		case <-ctx.Done():
			return e.result(), ctx.Err()
		default:
		}

		evt, ok, err := src.Next()
		if err != nil {
			return e.result(), fmt.Errorf("engine: %w", err)
		}
		if !ok {
			break
		}

		ts := evt.EventTimeMs()
		if e.cfg.StrictEventTimeMonotonic && e.haveNow && ts < e.lastNowMs {
			return e.result(), fmt.Errorf("engine: event at %d after %d: %w", ts, e.lastNowMs, errs.ErrOutOfOrderEvent)
		}
		e.ctx.NowMs = ts
		e.lastNowMs = ts
		e.haveNow = true

		if e.cfg.TickIntervalMs > 0 {
			if err := e.emitTicks(th); err != nil {
				return e.result(), err
			}
		}

		if e.cfg.BrokerTimeMode == BeforeEvent {
			e.br.OnTime(e.ctx.NowMs)
			e.syncFills()
		}

		e.applyEvent(evt)
		e.syncFills()
		e.eventCounts[evt.Kind]++
		e.mx.EventProcessed(evt.Kind.String())

		if e.cfg.BrokerTimeMode == AfterEvent {
			e.br.OnTime(e.ctx.NowMs)
			e.syncFills()
		}

		if eh != nil {
			if err := eh.OnEvent(evt, e.ctx); err != nil {
				return e.result(), fmt.Errorf("engine: strategy on_event: %w", err)
			}
		}
	}

	log.Info().Str("run_id", e.runID).Int("fills", len(e.br.Fills())).Msg("engine: run complete")
	return e.result(), nil
}

func (e *Engine) emitTicks(th TickHandler) error {
	if !e.tickAnchorSet {
		e.tickAnchorSet = true
		e.nextTickMs = e.ctx.NowMs
	}
	for e.nextTickMs <= e.ctx.NowMs {
		e.br.OnTime(e.nextTickMs)
		e.syncFills()
		if th != nil {
			if err := th.OnTick(e.nextTickMs, e.ctx); err != nil {
				return fmt.Errorf("engine: strategy on_tick: %w", err)
			}
		}
		e.nextTickMs += e.cfg.TickIntervalMs
	}
	return nil
}

func (e *Engine) applyEvent(evt marketdata.Event) {
	switch evt.Kind {
	case marketdata.EventDepth:
		e.applyDepth(*evt.Depth)
	case marketdata.EventTrade:
		e.br.OnTrade(*evt.Trade, e.ctx.NowMs)
	case marketdata.EventMark:
		e.applyMark(*evt.Mark)
	case marketdata.EventTicker:
		e.ctx.LastTicker[evt.TickerEvt.Symbol] = *evt.TickerEvt
	case marketdata.EventOpenInterest:
		e.ctx.LastOpenInterest[evt.OpenInt.Symbol] = *evt.OpenInt
	case marketdata.EventLiquidation:
		e.ctx.LastLiquidation[evt.Liquidation.Symbol] = *evt.Liquidation
	}
}

func (e *Engine) applyDepth(u marketdata.DepthUpdate) {
	bk := e.ctx.bookFor(u.Symbol)
	prevFinal, hadPrev := bk.LastFinalUpdateID()
	bk.ApplyDepthUpdate(u)

	if e.guard != nil && u.Symbol == e.cfg.BookGuardSymbol {
		tripsBefore := e.guard.Trips()
		e.guard.OnDepthUpdate(u, prevFinal, hadPrev, bk, e.ctx.NowMs)
		if e.guard.Trips() > tripsBefore {
			e.br.InvalidateOnGuardTrip(u.Symbol)
			e.mx.GuardTripped(u.Symbol)
		}
	}

	e.br.OnDepthUpdate(u.Symbol, bk)
}

// applyMark latches the mark/index/funding snapshot and, on a
// next_funding_time_ms crossing not yet applied for this symbol, triggers
// a funding settlement pass over every symbol with an open position —
// Open Question (a)'s decision: breadth is "all symbols with a position",
// each using its own latched mark and rate, not the triggering symbol's.
func (e *Engine) applyMark(m marketdata.MarkPrice) {
	e.ctx.LastMark[m.Symbol] = m
	e.pf.SetMark(m.Symbol, m.MarkPrice)

	if m.NextFundingTimeMs <= 0 {
		return
	}
	if e.ctx.NowMs < m.NextFundingTimeMs {
		return
	}
	if applied, seen := e.fundingBoundary[m.Symbol]; seen && applied == m.NextFundingTimeMs {
		return
	}
	e.fundingBoundary[m.Symbol] = m.NextFundingTimeMs
	e.applyFundingToAllPositions()
}

// syncFills folds every broker fill recorded since the last sync into the
// portfolio. The broker only appends to its fill log and never touches
// position state directly (§5: broker holds no position); the engine is
// the single place that turns a Fill into a position mutation.
func (e *Engine) syncFills() {
	fills := e.br.Fills()
	for _, f := range fills[e.appliedFills:] {
		e.pf.ApplyFill(f.Symbol, f.Side, f.Price, f.Quantity, f.Fee)
	}
	e.appliedFills = len(fills)
}

func (e *Engine) applyFundingToAllPositions() {
	for symbol, pos := range e.pf.Positions() {
		if pos.NetQty == 0 {
			continue
		}
		mark, ok := e.ctx.LastMark[symbol]
		if !ok {
			continue
		}
		pnl := e.pf.ApplyFunding(symbol, mark.MarkPrice, mark.FundingRate)
		// Every symbol actually funded in this pass latches its own
		// boundary, not just the symbol whose mark triggered the pass —
		// otherwise a later independent crossing on another symbol
		// re-triggers this pass and double-pays symbols already settled.
		e.fundingBoundary[symbol] = mark.NextFundingTimeMs
		e.mx.FundingApplied(symbol, pnl)
		log.Info().Str("run_id", e.runID).Str("symbol", symbol).Float64("funding_pnl", pnl).Msg("engine: funding applied")
	}
}

func (e *Engine) result() *Result {
	return &Result{
		RunID:       e.runID,
		Portfolio:   e.pf,
		Fills:       e.br.Fills(),
		Rejections:  e.br.Rejections(),
		EventCounts: e.eventCounts,
	}
}
