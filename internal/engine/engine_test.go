package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/broker"
	"fenrir/internal/engine"
	"fenrir/internal/marketdata"
	"fenrir/internal/testdata"
)

// Scenario 3 from §8: a resting maker order's queue-ahead is consumed by
// the trade tape before it produces its one maker fill.
func TestEngine_MakerQueueFill(t *testing.T) {
	src := testdata.NewSliceSource([]marketdata.Event{
		testdata.DepthEvent(marketdata.DepthUpdate{
			EventTimeMs: 0, Symbol: "X",
			BidUpdates: []marketdata.PriceQty{{Price: 100, Qty: 2}},
			AskUpdates: []marketdata.PriceQty{{Price: 101, Qty: 1}},
		}),
		testdata.TradeEvent(marketdata.Trade{EventTimeMs: 10, Symbol: "X", TradeID: 1, Price: 100, Quantity: 1.5, IsBuyerMaker: true}),
		testdata.TradeEvent(marketdata.Trade{EventTimeMs: 20, Symbol: "X", TradeID: 2, Price: 100, Quantity: 1.5, IsBuyerMaker: true}),
	})

	// BeforeEvent lets the order submitted during event 1's on_event
	// activate via event 2's broker.on_time, before event 2 is applied —
	// otherwise it would not yet be resting when the first trade prints.
	cfg := engine.DefaultConfig()
	cfg.BrokerTimeMode = engine.BeforeEvent
	e := engine.New(cfg, broker.DefaultConfig())
	ctx := context.Background()

	strat := &submitOnceStrategy{
		submitAtMs: 0,
		order: marketdata.Order{
			ID: "m1", Symbol: "X", Side: marketdata.Buy, OrderType: marketdata.Limit,
			LimitPrice: 100, Quantity: 1, TIF: marketdata.GTC,
		},
	}

	res, err := e.Run(ctx, src, strat)
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, marketdata.Maker, res.Fills[0].Liquidity)
	assert.Equal(t, 100.0, res.Fills[0].Price)
	assert.Equal(t, 1.0, res.Fills[0].Quantity)
	assert.True(t, src.Closed(), "engine must close the event source on completion")
}

// Scenario 4 from §8: funding applied exactly once per next_funding_time_ms
// crossing, even if further mark updates arrive before the next boundary.
func TestEngine_FundingAppliedOncePerBoundary(t *testing.T) {
	src := testdata.NewSliceSource([]marketdata.Event{
		testdata.DepthEvent(marketdata.DepthUpdate{
			EventTimeMs: 0, Symbol: "S",
			BidUpdates: []marketdata.PriceQty{{Price: 50000, Qty: 10}},
			AskUpdates: []marketdata.PriceQty{{Price: 50001, Qty: 10}},
		}),
		// A second event between submission and the funding boundary
		// lets the market order activate (and the position open) via
		// broker.on_time before funding is evaluated.
		testdata.DepthEvent(marketdata.DepthUpdate{EventTimeMs: 50, Symbol: "S"}),
		testdata.MarkEvent(marketdata.MarkPrice{EventTimeMs: 100, Symbol: "S", MarkPrice: 50000, FundingRate: 0.0001, NextFundingTimeMs: 100}),
		testdata.MarkEvent(marketdata.MarkPrice{EventTimeMs: 101, Symbol: "S", MarkPrice: 50000, FundingRate: 0.0001, NextFundingTimeMs: 100}),
	})

	cfg := engine.DefaultConfig()
	cfg.BrokerTimeMode = engine.BeforeEvent
	e := engine.New(cfg, broker.DefaultConfig())
	ctx := context.Background()

	strat := &submitOnceStrategy{
		submitAtMs: 0,
		order: marketdata.Order{
			ID: "o1", Symbol: "S", Side: marketdata.Buy, OrderType: marketdata.Market, Quantity: 2,
		},
	}

	res, err := e.Run(ctx, src, strat)
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.InDelta(t, -10.0, res.Portfolio.RealizedPnLUsdt(), 1e-9, "funding must apply exactly once: -2*50000*0.0001")
}

// Scenario 5 from §8: strict monotonic fail-fast before dispatching the
// out-of-order event.
func TestEngine_StrictMonotonicFailsFast(t *testing.T) {
	src := testdata.NewSliceSource([]marketdata.Event{
		testdata.DepthEvent(marketdata.DepthUpdate{EventTimeMs: 5000, Symbol: "X"}),
		testdata.TradeEvent(marketdata.Trade{EventTimeMs: 4999, Symbol: "X", TradeID: 1}),
	})

	cfg := engine.DefaultConfig()
	cfg.StrictEventTimeMonotonic = true
	e := engine.New(cfg, broker.DefaultConfig())

	res, err := e.Run(context.Background(), src, nil)
	require.Error(t, err)
	assert.Equal(t, 1, res.EventCounts[marketdata.EventDepth], "only the depth update should have been dispatched")
	assert.Equal(t, 0, res.EventCounts[marketdata.EventTrade])
}

func TestEngine_ReduceOnlyRejectedWhenFlat(t *testing.T) {
	src := testdata.NewSliceSource([]marketdata.Event{
		testdata.DepthEvent(marketdata.DepthUpdate{
			EventTimeMs: 0, Symbol: "X",
			BidUpdates: []marketdata.PriceQty{{Price: 99, Qty: 1}},
			AskUpdates: []marketdata.PriceQty{{Price: 101, Qty: 1}},
		}),
		// A later event runs broker.on_time so the submit activates and
		// its reduce_only check is evaluated.
		testdata.DepthEvent(marketdata.DepthUpdate{EventTimeMs: 1, Symbol: "X"}),
	})

	e := engine.New(engine.DefaultConfig(), broker.DefaultConfig())
	strat := &submitOnceStrategy{
		submitAtMs: 0,
		order: marketdata.Order{
			ID: "o1", Symbol: "X", Side: marketdata.Sell, OrderType: marketdata.Market, Quantity: 1, ReduceOnly: true,
		},
	}

	res, err := e.Run(context.Background(), src, strat)
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	require.Len(t, res.Rejections, 1)
}

// Nonzero submit latency means a reduce_only order valid against the
// position at submit time can find the position already flipped by the
// time it activates; the broker must re-check at activation, not rely on
// the submit-time snapshot.
func TestEngine_ReduceOnlyRecheckedAtActivationAfterLatency(t *testing.T) {
	src := testdata.NewSliceSource([]marketdata.Event{
		testdata.DepthEvent(marketdata.DepthUpdate{
			EventTimeMs: 0, Symbol: "X",
			BidUpdates: []marketdata.PriceQty{{Price: 99, Qty: 1}},
			AskUpdates: []marketdata.PriceQty{{Price: 101, Qty: 1}},
		}),
		testdata.DepthEvent(marketdata.DepthUpdate{EventTimeMs: 100, Symbol: "X"}),
		testdata.TradeEvent(marketdata.Trade{EventTimeMs: 150, Symbol: "X", TradeID: 1, Price: 99.5, Quantity: 2, IsBuyerMaker: false}),
		testdata.DepthEvent(marketdata.DepthUpdate{EventTimeMs: 200, Symbol: "X"}),
	})

	cfg := engine.DefaultConfig()
	cfg.BrokerTimeMode = engine.BeforeEvent
	bCfg := broker.DefaultConfig()
	bCfg.SubmitLatencyMs = 100
	e := engine.New(cfg, bCfg)

	strat := &scriptedStrategy{
		submits: map[int64][]marketdata.Order{
			0: {
				{ID: "a1", Symbol: "X", Side: marketdata.Buy, OrderType: marketdata.Market, Quantity: 1},
				{ID: "c1", Symbol: "X", Side: marketdata.Sell, OrderType: marketdata.Limit, LimitPrice: 99.5, Quantity: 1, TIF: marketdata.GTC},
			},
			// Submitted while long 1 (a1 has activated by now), so valid at
			// submit time — but c1's maker fill at t=150 flattens the
			// position before this order's own activation at t=200.
			100: {
				{ID: "b1", Symbol: "X", Side: marketdata.Sell, OrderType: marketdata.Market, Quantity: 1, ReduceOnly: true},
			},
		},
	}

	res, err := e.Run(context.Background(), src, strat)
	require.NoError(t, err)
	require.Len(t, res.Fills, 2, "a1's taker fill and c1's maker fill, not b1")
	require.Len(t, res.Rejections, 1)
	assert.Equal(t, "b1", res.Rejections[0].OrderID)
	assert.Equal(t, 0.0, res.Portfolio.Position("X").NetQty, "b1 must not have been allowed to open a short")
}

func TestEngine_TradingWindowBlocksEntriesOutsideWindow(t *testing.T) {
	src := testdata.NewSliceSource([]marketdata.Event{
		testdata.DepthEvent(marketdata.DepthUpdate{
			EventTimeMs: 50, Symbol: "X",
			BidUpdates: []marketdata.PriceQty{{Price: 99, Qty: 1}},
			AskUpdates: []marketdata.PriceQty{{Price: 101, Qty: 1}},
		}),
	})

	cfg := engine.DefaultConfig()
	cfg.TradingStartMs = 0
	cfg.TradingEndMs = 10
	cfg.TradingWindowMode = engine.BlockAll
	e := engine.New(cfg, broker.DefaultConfig())

	strat := &submitOnceStrategy{
		submitAtMs: 50,
		order:      marketdata.Order{ID: "o1", Symbol: "X", Side: marketdata.Buy, OrderType: marketdata.Market, Quantity: 1},
	}

	res, err := e.Run(context.Background(), src, strat)
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	require.Len(t, res.Rejections, 1)
}

func TestEngine_TickGridEmittedOnFixedAnchor(t *testing.T) {
	src := testdata.NewSliceSource([]marketdata.Event{
		testdata.DepthEvent(marketdata.DepthUpdate{EventTimeMs: 1000, Symbol: "X"}),
		testdata.DepthEvent(marketdata.DepthUpdate{EventTimeMs: 1250, Symbol: "X"}),
	})

	cfg := engine.DefaultConfig()
	cfg.TickIntervalMs = 100
	e := engine.New(cfg, broker.DefaultConfig())

	strat := &tickCountingStrategy{}
	_, err := e.Run(context.Background(), src, strat)
	require.NoError(t, err)
	// Anchor at 1000: ticks at 1000 (event 1), 1100, 1200 (<=1250).
	assert.Equal(t, []int64{1000, 1100, 1200}, strat.ticks)
}

// submitOnceStrategy submits a single order the first time on_event fires
// at or after submitAtMs.
type submitOnceStrategy struct {
	submitAtMs int64
	order      marketdata.Order
	submitted  bool
}

func (s *submitOnceStrategy) OnEvent(evt marketdata.Event, ctx *engine.Context) error {
	if !s.submitted && ctx.NowMs >= s.submitAtMs {
		s.submitted = true
		return ctx.Broker.Submit(s.order, ctx.NowMs)
	}
	return nil
}

// scriptedStrategy submits every order keyed under the event time it's
// first reached, once per time.
type scriptedStrategy struct {
	submits map[int64][]marketdata.Order
	issued  map[int64]bool
}

func (s *scriptedStrategy) OnEvent(evt marketdata.Event, ctx *engine.Context) error {
	if s.issued == nil {
		s.issued = make(map[int64]bool)
	}
	if s.issued[ctx.NowMs] {
		return nil
	}
	orders, ok := s.submits[ctx.NowMs]
	if !ok {
		return nil
	}
	s.issued[ctx.NowMs] = true
	for _, o := range orders {
		if err := ctx.Broker.Submit(o, ctx.NowMs); err != nil {
			return err
		}
	}
	return nil
}

type tickCountingStrategy struct {
	ticks []int64
}

func (s *tickCountingStrategy) OnTick(tickMs int64, ctx *engine.Context) error {
	s.ticks = append(s.ticks, tickMs)
	return nil
}
