package guard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenrir/internal/book"
	"fenrir/internal/errs"
	"fenrir/internal/guard"
	"fenrir/internal/marketdata"
)

func crossedBook(t int64) *book.L2Book {
	b := book.New("X")
	b.ApplyDepthUpdate(marketdata.DepthUpdate{
		EventTimeMs: t,
		Symbol:      "X",
		BidUpdates:  []marketdata.PriceQty{{Price: 101, Qty: 1}},
		AskUpdates:  []marketdata.PriceQty{{Price: 100, Qty: 1}},
	})
	return b
}

// Scenario 6 from §8: guard cooldown.
func TestGuard_SpreadBpsTripsCooldown(t *testing.T) {
	b := book.New("X")
	b.ApplyDepthUpdate(marketdata.DepthUpdate{
		EventTimeMs: 0,
		Symbol:      "X",
		BidUpdates:  []marketdata.PriceQty{{Price: 10000, Qty: 1}},
		AskUpdates:  []marketdata.PriceQty{{Price: 10010, Qty: 1}}, // 10bps spread
	})

	g := guard.New("X", guard.Config{MaxSpreadBps: 5, CooldownMs: 1000})
	g.OnDepthUpdate(marketdata.DepthUpdate{EventTimeMs: 0, Symbol: "X"}, 0, false, b, 0)

	err := g.AllowSubmit("X", b, 500)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrGuardBlocked)

	// Still within [0, 1000).
	err = g.AllowSubmit("X", b, 999)
	require.Error(t, err)

	// Spread back in bounds, cooldown elapsed.
	b.ApplyDepthUpdate(marketdata.DepthUpdate{
		EventTimeMs: 1001,
		Symbol:      "X",
		BidUpdates:  []marketdata.PriceQty{{Price: 10000, Qty: 1}},
		AskUpdates:  []marketdata.PriceQty{{Price: 10001, Qty: 1}},
	})
	err = g.AllowSubmit("X", b, 1001)
	assert.NoError(t, err)
}

func TestGuard_Idempotence_OneCooldownNotTwo(t *testing.T) {
	b := crossedBook(0)
	g := guard.New("X", guard.Config{CooldownMs: 1000})

	g.OnDepthUpdate(marketdata.DepthUpdate{EventTimeMs: 0, Symbol: "X"}, 0, false, b, 0)
	assert.Equal(t, 1, g.Trips())

	// A second identical trip inside the same cooldown window must not
	// start a second interval.
	g.OnDepthUpdate(marketdata.DepthUpdate{EventTimeMs: 100, Symbol: "X"}, 0, false, b, 100)
	assert.Equal(t, 1, g.Trips())

	err := g.AllowSubmit("X", b, 999)
	assert.Error(t, err)
}

func TestGuard_WarmupBlocksUntilSatisfied(t *testing.T) {
	b := book.New("X")
	b.ApplyDepthUpdate(marketdata.DepthUpdate{
		EventTimeMs: 0, Symbol: "X",
		BidUpdates: []marketdata.PriceQty{{Price: 100, Qty: 1}},
		AskUpdates: []marketdata.PriceQty{{Price: 101, Qty: 1}},
	})
	g := guard.New("X", guard.Config{WarmupDepthUpdates: 2})

	err := g.AllowSubmit("X", b, 0)
	assert.Error(t, err)

	g.OnDepthUpdate(marketdata.DepthUpdate{EventTimeMs: 0, Symbol: "X"}, 0, false, b, 0)
	err = g.AllowSubmit("X", b, 0)
	assert.Error(t, err, "only one depth update observed, still below warmup")

	g.OnDepthUpdate(marketdata.DepthUpdate{EventTimeMs: 1, Symbol: "X"}, 0, false, b, 1)
	err = g.AllowSubmit("X", b, 1)
	assert.NoError(t, err)
}

func TestGuard_SequenceMismatchTripsAndOptionallyResets(t *testing.T) {
	b := book.New("X")
	b.ApplyDepthUpdate(marketdata.DepthUpdate{
		EventTimeMs: 0, Symbol: "X", FinalUpdateID: 5,
		BidUpdates: []marketdata.PriceQty{{Price: 100, Qty: 1}},
		AskUpdates: []marketdata.PriceQty{{Price: 101, Qty: 1}},
	})

	g := guard.New("X", guard.Config{CooldownMs: 500, ResetOnMismatch: true})
	// The book's prior final id was 5; an update claiming prev=10 is a
	// mismatch.
	g.OnDepthUpdate(marketdata.DepthUpdate{EventTimeMs: 1, Symbol: "X", PrevFinalUpdateID: 10, FinalUpdateID: 6}, 5, true, b, 1)

	assert.Equal(t, 1, g.Trips())
	_, _, ok := b.BestBid()
	assert.False(t, ok, "mismatch with ResetOnMismatch should clear the book")
}
