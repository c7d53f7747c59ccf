// Package book implements the in-memory L2 order book: two price ladders
// (bids, asks) updated by sparse depth deltas, plus the derived queries a
// strategy or broker needs (best, mid, impact VWAP).
//
// The price ladder is a github.com/tidwall/btree BTreeG, the same generic
// ordered-map structure fenrir/internal/engine/orderbook.go uses for its
// per-order PriceLevel ladder — here holding aggregated quantity per price
// instead of a per-order queue, since §3 defines the L2 book as two
// price→quantity mappings, not an order queue.
package book

import (
	"math"

	"github.com/tidwall/btree"

	"fenrir/internal/marketdata"
)

type priceLevel struct {
	price float64
	qty   float64
}

type ladder = btree.BTreeG[*priceLevel]

// L2Book is the aggregated depth for one symbol.
type L2Book struct {
	Symbol string

	bids *ladder // descending by price: best bid first
	asks *ladder // ascending by price: best ask first

	lastUpdateMs      int64
	lastFinalUpdateID uint64
	hasFinalUpdateID  bool
}

// New creates an empty book for symbol.
func New(symbol string) *L2Book {
	bids := btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price > b.price })
	asks := btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price < b.price })
	return &L2Book{Symbol: symbol, bids: bids, asks: asks}
}

// ApplyDepthUpdate applies a sparse delta: a qty of 0 removes the level, any
// positive qty sets it. Order of application within the update does not
// matter to the resulting state.
func (b *L2Book) ApplyDepthUpdate(u marketdata.DepthUpdate) {
	applySide(b.bids, u.BidUpdates)
	applySide(b.asks, u.AskUpdates)
	b.lastUpdateMs = u.EventTimeMs
	if u.FinalUpdateID != 0 {
		b.lastFinalUpdateID = u.FinalUpdateID
		b.hasFinalUpdateID = true
	}
}

func applySide(side *ladder, updates []marketdata.PriceQty) {
	for _, u := range updates {
		if u.Qty <= 0 {
			side.Delete(&priceLevel{price: u.Price})
			continue
		}
		side.Set(&priceLevel{price: u.Price, qty: u.Qty})
	}
}

// LastUpdateMs returns the event_time_ms of the most recently applied depth
// update, used by the book guard's staleness check.
func (b *L2Book) LastUpdateMs() int64 { return b.lastUpdateMs }

// LastFinalUpdateID returns the final_update_id of the most recent depth
// update that carried one, and whether any has, for the guard's sequence
// mismatch check against the next update's PrevFinalUpdateID.
func (b *L2Book) LastFinalUpdateID() (uint64, bool) {
	return b.lastFinalUpdateID, b.hasFinalUpdateID
}

// BestBid returns the highest bid price and its quantity, or ok=false if
// the bid side is empty.
func (b *L2Book) BestBid() (price, qty float64, ok bool) {
	lvl, found := b.bids.Min()
	if !found {
		return 0, 0, false
	}
	return lvl.price, lvl.qty, true
}

// BestAsk returns the lowest ask price and its quantity, or ok=false if the
// ask side is empty.
func (b *L2Book) BestAsk() (price, qty float64, ok bool) {
	lvl, found := b.asks.Min()
	if !found {
		return 0, 0, false
	}
	return lvl.price, lvl.qty, true
}

// Mid returns (best_bid+best_ask)/2, or ok=false if either side is empty.
func (b *L2Book) Mid() (mid float64, ok bool) {
	bid, _, bidOk := b.BestBid()
	ask, _, askOk := b.BestAsk()
	if !bidOk || !askOk {
		return 0, false
	}
	return (bid + ask) / 2, true
}

// Crossed reports whether best_bid >= best_ask. The book does not
// auto-correct a crossed state; it only detects it.
func (b *L2Book) Crossed() bool {
	bid, _, bidOk := b.BestBid()
	ask, _, askOk := b.BestAsk()
	if !bidOk || !askOk {
		return false
	}
	return bid >= ask
}

// Spread returns best_ask - best_bid, or ok=false if either side is empty.
func (b *L2Book) Spread() (spread float64, ok bool) {
	bid, _, bidOk := b.BestBid()
	ask, _, askOk := b.BestAsk()
	if !bidOk || !askOk {
		return 0, false
	}
	return ask - bid, true
}

// Levels returns up to n levels from the requested side, best first, for
// read-only inspection by a strategy or the book guard.
func (b *L2Book) Levels(side marketdata.Side, n int) []marketdata.PriceQty {
	if n <= 0 {
		return nil
	}
	l := b.sideLadder(side)
	out := make([]marketdata.PriceQty, 0, n)
	l.Scan(func(item *priceLevel) bool {
		out = append(out, marketdata.PriceQty{Price: item.price, Qty: item.qty})
		return len(out) < n
	})
	return out
}

func (b *L2Book) sideLadder(side marketdata.Side) *ladder {
	if side == marketdata.Buy {
		return b.bids
	}
	return b.asks
}

// ImpactVWAP walks the opposite side of the book from side (a buy walks
// asks ascending, a sell walks bids descending), accumulating
// Σ price·qty until it reaches targetNotional, maxLevels is exhausted, or
// the book runs out of depth. If maxLevels is > 0 and yields insufficient
// depth, it retries once with the full book before declaring undefined.
// epsNotional absorbs floating point residue at the boundary.
func (b *L2Book) ImpactVWAP(side marketdata.Side, targetNotional float64, maxLevels int, epsNotional float64) (vwap, filledNotional float64, ok bool) {
	vwap, filledNotional, ok = b.impactVWAP(side, targetNotional, maxLevels, epsNotional)
	if ok || maxLevels <= 0 {
		return vwap, filledNotional, ok
	}
	return b.impactVWAP(side, targetNotional, 0, epsNotional)
}

func (b *L2Book) impactVWAP(side marketdata.Side, targetNotional float64, maxLevels int, epsNotional float64) (vwap, filledNotional float64, ok bool) {
	walked := b.opposite(side)

	var notional, qty float64
	levels := 0
	walked.Scan(func(item *priceLevel) bool {
		if maxLevels > 0 && levels >= maxLevels {
			return false
		}
		notional += item.price * item.qty
		qty += item.qty
		levels++
		return notional+epsNotional < targetNotional
	})

	if qty == 0 || notional+epsNotional < targetNotional {
		return 0, 0, false
	}
	return notional / qty, notional, true
}

// opposite returns the ladder a market order on side would consume: a buy
// consumes asks, a sell consumes bids.
func (b *L2Book) opposite(side marketdata.Side) *ladder {
	if side == marketdata.Buy {
		return b.asks
	}
	return b.bids
}

// ConsumeTaker walks the opposite side of side, removing up to qty from the
// book (mutating it in place — self-impact) and returns the average
// execution price and quantity actually filled (<= qty if the book runs
// dry). Used by the broker's taker fill path for market orders.
func (b *L2Book) ConsumeTaker(side marketdata.Side, qty float64) (avgPrice, filledQty float64) {
	return b.consume(side, qty, nil)
}

// ConsumeTakerLimited behaves like ConsumeTaker but additionally refuses to
// walk past limitPrice: a buy never pays more than limitPrice, a sell
// never sells for less. Used for marketable limit orders.
func (b *L2Book) ConsumeTakerLimited(side marketdata.Side, qty, limitPrice float64) (avgPrice, filledQty float64) {
	return b.consume(side, qty, limitFilter(side, limitPrice))
}

// AvailableWithinLimit returns the total resting quantity the book could
// fill for a taker of `side` without mutating it, honoring limitPrice the
// same way ConsumeTakerLimited does. Used to pre-check an FOK order.
func (b *L2Book) AvailableWithinLimit(side marketdata.Side, limitPrice float64) float64 {
	return b.available(side, limitFilter(side, limitPrice))
}

func limitFilter(side marketdata.Side, limitPrice float64) func(price float64) bool {
	return func(price float64) bool {
		if side == marketdata.Buy {
			return price <= limitPrice
		}
		return price >= limitPrice
	}
}

func (b *L2Book) available(side marketdata.Side, allow func(price float64) bool) float64 {
	walked := b.opposite(side)
	var total float64
	walked.Scan(func(item *priceLevel) bool {
		if allow != nil && !allow(item.price) {
			return false
		}
		total += item.qty
		return true
	})
	return total
}

func (b *L2Book) consume(side marketdata.Side, qty float64, allow func(price float64) bool) (avgPrice, filledQty float64) {
	walked := b.opposite(side)

	var notional float64
	remaining := qty
	var drained []*priceLevel

	walked.Scan(func(item *priceLevel) bool {
		if remaining <= 0 {
			return false
		}
		if allow != nil && !allow(item.price) {
			return false
		}
		take := math.Min(remaining, item.qty)
		notional += item.price * take
		filledQty += take
		remaining -= take
		item.qty -= take
		if item.qty <= 0 {
			drained = append(drained, item)
		}
		return remaining > 0
	})

	for _, d := range drained {
		walked.Delete(d)
	}

	if filledQty == 0 {
		return 0, 0
	}
	return notional / filledQty, filledQty
}

// Reset discards all resting levels and sequence state, used by the book
// guard when a sequence mismatch or crossed book forces a rebuild from the
// next snapshot.
func (b *L2Book) Reset() {
	*b = *New(b.Symbol)
}

// AvailableToFill returns the total resting quantity on the side a market
// order of `side` would consume (asks for a buy, bids for a sell), without
// mutating the book. Used by the broker to pre-check an FOK order before
// committing any self-impact.
func (b *L2Book) AvailableToFill(side marketdata.Side) float64 {
	return b.available(side, nil)
}

// VisibleQty returns the resting quantity at price on side, or 0 if no
// level exists there. Used to seed a new maker order's queue-ahead
// estimate.
func (b *L2Book) VisibleQty(side marketdata.Side, price float64) float64 {
	l := b.sideLadder(side)
	lvl, ok := l.Get(&priceLevel{price: price})
	if !ok {
		return 0
	}
	return lvl.qty
}
