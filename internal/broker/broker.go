// Package broker implements the simulated exchange: order submission and
// cancellation with configurable latency, taker fills against the live L2
// book (self-impact), a queue-ahead maker fill model, and FOK/reduce-only/
// post-only semantics (§4 and §5).
//
// Pending submits and cancels are each a container/heap.Interface ordered
// by (scheduled time, sequence), the same heap idiom merge.priorityQueue
// uses for its event tie-break and fenrir/internal/book's BuyBook/SellBook
// use for price-time priority. Cancelling an order before its scheduled
// submit activates is a tombstone in pendingSubmitIDs/cancelledSubmits
// rather than a heap removal, since container/heap has no removal-by-id.
package broker

import (
	"container/heap"
	"fmt"

	"github.com/rs/zerolog/log"

	"fenrir/internal/book"
	"fenrir/internal/errs"
	"fenrir/internal/marketdata"
	"fenrir/internal/metrics"
)

// BookProvider gives the broker read/mutate access to the live book for a
// symbol, the same capability-interface shape guard.Checker uses — the
// engine owns the actual *book.L2Book instances and wires this in so broker
// never needs to know how books are stored per symbol.
type BookProvider interface {
	Book(symbol string) (*book.L2Book, bool)
}

// makerOrder is a resting limit order's broker-side bookkeeping.
type makerOrder struct {
	order marketdata.Order

	remaining float64

	queueAhead      float64
	queueRefreshed  bool // queue-ahead is refreshed exactly once, on the first post-submit depth update
}

type pendingSubmit struct {
	order marketdata.Order
	dueMs int64
	seq   uint64
}

type pendingCancel struct {
	orderID string
	dueMs   int64
	seq     uint64
}

// submitQueue and cancelQueue are container/heap.Interface implementations
// ordered by (dueMs, seq), the same Len/Less/Swap/Push/Pop shape as
// fenrir/internal/book's BuyBook/SellBook and merge.priorityQueue.
type submitQueue []pendingSubmit

func (q submitQueue) Len() int { return len(q) }
func (q submitQueue) Less(i, j int) bool {
	if q[i].dueMs != q[j].dueMs {
		return q[i].dueMs < q[j].dueMs
	}
	return q[i].seq < q[j].seq
}
func (q submitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *submitQueue) Push(x any)   { *q = append(*q, x.(pendingSubmit)) }
func (q *submitQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type cancelQueue []pendingCancel

func (q cancelQueue) Len() int { return len(q) }
func (q cancelQueue) Less(i, j int) bool {
	if q[i].dueMs != q[j].dueMs {
		return q[i].dueMs < q[j].dueMs
	}
	return q[i].seq < q[j].seq
}
func (q cancelQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *cancelQueue) Push(x any)   { *q = append(*q, x.(pendingCancel)) }
func (q *cancelQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Broker is the simulated exchange for one backtest run, spanning all
// symbols.
type Broker struct {
	cfg       Config
	books     BookProvider
	guard     Checker // nil means no guard attached
	positions PositionChecker
	metrics   metrics.Recorder

	pendingSubmits   submitQueue
	pendingCancels   cancelQueue
	pendingSubmitIDs map[string]bool // orderID -> still scheduled, not yet activated
	cancelledSubmits map[string]bool // orderID -> tombstoned by a cancel before activation
	seq              uint64

	makers map[string]*makerOrder // orderID -> resting maker
	known  map[string]bool        // every order ID ever submitted, for uniqueness

	fills      []marketdata.Fill
	nextFillID uint64
	rejections []marketdata.Rejection
}

// PositionChecker lets the broker re-evaluate a reduce_only order against
// the live position at activation time, the same capability-interface
// shape as Checker and BookProvider — satisfied by *portfolio.Portfolio,
// which the engine wires in, so broker never imports portfolio.
type PositionChecker interface {
	ReducesPosition(symbol string, side marketdata.Side) bool
}

// Checker is the guard capability the broker consults before activating a
// submit. Satisfied by *guard.BookGuard; declared locally so broker never
// imports guard.
type Checker interface {
	AllowSubmit(symbol string, bk *book.L2Book, nowMs int64) error
}

// New creates a Broker backed by books, with no guard attached. Attach one
// with WithGuard.
func New(cfg Config, books BookProvider) *Broker {
	return &Broker{
		cfg:              cfg,
		books:            books,
		makers:           make(map[string]*makerOrder),
		known:            make(map[string]bool),
		pendingSubmitIDs: make(map[string]bool),
		cancelledSubmits: make(map[string]bool),
		metrics:          metrics.Noop(),
	}
}

// WithGuard attaches a book guard the broker consults at submit-activation
// time.
func (b *Broker) WithGuard(g Checker) *Broker {
	b.guard = g
	return b
}

// WithPositions attaches the position checker the broker consults to
// re-validate reduce_only orders at activation time.
func (b *Broker) WithPositions(p PositionChecker) *Broker {
	b.positions = p
	return b
}

// WithMetrics attaches a Recorder the broker reports fills through. Without
// one, fills are simply not recorded anywhere but Fills().
func (b *Broker) WithMetrics(m metrics.Recorder) *Broker {
	b.metrics = m
	return b
}

// Fills returns every fill recorded so far, in execution order.
func (b *Broker) Fills() []marketdata.Fill { return b.fills }

// Rejections returns every rejection recorded so far, in the order they
// were recorded.
func (b *Broker) Rejections() []marketdata.Rejection { return b.rejections }

// RecordRejection lets a caller outside the broker (the engine's
// trading-window proxy, which rejects submits placed outside the trading
// window before they reach the broker) record a rejection through the same
// channel as the broker's own.
func (b *Broker) RecordRejection(order marketdata.Order, err error, reason string, nowMs int64) {
	b.reject(order, err, reason, nowMs)
}

// Submit schedules order for activation SubmitLatencyMs after nowMs. It
// returns an error immediately only for a duplicate order ID; every other
// rejection reason (unknown symbol, invalid order, guard block,
// insufficient liquidity under FOK) is recorded as a Rejection at
// activation time instead and does not stop the run. Recorded rejections
// are read back through Rejections(); Submit's caller is not notified.
func (b *Broker) Submit(order marketdata.Order, nowMs int64) error {
	if b.known[order.ID] {
		return fmt.Errorf("broker: duplicate order id %q", order.ID)
	}
	b.known[order.ID] = true
	b.pendingSubmitIDs[order.ID] = true
	b.seq++
	heap.Push(&b.pendingSubmits, pendingSubmit{
		order: order,
		dueMs: nowMs + b.cfg.SubmitLatencyMs,
		seq:   b.seq,
	})
	return nil
}

// Cancel schedules a cancel of orderID for activation CancelLatencyMs after
// nowMs. Cancelling an order that is not resting (already filled, already
// cancelled, or unknown) is a no-op once activated.
func (b *Broker) Cancel(orderID string, nowMs int64) {
	b.seq++
	heap.Push(&b.pendingCancels, pendingCancel{
		orderID: orderID,
		dueMs:   nowMs + b.cfg.CancelLatencyMs,
		seq:     b.seq,
	})
}

// OnTime activates every pending submit and cancel whose due time has
// arrived as of nowMs, cancels first. The engine calls this at every tick
// of its grid and once per event, before or after applying the event as
// its BrokerTimeMode selects.
func (b *Broker) OnTime(nowMs int64) {
	for b.pendingCancels.Len() > 0 && b.pendingCancels[0].dueMs <= nowMs {
		pc := heap.Pop(&b.pendingCancels).(pendingCancel)
		b.activateCancel(pc, nowMs)
	}

	for b.pendingSubmits.Len() > 0 && b.pendingSubmits[0].dueMs <= nowMs {
		ps := heap.Pop(&b.pendingSubmits).(pendingSubmit)
		delete(b.pendingSubmitIDs, ps.order.ID)
		if b.cancelledSubmits[ps.order.ID] {
			delete(b.cancelledSubmits, ps.order.ID)
			continue
		}
		b.activateSubmit(ps.order, nowMs)
	}
}

func (b *Broker) activateCancel(pc pendingCancel, nowMs int64) {
	if _, ok := b.makers[pc.orderID]; ok {
		delete(b.makers, pc.orderID)
		return
	}
	// Cancelling a still-pending submit before it activates tombstones it:
	// container/heap has no removal-by-id, so the entry stays in the heap
	// and is dropped silently when OnTime eventually pops it.
	if b.pendingSubmitIDs[pc.orderID] {
		b.cancelledSubmits[pc.orderID] = true
		delete(b.pendingSubmitIDs, pc.orderID)
	}
}

func (b *Broker) reject(order marketdata.Order, err error, reason string, nowMs int64) {
	b.rejections = append(b.rejections, marketdata.Rejection{
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Err:         err,
		Reason:      reason,
		EventTimeMs: nowMs,
	})
	log.Debug().Str("order", order.ID).Str("symbol", order.Symbol).Err(err).Str("reason", reason).Msg("broker: rejected order")
}

func (b *Broker) activateSubmit(order marketdata.Order, nowMs int64) {
	if err := validate(order); err != nil {
		b.reject(order, errs.ErrInvalidOrder, err.Error(), nowMs)
		return
	}

	bk, ok := b.books.Book(order.Symbol)
	if !ok {
		b.reject(order, errs.ErrUnknownSymbol, "no book for symbol", nowMs)
		return
	}

	if b.guard != nil {
		if err := b.guard.AllowSubmit(order.Symbol, bk, nowMs); err != nil {
			b.reject(order, err, "book guard blocked submit", nowMs)
			return
		}
	}

	if order.ReduceOnly && b.positions != nil && !b.positions.ReducesPosition(order.Symbol, order.Side) {
		b.reject(order, errs.ErrInvalidOrder, "reduce_only order would increase absolute position", nowMs)
		return
	}

	switch order.OrderType {
	case marketdata.Market:
		b.activateMarket(order, bk, nowMs)
	case marketdata.Limit:
		b.activateLimit(order, bk, nowMs)
	}
}

func validate(o marketdata.Order) error {
	if o.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %g", o.Quantity)
	}
	if o.OrderType == marketdata.Market && o.PostOnly {
		return fmt.Errorf("market order cannot be post_only")
	}
	if o.OrderType == marketdata.Limit && o.LimitPrice <= 0 {
		return fmt.Errorf("limit order requires a positive limit price")
	}
	return nil
}

func (b *Broker) activateMarket(order marketdata.Order, bk *book.L2Book, nowMs int64) {
	if order.TIF == marketdata.FOK {
		avail := bk.AvailableToFill(order.Side)
		if avail+1e-12 < order.Quantity {
			b.reject(order, errs.ErrInsufficientLiquidity, "FOK could not fill fully", nowMs)
			return
		}
	}

	avgPrice, filledQty := bk.ConsumeTaker(order.Side, order.Quantity)
	if filledQty == 0 {
		b.reject(order, errs.ErrInsufficientLiquidity, "book had no liquidity", nowMs)
		return
	}
	b.recordTakerFill(order, avgPrice, filledQty, nowMs)
}

func (b *Broker) activateLimit(order marketdata.Order, bk *book.L2Book, nowMs int64) {
	marketable := isMarketable(order, bk)

	if order.PostOnly && marketable {
		switch b.cfg.PostOnlyBehavior {
		case PostOnlyReprice:
			order.LimitPrice = repriceAwayFromCross(order, bk, b.cfg.RepriceTickSize)
			marketable = false
		default:
			b.reject(order, errs.ErrInvalidOrder, "post_only order was marketable at activation", nowMs)
			return
		}
	}

	if marketable {
		b.fillMarketableLimit(order, bk, nowMs)
		return
	}

	if order.TIF == marketdata.FOK {
		// A non-marketable FOK limit can never fill completely right now.
		b.reject(order, errs.ErrInsufficientLiquidity, "FOK limit not marketable at activation", nowMs)
		return
	}
	if order.TIF == marketdata.IOC {
		// A non-marketable IOC limit has nothing to take; it is
		// cancelled rather than rested.
		b.reject(order, errs.ErrInsufficientLiquidity, "IOC limit not marketable, nothing to fill", nowMs)
		return
	}

	b.restMaker(order, bk, nowMs)
}

func isMarketable(order marketdata.Order, bk *book.L2Book) bool {
	if order.Side == marketdata.Buy {
		_, askQty, ok := bk.BestAsk()
		if !ok || askQty == 0 {
			return false
		}
		price, _, _ := bk.BestAsk()
		return order.LimitPrice >= price
	}
	price, bidQty, ok := bk.BestBid()
	if !ok || bidQty == 0 {
		return false
	}
	return order.LimitPrice <= price
}

func repriceAwayFromCross(order marketdata.Order, bk *book.L2Book, tick float64) float64 {
	if tick <= 0 {
		tick = 0.01
	}
	if order.Side == marketdata.Buy {
		askPrice, _, ok := bk.BestAsk()
		if !ok {
			return order.LimitPrice
		}
		return askPrice - tick
	}
	bidPrice, _, ok := bk.BestBid()
	if !ok {
		return order.LimitPrice
	}
	return bidPrice + tick
}

func (b *Broker) fillMarketableLimit(order marketdata.Order, bk *book.L2Book, nowMs int64) {
	if order.TIF == marketdata.FOK {
		avail := bk.AvailableWithinLimit(order.Side, order.LimitPrice)
		if avail+1e-12 < order.Quantity {
			b.reject(order, errs.ErrInsufficientLiquidity, "FOK could not fill fully within limit", nowMs)
			return
		}
	}

	avgPrice, filledQty := bk.ConsumeTakerLimited(order.Side, order.Quantity, order.LimitPrice)
	if filledQty == 0 {
		b.reject(order, errs.ErrInsufficientLiquidity, "no liquidity within limit price", nowMs)
		return
	}
	b.recordTakerFill(order, avgPrice, filledQty, nowMs)

	remaining := order.Quantity - filledQty
	if remaining <= 1e-12 {
		return
	}
	if order.TIF == marketdata.GTC {
		rest := order
		rest.Quantity = remaining
		b.restMaker(rest, bk, nowMs)
	}
	// IOC/FOK: any unfilled remainder is simply dropped, no rejection
	// recorded beyond the partial fill already booked.
}

func (b *Broker) recordTakerFill(order marketdata.Order, avgPrice, filledQty float64, nowMs int64) {
	fee := absf(avgPrice*filledQty) * b.cfg.TakerFeeFrac
	b.nextFillID++
	b.fills = append(b.fills, marketdata.Fill{
		FillID:      b.nextFillID,
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Price:       avgPrice,
		Quantity:    filledQty,
		Fee:         fee,
		Liquidity:   marketdata.Taker,
		EventTimeMs: nowMs,
	})
	b.metrics.FillRecorded(order.Symbol, "taker", absf(avgPrice*filledQty))
}

// restMaker places order in the book as a resting maker and seeds its
// queue-ahead estimate from the book-visible quantity at its price, scaled
// by MakerQueueAheadFactor plus MakerQueueAheadExtraQty (§4.5's queue model,
// Open Question (b): the estimate only ever grows via the one permitted
// refresh, never shrinks on its own afterward).
func (b *Broker) restMaker(order marketdata.Order, bk *book.L2Book, nowMs int64) {
	visible := bk.VisibleQty(order.Side, order.LimitPrice)
	queueAhead := visible*b.cfg.MakerQueueAheadFactor + b.cfg.MakerQueueAheadExtraQty

	b.makers[order.ID] = &makerOrder{
		order:     order,
		remaining: order.Quantity,
		queueAhead: queueAhead,
	}
}

// OnDepthUpdate lets resting makers on symbol perform their one-time
// queue-ahead refresh on the first depth update for that symbol after they
// start resting, whichever price levels it changes, per Open Question
// (b)'s decision.
func (b *Broker) OnDepthUpdate(symbol string, bk *book.L2Book) {
	for _, mk := range b.makers {
		if mk.order.Symbol != symbol || mk.queueRefreshed {
			continue
		}
		visible := bk.VisibleQty(mk.order.Side, mk.order.LimitPrice)
		refreshed := visible*b.cfg.MakerQueueAheadFactor + b.cfg.MakerQueueAheadExtraQty
		if refreshed > mk.queueAhead {
			mk.queueAhead = refreshed
		}
		mk.queueRefreshed = true
	}
}

// OnTrade consumes queue-ahead and, once exhausted, fills resting makers
// against a trade print on the opposite side of the tape (a trade's
// aggressor side is who it traded against — a maker bid fills against a
// sell-aggressor trade print, and vice versa), at MakerTradeParticipation
// of the printed quantity.
func (b *Broker) OnTrade(trade marketdata.Trade, nowMs int64) {
	aggressor := trade.AggressorSide()
	participating := trade.Quantity * b.cfg.MakerTradeParticipation
	if participating <= 0 {
		return
	}

	for id, mk := range b.makers {
		if mk.order.Symbol != trade.Symbol {
			continue
		}
		// A resting buy only trades against sell-side aggression at or
		// through its price; a resting sell only trades against
		// buy-side aggression.
		if mk.order.Side == marketdata.Buy {
			if aggressor != marketdata.Sell || trade.Price > mk.order.LimitPrice {
				continue
			}
		} else {
			if aggressor != marketdata.Buy || trade.Price < mk.order.LimitPrice {
				continue
			}
		}

		avail := participating
		if mk.queueAhead > 0 {
			consumed := minf(mk.queueAhead, avail)
			mk.queueAhead -= consumed
			avail -= consumed
		}
		if avail <= 0 {
			continue
		}

		fillQty := minf(avail, mk.remaining)
		if fillQty <= 0 {
			continue
		}
		mk.remaining -= fillQty
		b.recordMakerFill(mk.order, trade.Price, fillQty, nowMs)
		if mk.remaining <= 1e-12 {
			delete(b.makers, id)
		}
	}
}

func (b *Broker) recordMakerFill(order marketdata.Order, price, qty float64, nowMs int64) {
	fee := price * qty * b.cfg.MakerFeeFrac
	b.nextFillID++
	b.fills = append(b.fills, marketdata.Fill{
		FillID:      b.nextFillID,
		OrderID:     order.ID,
		Symbol:      order.Symbol,
		Side:        order.Side,
		Price:       price,
		Quantity:    qty,
		Fee:         fee,
		Liquidity:   marketdata.Maker,
		EventTimeMs: nowMs,
	})
	b.metrics.FillRecorded(order.Symbol, "maker", absf(price*qty))
}

// InvalidateOnGuardTrip cancels every pending submit for symbol, and every
// resting maker too if InvalidateActiveMakersOnGuardTrip is set, called by
// the engine when the book guard trips (§4.3).
func (b *Broker) InvalidateOnGuardTrip(symbol string) {
	for _, ps := range b.pendingSubmits {
		if ps.order.Symbol == symbol && b.pendingSubmitIDs[ps.order.ID] {
			b.cancelledSubmits[ps.order.ID] = true
			delete(b.pendingSubmitIDs, ps.order.ID)
		}
	}

	if !b.cfg.InvalidateActiveMakersOnGuardTrip {
		return
	}
	for id, mk := range b.makers {
		if mk.order.Symbol == symbol {
			delete(b.makers, id)
		}
	}
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
