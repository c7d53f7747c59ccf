// Package marketdata defines the event and order data model shared by the
// book, merge, broker, guard, and engine packages. Types here carry no
// behaviour beyond what the model itself implies; nothing in this package
// depends on another package of this module.
package marketdata

import "fmt"

// Side is one of buy or sell.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// OrderType distinguishes market orders, which execute immediately against
// available liquidity, from limit orders, which rest at a price until
// matched, cancelled, or expired under their TimeInForce.
type OrderType int

const (
	Market OrderType = iota
	Limit
)

// TimeInForce governs how a limit order behaves once it cannot fully fill
// immediately.
type TimeInForce int

const (
	GTC TimeInForce = iota // remainder rests in the book
	IOC                    // remainder is cancelled
	FOK                    // fill completely or reject with no book mutation
)

// Liquidity records which side of a trade an order was on: it removed
// resting liquidity (Taker) or it was the resting order (Maker).
type Liquidity int

const (
	Taker Liquidity = iota
	Maker
)

func (l Liquidity) String() string {
	if l == Taker {
		return "taker"
	}
	return "maker"
}

// PriceQty is a single (price, quantity) pair in a depth delta. A qty of
// zero removes the level at that price.
type PriceQty struct {
	Price float64
	Qty   float64
}

// DepthUpdate is a sparse L2 delta for one symbol.
type DepthUpdate struct {
	EventTimeMs       int64
	ReceivedTimeNs    int64 // 0 means "not supplied"; sorts last per §4.1
	TransactionTimeMs int64 // 0 means "not supplied"
	Symbol            string
	FirstUpdateID     uint64
	FinalUpdateID     uint64
	PrevFinalUpdateID uint64 // 0 means "not supplied"
	BidUpdates        []PriceQty
	AskUpdates        []PriceQty
}

// Trade is a single executed trade print from the exchange tape.
//
// IsBuyerMaker=true means the buyer was resting and the seller was the
// aggressor — a downtick.
type Trade struct {
	EventTimeMs    int64
	ReceivedTimeNs int64
	Symbol         string
	TradeID        uint64
	Price          float64
	Quantity       float64
	IsBuyerMaker   bool
}

// AggressorSide returns the side of the trade's taker.
func (t Trade) AggressorSide() Side {
	if t.IsBuyerMaker {
		return Sell
	}
	return Buy
}

// MarkPrice is a mark/index/funding snapshot for one symbol.
type MarkPrice struct {
	EventTimeMs       int64
	Symbol            string
	MarkPrice         float64
	IndexPrice        float64
	FundingRate       float64
	NextFundingTimeMs int64
}

// Ticker, OpenInterest, and Liquidation are symbol-keyed snapshots whose
// only engine side effect is updating the last-known map in the engine
// context; the core does not interpret their fields further.
type Ticker struct {
	EventTimeMs int64
	Symbol      string
	BidPrice    float64
	AskPrice    float64
	LastPrice   float64
	Volume24h   float64
}

type OpenInterest struct {
	EventTimeMs  int64
	Symbol       string
	OpenInterest float64
}

type Liquidation struct {
	EventTimeMs int64
	Symbol      string
	Side        Side
	Price       float64
	Quantity    float64
}

// EventKind tags the variant carried by Event. Its integer ordering IS the
// §4.1 tie-break type-priority: DepthUpdate < Trade < MarkPrice < Ticker <
// OpenInterest < Liquidation.
type EventKind int

const (
	EventDepth EventKind = iota
	EventTrade
	EventMark
	EventTicker
	EventOpenInterest
	EventLiquidation
)

func (k EventKind) String() string {
	switch k {
	case EventDepth:
		return "depth"
	case EventTrade:
		return "trade"
	case EventMark:
		return "mark"
	case EventTicker:
		return "ticker"
	case EventOpenInterest:
		return "open_interest"
	case EventLiquidation:
		return "liquidation"
	default:
		return "unknown"
	}
}

// Event is the tagged union merged and dispatched by the engine. Exactly
// one of the payload fields is populated, selected by Kind.
type Event struct {
	Kind        EventKind
	Depth       *DepthUpdate
	Trade       *Trade
	Mark        *MarkPrice
	TickerEvt   *Ticker
	OpenInt     *OpenInterest
	Liquidation *Liquidation
}

// EventTimeMs returns the canonical exchange-clock timestamp of whichever
// payload is populated.
func (e Event) EventTimeMs() int64 {
	switch e.Kind {
	case EventDepth:
		return e.Depth.EventTimeMs
	case EventTrade:
		return e.Trade.EventTimeMs
	case EventMark:
		return e.Mark.EventTimeMs
	case EventTicker:
		return e.TickerEvt.EventTimeMs
	case EventOpenInterest:
		return e.OpenInt.EventTimeMs
	case EventLiquidation:
		return e.Liquidation.EventTimeMs
	default:
		return 0
	}
}

// ReceivedTimeNs returns the secondary tie-break clock, or 0 ("missing") for
// event kinds that do not carry one.
func (e Event) ReceivedTimeNs() int64 {
	switch e.Kind {
	case EventDepth:
		return e.Depth.ReceivedTimeNs
	case EventTrade:
		return e.Trade.ReceivedTimeNs
	default:
		return 0
	}
}

// Symbol returns the symbol of whichever payload is populated.
func (e Event) Symbol() string {
	switch e.Kind {
	case EventDepth:
		return e.Depth.Symbol
	case EventTrade:
		return e.Trade.Symbol
	case EventMark:
		return e.Mark.Symbol
	case EventTicker:
		return e.TickerEvt.Symbol
	case EventOpenInterest:
		return e.OpenInt.Symbol
	case EventLiquidation:
		return e.Liquidation.Symbol
	default:
		return ""
	}
}

// TypeID returns the type-specific identifier used by tie-break rule 4:
// FinalUpdateID for depth, TradeID for trades, 0 otherwise (no further
// tie-break needed for the remaining kinds beyond source index).
func (e Event) TypeID() uint64 {
	switch e.Kind {
	case EventDepth:
		return e.Depth.FinalUpdateID
	case EventTrade:
		return e.Trade.TradeID
	default:
		return 0
	}
}

// Order is a caller-submitted instruction. ID must be unique across the
// broker's lifetime; the broker never generates one on the caller's behalf.
type Order struct {
	ID          string
	Symbol      string
	Side        Side
	OrderType   OrderType
	Quantity    float64
	LimitPrice  float64 // meaningful only when OrderType == Limit
	TIF         TimeInForce
	ReduceOnly  bool
	PostOnly    bool
}

func (o Order) String() string {
	return fmt.Sprintf("Order{id=%s sym=%s side=%s type=%d qty=%g limit=%g tif=%d reduceOnly=%v postOnly=%v}",
		o.ID, o.Symbol, o.Side, o.OrderType, o.Quantity, o.LimitPrice, o.TIF, o.ReduceOnly, o.PostOnly)
}

// Fill is an append-only execution record.
type Fill struct {
	FillID      uint64
	OrderID     string
	Symbol      string
	Side        Side
	Price       float64
	Quantity    float64
	Fee         float64
	Liquidity   Liquidity
	EventTimeMs int64
}

// Rejection is the non-fatal error record for UnknownSymbol, InvalidOrder,
// InsufficientLiquidity, and GuardBlocked — these do not terminate the run.
// The broker collects rejections and the engine returns them in its
// Result; they are not passed to strategy callbacks.
type Rejection struct {
	OrderID     string
	Symbol      string
	Err         error
	Reason      string
	EventTimeMs int64
}

func (r Rejection) String() string {
	return fmt.Sprintf("Rejection{order=%s sym=%s err=%v reason=%q}", r.OrderID, r.Symbol, r.Err, r.Reason)
}

// Position is the per-symbol net position. NetQty is signed: positive is
// long, negative is short.
type Position struct {
	Symbol         string
	NetQty         float64
	AvgEntryPrice  float64
	LastMarkPrice  float64
	HasMark        bool
}
