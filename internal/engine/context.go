package engine

import (
	"fenrir/internal/book"
	"fenrir/internal/marketdata"
	"fenrir/internal/portfolio"
)

// OrderBroker is the capability a strategy uses to trade, exposed through
// Context.Broker — the trading-window proxy wrapping the real broker, per
// §4.4's "the engine wraps ctx.broker in a trading-window proxy".
type OrderBroker interface {
	Submit(order marketdata.Order, nowMs int64) error
	Cancel(orderID string, nowMs int64)
}

// Context is the capability record passed to strategy callbacks: §9's
// "context held by reference across many collaborators" is implemented as
// a structured handle, not a mutable global.
type Context struct {
	NowMs int64

	// Books is read-only from the strategy's perspective; the engine and
	// broker are the only mutators (§5).
	Books map[string]*book.L2Book

	Broker    OrderBroker
	Portfolio *portfolio.Portfolio

	LastMark         map[string]marketdata.MarkPrice
	LastTicker       map[string]marketdata.Ticker
	LastOpenInterest map[string]marketdata.OpenInterest
	LastLiquidation  map[string]marketdata.Liquidation
}

func newContext() *Context {
	return &Context{
		Books:            make(map[string]*book.L2Book),
		LastMark:         make(map[string]marketdata.MarkPrice),
		LastTicker:       make(map[string]marketdata.Ticker),
		LastOpenInterest: make(map[string]marketdata.OpenInterest),
		LastLiquidation:  make(map[string]marketdata.Liquidation),
	}
}

func (c *Context) bookFor(symbol string) *book.L2Book {
	bk, ok := c.Books[symbol]
	if !ok {
		bk = book.New(symbol)
		c.Books[symbol] = bk
	}
	return bk
}

// book looks up an existing book without creating one, so the broker's
// "unknown symbol" check only recognizes symbols already observed via a
// DepthUpdate, per §3's "created lazily on first observation".
func (c *Context) book(symbol string) (*book.L2Book, bool) {
	bk, ok := c.Books[symbol]
	return bk, ok
}

// bookProvider adapts Context to broker.BookProvider.
type bookProvider struct{ ctx *Context }

func (p bookProvider) Book(symbol string) (*book.L2Book, bool) { return p.ctx.book(symbol) }
