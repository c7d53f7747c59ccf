// Package testdata provides small in-memory event sources used only by
// this module's own tests, grounded on the fixture-builder style of
// fenrir/internal/tests/orderbook_test.go (createTestOrderBook,
// placeTestOrders). It is not part of the dataset adapter contract (§6),
// which ships externally to this module.
package testdata

import "fenrir/internal/marketdata"

// SliceSource replays a fixed, already-ordered slice of events. It
// satisfies merge.Source without importing the merge package, so it can
// also be reused directly by broker/engine/guard tests.
type SliceSource struct {
	events []marketdata.Event
	pos    int
	closed bool
}

// NewSliceSource builds a source over events, assumed already sorted by
// event_time_ms as the merge contract requires of every source.
func NewSliceSource(events []marketdata.Event) *SliceSource {
	return &SliceSource{events: events}
}

func (s *SliceSource) Next() (marketdata.Event, bool, error) {
	if s.pos >= len(s.events) {
		return marketdata.Event{}, false, nil
	}
	e := s.events[s.pos]
	s.pos++
	return e, true, nil
}

func (s *SliceSource) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close has been called, for tests asserting
// scoped-acquisition cleanup.
func (s *SliceSource) Closed() bool { return s.closed }

// DepthEvent, TradeEvent, and MarkEvent are small constructors that save
// call sites from repeating the EventKind/pointer boilerplate of the Event
// tagged union.
func DepthEvent(u marketdata.DepthUpdate) marketdata.Event {
	return marketdata.Event{Kind: marketdata.EventDepth, Depth: &u}
}

func TradeEvent(tr marketdata.Trade) marketdata.Event {
	return marketdata.Event{Kind: marketdata.EventTrade, Trade: &tr}
}

func MarkEvent(m marketdata.MarkPrice) marketdata.Event {
	return marketdata.Event{Kind: marketdata.EventMark, Mark: &m}
}

func TickerEvent(t marketdata.Ticker) marketdata.Event {
	return marketdata.Event{Kind: marketdata.EventTicker, TickerEvt: &t}
}

func OpenInterestEvent(o marketdata.OpenInterest) marketdata.Event {
	return marketdata.Event{Kind: marketdata.EventOpenInterest, OpenInt: &o}
}

func LiquidationEvent(l marketdata.Liquidation) marketdata.Event {
	return marketdata.Event{Kind: marketdata.EventLiquidation, Liquidation: &l}
}
