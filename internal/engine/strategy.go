package engine

import "fenrir/internal/marketdata"

// EventHandler is the optional capability a strategy exposes to receive
// merged events. Absent if the strategy does not implement it (§9:
// "decorator-style strategy hooks → explicit optional capabilities").
type EventHandler interface {
	OnEvent(evt marketdata.Event, ctx *Context) error
}

// TickHandler is the optional capability a strategy exposes to receive
// the fixed tick grid, when TickIntervalMs > 0.
type TickHandler interface {
	OnTick(tickMs int64, ctx *Context) error
}
