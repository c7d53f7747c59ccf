package engine

import "fenrir/internal/guard"

// TradingWindowMode controls what happens to a submit placed outside
// [TradingStartMs, TradingEndMs).
type TradingWindowMode int

const (
	// EntryOnly blocks every submit outside the window except reduce_only
	// orders, which pass through when AllowReducingOutsideTradingWindow is
	// set. Whether a non-reduce_only order would shrink the position is not
	// considered.
	EntryOnly TradingWindowMode = iota
	// BlockAll blocks every submit outside the window.
	BlockAll
)

// BrokerTimeMode controls whether broker.OnTime runs before or after the
// engine applies the current event to book/portfolio state.
type BrokerTimeMode int

const (
	// AfterEvent runs broker.OnTime after the event is applied (default).
	AfterEvent BrokerTimeMode = iota
	// BeforeEvent runs broker.OnTime before the event is applied.
	BeforeEvent
)

// Config enumerates §4.4's recognized engine loop options.
type Config struct {
	TickIntervalMs int64 // 0 disables the tick grid

	TradingStartMs                    int64
	TradingEndMs                      int64
	TradingWindowMode                 TradingWindowMode
	AllowReducingOutsideTradingWindow bool

	BrokerTimeMode BrokerTimeMode

	StrictEventTimeMonotonic bool

	BookGuardEnabled bool
	BookGuardSymbol  string
	BookGuard        guard.Config
}

// DefaultConfig returns the documented defaults: no ticks, no trading
// window restriction (start==end disables it), broker time applied after
// the event, strict monotonic off, guard disabled.
func DefaultConfig() Config {
	return Config{
		TickIntervalMs:    0,
		TradingWindowMode: EntryOnly,
		BrokerTimeMode:    AfterEvent,
		BookGuard:         guard.DefaultConfig(),
	}
}

// hasTradingWindow reports whether a trading window was actually
// configured; a zero-width [0,0) range means "unrestricted", not
// "always outside the window".
func (c Config) hasTradingWindow() bool {
	return c.TradingEndMs > c.TradingStartMs
}
