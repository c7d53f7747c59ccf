// Package portfolio owns positions and the scalar PnL/fee accounting
// described in §3 and §8: realized PnL changes only on position-reducing
// fills and funding events; fees accumulate as a signed total, so a
// negative per-fill maker fee (a rebate) lowers it and the total can fall
// below zero.
package portfolio

import "fenrir/internal/marketdata"

// Portfolio is owned by the engine and mutated only by fill application
// (the engine folds in the broker's fills) and funding events.
type Portfolio struct {
	positions      map[string]*marketdata.Position
	realizedPnLUsdt float64
	feesPaidUsdt    float64
}

// New returns an empty portfolio.
func New() *Portfolio {
	return &Portfolio{positions: make(map[string]*marketdata.Position)}
}

// Position returns the (lazily created) position for symbol.
func (p *Portfolio) Position(symbol string) *marketdata.Position {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &marketdata.Position{Symbol: symbol}
		p.positions[symbol] = pos
	}
	return pos
}

// Positions returns a snapshot of every symbol with a lazily-created
// position, for the engine's read-only ctx.Books-style exposure.
func (p *Portfolio) Positions() map[string]marketdata.Position {
	out := make(map[string]marketdata.Position, len(p.positions))
	for sym, pos := range p.positions {
		out[sym] = *pos
	}
	return out
}

// RealizedPnLUsdt returns the cumulative realized PnL.
func (p *Portfolio) RealizedPnLUsdt() float64 { return p.realizedPnLUsdt }

// FeesPaidUsdt returns the cumulative fee total (can include rebates as
// negative contributions from maker fills with a negative fee fraction).
func (p *Portfolio) FeesPaidUsdt() float64 { return p.feesPaidUsdt }

// ApplyFill updates the position's net quantity and weighted average entry
// price, realizes PnL on the reducing portion of a fill, and accrues the
// fee. signedQty is positive for a buy fill, negative for a sell fill.
func (p *Portfolio) ApplyFill(symbol string, side marketdata.Side, price, qty, fee float64) {
	pos := p.Position(symbol)
	p.feesPaidUsdt += fee

	signedQty := qty
	if side == marketdata.Sell {
		signedQty = -qty
	}

	switch {
	case pos.NetQty == 0:
		pos.NetQty = signedQty
		pos.AvgEntryPrice = price
	case sameSign(pos.NetQty, signedQty):
		// Adding to the existing position: extend the weighted average.
		totalQty := pos.NetQty + signedQty
		pos.AvgEntryPrice = (pos.AvgEntryPrice*absf(pos.NetQty) + price*absf(signedQty)) / absf(totalQty)
		pos.NetQty = totalQty
	default:
		// Reducing, closing, or flipping the position.
		reduceQty := minf(absf(pos.NetQty), absf(signedQty))
		var pnl float64
		if pos.NetQty > 0 {
			pnl = (price - pos.AvgEntryPrice) * reduceQty
		} else {
			pnl = (pos.AvgEntryPrice - price) * reduceQty
		}
		p.realizedPnLUsdt += pnl

		remaining := absf(signedQty) - reduceQty
		newNet := pos.NetQty + signedQty
		pos.NetQty = newNet
		if remaining > 0 {
			// Flipped through zero: the residual opens a fresh position
			// at this fill's price.
			pos.AvgEntryPrice = price
		} else if newNet == 0 {
			pos.AvgEntryPrice = 0
		}
	}
}

// ApplyFunding credits/debits realized PnL by funding_pnl for symbol,
// per §4.4: funding_pnl = -position.net_qty * mark_price * funding_rate.
func (p *Portfolio) ApplyFunding(symbol string, markPrice, fundingRate float64) float64 {
	pos := p.Position(symbol)
	pnl := -pos.NetQty * markPrice * fundingRate
	p.realizedPnLUsdt += pnl
	return pnl
}

// SetMark latches the last-known mark price on a symbol's position, used
// by funding and by strategies inspecting unrealized PnL.
func (p *Portfolio) SetMark(symbol string, mark float64) {
	pos := p.Position(symbol)
	pos.LastMarkPrice = mark
	pos.HasMark = true
}

// ReducesPosition reports whether a fill on side would move symbol's
// position toward zero rather than opening or extending it. Satisfies
// broker.PositionChecker.
func (p *Portfolio) ReducesPosition(symbol string, side marketdata.Side) bool {
	pos := p.Position(symbol)
	if pos.NetQty == 0 {
		return false
	}
	if pos.NetQty > 0 {
		return side == marketdata.Sell
	}
	return side == marketdata.Buy
}

func sameSign(a, b float64) bool { return (a > 0 && b > 0) || (a < 0 && b < 0) }
func absf(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}
func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
