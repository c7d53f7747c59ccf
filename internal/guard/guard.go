// Package guard implements the book guard: a runtime sanity filter that
// invalidates submits and pending orders on spread/staleness/cross/
// mismatch anomalies (§4.5).
//
// The broker holds an optional guard.Checker rather than literally
// wrapping it, so broker never imports guard and there is no import
// cycle — the engine wires a *BookGuard into the broker as a
// guard.Checker at construction, the same "capability the caller
// supplies" shape as fenrir/internal/net's Engine interface.
package guard

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"fenrir/internal/book"
	"fenrir/internal/errs"
	"fenrir/internal/marketdata"
)

// Config enumerates the recognized book guard options. A zero value for
// any ceiling disables that check.
type Config struct {
	MaxSpread          float64 // absolute spread ceiling, 0 disables
	MaxSpreadBps       float64 // spread as bps of mid ceiling, 0 disables
	MaxStalenessMs     int64   // 0 disables staleness checking
	CooldownMs         int64   // post-trip quiet period
	WarmupDepthUpdates int     // depth updates required before submits allowed
	ResetOnMismatch    bool
	ResetOnCrossed     bool
}

// DefaultConfig disables every ceiling; submits are never blocked.
func DefaultConfig() Config {
	return Config{}
}

// Checker is the capability the broker requires from an attached guard.
type Checker interface {
	AllowSubmit(symbol string, bk *book.L2Book, nowMs int64) error
}

// BookGuard implements Checker and observes depth updates for one symbol.
type BookGuard struct {
	cfg    Config
	symbol string

	depthUpdateCount int

	tripped      bool
	trippedUntil int64
	trips        int
}

// New creates a guard for symbol.
func New(symbol string, cfg Config) *BookGuard {
	return &BookGuard{cfg: cfg, symbol: symbol}
}

// Trips returns the number of times the guard has tripped (cooldown
// intervals started), for observability.
func (g *BookGuard) Trips() int { return g.trips }

// OnDepthUpdate is called by the engine after a depth update has been
// applied to bk, with the book's prior final_update_id (before this
// update, for the sequence mismatch check).
func (g *BookGuard) OnDepthUpdate(u marketdata.DepthUpdate, prevFinalID uint64, hadPrevFinalID bool, bk *book.L2Book, nowMs int64) {
	g.depthUpdateCount++

	mismatch := hadPrevFinalID && u.PrevFinalUpdateID != 0 && u.PrevFinalUpdateID != prevFinalID
	if mismatch {
		log.Warn().Str("symbol", g.symbol).Uint64("expected", prevFinalID).Uint64("got", u.PrevFinalUpdateID).Msg("book guard: sequence mismatch")
		g.trip(nowMs)
		if g.cfg.ResetOnMismatch {
			bk.Reset()
		}
		return
	}

	if bk.Crossed() {
		log.Warn().Str("symbol", g.symbol).Msg("book guard: crossed book")
		g.trip(nowMs)
		if g.cfg.ResetOnCrossed {
			bk.Reset()
		}
		return
	}

	if g.spreadExceeded(bk) {
		g.trip(nowMs)
	}
}

func (g *BookGuard) spreadExceeded(bk *book.L2Book) bool {
	spread, ok := bk.Spread()
	if !ok {
		return false
	}
	if g.cfg.MaxSpread > 0 && spread > g.cfg.MaxSpread {
		log.Warn().Str("symbol", g.symbol).Float64("spread", spread).Msg("book guard: spread ceiling exceeded")
		return true
	}
	if g.cfg.MaxSpreadBps > 0 {
		mid, ok := bk.Mid()
		if ok && mid > 0 {
			bps := spread / mid * 10000
			if bps > g.cfg.MaxSpreadBps {
				log.Warn().Str("symbol", g.symbol).Float64("spreadBps", bps).Msg("book guard: spread bps ceiling exceeded")
				return true
			}
		}
	}
	return false
}

// trip starts a cooldown interval, unless one is already active — two
// identical trips within one cooldown produce one interval, not two (§8
// guard idempotence).
func (g *BookGuard) trip(nowMs int64) {
	if g.tripped && nowMs < g.trippedUntil {
		return
	}
	g.tripped = true
	g.trippedUntil = nowMs + g.cfg.CooldownMs
	g.trips++
}

// AllowSubmit is consulted by the broker before activating a submit. It
// returns errs.ErrGuardBlocked if the guard is warming up, cooling down
// from a prior trip, or bk is unhealthy right now — §4.5's conditions are
// "evaluated on each depth update and each submit attempt", so a fresh
// spread/crossed/staleness check also runs here, independent of whatever
// tripped the guard at the last depth update.
func (g *BookGuard) AllowSubmit(symbol string, bk *book.L2Book, nowMs int64) error {
	if symbol != g.symbol {
		return nil
	}
	if g.depthUpdateCount < g.cfg.WarmupDepthUpdates {
		return fmt.Errorf("book guard: warmup not satisfied (%d/%d depth updates): %w", g.depthUpdateCount, g.cfg.WarmupDepthUpdates, errs.ErrGuardBlocked)
	}
	if g.tripped && nowMs < g.trippedUntil {
		return fmt.Errorf("book guard: cooldown active until %d: %w", g.trippedUntil, errs.ErrGuardBlocked)
	}
	if bk.Crossed() || g.spreadExceeded(bk) {
		g.trip(nowMs)
		return fmt.Errorf("book guard: unhealthy book at submit time: %w", errs.ErrGuardBlocked)
	}
	if g.cfg.MaxStalenessMs > 0 {
		age := nowMs - bk.LastUpdateMs()
		if age > g.cfg.MaxStalenessMs {
			g.trip(nowMs)
			return fmt.Errorf("book guard: stale book (age %dms): %w", age, errs.ErrGuardBlocked)
		}
	}
	return nil
}
