package engine

import (
	"fenrir/internal/broker"
	"fenrir/internal/errs"
	"fenrir/internal/marketdata"
)

// tradingWindowProxy wraps the real broker and enforces the §4.4
// trading-window gating before a submit ever reaches the broker.
// reduce_only validity is checked by the broker itself at activation
// time, against live position state, since it can change during the
// submit latency window.
type tradingWindowProxy struct {
	inner *broker.Broker
	cfg   Config
}

func newTradingWindowProxy(inner *broker.Broker, cfg Config) *tradingWindowProxy {
	return &tradingWindowProxy{inner: inner, cfg: cfg}
}

func (p *tradingWindowProxy) Submit(order marketdata.Order, nowMs int64) error {
	if !p.cfg.hasTradingWindow() || p.inWindow(nowMs) {
		return p.inner.Submit(order, nowMs)
	}

	switch p.cfg.TradingWindowMode {
	case EntryOnly:
		if order.ReduceOnly && p.cfg.AllowReducingOutsideTradingWindow {
			return p.inner.Submit(order, nowMs)
		}
	case BlockAll:
		// falls through to rejection below
	}
	p.inner.RecordRejection(order, errs.ErrInvalidOrder, "submit outside trading window", nowMs)
	return nil
}

func (p *tradingWindowProxy) Cancel(orderID string, nowMs int64) {
	p.inner.Cancel(orderID, nowMs)
}

func (p *tradingWindowProxy) inWindow(nowMs int64) bool {
	return nowMs >= p.cfg.TradingStartMs && nowMs < p.cfg.TradingEndMs
}
