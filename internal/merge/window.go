package merge

import "fenrir/internal/marketdata"

// windowFilter wraps a Source, discarding events outside [start, end)
// before they ever reach the merge heap.
type windowFilter struct {
	inner    Source
	start    int64
	end      int64
}

// WindowFilter applies the §4.1 [start_ms, end_ms) slicing filter to src.
func WindowFilter(src Source, startMs, endMs int64) Source {
	return &windowFilter{inner: src, start: startMs, end: endMs}
}

func (w *windowFilter) Next() (marketdata.Event, bool, error) {
	for {
		evt, ok, err := w.inner.Next()
		if !ok || err != nil {
			return evt, ok, err
		}
		t := evt.EventTimeMs()
		if t < w.start || t >= w.end {
			continue
		}
		return evt, true, nil
	}
}

func (w *windowFilter) Close() error { return w.inner.Close() }
