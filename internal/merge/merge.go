// Package merge performs the k-way merge of per-source event iterators
// into one time-ordered stream, per §4.1.
//
// The priority queue driving the merge is a container/heap.Interface type,
// the same shape fenrir/internal/book/buy_book.go and sell_book.go use for
// price-time priority — here repurposed from price-time priority to the
// §4.1 merge tie-break tuple. One tomb.Tomb-supervised goroutine per Source
// prefetches into a small buffered channel so a slow or blocking source
// never stalls the others; the heap itself is only ever touched from the
// single goroutine driving Next(), so no locking is needed within the
// merge (§5).
package merge

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"fenrir/internal/errs"
	"fenrir/internal/marketdata"
)

// Source is the adapter-facing contract: a lazy, finite-or-infinite
// sequence of events individually non-decreasing in event_time_ms.
type Source interface {
	// Next returns the next event, or ok=false at end of stream.
	Next() (marketdata.Event, bool, error)
	// Close releases any resources (file handles, sockets) held by the
	// source. Called exactly once, on merger teardown.
	Close() error
}

const prefetchBuffer = 64

type headItem struct {
	evt       marketdata.Event
	srcIndex  int
}

// less implements the §4.1 strict tie-break, in order: event time,
// received time (missing sorts last), type priority (EventKind's integer
// value IS the priority), type-specific id, source index.
func less(a, b headItem) bool {
	if a.evt.EventTimeMs() != b.evt.EventTimeMs() {
		return a.evt.EventTimeMs() < b.evt.EventTimeMs()
	}
	ar, br := a.evt.ReceivedTimeNs(), b.evt.ReceivedTimeNs()
	if ar == 0 && br != 0 {
		return false
	}
	if ar != 0 && br == 0 {
		return true
	}
	if ar != br {
		return ar < br
	}
	if a.evt.Kind != b.evt.Kind {
		return a.evt.Kind < b.evt.Kind
	}
	if a.evt.TypeID() != b.evt.TypeID() {
		return a.evt.TypeID() < b.evt.TypeID()
	}
	return a.srcIndex < b.srcIndex
}

type priorityQueue []headItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return less(pq[i], pq[j]) }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)         { *pq = append(*pq, x.(headItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

type sourceFeed struct {
	ch chan feedMsg
}

type feedMsg struct {
	evt marketdata.Event
	err error
	end bool
}

// Merger drives the k-way merge described by §4.1.
type Merger struct {
	feeds []*sourceFeed // nil once a feed is exhausted or erroring
	srcs  []Source      // kept alive for Close regardless of feed state
	pq    priorityQueue

	strictMonotonic bool
	lastEmittedMs   int64
	haveEmitted     bool

	t      *tomb.Tomb
	cancel context.CancelFunc
	filled bool
}

// Option configures a Merger.
type Option func(*Merger)

// WithStrictMonotonic fails Next() with errs.ErrOutOfOrderEvent if an
// emitted event's event_time_ms regresses relative to the previous one.
func WithStrictMonotonic() Option {
	return func(m *Merger) { m.strictMonotonic = true }
}

// New builds a Merger over sources, each prefetched by its own supervised
// goroutine. The caller must call Close when done (normal end-of-stream,
// early abort, or error) to guarantee every Source.Close is invoked.
func New(ctx context.Context, sources []Source, opts ...Option) *Merger {
	t, ctx := tomb.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)

	m := &Merger{
		t:      t,
		cancel: cancel,
	}
	for _, o := range opts {
		o(m)
	}

	m.srcs = sources
	for _, src := range sources {
		feed := &sourceFeed{ch: make(chan feedMsg, prefetchBuffer)}
		m.feeds = append(m.feeds, feed)
		s := src
		t.Go(func() error { return pumpSource(ctx, feed, s) })
	}
	return m
}

func pumpSource(ctx context.Context, feed *sourceFeed, src Source) error {
	defer close(feed.ch)
	for {
		evt, ok, err := src.Next()
		if err != nil {
			select {
			case feed.ch <- feedMsg{err: err}:
			case <-ctx.Done():
			}
			return err
		}
		if !ok {
			select {
			case feed.ch <- feedMsg{end: true}:
			case <-ctx.Done():
			}
			return nil
		}
		select {
		case feed.ch <- feedMsg{evt: evt}:
		case <-ctx.Done():
			return nil
		}
	}
}

// fillInitial pulls one event from every still-open feed to seed the heap.
func (m *Merger) fillInitial() error {
	m.pq = make(priorityQueue, 0, len(m.feeds))
	for i, feed := range m.feeds {
		if feed == nil {
			continue
		}
		if err := m.advance(i); err != nil {
			return err
		}
	}
	heap.Init(&m.pq)
	m.filled = true
	return nil
}

// advance pulls the next event from feeds[i] into the heap, or marks the
// feed exhausted/closes it on error.
func (m *Merger) advance(i int) error {
	feed := m.feeds[i]
	if feed == nil {
		return nil
	}
	msg, open := <-feed.ch
	if !open {
		m.feeds[i] = nil
		return nil
	}
	if msg.err != nil {
		m.feeds[i] = nil
		return fmt.Errorf("merge: source %d: %w", i, msg.err)
	}
	if msg.end {
		m.feeds[i] = nil
		return nil
	}
	heap.Push(&m.pq, headItem{evt: msg.evt, srcIndex: i})
	return nil
}

// Next returns the next event in total merge order, or ok=false once every
// source is exhausted.
func (m *Merger) Next() (marketdata.Event, bool, error) {
	if !m.filled {
		if err := m.fillInitial(); err != nil {
			return marketdata.Event{}, false, err
		}
	}
	if m.pq.Len() == 0 {
		return marketdata.Event{}, false, nil
	}

	top := heap.Pop(&m.pq).(headItem)
	if err := m.advance(top.srcIndex); err != nil {
		return marketdata.Event{}, false, err
	}

	if m.strictMonotonic {
		ts := top.evt.EventTimeMs()
		if m.haveEmitted && ts < m.lastEmittedMs {
			return marketdata.Event{}, false, fmt.Errorf("merge: event at %d after %d: %w", ts, m.lastEmittedMs, errs.ErrOutOfOrderEvent)
		}
		m.lastEmittedMs = ts
		m.haveEmitted = true
	}

	return top.evt, true, nil
}

// Close tears down every prefetch goroutine and closes every source
// exactly once, satisfying §5's scoped-acquisition requirement.
func (m *Merger) Close() error {
	m.cancel()
	m.t.Kill(nil)
	_ = m.t.Wait()

	var firstErr error
	for i, src := range m.srcs {
		if err := src.Close(); err != nil {
			log.Error().Err(err).Int("source", i).Msg("error closing source")
			if firstErr == nil {
				firstErr = fmt.Errorf("merge: closing source %d: %w", i, err)
			}
		}
	}
	return firstErr
}
