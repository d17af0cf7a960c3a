// Package book maintains a correctness-guaranteed in-memory order book per
// symbol from an unreliable delta stream. Writes are serialized by the owning
// collector; readers get immutable versioned views and never observe a
// partially-applied delta.
package book

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/logger"
	"tickflow/models"
)

// ErrNotReady is returned by View before the first snapshot has been applied,
// so consumers can distinguish "no liquidity" from "not initialized".
var ErrNotReady = errors.New("order book not ready")

// ApplyResult classifies the outcome of applying one delta.
type ApplyResult int

const (
	// ResultApplied means the delta advanced the book.
	ResultApplied ApplyResult = iota
	// ResultDuplicate means the delta's sequence was already applied and it
	// was discarded idempotently.
	ResultDuplicate
	// ResultNotReady means the delta arrived before a snapshot or while a
	// resync is in flight and was discarded.
	ResultNotReady
	// ResultGap means a sequence gap was detected; the book was discarded
	// and a resync request issued.
	ResultGap
	// ResultCrossed means the delta produced a crossed book; treated the
	// same as a gap.
	ResultCrossed
)

// ResyncFunc is invoked exactly once per invalidation to request a fresh
// snapshot for the symbol.
type ResyncFunc func(symbol string)

// Maintainer owns one symbol's order book state.
type Maintainer struct {
	exchange string
	symbol   string
	onResync ResyncFunc
	log      *logger.Entry

	mu        sync.Mutex
	bids      []models.PriceLevel // descending by price
	asks      []models.PriceLevel // ascending by price
	lastSeq   int64
	version   uint64
	ready     bool
	resyncing bool

	view atomic.Pointer[models.BookState]

	resyncCount int64
}

func New(exchange, symbol string, onResync ResyncFunc) *Maintainer {
	return &Maintainer{
		exchange: exchange,
		symbol:   symbol,
		onResync: onResync,
		log: logger.GetLogger().WithComponent("book_maintainer").WithFields(logger.Fields{
			"exchange": exchange,
			"symbol":   symbol,
		}),
	}
}

// RequestResync invalidates the current book (if any) and issues a resync
// request unless one is already in flight. Used for the initial snapshot
// after subscribe and by consistency-error handling.
func (m *Maintainer) RequestResync(reason string) {
	m.mu.Lock()
	initiated := m.invalidateLocked(reason)
	m.mu.Unlock()
	if initiated {
		m.fireResync()
	}
}

// ApplySnapshot atomically replaces the book with a full snapshot and sets
// the last-applied sequence. A crossed snapshot is rejected as a
// data-integrity error and another resync is requested.
func (m *Maintainer) ApplySnapshot(snap *models.BookSnapshot) error {
	bids := sortLevels(snap.Bids, true)
	asks := sortLevels(snap.Asks, false)

	if crossed(bids, asks) {
		m.log.WithFields(logger.Fields{"sequence": snap.Sequence}).Error("crossed snapshot rejected")
		m.mu.Lock()
		m.resyncing = false // allow a fresh request
		initiated := m.invalidateLocked("crossed snapshot")
		m.mu.Unlock()
		if initiated {
			m.fireResync()
		}
		return errors.New("snapshot is crossed")
	}

	m.mu.Lock()
	m.bids = bids
	m.asks = asks
	m.lastSeq = snap.Sequence
	m.ready = true
	m.resyncing = false
	m.version++
	m.publishLocked(snap.EventTime)
	m.mu.Unlock()

	m.log.WithFields(logger.Fields{
		"sequence": snap.Sequence,
		"bids":     len(bids),
		"asks":     len(asks),
	}).Debug("snapshot applied")
	return nil
}

// ApplyDelta applies one incremental update in sequence order. Deltas at or
// below the last applied sequence are discarded as replays; a gap or a
// crossed result discards the book and requests exactly one resync.
func (m *Maintainer) ApplyDelta(delta *models.BookDelta) ApplyResult {
	m.mu.Lock()

	if !m.ready || m.resyncing {
		m.mu.Unlock()
		return ResultNotReady
	}
	if delta.Sequence <= m.lastSeq {
		m.mu.Unlock()
		return ResultDuplicate
	}
	if delta.Sequence > m.lastSeq+1 {
		expected := m.lastSeq + 1
		initiated := m.invalidateLocked("sequence gap")
		m.mu.Unlock()
		m.log.WithFields(logger.Fields{
			"expected": expected,
			"received": delta.Sequence,
		}).Error("sequence gap detected, resyncing")
		if initiated {
			m.fireResync()
		}
		return ResultGap
	}

	// In sequence: apply in place, then validate the invariant before
	// publishing so readers never see a crossed book.
	for _, ch := range delta.Changes {
		switch ch.Side {
		case models.SideBid:
			m.bids = applyLevel(m.bids, ch, true)
		case models.SideAsk:
			m.asks = applyLevel(m.asks, ch, false)
		}
	}

	if crossed(m.bids, m.asks) {
		initiated := m.invalidateLocked("crossed book")
		m.mu.Unlock()
		m.log.WithFields(logger.Fields{
			"sequence": delta.Sequence,
		}).Error("crossed book after delta, resyncing")
		if initiated {
			m.fireResync()
		}
		return ResultCrossed
	}

	m.lastSeq = delta.Sequence
	m.version++
	m.publishLocked(delta.EventTime)
	m.mu.Unlock()
	return ResultApplied
}

// View returns the latest immutable book state, or ErrNotReady before the
// first snapshot or while a resync is in flight.
func (m *Maintainer) View() (*models.BookState, error) {
	state := m.view.Load()
	if state == nil {
		return nil, ErrNotReady
	}
	return state, nil
}

// Ready reports whether a consistent book is currently exposed.
func (m *Maintainer) Ready() bool {
	return m.view.Load() != nil
}

// ResyncCount returns how many resync requests this maintainer has issued.
func (m *Maintainer) ResyncCount() int64 {
	return atomic.LoadInt64(&m.resyncCount)
}

// invalidateLocked discards the in-memory book and marks a resync in flight.
// Returns true when this call initiated the resync (callers fire the request
// outside the lock).
func (m *Maintainer) invalidateLocked(reason string) bool {
	m.bids = nil
	m.asks = nil
	m.ready = false
	m.view.Store(nil)
	if m.resyncing {
		return false
	}
	m.resyncing = true
	m.log.WithFields(logger.Fields{"reason": reason}).Info("book invalidated, resync requested")
	return true
}

func (m *Maintainer) fireResync() {
	atomic.AddInt64(&m.resyncCount, 1)
	if m.onResync != nil {
		m.onResync(m.symbol)
	}
}

// publishLocked swaps in a fresh immutable view. Level slices are copied so
// later in-place mutation cannot leak into a published state.
func (m *Maintainer) publishLocked(eventTime time.Time) {
	state := &models.BookState{
		Exchange:     m.exchange,
		Symbol:       m.symbol,
		Bids:         append([]models.PriceLevel(nil), m.bids...),
		Asks:         append([]models.PriceLevel(nil), m.asks...),
		LastSequence: m.lastSeq,
		UpdatedAt:    eventTime,
		Version:      m.version,
	}
	m.view.Store(state)
}

// applyLevel inserts, updates or removes one price level in a sorted side.
// Bids are descending, asks ascending. Quantity zero removes the level.
func applyLevel(side []models.PriceLevel, ch models.LevelChange, descending bool) []models.PriceLevel {
	idx := sort.Search(len(side), func(i int) bool {
		cmp := side[i].Price.Cmp(ch.Price)
		if descending {
			return cmp <= 0
		}
		return cmp >= 0
	})

	exists := idx < len(side) && side[idx].Price.Equal(ch.Price)

	if ch.Quantity.IsZero() {
		if exists {
			side = append(side[:idx], side[idx+1:]...)
		}
		// Removing an absent level is a no-op, not an error: snapshots trim
		// zero-quantity levels the delta may still reference.
		return side
	}

	if exists {
		side[idx].Quantity = ch.Quantity
		return side
	}

	side = append(side, models.PriceLevel{})
	copy(side[idx+1:], side[idx:])
	side[idx] = models.PriceLevel{Price: ch.Price, Quantity: ch.Quantity}
	return side
}

func sortLevels(levels []models.PriceLevel, descending bool) []models.PriceLevel {
	out := append([]models.PriceLevel(nil), levels...)
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

func crossed(bids, asks []models.PriceLevel) bool {
	if len(bids) == 0 || len(asks) == 0 {
		return false
	}
	return bids[0].Price.GreaterThanOrEqual(asks[0].Price)
}
