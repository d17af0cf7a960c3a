// Package collector runs one exchange's end-to-end pipeline: supervised feed
// connection, decoding, order book maintenance, trade batching and periodic
// book persistence.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/config"
	"tickflow/internal/batch"
	"tickflow/internal/book"
	"tickflow/internal/feed"
	"tickflow/internal/metrics"
	"tickflow/internal/sink"
	"tickflow/internal/supervisor"
	"tickflow/logger"
	"tickflow/models"
)

// Collector owns one exchange connection and the per-symbol order books
// behind it. All event processing happens on a single goroutine, so book
// mutations never race.
type Collector struct {
	id       string
	exchange string
	adapter  feed.Adapter
	sup      *supervisor.Supervisor
	batcher  *batch.Batcher
	output   sink.Sink
	tracker  *metrics.Tracker
	monitor  *metrics.Monitor
	bookCfg  config.BookConfig
	log      *logger.Entry

	mu    sync.RWMutex
	books map[string]*book.Maintainer

	connState      models.ConnState
	connectedSince time.Time
	downSince      time.Time

	resyncCh chan string
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool

	lastMessageAt atomic.Int64
	messageCount  int64
	errorCount    int64
	consecErrors  int64

	malformedMu    sync.Mutex
	malformedTimes []time.Time
}

type Options struct {
	Exchange   string
	Adapter    feed.Adapter
	Supervisor config.SupervisorConfig
	Book       config.BookConfig
	FeedBuffer int
	Batcher    *batch.Batcher
	Sink       sink.Sink
	Monitor    *metrics.Monitor
}

func New(opts Options) *Collector {
	c := &Collector{
		id:        fmt.Sprintf("%s-collector", opts.Exchange),
		exchange:  opts.Exchange,
		adapter:   opts.Adapter,
		batcher:   opts.Batcher,
		output:    opts.Sink,
		monitor:   opts.Monitor,
		bookCfg:   opts.Book,
		books:     make(map[string]*book.Maintainer),
		resyncCh:  make(chan string, 64),
		connState: models.ConnDisconnected,
		log: logger.GetLogger().WithComponent("collector").WithFields(logger.Fields{
			"exchange": opts.Exchange,
		}),
	}
	c.tracker = opts.Monitor.Tracker(c.id)
	c.sup = supervisor.New(opts.Adapter, opts.Supervisor, opts.FeedBuffer, c.onTransition)
	c.sup.OnDrop(c.tracker.RecordDropped)
	return c
}

// ID identifies this collector in status and metrics output.
func (c *Collector) ID() string { return c.id }

// Exchange returns the exchange this collector serves.
func (c *Collector) Exchange() string { return c.exchange }

func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("collector %s already running", c.id)
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.sup.Start(c.ctx)

	c.wg.Add(3)
	go c.run()
	go c.resyncLoop()
	go c.snapshotLoop()

	c.log.Info("collector started")
	return nil
}

// Stop tears the pipeline down in dependency order: the feed first so no new
// events arrive, then the processing loops.
func (c *Collector) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.sup.Stop()
	c.cancel()
	c.wg.Wait()

	c.log.WithFields(logger.Fields{
		"messages": atomic.LoadInt64(&c.messageCount),
		"errors":   atomic.LoadInt64(&c.errorCount),
	}).Info("collector stopped")
}

// Subscribe starts collecting a symbol: a book maintainer is created and the
// initial snapshot requested once the subscription is live.
func (c *Collector) Subscribe(symbols ...string) error {
	if err := c.sup.Subscribe(symbols...); err != nil {
		return err
	}
	for _, sym := range symbols {
		m := c.maintainer(sym)
		m.RequestResync("subscribe")
	}
	return nil
}

// Symbols lists the symbols this collector is currently subscribed to.
func (c *Collector) Symbols() []string {
	return c.sup.Symbols()
}

func (c *Collector) Unsubscribe(symbols ...string) error {
	if err := c.sup.Unsubscribe(symbols...); err != nil {
		return err
	}
	c.mu.Lock()
	for _, sym := range symbols {
		delete(c.books, sym)
	}
	c.mu.Unlock()
	return nil
}

// Book returns the current consistent view for a symbol, or
// book.ErrNotReady while no view exists.
func (c *Collector) Book(symbol string) (*models.BookState, error) {
	c.mu.RLock()
	m, ok := c.books[symbol]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("symbol %s not collected: %w", symbol, book.ErrNotReady)
	}
	return m.View()
}

func (c *Collector) Status() models.CollectorStatus {
	c.mu.RLock()
	state := c.connState
	conn := metrics.ConnInfo{
		State:          state,
		ConnectedSince: c.connectedSince,
		DownSince:      c.downSince,
	}
	c.mu.RUnlock()

	var lastMsg time.Time
	if nanos := c.lastMessageAt.Load(); nanos > 0 {
		lastMsg = time.Unix(0, nanos)
	}

	return models.CollectorStatus{
		ID:                c.id,
		Exchange:          c.exchange,
		Symbols:           c.sup.Symbols(),
		ConnState:         state,
		LastMessageAt:     lastMsg,
		MessageCount:      atomic.LoadInt64(&c.messageCount),
		ErrorCount:        atomic.LoadInt64(&c.errorCount),
		ConsecutiveErrors: atomic.LoadInt64(&c.consecErrors),
		DroppedCount:      c.tracker.Dropped(),
		Health:            c.monitor.Health(c.id, conn),
	}
}

func (c *Collector) onTransition(from, to models.ConnState) {
	c.mu.Lock()
	c.connState = to
	switch to {
	case models.ConnConnected:
		c.connectedSince = time.Now()
		c.downSince = time.Time{}
	case models.ConnReconnecting, models.ConnDisconnected:
		if c.downSince.IsZero() {
			c.downSince = time.Now()
		}
	}
	c.mu.Unlock()

	if to == models.ConnConnected && from == models.ConnReconnecting {
		// Deltas were lost while disconnected; every book needs a fresh
		// snapshot before it can serve reads again.
		c.mu.RLock()
		for _, m := range c.books {
			m.RequestResync("reconnected")
		}
		c.mu.RUnlock()
	}
}

func (c *Collector) maintainer(symbol string) *book.Maintainer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.books[symbol]; ok {
		return m
	}
	m := book.New(c.exchange, symbol, c.requestResync)
	c.books[symbol] = m
	return m
}

// requestResync queues a snapshot fetch; the channel is sized generously and
// a full queue means a resync for the symbol is already pending.
func (c *Collector) requestResync(symbol string) {
	select {
	case c.resyncCh <- symbol:
	default:
		c.log.WithFields(logger.Fields{"symbol": symbol}).Warn("resync queue full, request coalesced")
	}
}

// run is the single processing loop: raw frames in, decoded events
// dispatched by type.
func (c *Collector) run() {
	defer c.wg.Done()

	for raw := range c.sup.Messages() {
		atomic.AddInt64(&c.messageCount, 1)
		c.lastMessageAt.Store(time.Now().UnixNano())

		events, err := c.adapter.Decode(raw)
		if err != nil {
			atomic.AddInt64(&c.errorCount, 1)
			atomic.AddInt64(&c.consecErrors, 1)
			c.tracker.RecordError()
			c.log.WithError(err).Debug("malformed message dropped")
			c.noteMalformed()
			continue
		}
		atomic.StoreInt64(&c.consecErrors, 0)

		for _, ev := range events {
			c.dispatch(ev, raw.Timestamp)
		}
	}
}

func (c *Collector) dispatch(ev models.Event, received time.Time) {
	switch e := ev.(type) {
	case models.Trade:
		c.tracker.RecordEvent(time.Since(received))
		if err := c.batcher.Add(e); err != nil {
			if errors.Is(err, batch.ErrBufferFull) {
				c.tracker.RecordDropped(1)
			} else {
				c.tracker.RecordError()
			}
		}
	case models.BookDelta:
		c.tracker.RecordEvent(time.Since(received))
		m := c.maintainer(e.Symbol)
		switch m.ApplyDelta(&e) {
		case book.ResultGap, book.ResultCrossed:
			atomic.AddInt64(&c.errorCount, 1)
			c.tracker.RecordError()
		}
	case models.BookSnapshot:
		c.tracker.RecordEvent(time.Since(received))
		m := c.maintainer(e.Symbol)
		if err := m.ApplySnapshot(&e); err != nil {
			atomic.AddInt64(&c.errorCount, 1)
			c.tracker.RecordError()
		}
	case models.Heartbeat:
		c.tracker.RecordHeartbeat()
	}
}

// noteMalformed tracks decode failures over a sliding window; past the
// threshold the connection itself is suspect and gets bounced.
func (c *Collector) noteMalformed() {
	now := time.Now()
	cutoff := now.Add(-c.bookCfg.MalformedWindow)

	c.malformedMu.Lock()
	c.malformedTimes = append(c.malformedTimes, now)
	for len(c.malformedTimes) > 0 && c.malformedTimes[0].Before(cutoff) {
		c.malformedTimes = c.malformedTimes[1:]
	}
	count := len(c.malformedTimes)
	if count >= c.bookCfg.MaxMalformed {
		c.malformedTimes = c.malformedTimes[:0]
	}
	c.malformedMu.Unlock()

	if count >= c.bookCfg.MaxMalformed {
		c.log.WithFields(logger.Fields{
			"malformed": count,
			"window":    c.bookCfg.MalformedWindow.String(),
		}).Warn("malformed message threshold exceeded, bouncing connection")
		c.sup.Bounce()
	}
}

// resyncLoop serves queued snapshot requests. Snapshot fetches run here, off
// the event loop, so a slow REST endpoint never blocks delta processing.
func (c *Collector) resyncLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case symbol := <-c.resyncCh:
			c.resync(symbol)
		}
	}
}

func (c *Collector) resync(symbol string) {
	c.mu.RLock()
	m, ok := c.books[symbol]
	c.mu.RUnlock()
	if !ok {
		return // unsubscribed while the request was queued
	}

	log := c.log.WithFields(logger.Fields{"symbol": symbol})

	backoff := time.Second
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
		snap, err := c.adapter.Snapshot(ctx, symbol)
		cancel()
		if err == nil {
			if err := m.ApplySnapshot(snap); err == nil {
				log.WithFields(logger.Fields{"sequence": snap.Sequence}).Info("book resynced")
				return
			}
			// Crossed snapshot: the maintainer queued another request.
			return
		}

		atomic.AddInt64(&c.errorCount, 1)
		c.tracker.RecordError()
		log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("snapshot fetch failed")

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// snapshotLoop periodically persists every ready book downstream.
func (c *Collector) snapshotLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.bookCfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.persistBooks()
		}
	}
}

func (c *Collector) persistBooks() {
	c.mu.RLock()
	maintainers := make([]*book.Maintainer, 0, len(c.books))
	for _, m := range c.books {
		maintainers = append(maintainers, m)
	}
	c.mu.RUnlock()

	for _, m := range maintainers {
		state, err := m.View()
		if err != nil {
			continue // not ready, nothing to persist
		}
		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		err = c.output.WriteBookSnapshot(ctx, state)
		cancel()
		if err != nil {
			atomic.AddInt64(&c.errorCount, 1)
			c.tracker.RecordError()
			c.log.WithError(err).WithFields(logger.Fields{
				"symbol": state.Symbol,
			}).Warn("book snapshot persist failed")
		}
	}
}
