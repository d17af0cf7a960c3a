// Package batch groups normalized trades into size- and time-bounded batches
// and delivers them downstream with retry, so a slow sink produces bounded
// memory use and explicit rejection instead of unbounded queueing.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/config"
	"tickflow/internal/sink"
	"tickflow/logger"
	"tickflow/models"
)

// ErrBufferFull is returned by Add when the batcher has reached its buffering
// limit; the caller counts the trade as dropped.
var ErrBufferFull = errors.New("batch buffer full")

// Batcher accumulates trades and flushes them when the batch reaches the
// configured size or the oldest buffered trade exceeds the flush interval,
// whichever comes first.
type Batcher struct {
	config config.BatcherConfig
	sink   sink.Sink
	log    *logger.Entry

	mu      sync.Mutex
	pending []models.Trade
	firstAt time.Time
	closed  bool

	flushCh chan []models.Trade
	armCh   chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	flushed   int64
	delivered int64
	failed    int64
	rejected  int64
}

func New(cfg config.BatcherConfig, s sink.Sink) *Batcher {
	return &Batcher{
		config:  cfg,
		sink:    s,
		log:     logger.GetLogger().WithComponent("trade_batcher"),
		pending: make([]models.Trade, 0, cfg.Size),
		flushCh: make(chan []models.Trade, cfg.MaxBuffer/cfg.Size+1),
		armCh:   make(chan struct{}, 1),
	}
}

func (b *Batcher) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("trade batcher already running")
	}
	b.running = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	b.wg.Add(2)
	go b.tickLoop()
	go b.flushLoop()

	b.log.WithFields(logger.Fields{
		"batch_size":     b.config.Size,
		"flush_interval": b.config.Interval.String(),
		"max_buffer":     b.config.MaxBuffer,
	}).Info("trade batcher started")
	return nil
}

// Add buffers one trade. When the total number of buffered trades (pending
// plus queued for delivery) reaches MaxBuffer, the trade is rejected with
// ErrBufferFull rather than queued.
func (b *Batcher) Add(trade models.Trade) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("trade batcher stopped")
	}
	if b.buffered() >= b.config.MaxBuffer {
		b.mu.Unlock()
		atomic.AddInt64(&b.rejected, 1)
		return ErrBufferFull
	}
	if len(b.pending) == 0 {
		b.firstAt = time.Now()
		// Wake the interval timer so the flush deadline counts from this
		// trade, not from a coarse tick.
		select {
		case b.armCh <- struct{}{}:
		default:
		}
	}
	b.pending = append(b.pending, trade)
	var full []models.Trade
	if len(b.pending) >= b.config.Size {
		full = b.cutLocked()
	}
	b.mu.Unlock()

	if full != nil {
		b.enqueue(full)
	}
	return nil
}

// Flush cuts whatever is pending regardless of size. Called on shutdown and
// by the interval timer.
func (b *Batcher) Flush() {
	b.mu.Lock()
	batch := b.cutLocked()
	b.mu.Unlock()
	if batch != nil {
		b.enqueue(batch)
	}
}

// Stop flushes the remaining partial batch and waits for in-flight deliveries
// to settle before returning.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if !b.running || b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	batch := b.cutLocked()
	b.mu.Unlock()

	if batch != nil {
		b.enqueue(batch)
	}
	close(b.flushCh)
	b.cancel()
	b.wg.Wait()

	b.log.WithFields(logger.Fields{
		"batches_flushed": atomic.LoadInt64(&b.flushed),
		"trades_sent":     atomic.LoadInt64(&b.delivered),
		"trades_failed":   atomic.LoadInt64(&b.failed),
		"trades_rejected": atomic.LoadInt64(&b.rejected),
	}).Info("trade batcher stopped")
}

// Rejected returns how many trades were refused because the buffer was full.
func (b *Batcher) Rejected() int64 { return atomic.LoadInt64(&b.rejected) }

// Delivered returns how many trades were successfully written downstream.
func (b *Batcher) Delivered() int64 { return atomic.LoadInt64(&b.delivered) }

// Failed returns how many trades were abandoned after exhausting retries.
func (b *Batcher) Failed() int64 { return atomic.LoadInt64(&b.failed) }

// buffered counts pending trades plus batches already queued for delivery.
// Caller holds b.mu.
func (b *Batcher) buffered() int {
	return len(b.pending) + len(b.flushCh)*b.config.Size
}

// cutLocked detaches the pending batch. Caller holds b.mu.
func (b *Batcher) cutLocked() []models.Trade {
	if len(b.pending) == 0 {
		return nil
	}
	batch := b.pending
	b.pending = make([]models.Trade, 0, b.config.Size)
	b.firstAt = time.Time{}
	return batch
}

func (b *Batcher) enqueue(batch []models.Trade) {
	logger.RecordChannelMessage("batch_flush", len(b.flushCh))

	// The send is guarded by b.mu so Stop cannot close flushCh between the
	// closed check and the send. The send never blocks.
	b.mu.Lock()
	if !b.closed {
		select {
		case b.flushCh <- batch:
			b.mu.Unlock()
			return
		default:
		}
	}
	b.mu.Unlock()

	// Delivery queue saturated or shutting down; these trades were admitted
	// under MaxBuffer so deliver synchronously rather than drop them.
	b.deliver(batch)
}

// tickLoop flushes partial batches on the interval deadline. The timer is
// armed when the first trade lands in an empty buffer, so the flush happens
// Interval after that trade rather than on a coarse polling grid.
func (b *Batcher) tickLoop() {
	defer b.wg.Done()
	timer := time.NewTimer(b.config.Interval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.armCh:
		}

		// A buffer is open; sleep until its oldest trade turns Interval old.
		// Size flushes can replace the buffer underneath us, so re-read
		// firstAt on every pass instead of trusting the original deadline.
		for {
			b.mu.Lock()
			if len(b.pending) == 0 {
				b.mu.Unlock()
				break
			}
			wait := time.Until(b.firstAt.Add(b.config.Interval))
			var batch []models.Trade
			if wait <= 0 {
				batch = b.cutLocked()
			}
			b.mu.Unlock()

			if batch != nil {
				b.enqueue(batch)
				break
			}

			timer.Reset(wait)
			select {
			case <-b.ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return
			case <-timer.C:
			}
		}
	}
}

func (b *Batcher) flushLoop() {
	defer b.wg.Done()
	for batch := range b.flushCh {
		b.deliver(batch)
	}
}

// deliver writes one batch with bounded retries and doubling backoff. A batch
// that still fails after MaxRetries is dropped and counted, never requeued.
func (b *Batcher) deliver(batch []models.Trade) {
	backoff := b.config.RetryBackoff
	var err error
	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-b.ctx.Done():
				// Shutdown grace: one final immediate attempt below.
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = b.sink.WriteTrades(ctx, batch)
		cancel()
		if err == nil {
			atomic.AddInt64(&b.flushed, 1)
			atomic.AddInt64(&b.delivered, int64(len(batch)))
			return
		}
		b.log.WithError(err).WithFields(logger.Fields{
			"attempt": attempt + 1,
			"trades":  len(batch),
		}).Warn("batch delivery failed")
	}

	atomic.AddInt64(&b.failed, int64(len(batch)))
	b.log.WithError(err).WithFields(logger.Fields{
		"trades": len(batch),
	}).Error("batch dropped after retries exhausted")
}
