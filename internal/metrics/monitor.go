// Package metrics tracks per-collector throughput, latency and error rates,
// classifies collector health, and exposes the numbers over Prometheus and
// optionally CloudWatch.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// Tracker accumulates one collector's counters. Recording is lock-free on the
// hot path; latency observations go through a lossy buffered channel so a
// busy aggregator can never stall event processing.
type Tracker struct {
	collector string
	monitor   *Monitor

	events  int64
	errors  int64
	dropped int64

	// Window baselines, owned by the aggregator goroutine.
	lastEvents  int64
	lastErrors  int64
	lastDropped int64

	lastEventAt atomic.Int64 // unix nanos
}

// RecordEvent counts one processed event and samples its ingest-to-dispatch
// latency.
func (t *Tracker) RecordEvent(latency time.Duration) {
	atomic.AddInt64(&t.events, 1)
	t.lastEventAt.Store(time.Now().UnixNano())
	t.monitor.observeLatency(t.collector, latency)
}

// RecordHeartbeat refreshes liveness without counting an event; heartbeats
// keep a quiet feed from looking stale but carry no market data.
func (t *Tracker) RecordHeartbeat() {
	t.lastEventAt.Store(time.Now().UnixNano())
}

// RecordError counts one processing or connection error.
func (t *Tracker) RecordError() {
	atomic.AddInt64(&t.errors, 1)
	t.monitor.prom.errorsTotal.WithLabelValues(t.collector).Inc()
}

// RecordDropped counts events shed under backpressure.
func (t *Tracker) RecordDropped(n int64) {
	if n <= 0 {
		return
	}
	atomic.AddInt64(&t.dropped, n)
	t.monitor.prom.droppedTotal.WithLabelValues(t.collector).Add(float64(n))
}

// Events returns the total number of processed events.
func (t *Tracker) Events() int64 { return atomic.LoadInt64(&t.events) }

// Errors returns the total number of recorded errors.
func (t *Tracker) Errors() int64 { return atomic.LoadInt64(&t.errors) }

// Dropped returns the total number of shed events.
func (t *Tracker) Dropped() int64 { return atomic.LoadInt64(&t.dropped) }

type latencyObservation struct {
	collector string
	latency   time.Duration
}

// ConnInfo carries the connection facts health classification needs; the
// monitor never reaches into the supervisor directly.
type ConnInfo struct {
	State          models.ConnState
	ConnectedSince time.Time
	DownSince      time.Time
}

// Monitor owns all trackers and periodically aggregates them into
// performance samples. One instance serves the whole process.
type Monitor struct {
	cfg  config.HealthConfig
	log  *logger.Entry
	prom *promMetrics

	mu       sync.RWMutex
	trackers map[string]*Tracker
	samples  map[string][]models.PerformanceSample
	window   map[string][]time.Duration // latencies in the current window

	obsCh   chan latencyObservation
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewMonitor(cfg config.HealthConfig, bufferSize int) *Monitor {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Monitor{
		cfg:      cfg,
		log:      logger.GetLogger().WithComponent("metrics_monitor"),
		prom:     newPromMetrics(),
		trackers: make(map[string]*Tracker),
		samples:  make(map[string][]models.PerformanceSample),
		window:   make(map[string][]time.Duration),
		obsCh:    make(chan latencyObservation, bufferSize),
	}
}

// Tracker returns the tracker for a collector, creating it on first use.
func (m *Monitor) Tracker(collector string) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[collector]; ok {
		return t
	}
	t := &Tracker{collector: collector, monitor: m}
	m.trackers[collector] = t
	return t
}

func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("metrics monitor already running")
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)

	m.log.WithFields(logger.Fields{
		"window":    m.cfg.Window.String(),
		"retention": m.cfg.Retention.String(),
	}).Info("metrics monitor started")
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.log.Info("metrics monitor stopped")
}

// observeLatency is lossy: when the aggregator lags, observations are
// dropped rather than blocking the collector.
func (m *Monitor) observeLatency(collector string, latency time.Duration) {
	m.prom.eventsTotal.WithLabelValues(collector).Inc()
	m.prom.latencySeconds.WithLabelValues(collector).Observe(latency.Seconds())
	select {
	case m.obsCh <- latencyObservation{collector: collector, latency: latency}:
	default:
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-m.obsCh:
			m.mu.Lock()
			m.window[obs.collector] = append(m.window[obs.collector], obs.latency)
			m.mu.Unlock()
		case now := <-ticker.C:
			m.aggregate(now)
		}
	}
}

// aggregate closes the current window: one performance sample per tracker,
// pruned to the retention horizon.
func (m *Monitor) aggregate(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.cfg.Retention)
	for id, t := range m.trackers {
		events := atomic.LoadInt64(&t.events)
		errors := atomic.LoadInt64(&t.errors)
		dropped := atomic.LoadInt64(&t.dropped)

		sample := models.PerformanceSample{
			Timestamp:    now,
			Collector:    id,
			EventCount:   events - t.lastEvents,
			ErrorCount:   errors - t.lastErrors,
			DroppedCount: dropped - t.lastDropped,
			Throughput:   float64(events-t.lastEvents) / m.cfg.Window.Seconds(),
		}
		t.lastEvents = events
		t.lastErrors = errors
		t.lastDropped = dropped

		if lats := m.window[id]; len(lats) > 0 {
			sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
			var total time.Duration
			for _, l := range lats {
				total += l
			}
			sample.AvgLatency = total / time.Duration(len(lats))
			sample.MaxLatency = lats[len(lats)-1]
			sample.P95Latency = lats[(len(lats)*95)/100]
			m.window[id] = m.window[id][:0]
		}

		m.prom.throughput.WithLabelValues(id).Set(sample.Throughput)

		kept := m.samples[id]
		kept = append(kept, sample)
		for len(kept) > 0 && kept[0].Timestamp.Before(cutoff) {
			kept = kept[1:]
		}
		m.samples[id] = kept
	}
}

// Samples returns the retained performance history for one collector, newest
// last.
func (m *Monitor) Samples(collector string) []models.PerformanceSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.PerformanceSample(nil), m.samples[collector]...)
}

// Health classifies a collector from its recent error rate, message
// freshness and connection state.
//
// Unhealthy: persistently disconnected past the reconnect grace, stale past
// the staleness bound while nominally connected, or a windowed error rate at
// or above the high threshold. Degraded: currently reconnecting, or an error
// rate at or above the low threshold. Healthy otherwise.
func (m *Monitor) Health(collector string, conn ConnInfo) models.Health {
	now := time.Now()

	if conn.State == models.ConnStopped {
		return models.HealthUnhealthy
	}

	if conn.State != models.ConnConnected {
		if !conn.DownSince.IsZero() && now.Sub(conn.DownSince) > m.cfg.ReconnectGrace {
			return models.HealthUnhealthy
		}
		return models.HealthDegraded
	}

	rate := m.windowedErrorRate(collector)
	if rate >= m.cfg.HighErrorRate {
		return models.HealthUnhealthy
	}

	last := m.lastEventTime(collector)
	if stale := m.staleness(last, conn.ConnectedSince, now); stale > m.cfg.StaleAfter {
		if stale > 2*m.cfg.StaleAfter {
			return models.HealthUnhealthy
		}
		return models.HealthDegraded
	}

	if rate >= m.cfg.LowErrorRate {
		return models.HealthDegraded
	}
	return models.HealthHealthy
}

// staleness measures silence since the last event, but never before the
// connection was established; a fresh connection gets time to warm up.
func (m *Monitor) staleness(lastEvent, connectedSince, now time.Time) time.Duration {
	ref := lastEvent
	if connectedSince.After(ref) {
		ref = connectedSince
	}
	if ref.IsZero() {
		return 0
	}
	return now.Sub(ref)
}

func (m *Monitor) lastEventTime(collector string) time.Time {
	m.mu.RLock()
	t, ok := m.trackers[collector]
	m.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	nanos := t.lastEventAt.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// windowedErrorRate blends the last closed window with the live counters so
// a burst of errors is visible before the window ticks over.
func (m *Monitor) windowedErrorRate(collector string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.trackers[collector]
	if !ok {
		return 0
	}

	events := atomic.LoadInt64(&t.events) - t.lastEvents
	errors := atomic.LoadInt64(&t.errors) - t.lastErrors

	if kept := m.samples[collector]; len(kept) > 0 {
		last := kept[len(kept)-1]
		events += last.EventCount
		errors += last.ErrorCount
	}

	total := events + errors
	if total == 0 {
		return 0
	}
	return float64(errors) / float64(total)
}
