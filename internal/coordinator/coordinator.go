// Package coordinator manages the set of running collectors: registration,
// aggregated status, and ordered shutdown.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tickflow/internal/collector"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

// Coordinator is the single place that starts and stops collectors. Symbol
// ownership is exclusive: one collector per exchange, one exchange per
// symbol subscription.
type Coordinator struct {
	monitor *metrics.Monitor
	log     *logger.Entry

	mu         sync.RWMutex
	collectors map[string]*collector.Collector
	running    bool
	ctx        context.Context
}

func New(monitor *metrics.Monitor) *Coordinator {
	return &Coordinator{
		monitor:    monitor,
		collectors: make(map[string]*collector.Collector),
		log:        logger.GetLogger().WithComponent("coordinator"),
	}
}

func (co *Coordinator) Start(ctx context.Context) error {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.running {
		return fmt.Errorf("coordinator already running")
	}
	co.running = true
	co.ctx = ctx
	co.log.Info("coordinator started")
	return nil
}

// Add registers and starts a collector for an exchange. Adding the same
// exchange twice is a caller bug and fails loudly.
func (co *Coordinator) Add(c *collector.Collector, symbols ...string) error {
	co.mu.Lock()
	if !co.running {
		co.mu.Unlock()
		return fmt.Errorf("coordinator not started")
	}
	if _, exists := co.collectors[c.Exchange()]; exists {
		co.mu.Unlock()
		return fmt.Errorf("collector for exchange %s already registered", c.Exchange())
	}
	co.collectors[c.Exchange()] = c
	ctx := co.ctx
	co.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		co.mu.Lock()
		delete(co.collectors, c.Exchange())
		co.mu.Unlock()
		return fmt.Errorf("start collector %s: %w", c.ID(), err)
	}
	if len(symbols) > 0 {
		if err := c.Subscribe(symbols...); err != nil {
			return fmt.Errorf("subscribe %s: %w", c.ID(), err)
		}
	}

	co.log.WithFields(logger.Fields{
		"exchange": c.Exchange(),
		"symbols":  symbols,
	}).Info("collector registered")
	return nil
}

// Remove unsubscribes the named symbols from an exchange's collector. When no
// symbols are named, or none remain subscribed afterwards, the collector is
// stopped and deregistered.
func (co *Coordinator) Remove(exchange string, symbols ...string) error {
	co.mu.RLock()
	c, ok := co.collectors[exchange]
	co.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no collector for exchange %s", exchange)
	}

	if len(symbols) > 0 {
		if err := c.Unsubscribe(symbols...); err != nil {
			return fmt.Errorf("unsubscribe %s: %w", c.ID(), err)
		}
		if remaining := c.Symbols(); len(remaining) > 0 {
			co.log.WithFields(logger.Fields{
				"exchange":  exchange,
				"removed":   symbols,
				"remaining": remaining,
			}).Info("symbols removed")
			return nil
		}
	}

	co.mu.Lock()
	delete(co.collectors, exchange)
	co.mu.Unlock()
	c.Stop()
	co.log.WithFields(logger.Fields{"exchange": exchange}).Info("collector removed")
	return nil
}

// Collector returns the collector serving an exchange, if registered.
func (co *Coordinator) Collector(exchange string) (*collector.Collector, bool) {
	co.mu.RLock()
	defer co.mu.RUnlock()
	c, ok := co.collectors[exchange]
	return c, ok
}

// CollectorIDs lists registered collector identifiers, sorted.
func (co *Coordinator) CollectorIDs() []string {
	co.mu.RLock()
	defer co.mu.RUnlock()
	ids := make([]string, 0, len(co.collectors))
	for _, c := range co.collectors {
		ids = append(ids, c.ID())
	}
	sort.Strings(ids)
	return ids
}

// Status reports every collector's status, sorted by exchange for stable
// output.
func (co *Coordinator) Status() []models.CollectorStatus {
	co.mu.RLock()
	list := make([]*collector.Collector, 0, len(co.collectors))
	for _, c := range co.collectors {
		list = append(list, c)
	}
	co.mu.RUnlock()

	statuses := make([]models.CollectorStatus, 0, len(list))
	for _, c := range list {
		statuses = append(statuses, c.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Exchange < statuses[j].Exchange })
	return statuses
}

// MetricsSummary returns the most recent aggregated performance sample for
// each registered collector. Collectors with no closed window yet are
// omitted.
func (co *Coordinator) MetricsSummary() map[string]models.PerformanceSample {
	out := make(map[string]models.PerformanceSample)
	for _, id := range co.CollectorIDs() {
		if samples := co.monitor.Samples(id); len(samples) > 0 {
			out[id] = samples[len(samples)-1]
		}
	}
	return out
}

// Health rolls individual collector health up to a process verdict: the
// worst individual state wins.
func (co *Coordinator) Health() models.Health {
	worst := models.HealthHealthy
	for _, st := range co.Status() {
		switch st.Health {
		case models.HealthUnhealthy:
			return models.HealthUnhealthy
		case models.HealthDegraded:
			worst = models.HealthDegraded
		}
	}
	return worst
}

// Stop shuts every collector down concurrently and waits up to timeout for
// them to drain.
func (co *Coordinator) Stop(timeout time.Duration) {
	co.mu.Lock()
	if !co.running {
		co.mu.Unlock()
		return
	}
	co.running = false
	list := make([]*collector.Collector, 0, len(co.collectors))
	for _, c := range co.collectors {
		list = append(list, c)
	}
	co.collectors = make(map[string]*collector.Collector)
	co.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, c := range list {
			wg.Add(1)
			go func(c *collector.Collector) {
				defer wg.Done()
				c.Stop()
			}(c)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		co.log.Info("all collectors stopped")
	case <-time.After(timeout):
		co.log.Warn("shutdown timeout exceeded, abandoning remaining collectors")
	}
}
