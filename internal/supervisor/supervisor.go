// Package supervisor keeps one exchange feed connection alive for as long as
// its collector is started, reconnecting with capped exponential backoff and
// replaying the desired subscriptions before a connection is declared live.
package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"tickflow/config"
	"tickflow/internal/feed"
	"tickflow/logger"
	"tickflow/models"
)

// TransitionFunc observes every connection state transition.
type TransitionFunc func(from, to models.ConnState)

// Supervisor wraps a feed adapter with the lifecycle state machine
// DISCONNECTED -> CONNECTING -> CONNECTED -> RECONNECTING -> CONNECTING ...
// with STOPPED terminal from any state.
type Supervisor struct {
	adapter      feed.Adapter
	cfg          config.SupervisorConfig
	log          *logger.Log
	onTransition TransitionFunc
	onDrop       func(n int64)

	mu      sync.Mutex
	state   models.ConnState
	symbols map[string]struct{}
	conn    feed.Conn
	running bool
	stopped bool
	cancel  context.CancelFunc

	wg   sync.WaitGroup
	msgs chan models.RawMessage
	bo   *backoff.Backoff

	dropped int64
}

func New(adapter feed.Adapter, cfg config.SupervisorConfig, buffer int, onTransition TransitionFunc) *Supervisor {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Supervisor{
		adapter:      adapter,
		cfg:          cfg,
		log:          logger.GetLogger(),
		onTransition: onTransition,
		state:        models.ConnDisconnected,
		symbols:      make(map[string]struct{}),
		msgs:         make(chan models.RawMessage, buffer),
		bo: &backoff.Backoff{
			Min:    cfg.BackoffBase,
			Max:    cfg.BackoffMax,
			Factor: 2,
			Jitter: cfg.BackoffJitter,
		},
	}
}

// Messages returns the inbound raw message stream. The channel is closed when
// the supervisor stops.
func (s *Supervisor) Messages() <-chan models.RawMessage {
	return s.msgs
}

// State returns the current connection state.
func (s *Supervisor) State() models.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers symbols as desired subscriptions and, when connected,
// sends the subscribe frames immediately. Desired subscriptions survive
// reconnection; they are replayed on every successful connect.
func (s *Supervisor) Subscribe(symbols ...string) error {
	s.mu.Lock()
	added := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; !ok {
			s.symbols[sym] = struct{}{}
			added = append(added, sym)
		}
	}
	conn := s.conn
	connected := s.state == models.ConnConnected
	s.mu.Unlock()

	if len(added) == 0 || !connected || conn == nil {
		return nil
	}
	return s.writePayloads(conn, added, true)
}

// Unsubscribe removes symbols from the desired set and, when connected,
// sends the unsubscribe frames.
func (s *Supervisor) Unsubscribe(symbols ...string) error {
	s.mu.Lock()
	removed := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; ok {
			delete(s.symbols, sym)
			removed = append(removed, sym)
		}
	}
	conn := s.conn
	connected := s.state == models.ConnConnected
	s.mu.Unlock()

	if len(removed) == 0 || !connected || conn == nil {
		return nil
	}
	return s.writePayloads(conn, removed, false)
}

// Symbols returns the desired subscription set, sorted.
func (s *Supervisor) Symbols() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// Start begins connection attempts. Idempotent if already running.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.transition(models.ConnConnecting)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx)
	}()
}

// Stop moves to STOPPED from any state, releases the connection and blocks
// until the run loop has fully torn down. No further reconnection attempts
// are made afterwards.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	conn := s.conn
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close() // unblocks a pending read
	}
	s.wg.Wait()
	s.transition(models.ConnStopped)
	close(s.msgs)
}

// Bounce drops the current connection, forcing a reconnect cycle. Used when
// malformed messages exceed the protocol error threshold.
func (s *Supervisor) Bounce() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *Supervisor) run(ctx context.Context) {
	log := s.log.WithComponent("supervisor").WithFields(logger.Fields{"exchange": s.adapter.Exchange()})

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.adapter.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("dial failed")
			s.transition(models.ConnReconnecting)
			if !s.waitBackoff(ctx) {
				return
			}
			s.transition(models.ConnConnecting)
			continue
		}

		// Resubscribe everything before declaring the connection live so
		// subscription state survives reconnection.
		if err := s.writePayloads(conn, s.Symbols(), true); err != nil {
			log.WithError(err).Warn("resubscribe failed")
			conn.Close()
			s.transition(models.ConnReconnecting)
			if !s.waitBackoff(ctx) {
				return
			}
			s.transition(models.ConnConnecting)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.transition(models.ConnConnected)
		connectedAt := time.Now()

		readErr := s.readLoop(ctx, conn)
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if readErr != nil {
			log.WithError(readErr).Warn("connection lost")
		}

		// A connection that stayed up past the grace window does not inherit
		// backoff from earlier flapping.
		if time.Since(connectedAt) >= s.cfg.ResetGrace {
			s.bo.Reset()
		}

		s.transition(models.ConnReconnecting)
		if !s.waitBackoff(ctx) {
			return
		}
		s.transition(models.ConnConnecting)
	}
}

func (s *Supervisor) readLoop(ctx context.Context, conn feed.Conn) error {
	exchange := s.adapter.Exchange()
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg := models.RawMessage{
			Exchange:  exchange,
			Data:      data,
			Timestamp: time.Now(),
		}
		select {
		case s.msgs <- msg:
			logger.RecordChannelMessage(exchange+"_feed", len(data))
		case <-ctx.Done():
			return ctx.Err()
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			if s.onDrop != nil {
				s.onDrop(1)
			}
			s.log.WithComponent("supervisor").WithFields(logger.Fields{
				"exchange": exchange,
			}).Warn("feed channel full, dropping message")
		}
	}
}

// waitBackoff sleeps for the next backoff delay. Returns false when the stop
// signal arrived during the wait.
func (s *Supervisor) waitBackoff(ctx context.Context) bool {
	delay := s.bo.Duration()
	s.log.WithComponent("supervisor").WithFields(logger.Fields{
		"exchange": s.adapter.Exchange(),
		"delay_ms": delay.Milliseconds(),
	}).Info("waiting before reconnect")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) writePayloads(conn feed.Conn, symbols []string, subscribe bool) error {
	if len(symbols) == 0 {
		return nil
	}
	var (
		payloads [][]byte
		err      error
	)
	if subscribe {
		payloads, err = s.adapter.SubscribePayloads(symbols)
	} else {
		payloads, err = s.adapter.UnsubscribePayloads(symbols)
	}
	if err != nil {
		return err
	}
	for _, p := range payloads {
		if err := conn.WriteMessage(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) transition(to models.ConnState) {
	s.mu.Lock()
	from := s.state
	if from == to || from == models.ConnStopped {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

// OnDrop registers a callback invoked for every raw message shed because the
// feed channel was full. Must be set before Start.
func (s *Supervisor) OnDrop(fn func(n int64)) {
	s.onDrop = fn
}

// Dropped returns the number of raw messages dropped because the feed
// channel was full.
func (s *Supervisor) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
