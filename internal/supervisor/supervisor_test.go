package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/config"
	"tickflow/internal/feed"
	"tickflow/models"
)

type fakeConn struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

type fakeAdapter struct {
	mu        sync.Mutex
	dialTimes []time.Time
	conns     []*fakeConn
	failDials int
}

func (a *fakeAdapter) Exchange() string { return "fakex" }

func (a *fakeAdapter) Dial(ctx context.Context) (feed.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dialTimes = append(a.dialTimes, time.Now())
	if a.failDials > 0 {
		a.failDials--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	a.conns = append(a.conns, conn)
	return conn, nil
}

func (a *fakeAdapter) SubscribePayloads(symbols []string) ([][]byte, error) {
	return marshalSymbols("subscribe", symbols)
}

func (a *fakeAdapter) UnsubscribePayloads(symbols []string) ([][]byte, error) {
	return marshalSymbols("unsubscribe", symbols)
}

func (a *fakeAdapter) Decode(raw models.RawMessage) ([]models.Event, error) {
	return nil, nil
}

func (a *fakeAdapter) Snapshot(ctx context.Context, symbol string) (*models.BookSnapshot, error) {
	return nil, errors.New("not implemented")
}

func marshalSymbols(op string, symbols []string) ([][]byte, error) {
	payloads := make([][]byte, 0, len(symbols))
	for _, s := range symbols {
		data, err := json.Marshal(map[string]string{"op": op, "symbol": s})
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, data)
	}
	return payloads, nil
}

func (a *fakeAdapter) dials() []time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]time.Time, len(a.dialTimes))
	copy(out, a.dialTimes)
	return out
}

func (a *fakeAdapter) conn(i int) *fakeConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.conns) {
		return nil
	}
	return a.conns[i]
}

func testConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    40 * time.Millisecond,
		BackoffJitter: false,
		ResetGrace:    time.Hour,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestMessagesFlowThrough(t *testing.T) {
	adapter := &fakeAdapter{}
	s := New(adapter, testConfig(), 16, nil)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return s.State() == models.ConnConnected })

	adapter.conn(0).frames <- []byte(`{"seq":1}`)
	select {
	case msg := <-s.Messages():
		assert.Equal(t, "fakex", msg.Exchange)
		assert.Equal(t, `{"seq":1}`, string(msg.Data))
		assert.False(t, msg.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestSubscriptionsSurviveReconnect(t *testing.T) {
	adapter := &fakeAdapter{}
	s := New(adapter, testConfig(), 16, nil)
	require.NoError(t, s.Subscribe("BTCUSDT", "ETHUSDT"))

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return s.State() == models.ConnConnected })
	first := adapter.conn(0)
	assert.Len(t, first.written(), 2)

	// Drop the connection; the desired set must be replayed on the new one
	// before the supervisor reports connected again.
	first.Close()
	waitFor(t, func() bool { return adapter.conn(1) != nil })
	waitFor(t, func() bool { return s.State() == models.ConnConnected })

	second := adapter.conn(1)
	assert.Len(t, second.written(), 2)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, s.Symbols())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	adapter := &fakeAdapter{failDials: 6}
	s := New(adapter, testConfig(), 16, nil)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return len(adapter.dials()) >= 6 })

	dials := adapter.dials()
	var prev time.Duration
	for i := 1; i < 6; i++ {
		gap := dials[i].Sub(dials[i-1])
		// Non-decreasing, allowing scheduler slop on the short end.
		assert.GreaterOrEqual(t, gap, prev-5*time.Millisecond,
			"gap %d shrank: %s after %s", i, gap, prev)
		assert.Less(t, gap, 200*time.Millisecond, "gap %d exceeded cap", i)
		prev = gap
	}
}

func TestBackoffResetsAfterStableConnection(t *testing.T) {
	cfg := testConfig()
	cfg.ResetGrace = 30 * time.Millisecond

	adapter := &fakeAdapter{failDials: 3}
	s := New(adapter, cfg, 16, nil)
	s.Start(context.Background())
	defer s.Stop()

	// Three failed dials push the backoff toward its cap, then a connection
	// succeeds and stays up past the grace window.
	waitFor(t, func() bool { return s.State() == models.ConnConnected })
	time.Sleep(50 * time.Millisecond)

	before := len(adapter.dials())
	adapter.conn(0).Close()
	waitFor(t, func() bool { return len(adapter.dials()) > before })

	dials := adapter.dials()
	gap := dials[before].Sub(dials[before-1])
	// The post-grace reconnect starts from the base delay, not the cap.
	assert.Less(t, gap, 3*cfg.BackoffBase,
		"backoff was not reset after stable connection: %s", gap)
}

func TestBounceForcesReconnect(t *testing.T) {
	adapter := &fakeAdapter{}
	s := New(adapter, testConfig(), 16, nil)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return s.State() == models.ConnConnected })
	s.Bounce()

	waitFor(t, func() bool { return adapter.conn(1) != nil })
	waitFor(t, func() bool { return s.State() == models.ConnConnected })
	assert.GreaterOrEqual(t, len(adapter.dials()), 2)
}

func TestStateTransitionsObserved(t *testing.T) {
	var mu sync.Mutex
	var seen []models.ConnState
	adapter := &fakeAdapter{}
	s := New(adapter, testConfig(), 16, func(from, to models.ConnState) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	s.Start(context.Background())
	waitFor(t, func() bool { return s.State() == models.ConnConnected })
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 3)
	assert.Equal(t, models.ConnConnecting, seen[0])
	assert.Equal(t, models.ConnConnected, seen[1])
	assert.Equal(t, models.ConnStopped, seen[len(seen)-1])
}

func TestStopIsTerminalAndIdempotent(t *testing.T) {
	adapter := &fakeAdapter{}
	s := New(adapter, testConfig(), 16, nil)
	s.Start(context.Background())
	waitFor(t, func() bool { return s.State() == models.ConnConnected })

	s.Stop()
	s.Stop() // second call must be a no-op

	assert.Equal(t, models.ConnStopped, s.State())

	// The message channel is closed after stop.
	_, open := <-s.Messages()
	assert.False(t, open)

	// A stopped supervisor never restarts.
	s.Start(context.Background())
	assert.Equal(t, models.ConnStopped, s.State())
}

func TestUnsubscribeRemovesSymbol(t *testing.T) {
	adapter := &fakeAdapter{}
	s := New(adapter, testConfig(), 16, nil)
	require.NoError(t, s.Subscribe("BTCUSDT", "ETHUSDT"))
	require.NoError(t, s.Unsubscribe("ETHUSDT"))
	assert.Equal(t, []string{"BTCUSDT"}, s.Symbols())

	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, func() bool { return s.State() == models.ConnConnected })

	// Only the remaining symbol is subscribed on connect.
	assert.Len(t, adapter.conn(0).written(), 1)
}

func TestOverflowDropsAreCounted(t *testing.T) {
	adapter := &fakeAdapter{}
	s := New(adapter, testConfig(), 2, nil)

	var observed int64
	s.OnDrop(func(n int64) { atomic.AddInt64(&observed, n) })

	s.Start(context.Background())
	defer s.Stop()
	waitFor(t, func() bool { return s.State() == models.ConnConnected })

	// Nothing consumes Messages(), so everything past the buffer is shed.
	for i := 0; i < 8; i++ {
		adapter.conn(0).frames <- []byte(`{"n":1}`)
	}

	waitFor(t, func() bool { return s.Dropped() == 6 })
	assert.Equal(t, int64(6), atomic.LoadInt64(&observed))
}
