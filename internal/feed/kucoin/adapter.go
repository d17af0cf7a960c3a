package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/feed"
	"tickflow/internal/symbols"
	"tickflow/models"
)

// Adapter streams futures level2 deltas and executions from KuCoin.
// The websocket endpoint (including its connect token) comes from
// configuration; the adapter owns only the message grammar.
type Adapter struct {
	cfg    config.ExchangeConfig
	client *http.Client

	limiter *rate.Limiter
	subID   int64
}

func NewAdapter(cfg config.ExchangeConfig) *Adapter {
	rps := cfg.RateLimit.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = rps
	}
	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (a *Adapter) Exchange() string { return "kucoin" }

func (a *Adapter) Dial(ctx context.Context) (feed.Conn, error) {
	return feed.DialWebsocket(ctx, a.cfg.WsURL)
}

type wsCommand struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	Topic    string `json:"topic"`
	Response bool   `json:"response"`
}

func (a *Adapter) SubscribePayloads(syms []string) ([][]byte, error) {
	return a.commandPayloads("subscribe", syms)
}

func (a *Adapter) UnsubscribePayloads(syms []string) ([][]byte, error) {
	return a.commandPayloads("unsubscribe", syms)
}

func (a *Adapter) commandPayloads(cmd string, syms []string) ([][]byte, error) {
	payloads := make([][]byte, 0, 2*len(syms))
	for _, s := range syms {
		native := symbols.ToKucoin(s)
		for _, topic := range []string{
			"/contractMarket/level2:" + native,
			"/contractMarket/execution:" + native,
		} {
			payload, err := json.Marshal(wsCommand{
				ID:       atomic.AddInt64(&a.subID, 1),
				Type:     cmd,
				Topic:    topic,
				Response: true,
			})
			if err != nil {
				return nil, err
			}
			payloads = append(payloads, payload)
		}
	}
	return payloads, nil
}

// wsEnvelope is the outer frame of every KuCoin websocket message.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type level2Data struct {
	Sequence  int64 `json:"sequence"`
	Timestamp int64 `json:"timestamp"`
	Changes   struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	} `json:"changes"`
}

type executionData struct {
	Symbol   string `json:"symbol"`
	Sequence int64  `json:"sequence"`
	TradeID  string `json:"tradeId"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	Ts       int64  `json:"ts"` // nanoseconds
}

func (a *Adapter) Decode(raw models.RawMessage) ([]models.Event, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return nil, fmt.Errorf("malformed kucoin frame: %w", err)
	}

	switch env.Type {
	case "welcome", "ack", "pong":
		return []models.Event{models.Heartbeat{Exchange: "kucoin", EventTime: raw.Timestamp}}, nil
	case "message":
	default:
		return nil, fmt.Errorf("unexpected kucoin frame type %q", env.Type)
	}

	switch env.Subject {
	case "level2":
		return a.decodeLevel2(env, raw)
	case "match":
		return a.decodeExecution(env, raw)
	default:
		return nil, fmt.Errorf("unexpected kucoin subject %q", env.Subject)
	}
}

func topicSymbol(topic string) string {
	if i := strings.LastIndex(topic, ":"); i >= 0 {
		return topic[i+1:]
	}
	return ""
}

func (a *Adapter) decodeLevel2(env wsEnvelope, raw models.RawMessage) ([]models.Event, error) {
	native := topicSymbol(env.Topic)
	if native == "" {
		return nil, fmt.Errorf("level2 message missing topic symbol")
	}
	var data level2Data
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("malformed level2 data: %w", err)
	}

	changes := make([]models.LevelChange, 0, len(data.Changes.Bids)+len(data.Changes.Asks))
	var err error
	if changes, err = appendChanges(changes, models.SideBid, data.Changes.Bids); err != nil {
		return nil, err
	}
	if changes, err = appendChanges(changes, models.SideAsk, data.Changes.Asks); err != nil {
		return nil, err
	}

	delta := models.BookDelta{
		Exchange:     "kucoin",
		Symbol:       symbols.Canonical("kucoin", native),
		Sequence:     data.Sequence,
		Changes:      changes,
		EventTime:    time.UnixMilli(data.Timestamp),
		ReceivedTime: raw.Timestamp,
	}
	return []models.Event{delta}, nil
}

func (a *Adapter) decodeExecution(env wsEnvelope, raw models.RawMessage) ([]models.Event, error) {
	var data executionData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("malformed execution data: %w", err)
	}
	price, err := decimal.NewFromString(data.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid execution price %q: %w", data.Price, err)
	}
	qty, err := decimal.NewFromString(data.Size)
	if err != nil {
		return nil, fmt.Errorf("invalid execution size %q: %w", data.Size, err)
	}

	side := models.SideBuy
	if strings.EqualFold(data.Side, "sell") {
		side = models.SideSell
	}

	trade := models.Trade{
		Exchange:     "kucoin",
		Symbol:       symbols.Canonical("kucoin", data.Symbol),
		TradeID:      data.TradeID,
		Price:        price,
		Quantity:     qty,
		Side:         side,
		EventTime:    time.Unix(0, data.Ts),
		ReceivedTime: raw.Timestamp,
	}
	return []models.Event{trade}, nil
}

func appendChanges(dst []models.LevelChange, side models.Side, rows [][]string) ([]models.LevelChange, error) {
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("short %s level row", side)
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, fmt.Errorf("invalid %s price %q: %w", side, row[0], err)
		}
		qty, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, fmt.Errorf("invalid %s quantity %q: %w", side, row[1], err)
		}
		dst = append(dst, models.LevelChange{Side: side, Price: price, Quantity: qty})
	}
	return dst, nil
}

// snapshotResponse mirrors the KuCoin futures level2 snapshot REST payload.
type snapshotResponse struct {
	Code string `json:"code"`
	Data struct {
		Symbol   string     `json:"symbol"`
		Sequence int64      `json:"sequence"`
		Bids     [][]string `json:"bids"`
		Asks     [][]string `json:"asks"`
	} `json:"data"`
}

func (a *Adapter) Snapshot(ctx context.Context, symbol string) (*models.BookSnapshot, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	native := symbols.ToKucoin(symbol)
	url := strings.TrimRight(a.cfg.RestURL, "/") + "/api/v1/level2/snapshot?symbol=" + native

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch kucoin snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kucoin snapshot status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var sr snapshotResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("malformed snapshot response: %w", err)
	}
	if sr.Code != "" && sr.Code != "200000" {
		return nil, fmt.Errorf("kucoin snapshot error code %s", sr.Code)
	}

	snap := &models.BookSnapshot{
		Exchange:  "kucoin",
		Symbol:    symbols.Canonical("kucoin", native),
		Sequence:  sr.Data.Sequence,
		Bids:      make([]models.PriceLevel, 0, len(sr.Data.Bids)),
		Asks:      make([]models.PriceLevel, 0, len(sr.Data.Asks)),
		EventTime: time.Now(),
	}
	for _, row := range sr.Data.Bids {
		if lvl, ok := parseLevel(row); ok {
			snap.Bids = append(snap.Bids, lvl)
		}
	}
	for _, row := range sr.Data.Asks {
		if lvl, ok := parseLevel(row); ok {
			snap.Asks = append(snap.Asks, lvl)
		}
	}
	return snap, nil
}

func parseLevel(row []string) (models.PriceLevel, bool) {
	if len(row) < 2 {
		return models.PriceLevel{}, false
	}
	price, err := decimal.NewFromString(row[0])
	if err != nil {
		return models.PriceLevel{}, false
	}
	qty, err := decimal.NewFromString(row[1])
	if err != nil || qty.IsZero() {
		return models.PriceLevel{}, false
	}
	return models.PriceLevel{Price: price, Quantity: qty}, true
}
