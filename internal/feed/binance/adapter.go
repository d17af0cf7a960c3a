package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/feed"
	"tickflow/internal/symbols"
	"tickflow/models"
)

const defaultDepth = 100

// Adapter streams futures trades and order book deltas from Binance and
// fetches resync snapshots over REST.
type Adapter struct {
	cfg     config.ExchangeConfig
	client  *futures.Client
	limiter *rate.Limiter
	subID   int64
}

func NewAdapter(cfg config.ExchangeConfig) *Adapter {
	client := futures.NewClient("", "")
	if parsed, err := url.Parse(cfg.RestURL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

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
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (a *Adapter) Exchange() string { return "binance" }

func (a *Adapter) Dial(ctx context.Context) (feed.Conn, error) {
	return feed.DialWebsocket(ctx, a.cfg.WsURL)
}

// subscribeRequest mirrors the Binance websocket API method envelope.
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (a *Adapter) SubscribePayloads(syms []string) ([][]byte, error) {
	return a.methodPayload("SUBSCRIBE", syms)
}

func (a *Adapter) UnsubscribePayloads(syms []string) ([][]byte, error) {
	return a.methodPayload("UNSUBSCRIBE", syms)
}

func (a *Adapter) methodPayload(method string, syms []string) ([][]byte, error) {
	if len(syms) == 0 {
		return nil, nil
	}
	params := make([]string, 0, 2*len(syms))
	for _, s := range syms {
		stream := strings.ToLower(s)
		params = append(params, stream+"@depth@100ms", stream+"@aggTrade")
	}
	payload, err := json.Marshal(subscribeRequest{
		Method: method,
		Params: params,
		ID:     atomic.AddInt64(&a.subID, 1),
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{payload}, nil
}

// depthEvent mirrors Binance's diff depth websocket event.
type depthEvent struct {
	Event     string     `json:"e"`
	Time      int64      `json:"E"`
	Symbol    string     `json:"s"`
	FirstID   int64      `json:"U"`
	LastID    int64      `json:"u"`
	PrevLast  int64      `json:"pu"`
	BidDeltas [][]string `json:"b"`
	AskDeltas [][]string `json:"a"`
}

// aggTradeEvent mirrors Binance's aggregated trade websocket event.
type aggTradeEvent struct {
	Event    string `json:"e"`
	Time     int64  `json:"E"`
	Symbol   string `json:"s"`
	TradeID  int64  `json:"a"`
	Price    string `json:"p"`
	Quantity string `json:"q"`
	Maker    bool   `json:"m"`
	TradeTs  int64  `json:"T"`
}

type frameProbe struct {
	Event  string          `json:"e"`
	Result json.RawMessage `json:"result"`
	ID     int64           `json:"id"`
}

func (a *Adapter) Decode(raw models.RawMessage) ([]models.Event, error) {
	var probe frameProbe
	if err := json.Unmarshal(raw.Data, &probe); err != nil {
		return nil, fmt.Errorf("malformed binance frame: %w", err)
	}

	switch probe.Event {
	case "depthUpdate":
		return a.decodeDepth(raw)
	case "aggTrade":
		return a.decodeTrade(raw)
	case "":
		// Subscription acks and server pings carry no event type; they only
		// refresh liveness.
		return []models.Event{models.Heartbeat{Exchange: "binance", EventTime: raw.Timestamp}}, nil
	default:
		return nil, fmt.Errorf("unexpected binance event type %q", probe.Event)
	}
}

func (a *Adapter) decodeDepth(raw models.RawMessage) ([]models.Event, error) {
	var evt depthEvent
	if err := json.Unmarshal(raw.Data, &evt); err != nil {
		return nil, fmt.Errorf("malformed depth event: %w", err)
	}
	if evt.Symbol == "" {
		return nil, fmt.Errorf("depth event missing symbol")
	}

	changes := make([]models.LevelChange, 0, len(evt.BidDeltas)+len(evt.AskDeltas))
	var err error
	if changes, err = appendChanges(changes, models.SideBid, evt.BidDeltas); err != nil {
		return nil, err
	}
	if changes, err = appendChanges(changes, models.SideAsk, evt.AskDeltas); err != nil {
		return nil, err
	}

	delta := models.BookDelta{
		Exchange:     "binance",
		Symbol:       symbols.Canonical("binance", evt.Symbol),
		Sequence:     evt.LastID,
		Changes:      changes,
		EventTime:    time.UnixMilli(evt.Time),
		ReceivedTime: raw.Timestamp,
	}
	return []models.Event{delta}, nil
}

func (a *Adapter) decodeTrade(raw models.RawMessage) ([]models.Event, error) {
	var evt aggTradeEvent
	if err := json.Unmarshal(raw.Data, &evt); err != nil {
		return nil, fmt.Errorf("malformed aggTrade event: %w", err)
	}
	price, err := decimal.NewFromString(evt.Price)
	if err != nil {
		return nil, fmt.Errorf("invalid trade price %q: %w", evt.Price, err)
	}
	qty, err := decimal.NewFromString(evt.Quantity)
	if err != nil {
		return nil, fmt.Errorf("invalid trade quantity %q: %w", evt.Quantity, err)
	}

	// Buyer-is-maker means the aggressor sold.
	side := models.SideBuy
	if evt.Maker {
		side = models.SideSell
	}

	trade := models.Trade{
		Exchange:     "binance",
		Symbol:       symbols.Canonical("binance", evt.Symbol),
		TradeID:      fmt.Sprintf("%d", evt.TradeID),
		Price:        price,
		Quantity:     qty,
		Side:         side,
		IsMaker:      evt.Maker,
		EventTime:    time.UnixMilli(evt.TradeTs),
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

// Snapshot fetches a full depth snapshot over REST, rate limited to stay
// inside the exchange request weight budget.
func (a *Adapter) Snapshot(ctx context.Context, symbol string) (*models.BookSnapshot, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	depth := a.cfg.Depth
	if depth <= 0 {
		depth = defaultDepth
	}

	res, err := a.client.NewDepthService().Symbol(symbol).Limit(depth).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch binance depth: %w", err)
	}

	snap := &models.BookSnapshot{
		Exchange:  "binance",
		Symbol:    symbols.Canonical("binance", symbol),
		Sequence:  res.LastUpdateID,
		Bids:      make([]models.PriceLevel, 0, len(res.Bids)),
		Asks:      make([]models.PriceLevel, 0, len(res.Asks)),
		EventTime: time.Now(),
	}
	for _, b := range res.Bids {
		price, err := decimal.NewFromString(b.Price)
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(b.Quantity)
		if err != nil || qty.IsZero() {
			continue
		}
		snap.Bids = append(snap.Bids, models.PriceLevel{Price: price, Quantity: qty})
	}
	for _, a := range res.Asks {
		price, err := decimal.NewFromString(a.Price)
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(a.Quantity)
		if err != nil || qty.IsZero() {
			continue
		}
		snap.Asks = append(snap.Asks, models.PriceLevel{Price: price, Quantity: qty})
	}
	return snap, nil
}
