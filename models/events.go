package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies the aggressor side of a trade or the side of a book level.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideBid  Side = "bid"
	SideAsk  Side = "ask"
)

// Event is any decoded inbound feed event. Decoders produce events, the
// collector loop dispatches them by concrete type.
type Event interface {
	EventSymbol() string
}

// RawMessage wraps a raw inbound frame from any exchange before decoding.
type RawMessage struct {
	Exchange  string
	Data      []byte
	Timestamp time.Time
}

// Trade is a single executed trade, immutable once constructed.
type Trade struct {
	Exchange     string          `json:"exchange"`
	Symbol       string          `json:"symbol"`
	TradeID      string          `json:"trade_id"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Side         Side            `json:"side"`
	IsMaker      bool            `json:"is_maker"`
	EventTime    time.Time       `json:"event_time"`
	ReceivedTime time.Time       `json:"received_time"`
}

func (t Trade) EventSymbol() string { return t.Symbol }

// LevelChange is one price-level mutation inside a delta. Quantity zero
// removes the level.
type LevelChange struct {
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookDelta is an incremental order book update. Sequence numbers are
// strictly increasing per symbol; a gap forces a resync.
type BookDelta struct {
	Exchange     string        `json:"exchange"`
	Symbol       string        `json:"symbol"`
	Sequence     int64         `json:"sequence"`
	Changes      []LevelChange `json:"changes"`
	EventTime    time.Time     `json:"event_time"`
	ReceivedTime time.Time     `json:"received_time"`
}

func (d BookDelta) EventSymbol() string { return d.Symbol }

// BookSnapshot is a complete self-consistent book at a sequence number.
type BookSnapshot struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Sequence  int64        `json:"sequence"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	EventTime time.Time    `json:"event_time"`
}

func (s BookSnapshot) EventSymbol() string { return s.Symbol }

// Heartbeat keeps the connection liveness tracking fresh. Not persisted.
type Heartbeat struct {
	Exchange  string    `json:"exchange"`
	EventTime time.Time `json:"event_time"`
}

func (h Heartbeat) EventSymbol() string { return "" }
