package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceLevel is one resting price level. A price maps to at most one
// quantity per side per symbol.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookState is an immutable point-in-time view of one symbol's order book.
// Bids are ordered descending by price, asks ascending. Instances published
// by the maintainer are never mutated afterwards; readers may hold them
// indefinitely.
type BookState struct {
	Exchange     string       `json:"exchange"`
	Symbol       string       `json:"symbol"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastSequence int64        `json:"last_sequence"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Version      uint64       `json:"version"`
}

// BestBid returns the highest bid, or false when the bid side is empty.
func (b *BookState) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, or false when the ask side is empty.
func (b *BookState) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Crossed reports whether the book is in the invalid best_bid >= best_ask
// state. Books with an empty side are never crossed.
func (b *BookState) Crossed() bool {
	bid, ok := b.BestBid()
	if !ok {
		return false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}
