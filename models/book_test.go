package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func lvl(price, qty string) PriceLevel {
	return PriceLevel{
		Price:    decimal.RequireFromString(price),
		Quantity: decimal.RequireFromString(qty),
	}
}

func TestBestBidAsk(t *testing.T) {
	book := &BookState{
		Bids: []PriceLevel{lvl("100.5", "1"), lvl("100.0", "2")},
		Asks: []PriceLevel{lvl("101.0", "3")},
	}

	bid, ok := book.BestBid()
	if !ok || bid.Price.String() != "100.5" {
		t.Errorf("unexpected best bid: %v %v", bid, ok)
	}
	ask, ok := book.BestAsk()
	if !ok || ask.Price.String() != "101" {
		t.Errorf("unexpected best ask: %v %v", ask, ok)
	}

	empty := &BookState{}
	if _, ok := empty.BestBid(); ok {
		t.Error("empty book should have no best bid")
	}
	if _, ok := empty.BestAsk(); ok {
		t.Error("empty book should have no best ask")
	}
}

func TestCrossed(t *testing.T) {
	healthy := &BookState{
		Bids: []PriceLevel{lvl("100", "1")},
		Asks: []PriceLevel{lvl("101", "1")},
	}
	if healthy.Crossed() {
		t.Error("bid below ask should not be crossed")
	}

	crossed := &BookState{
		Bids: []PriceLevel{lvl("102", "1")},
		Asks: []PriceLevel{lvl("101", "1")},
	}
	if !crossed.Crossed() {
		t.Error("bid above ask should be crossed")
	}

	touching := &BookState{
		Bids: []PriceLevel{lvl("101", "1")},
		Asks: []PriceLevel{lvl("101", "1")},
	}
	if !touching.Crossed() {
		t.Error("equal best prices should be crossed")
	}

	oneSided := &BookState{Bids: []PriceLevel{lvl("102", "1")}}
	if oneSided.Crossed() {
		t.Error("book with empty side is never crossed")
	}
}
