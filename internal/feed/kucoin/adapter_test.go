package kucoin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/models"
)

func testAdapter(restURL string) *Adapter {
	return NewAdapter(config.ExchangeConfig{
		WsURL:   "wss://ws-api-futures.kucoin.com",
		RestURL: restURL,
	})
}

func rawFrame(data string) models.RawMessage {
	return models.RawMessage{
		Exchange:  "kucoin",
		Data:      []byte(data),
		Timestamp: time.Now(),
	}
}

func TestDecodeLevel2(t *testing.T) {
	a := testAdapter("")
	frame := `{"type":"message","topic":"/contractMarket/level2:XBTUSDTM","subject":"level2",` +
		`"data":{"sequence":5001,"timestamp":1700000001000,` +
		`"changes":{"bids":[["42000.1","1.5"]],"asks":[["42000.5","0"]]}}}`

	events, err := a.Decode(rawFrame(frame))
	if err != nil {
		t.Fatalf("decode level2: %v", err)
	}
	delta, ok := events[0].(models.BookDelta)
	if !ok {
		t.Fatalf("expected BookDelta, got %T", events[0])
	}
	if delta.Exchange != "kucoin" || delta.Symbol != "BTCUSDT" {
		t.Errorf("symbol should canonicalize XBTUSDTM to BTCUSDT, got %s %s", delta.Exchange, delta.Symbol)
	}
	if delta.Sequence != 5001 {
		t.Errorf("expected sequence 5001, got %d", delta.Sequence)
	}
	if len(delta.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(delta.Changes))
	}
	if delta.Changes[0].Side != models.SideBid || delta.Changes[1].Side != models.SideAsk {
		t.Errorf("wrong sides: %s %s", delta.Changes[0].Side, delta.Changes[1].Side)
	}
	if !delta.Changes[1].Quantity.IsZero() {
		t.Errorf("zero-size row should decode as removal, got %s", delta.Changes[1].Quantity)
	}
	if !delta.EventTime.Equal(time.UnixMilli(1700000001000)) {
		t.Errorf("wrong event time: %v", delta.EventTime)
	}
}

func TestDecodeExecution(t *testing.T) {
	a := testAdapter("")
	frame := `{"type":"message","topic":"/contractMarket/execution:XBTUSDTM","subject":"match",` +
		`"data":{"symbol":"XBTUSDTM","sequence":7001,"tradeId":"6400a1","side":"sell",` +
		`"price":"42001.3","size":"2","ts":1700000002000000000}}`

	events, err := a.Decode(rawFrame(frame))
	if err != nil {
		t.Fatalf("decode execution: %v", err)
	}
	trade, ok := events[0].(models.Trade)
	if !ok {
		t.Fatalf("expected Trade, got %T", events[0])
	}
	if trade.Symbol != "BTCUSDT" || trade.TradeID != "6400a1" {
		t.Errorf("wrong identity: %s %s", trade.Symbol, trade.TradeID)
	}
	if trade.Side != models.SideSell {
		t.Errorf("expected sell side, got %s", trade.Side)
	}
	if trade.Price.String() != "42001.3" || trade.Quantity.String() != "2" {
		t.Errorf("wrong price/size: %s %s", trade.Price, trade.Quantity)
	}
	if !trade.EventTime.Equal(time.Unix(0, 1700000002000000000)) {
		t.Errorf("wrong event time: %v", trade.EventTime)
	}
}

func TestDecodeControlFrames(t *testing.T) {
	a := testAdapter("")
	for _, frame := range []string{
		`{"id":"1","type":"welcome"}`,
		`{"id":"2","type":"ack"}`,
		`{"id":"3","type":"pong"}`,
	} {
		events, err := a.Decode(rawFrame(frame))
		if err != nil {
			t.Fatalf("decode %s: %v", frame, err)
		}
		if _, ok := events[0].(models.Heartbeat); !ok {
			t.Errorf("expected Heartbeat for %s, got %T", frame, events[0])
		}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	a := testAdapter("")
	if _, err := a.Decode(rawFrame(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := a.Decode(rawFrame(`{"type":"error","data":{}}`)); err == nil {
		t.Error("expected error for error frame type")
	}
	if _, err := a.Decode(rawFrame(`{"type":"message","topic":"/x:S","subject":"ticker","data":{}}`)); err == nil {
		t.Error("expected error for unknown subject")
	}
	if _, err := a.Decode(rawFrame(`{"type":"message","topic":"nocolon","subject":"level2","data":{}}`)); err == nil {
		t.Error("expected error for topic without symbol")
	}
	if _, err := a.Decode(rawFrame(`{"type":"message","topic":"/contractMarket/execution:XBTUSDTM",` +
		`"subject":"match","data":{"price":"x","size":"1"}}`)); err == nil {
		t.Error("expected error for unparsable price")
	}
}

func TestCommandPayloads(t *testing.T) {
	a := testAdapter("")
	payloads, err := a.SubscribePayloads([]string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("subscribe payloads: %v", err)
	}
	if len(payloads) != 2 {
		t.Fatalf("expected level2+execution payloads, got %d", len(payloads))
	}

	topics := make(map[string]bool)
	for _, p := range payloads {
		var cmd wsCommand
		if err := json.Unmarshal(p, &cmd); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if cmd.Type != "subscribe" || !cmd.Response {
			t.Errorf("unexpected command: %+v", cmd)
		}
		topics[cmd.Topic] = true
	}
	if !topics["/contractMarket/level2:XBTUSDTM"] || !topics["/contractMarket/execution:XBTUSDTM"] {
		t.Errorf("missing expected topics: %v", topics)
	}
}

func TestSnapshotRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "XBTUSDTM" {
			t.Errorf("expected native symbol XBTUSDTM, got %s", got)
		}
		w.Write([]byte(`{"code":"200000","data":{"symbol":"XBTUSDTM","sequence":9000,` +
			`"bids":[["42000.0","3"],["41999.5","0"]],"asks":[["42000.5","1"]]}}`))
	}))
	defer srv.Close()

	a := testAdapter(srv.URL)
	snap, err := a.Snapshot(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Symbol != "BTCUSDT" || snap.Sequence != 9000 {
		t.Errorf("wrong snapshot identity: %s seq=%d", snap.Symbol, snap.Sequence)
	}
	if len(snap.Bids) != 1 {
		t.Errorf("zero-quantity bid should be dropped, got %d bids", len(snap.Bids))
	}
	if len(snap.Asks) != 1 {
		t.Errorf("expected 1 ask, got %d", len(snap.Asks))
	}
}

func TestSnapshotErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"404000","data":{}}`))
	}))
	defer srv.Close()

	a := testAdapter(srv.URL)
	if _, err := a.Snapshot(context.Background(), "BTCUSDT"); err == nil {
		t.Error("expected error for non-success code")
	}
}
