// Package feed defines the exchange-facing capability surface of the engine.
// One Adapter is implemented per exchange and composed into a generic
// reconnection supervisor and collector, replacing per-exchange reader
// hierarchies.
package feed

import (
	"context"

	"tickflow/models"
)

// Conn is one live streaming connection to an exchange endpoint. ReadMessage
// blocks until the next inbound frame arrives or the connection fails; Close
// unblocks any pending read.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Adapter binds exchange-specific framing to the canonical event contract.
// Decode owns all exchange message grammar; everything downstream of it is
// exchange-agnostic.
type Adapter interface {
	// Exchange returns the canonical lowercase exchange name.
	Exchange() string

	// Dial opens a fresh streaming connection.
	Dial(ctx context.Context) (Conn, error)

	// SubscribePayloads returns the outbound frames that subscribe the given
	// canonical symbols on a freshly dialed connection.
	SubscribePayloads(symbols []string) ([][]byte, error)

	// UnsubscribePayloads returns the outbound frames that remove the given
	// canonical symbols from an active connection.
	UnsubscribePayloads(symbols []string) ([][]byte, error)

	// Decode translates one raw inbound frame into canonical events.
	// A heartbeat-only frame decodes to a single Heartbeat event; a frame the
	// adapter cannot parse returns an error (protocol error, counted by the
	// caller).
	Decode(raw models.RawMessage) ([]models.Event, error)

	// Snapshot fetches a full order book snapshot for one symbol, used for
	// initial sync and resynchronization after a gap.
	Snapshot(ctx context.Context, symbol string) (*models.BookSnapshot, error)
}
