// Package sink defines the downstream delivery interface and its
// implementations. The collector and batcher only see Sink; Kafka, S3 and
// fan-out composition are wiring decisions made in main.
package sink

import (
	"context"

	"tickflow/models"
)

// Sink receives normalized output. Implementations must be safe for
// concurrent use; WriteTrades receives whole batches and either persists all
// of them or returns an error so the caller can retry.
type Sink interface {
	WriteTrades(ctx context.Context, trades []models.Trade) error
	WriteBookSnapshot(ctx context.Context, state *models.BookState) error
	Close() error
}
