package sink

import (
	"context"

	"tickflow/logger"
	"tickflow/models"
)

// LogSink is the development fallback when no external sink is enabled:
// deliveries are logged and discarded.
type LogSink struct {
	log *logger.Entry
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger().WithComponent("log_sink")}
}

func (l *LogSink) WriteTrades(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	l.log.WithFields(logger.Fields{
		"records":  len(trades),
		"exchange": trades[0].Exchange,
		"symbol":   trades[0].Symbol,
	}).Debug("trade batch discarded")
	return nil
}

func (l *LogSink) WriteBookSnapshot(ctx context.Context, state *models.BookState) error {
	l.log.WithFields(logger.Fields{
		"exchange": state.Exchange,
		"symbol":   state.Symbol,
		"sequence": state.LastSequence,
		"bids":     len(state.Bids),
		"asks":     len(state.Asks),
	}).Debug("book snapshot discarded")
	return nil
}

func (l *LogSink) Close() error { return nil }
