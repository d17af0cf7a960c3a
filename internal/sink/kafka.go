package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// KafkaSink publishes trade batches and book snapshots to Kafka. Messages are
// keyed by symbol so one symbol's stream stays ordered within a partition.
type KafkaSink struct {
	trades *kafka.Writer
	books  *kafka.Writer
	log    *logger.Entry
}

// tradeBatchMessage is the wire envelope for one delivered batch.
type tradeBatchMessage struct {
	BatchID     string         `json:"batch_id"`
	RecordCount int            `json:"record_count"`
	Trades      []models.Trade `json:"trades"`
}

func NewKafkaSink(cfg config.KafkaSinkConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	ks := &KafkaSink{
		trades: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.TradesTopic,
			Balancer: &kafka.LeastBytes{},
		},
		books: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.BooksTopic,
			Balancer: &kafka.LeastBytes{},
		},
		log: logger.GetLogger().WithComponent("kafka_sink"),
	}
	ks.log.WithFields(logger.Fields{
		"brokers":      cfg.Brokers,
		"trades_topic": cfg.TradesTopic,
		"books_topic":  cfg.BooksTopic,
	}).Debug("kafka sink initialized")
	return ks, nil
}

func (ks *KafkaSink) WriteTrades(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := tradeBatchMessage{
		BatchID:     uuid.New().String(),
		RecordCount: len(trades),
		Trades:      trades,
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal trade batch: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(trades[0].Symbol),
		Value: data,
	}
	if err := ks.trades.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write trade batch: %w", err)
	}
	ks.log.WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"records":  batch.RecordCount,
	}).Debug("trade batch written to kafka")
	return nil
}

func (ks *KafkaSink) WriteBookSnapshot(ctx context.Context, state *models.BookState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal book snapshot: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(state.Symbol),
		Value: data,
	}
	if err := ks.books.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write book snapshot: %w", err)
	}
	return nil
}

func (ks *KafkaSink) Close() error {
	terr := ks.trades.Close()
	berr := ks.books.Close()
	if terr != nil {
		return terr
	}
	return berr
}
