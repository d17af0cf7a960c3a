package sink

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// tradeRecord is the parquet row layout for normalized trades.
type tradeRecord struct {
	Exchange     string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID      string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Quantity     float64 `parquet:"name=quantity, type=DOUBLE"`
	IsMaker      bool    `parquet:"name=is_maker, type=BOOLEAN"`
	EventTime    int64   `parquet:"name=event_time, type=INT64"`
	ReceivedTime int64   `parquet:"name=received_time, type=INT64"`
}

// bookRecord is the parquet row layout for one order book level.
type bookRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence  int64   `parquet:"name=sequence, type=INT64"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
	Level     int32   `parquet:"name=level, type=INT32"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// S3Sink writes trade batches and book snapshots as parquet objects under
// hive-style partitioned keys.
type S3Sink struct {
	config config.S3SinkConfig
	client *s3.Client
	log    *logger.Entry
}

func NewS3Sink(cfg config.S3SinkConfig) (*S3Sink, error) {
	log := logger.GetLogger().WithComponent("s3_sink")
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 sink initialized")

	return &S3Sink{config: cfg, client: client, log: log}, nil
}

func (s *S3Sink) WriteTrades(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	first := trades[0]

	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(tradeRecord), 4)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = s.compression()

	for _, t := range trades {
		price, _ := t.Price.Float64()
		qty, _ := t.Quantity.Float64()
		rec := tradeRecord{
			Exchange:     t.Exchange,
			Symbol:       t.Symbol,
			TradeID:      t.TradeID,
			Side:         string(t.Side),
			Price:        price,
			Quantity:     qty,
			IsMaker:      t.IsMaker,
			EventTime:    t.EventTime.UnixMilli(),
			ReceivedTime: t.ReceivedTime.UnixMilli(),
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalize parquet file: %w", err)
	}

	key := s.objectKey("trades", first.Exchange, first.Symbol, time.Now().UTC())
	if err := s.upload(ctx, key, fw.Bytes()); err != nil {
		return err
	}

	s.log.WithFields(logger.Fields{
		"s3_key":    key,
		"records":   len(trades),
		"file_size": len(fw.Bytes()),
	}).Debug("trade batch uploaded")
	return nil
}

func (s *S3Sink) WriteBookSnapshot(ctx context.Context, state *models.BookState) error {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(bookRecord), 4)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = s.compression()

	ts := state.UpdatedAt.UnixMilli()
	writeSide := func(levels []models.PriceLevel, side string) error {
		for i, lvl := range levels {
			price, _ := lvl.Price.Float64()
			qty, _ := lvl.Quantity.Float64()
			rec := bookRecord{
				Exchange:  state.Exchange,
				Symbol:    state.Symbol,
				Sequence:  state.LastSequence,
				Side:      side,
				Price:     price,
				Quantity:  qty,
				Level:     int32(i + 1),
				Timestamp: ts,
			}
			if err := pw.Write(rec); err != nil {
				return err
			}
		}
		return nil
	}
	if err := writeSide(state.Bids, "bid"); err != nil {
		pw.WriteStop()
		return fmt.Errorf("write parquet record: %w", err)
	}
	if err := writeSide(state.Asks, "ask"); err != nil {
		pw.WriteStop()
		return fmt.Errorf("write parquet record: %w", err)
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finalize parquet file: %w", err)
	}

	key := s.objectKey("books", state.Exchange, state.Symbol, time.Now().UTC())
	return s.upload(ctx, key, fw.Bytes())
}

func (s *S3Sink) Close() error { return nil }

func (s *S3Sink) compression() parquet.CompressionCodec {
	switch s.config.Compression {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

// objectKey builds a hive-partitioned key like
// trades/exchange=binance/symbol=BTCUSDT/year=2026/.../binance_BTCUSDT_20260831120000.parquet.
func (s *S3Sink) objectKey(dataset, exchange, symbol string, ts time.Time) string {
	timePath := s.config.TimeFormat
	timePath = strings.ReplaceAll(timePath, "{year}", fmt.Sprintf("%04d", ts.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", ts.Month()))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", ts.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", ts.Hour()))

	filename := fmt.Sprintf("%s_%s_%s.parquet", exchange, symbol, ts.Format("20060102150405"))

	key := filepath.Join(
		dataset,
		fmt.Sprintf("exchange=%s", exchange),
		fmt.Sprintf("symbol=%s", symbol),
		timePath,
		filename,
	)
	return filepath.ToSlash(key)
}

func (s *S3Sink) upload(ctx context.Context, key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  s.config.Compression,
		},
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", s.config.Bucket, err)
	}
	return nil
}
