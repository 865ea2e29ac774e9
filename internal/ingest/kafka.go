// Package ingest feeds samples from external streams into the engine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	kafka "github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-vitals/internal/api"
	"github.com/miradorstack/mirador-vitals/internal/config"
	"github.com/miradorstack/mirador-vitals/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink accepts decoded samples; *engine.Engine satisfies it.
type Sink interface {
	Ingest(models.Sample) (models.IngestOutcome, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Config() kafka.ReaderConfig
	Close() error
}

// KafkaIngester consumes JSON samples from a topic. A message may carry one
// sample, an array, or {"samples": [...]}; a sample without a metric takes the
// message key.
type KafkaIngester struct {
	reader messageReader
	sink   Sink
	logger *slog.Logger

	messages atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64
}

// NewKafkaIngester builds a consumer-group reader from cfg.
func NewKafkaIngester(cfg config.KafkaConfig, sink Sink, logger *slog.Logger) (*KafkaIngester, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka ingest needs brokers and a topic")
	}
	if sink == nil {
		return nil, errors.New("kafka ingest needs a sink")
	}
	if logger == nil {
		logger = slog.Default()
	}
	readerCfg := kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	}
	if cfg.MinBytes > 0 {
		readerCfg.MinBytes = cfg.MinBytes
	}
	if cfg.MaxBytes > 0 {
		readerCfg.MaxBytes = cfg.MaxBytes
	}
	reader := kafka.NewReader(readerCfg)
	if reader == nil {
		return nil, errors.New("failed to create kafka reader")
	}
	return &KafkaIngester{reader: reader, sink: sink, logger: logger}, nil
}

// DecodeMessage extracts the samples carried by one message.
func DecodeMessage(m kafka.Message) ([]models.Sample, error) {
	var raw any
	if err := json.Unmarshal(m.Value, &raw); err != nil {
		return nil, fmt.Errorf("decode message at offset %d: %w", m.Offset, err)
	}
	if key := string(m.Key); key != "" {
		fillMetric(raw, key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return api.SamplesFromJSON(data)
}

func fillMetric(raw any, metric string) {
	switch v := raw.(type) {
	case map[string]any:
		if batch, ok := v["samples"].([]any); ok {
			fillMetric(batch, metric)
			return
		}
		if name, _ := v["metric"].(string); name == "" {
			v["metric"] = metric
		}
	case []any:
		for _, item := range v {
			fillMetric(item, metric)
		}
	}
}

// Run consumes until ctx is cancelled. Undecodable messages and rejected
// samples are logged and skipped.
func (k *KafkaIngester) Run(ctx context.Context) error {
	cfg := k.reader.Config()
	k.logger.Info("kafka ingest started", slog.String("topic", cfg.Topic), slog.String("group", cfg.GroupID))
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read kafka message: %w", err)
		}
		k.messages.Add(1)
		samples, err := DecodeMessage(m)
		if err != nil {
			k.rejected.Add(1)
			k.logger.Warn("kafka message skipped", slog.Int("partition", m.Partition), slog.Int64("offset", m.Offset), slog.Any("error", err))
			continue
		}
		for _, s := range samples {
			if _, err := k.sink.Ingest(s); err != nil {
				k.rejected.Add(1)
				k.logger.Debug("kafka sample rejected", slog.String("metric", s.Metric), slog.Int64("timestamp", s.Timestamp), slog.Any("error", err))
				continue
			}
			k.accepted.Add(1)
		}
	}
}

// Counts reports messages read and samples accepted or rejected.
func (k *KafkaIngester) Counts() (messages, accepted, rejected uint64) {
	return k.messages.Load(), k.accepted.Load(), k.rejected.Load()
}

// Close releases the reader and commits pending offsets.
func (k *KafkaIngester) Close() error {
	return k.reader.Close()
}
