package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/zhouzirui/tripmate/backend/internal/config"
	"github.com/zhouzirui/tripmate/backend/internal/model/event"
	"github.com/zhouzirui/tripmate/backend/pkg/logger"
)

// KafkaBridge 将本实例的事件写入 Kafka，并把其他实例的事件投递给本地 Hub。
type KafkaBridge struct {
	hub    *Hub
	writer *kafka.Writer
	reader *kafka.Reader
}

// NewKafkaBridge wires hub to the configured topic. Every instance uses its own
// consumer group so each one sees the full event stream.
func NewKafkaBridge(cfg config.KafkaConfig, hub *Hub) *KafkaBridge {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 20 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID + "-" + hub.Origin(),
		Topic:          cfg.Topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})
	return &KafkaBridge{hub: hub, writer: writer, reader: reader}
}

// Forward implements Forwarder. Events are keyed by topic so one topic keeps
// its order within a partition.
func (b *KafkaBridge) Forward(ctx context.Context, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Topic),
		Value: data,
		Time:  ev.At,
	})
}

// Run consumes until ctx is cancelled.
func (b *KafkaBridge) Run(ctx context.Context) error {
	cfg := b.reader.Config()
	logger.Info("kafka_bridge_started", "group", cfg.GroupID, "topic", cfg.Topic, "brokers", cfg.Brokers)

	for {
		m, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("kafka_bridge_stopped")
				return nil
			}
			logger.Warn("kafka_fetch_failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		b.handle(m.Value)

		if err := b.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Warn("kafka_commit_failed", "error", err)
		}
	}
}

func (b *KafkaBridge) handle(value []byte) {
	var ev event.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		logger.Warn("kafka_event_decode_failed", "error", err)
		return
	}
	// 本实例发布的事件已在本地投递过
	if ev.Origin == b.hub.Origin() {
		return
	}
	b.hub.Deliver(ev)
}

// Close flushes the writer and leaves the consumer group.
func (b *KafkaBridge) Close() error {
	werr := b.writer.Close()
	rerr := b.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
