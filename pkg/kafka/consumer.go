// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises events as JSON, while the
// consumer hands each message, with its headers, to a MessageHandler and
// commits it only after the handler succeeds.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/document-ingestion/pkg/config"
)

// Message is a consumed Kafka record.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// MessageHandler processes one message. Returning nil commits it. An error
// leaves it uncommitted; the consumer retries it in place until the handler
// succeeds or ctx is cancelled.
type MessageHandler func(ctx context.Context, msg Message) error

// Consumer reads messages from one or more topics as part of a consumer
// group and dispatches them to a MessageHandler.
type Consumer struct {
	reader       *kafka.Reader
	logger       *slog.Logger
	handler      MessageHandler
	retryBackoff time.Duration
}

// NewConsumer creates a group Consumer for topics and handler.
func NewConsumer(cfg config.KafkaConfig, topics []string, handler MessageHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupTopics:    topics,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})

	return &Consumer{
		reader:       r,
		logger:       slog.Default().With("component", "kafka-consumer", "topics", topics, "group", cfg.ConsumerGroup),
		handler:      handler,
		retryBackoff: time.Second,
	}
}

// Start enters the consume loop, fetching and processing messages until ctx
// is cancelled. A message whose handler fails is retried before the next
// one is fetched, so offsets are never committed past an unprocessed job.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.reader.Close()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", "reason", ctx.Err())
			return nil
		default:
		}

		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}
		msg := fromKafka(km)
		c.logger.Debug("message received",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"value_size", len(msg.Value),
		)
		if !c.handle(ctx, msg) {
			return nil
		}
		// Commit on a context that outlives shutdown so a finished job is
		// not redelivered just because the signal arrived first.
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := c.reader.CommitMessages(commitCtx, km); err != nil {
			c.logger.Error("failed to commit message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
		cancel()
	}
}

// handle runs the handler until it succeeds. It returns false when ctx is
// cancelled before that happens.
func (c *Consumer) handle(ctx context.Context, msg Message) bool {
	for {
		err := c.handler(ctx, msg)
		if err == nil {
			return true
		}
		c.logger.Error("failed to process message",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.retryBackoff):
		}
	}
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func fromKafka(km kafka.Message) Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Key:       km.Key,
		Value:     km.Value,
		Headers:   headers,
		Time:      km.Time,
	}
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
