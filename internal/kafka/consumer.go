package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/nodefluent/zamza/internal/model"
)

const (
	pollTimeout   = 100 * time.Millisecond
	maxBackoff    = 30 * time.Second
	statsInterval = 45 * time.Second
)

// Handler processes one message. A non-nil error leaves the offset
// uncommitted and the message is retried with a growing back-off.
type Handler = func(ctx context.Context, msg *model.Message) error

// Consumer reads one message at a time and commits it only after its handler
// succeeded, so a slow handler throttles consumption.
type Consumer struct {
	name     string
	logger   *slog.Logger
	consumer *kafka.Consumer

	mu     sync.Mutex
	topics []string

	consumedLately int
	cancel         context.CancelFunc
	done           chan struct{}
}

func NewConsumer(cfg Config, name, groupID string, logger *slog.Logger) (*Consumer, error) {
	config := cfg.configMap()
	_ = config.SetKey("group.id", groupID)
	_ = config.SetKey("enable.auto.commit", false)
	_ = config.SetKey("auto.offset.reset", "earliest")

	consumer, err := kafka.NewConsumer(config)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	logger = logger.With("consumer", name, "group_id", groupID)
	logger.Info("kafka consumer created")
	return &Consumer{name: name, logger: logger, consumer: consumer}, nil
}

// Subscribe replaces the subscription. An empty list unsubscribes.
func (c *Consumer) Subscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.topics = append(c.topics[:0], topics...)
	if len(topics) == 0 {
		c.logger.Info("unsubscribing from all topics")
		return c.consumer.Unsubscribe()
	}
	c.logger.Info("adjusting topic subscription", "topics", len(topics))
	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		return fmt.Errorf("subscribe %v: %w", topics, err)
	}
	return nil
}

func (c *Consumer) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

// Start runs the consume loop in the background until Close.
func (c *Consumer) Start(ctx context.Context, h Handler) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		if err := c.Run(ctx, h); err != nil {
			c.logger.Error("consume loop stopped", "error", err)
		}
	}()
}

func (c *Consumer) Run(ctx context.Context, h Handler) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.consumedLately > 0 {
				c.logger.Debug("consumed messages lately", "count", c.consumedLately)
				c.consumedLately = 0
			}
		default:
		}

		c.mu.Lock()
		msg, err := c.consumer.ReadMessage(pollTimeout)
		c.mu.Unlock()
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) {
				if kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				if kerr.IsFatal() {
					return fmt.Errorf("fatal consumer error: %w", err)
				}
			}
			c.logger.Error("read error", "error", err)
			continue
		}

		c.consumedLately++
		if !c.process(ctx, h, toMessage(msg)) {
			return nil
		}

		c.mu.Lock()
		_, err = c.consumer.CommitMessage(msg)
		c.mu.Unlock()
		if err != nil {
			c.logger.Error("commit failed", "topic", *msg.TopicPartition.Topic,
				"partition", msg.TopicPartition.Partition, "offset", msg.TopicPartition.Offset, "error", err)
		}
	}
}

// process retries h until it succeeds; it reports false when ctx ended first.
func (c *Consumer) process(ctx context.Context, h Handler, msg *model.Message) bool {
	for attempt := 1; ; attempt++ {
		err := h(ctx, msg)
		if err == nil {
			return true
		}
		backoff := min(time.Duration(attempt)*time.Second, maxBackoff)
		c.logger.Warn("failed to process message", "attempt", attempt, "topic", msg.Topic,
			"partition", msg.Partition, "offset", msg.Offset, "retry_in", backoff, "error", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}
}

func (c *Consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("close consumer %s: %w", c.name, err)
	}
	c.logger.Info("kafka consumer closed")
	return nil
}
