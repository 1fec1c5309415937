package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/nodefluent/zamza/internal/model"
)

const flushTimeoutMs = 5000

type Producer struct {
	producer *kafka.Producer
	logger   *slog.Logger
	done     chan struct{}
}

func NewProducer(cfg Config, logger *slog.Logger) (*Producer, error) {
	config := cfg.configMap()
	_ = config.SetKey("acks", "all")
	_ = config.SetKey("compression.codec", "snappy")

	producer, err := kafka.NewProducer(config)
	if err != nil {
		return nil, fmt.Errorf("create producer: %w", err)
	}

	p := &Producer{producer: producer, logger: logger, done: make(chan struct{})}
	go p.events()

	logger.Info("kafka producer created", "bootstrap_servers", cfg.BootstrapServers)
	return p, nil
}

// events drains reports of messages produced without a delivery channel.
func (p *Producer) events() {
	defer close(p.done)
	for e := range p.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.Error("delivery failed", "error", ev.TopicPartition.Error)
			}
		case kafka.Error:
			p.logger.Error("producer error", "code", ev.Code().String(), "error", ev)
		}
	}
}

// Produce sends value and waits for the delivery report. A nil partition lets
// the partitioner decide.
func (p *Producer) Produce(ctx context.Context, topic string, partition *int32, key, value []byte) (*model.Delivery, error) {
	tp := kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny}
	if partition != nil {
		tp.Partition = *partition
	}

	deliveryChan := make(chan kafka.Event, 1)
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: tp,
		Key:            key,
		Value:          value,
	}, deliveryChan)
	if err != nil {
		return nil, fmt.Errorf("produce to %s: %w", topic, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return nil, fmt.Errorf("produce to %s: unexpected event %v", topic, e)
		}
		if m.TopicPartition.Error != nil {
			return nil, fmt.Errorf("deliver to %s: %w", topic, m.TopicPartition.Error)
		}
		return &model.Delivery{
			Topic:     topic,
			Partition: m.TopicPartition.Partition,
			Offset:    int64(m.TopicPartition.Offset),
		}, nil
	}
}

func (p *Producer) Close() {
	if remaining := p.producer.Flush(flushTimeoutMs); remaining > 0 {
		p.logger.Warn("producer closed with undelivered messages", "count", remaining)
	}
	p.producer.Close()
	<-p.done
	p.logger.Info("kafka producer closed")
}
