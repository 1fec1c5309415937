package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/nodefluent/zamza/internal/model"
)

const metadataTimeoutMs = 10000

type Config struct {
	BootstrapServers string
	Username         string
	Password         string
	CALocation       string
}

func (cfg Config) configMap() *kafka.ConfigMap {
	config := &kafka.ConfigMap{
		"bootstrap.servers": cfg.BootstrapServers,
	}

	// Add security config only if SASL credentials provided
	if cfg.Username != "" && cfg.Password != "" {
		_ = config.SetKey("security.protocol", "SASL_SSL")
		_ = config.SetKey("sasl.mechanisms", "SCRAM-SHA-512")
		_ = config.SetKey("sasl.username", cfg.Username)
		_ = config.SetKey("sasl.password", cfg.Password)
		if cfg.CALocation != "" {
			_ = config.SetKey("ssl.ca.location", cfg.CALocation)
		}
	}
	return config
}

// Client wraps the admin API used for topic discovery and internal topic setup.
type Client struct {
	admin  *kafka.AdminClient
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	admin, err := kafka.NewAdminClient(cfg.configMap())
	if err != nil {
		return nil, fmt.Errorf("create admin client: %w", err)
	}

	logger.Info("kafka admin client created", "bootstrap_servers", cfg.BootstrapServers)
	return &Client{admin: admin, logger: logger}, nil
}

func (c *Client) Close() {
	c.admin.Close()
	c.logger.Info("kafka admin client closed")
}

// ListTopics returns broker topics, skipping '_' prefixed internal ones.
func (c *Client) ListTopics(_ context.Context) ([]model.BrokerTopic, error) {
	metadata, err := c.admin.GetMetadata(nil, true, metadataTimeoutMs)
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}

	topics := make([]model.BrokerTopic, 0, len(metadata.Topics))
	for name, t := range metadata.Topics {
		if len(name) > 0 && name[0] == '_' {
			continue
		}
		rf := 0
		if len(t.Partitions) > 0 {
			rf = len(t.Partitions[0].Replicas)
		}
		topics = append(topics, model.BrokerTopic{
			Name:              name,
			PartitionCount:    len(t.Partitions),
			ReplicationFactor: rf,
		})
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Name < topics[j].Name })
	return topics, nil
}

func (c *Client) TopicMetadata(_ context.Context, name string) (*model.BrokerTopic, error) {
	metadata, err := c.admin.GetMetadata(&name, false, metadataTimeoutMs)
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}

	t, exists := metadata.Topics[name]
	if !exists || t.Error.Code() == kafka.ErrUnknownTopicOrPart {
		return nil, fmt.Errorf("topic %s not found", name)
	}
	rf := 0
	if len(t.Partitions) > 0 {
		rf = len(t.Partitions[0].Replicas)
	}
	return &model.BrokerTopic{Name: name, PartitionCount: len(t.Partitions), ReplicationFactor: rf}, nil
}

// EnsureTopics creates the given topics, treating already existing ones as success.
func (c *Client) EnsureTopics(ctx context.Context, names []string, partitions, replicationFactor int) error {
	specs := make([]kafka.TopicSpecification, 0, len(names))
	for _, name := range names {
		specs = append(specs, kafka.TopicSpecification{
			Topic:             name,
			NumPartitions:     partitions,
			ReplicationFactor: replicationFactor,
		})
	}

	results, err := c.admin.CreateTopics(ctx, specs, kafka.SetAdminOperationTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}

	for _, result := range results {
		switch result.Error.Code() {
		case kafka.ErrNoError:
			c.logger.Info("topic created", "name", result.Topic, "partitions", partitions)
		case kafka.ErrTopicAlreadyExists:
		default:
			return fmt.Errorf("create topic %s: %s", result.Topic, result.Error.String())
		}
	}
	return nil
}

func toMessage(msg *kafka.Message) *model.Message {
	m := &model.Message{
		Partition: msg.TopicPartition.Partition,
		Offset:    int64(msg.TopicPartition.Offset),
		Key:       msg.Key,
		Value:     msg.Value,
	}
	if msg.TopicPartition.Topic != nil {
		m.Topic = *msg.TopicPartition.Topic
	}
	if msg.TimestampType != kafka.TimestampNotAvailable && !msg.Timestamp.IsZero() {
		ts := msg.Timestamp.UnixMilli()
		m.Timestamp = &ts
	}
	return m
}
