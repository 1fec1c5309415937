package kafka

import (
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMessage(t *testing.T) {
	topic := "orders"
	ts := time.UnixMilli(1700000000000)
	m := toMessage(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 2, Offset: 17},
		Key:            []byte("42"),
		Value:          []byte(`{"qty":1}`),
		Timestamp:      ts,
		TimestampType:  kafka.TimestampCreateTime,
	})

	assert.Equal(t, "orders", m.Topic)
	assert.Equal(t, int32(2), m.Partition)
	assert.Equal(t, int64(17), m.Offset)
	assert.Equal(t, []byte("42"), m.Key)
	require.NotNil(t, m.Timestamp)
	assert.Equal(t, int64(1700000000000), *m.Timestamp)
}

func TestToMessageTombstoneWithoutTimestamp(t *testing.T) {
	topic := "orders"
	m := toMessage(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: 1},
		Key:            []byte("42"),
		TimestampType:  kafka.TimestampNotAvailable,
	})

	assert.True(t, m.IsTombstone())
	assert.Nil(t, m.Timestamp)
}

func TestConfigMapAddsSASLOnlyWithCredentials(t *testing.T) {
	plain := Config{BootstrapServers: "localhost:9092"}.configMap()
	_, err := plain.Get("security.protocol", nil)
	assert.NoError(t, err)
	v, _ := plain.Get("security.protocol", nil)
	assert.Nil(t, v)

	secure := Config{BootstrapServers: "b:9092", Username: "u", Password: "p", CALocation: "/ca.pem"}.configMap()
	v, err = secure.Get("security.protocol", nil)
	require.NoError(t, err)
	assert.Equal(t, "SASL_SSL", v)
	v, _ = secure.Get("ssl.ca.location", nil)
	assert.Equal(t, "/ca.pem", v)
}
