package model

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/spaolacci/murmur3"
)

const (
	ReservedPrefix = "__zamza"
	RetryTopic     = "__zamza_retry_topic"
	ReplayTopic    = "__zamza_replay_topic"
)

var ErrReservedTopic = errors.New("topic name uses reserved prefix " + ReservedPrefix)

func IsReservedTopic(topic string) bool {
	return strings.HasPrefix(topic, ReservedPrefix)
}

// Origin tells which consumption loop a message arrived on.
type Origin int

const (
	OriginLive Origin = iota
	OriginRetry
	OriginReplay
)

func (o Origin) String() string {
	switch o {
	case OriginRetry:
		return "retry"
	case OriginReplay:
		return "replay"
	default:
		return "live"
	}
}

func OriginOf(topic string) Origin {
	switch topic {
	case RetryTopic:
		return OriginRetry
	case ReplayTopic:
		return OriginReplay
	default:
		return OriginLive
	}
}

// Message is a consumed or re-produced broker record. A nil Key or Value is a
// null on the wire; Partition < 0 means the partition is unknown.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp *int64
}

// EncodingBase64 marks a key or value that is not valid UTF-8 and was sent
// base64 encoded instead of as a plain string.
const EncodingBase64 = "base64"

type wireMessage struct {
	Topic         string  `json:"topic"`
	Partition     *int32  `json:"partition"`
	Offset        int64   `json:"offset"`
	Key           *string `json:"key"`
	KeyEncoding   string  `json:"keyEncoding,omitempty"`
	Value         *string `json:"value"`
	ValueEncoding string  `json:"valueEncoding,omitempty"`
	Timestamp     *int64  `json:"timestamp"`
}

func encodeBytes(b []byte) (*string, string) {
	if b == nil {
		return nil, ""
	}
	if utf8.Valid(b) {
		s := string(b)
		return &s, ""
	}
	s := base64.StdEncoding.EncodeToString(b)
	return &s, EncodingBase64
}

func decodeBytes(s *string, encoding string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	switch encoding {
	case "":
		return []byte(*s), nil
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(*s)
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Topic:     m.Topic,
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
	}
	if m.Partition >= 0 {
		p := m.Partition
		w.Partition = &p
	}
	w.Key, w.KeyEncoding = encodeBytes(m.Key)
	w.Value, w.ValueEncoding = encodeBytes(m.Value)
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	key, err := decodeBytes(w.Key, w.KeyEncoding)
	if err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	value, err := decodeBytes(w.Value, w.ValueEncoding)
	if err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	*m = Message{
		Topic:     w.Topic,
		Partition: -1,
		Offset:    w.Offset,
		Key:       key,
		Value:     value,
		Timestamp: w.Timestamp,
	}
	if w.Partition != nil {
		m.Partition = *w.Partition
	}
	return nil
}

func (m Message) IsTombstone() bool {
	return m.Value == nil
}

// HashKey returns the murmur3 (seed 0) hash of key, or nil for a null key.
func HashKey(key []byte) *int64 {
	if key == nil {
		return nil
	}
	h := int64(murmur3.Sum32(key))
	return &h
}

type CleanupPolicy string

const (
	PolicyNone             CleanupPolicy = "none"
	PolicyCompact          CleanupPolicy = "compact"
	PolicyDelete           CleanupPolicy = "delete"
	PolicyCompactAndDelete CleanupPolicy = "compact_and_delete"
)

func (p CleanupPolicy) Valid() bool {
	switch p {
	case PolicyNone, PolicyCompact, PolicyDelete, PolicyCompactAndDelete:
		return true
	}
	return false
}

func (p CleanupPolicy) Compacts() bool {
	return p == PolicyCompact || p == PolicyCompactAndDelete
}

func (p CleanupPolicy) Expires() bool {
	return p == PolicyDelete || p == PolicyCompactAndDelete
}

type TopicConfig struct {
	Topic         string        `json:"topic" yaml:"topic" validate:"required"`
	CleanupPolicy CleanupPolicy `json:"cleanupPolicy" yaml:"cleanupPolicy" validate:"required,oneof=none compact delete compact_and_delete"`
	RetentionMs   int64         `json:"retentionMs" yaml:"retentionMs" validate:"min=0"`
	Queryable     bool          `json:"queryable" yaml:"queryable"`
	Timestamp     int64         `json:"timestamp" yaml:"-"`
}

func (c TopicConfig) Validate() error {
	if c.Topic == "" {
		return errors.New("topic is required")
	}
	if IsReservedTopic(c.Topic) {
		return ErrReservedTopic
	}
	if !c.CleanupPolicy.Valid() {
		return fmt.Errorf("unknown cleanup policy %q", c.CleanupPolicy)
	}
	if c.CleanupPolicy.Expires() && c.RetentionMs <= 0 {
		return fmt.Errorf("cleanup policy %s requires retentionMs > 0", c.CleanupPolicy)
	}
	if !c.CleanupPolicy.Expires() && c.RetentionMs != 0 {
		return fmt.Errorf("cleanup policy %s does not take a retentionMs", c.CleanupPolicy)
	}
	return nil
}

// KeyIndex is one stored record of a topic. Exactly one of Value and
// ValueJSON is set for non-tombstone records.
type KeyIndex struct {
	HashedKey  *int64          `json:"key"`
	Partition  int32           `json:"partition"`
	Offset     int64           `json:"offset"`
	Timestamp  *int64          `json:"timestamp"`
	KeyRaw     []byte          `json:"keyValue"`
	Value      []byte          `json:"value,omitempty"`
	ValueJSON  json.RawMessage `json:"valueJson,omitempty"`
	DeleteAt   *int64          `json:"deleteAt"`
	FromStream bool            `json:"fromStream"`
	StoredAt   int64           `json:"storedAt"`
}

type Subscription struct {
	Topic        string `json:"topic" yaml:"topic" validate:"required"`
	IgnoreReplay bool   `json:"ignoreReplay" yaml:"ignoreReplay"`
	Disabled     bool   `json:"disabled" yaml:"disabled"`
}

type Hook struct {
	ID                  string         `json:"_id" yaml:"id"`
	Name                string         `json:"name" yaml:"name" validate:"required"`
	Endpoint            string         `json:"endpoint" yaml:"endpoint" validate:"required,url"`
	AuthorizationHeader string         `json:"authorizationHeader,omitempty" yaml:"authorizationHeader"`
	AuthorizationValue  string         `json:"authorizationValue,omitempty" yaml:"authorizationValue"`
	Disabled            bool           `json:"disabled" yaml:"disabled"`
	Subscriptions       []Subscription `json:"subscriptions" yaml:"subscriptions" validate:"dive"`
	Timestamp           int64          `json:"timestamp" yaml:"-"`
}

// HookView is a hook flattened to a single subscription.
type HookView struct {
	ID                  string
	Name                string
	Endpoint            string
	AuthorizationHeader string
	AuthorizationValue  string
	IgnoreReplay        bool
}

func (h Hook) View(sub Subscription) HookView {
	return HookView{
		ID:                  h.ID,
		Name:                h.Name,
		Endpoint:            h.Endpoint,
		AuthorizationHeader: h.AuthorizationHeader,
		AuthorizationValue:  h.AuthorizationValue,
		IgnoreReplay:        sub.IgnoreReplay,
	}
}

type RetryMessagePayload struct {
	Message    Message `json:"message"`
	HookID     string  `json:"hookId"`
	RetryCount int     `json:"retryCount"`
	FromReplay bool    `json:"fromReplay,omitempty"`
}

type ReplayMessagePayload struct {
	Message Message `json:"message"`
}

type ReplayState struct {
	Topic         string `json:"topic"`
	ConsumerGroup string `json:"consumerGroup"`
	InstanceID    string `json:"instanceId"`
	Timestamp     int64  `json:"timestamp"`
}

type Lock struct {
	Name      string `json:"name"`
	HolderID  string `json:"instanceId"`
	ExpiresAt int64  `json:"timestamp"`
}

type PartitionMetadata struct {
	Partition      int32 `json:"partition"`
	MessageCount   int64 `json:"messageCount"`
	EarliestOffset int64 `json:"earliestOffset"`
	LatestOffset   int64 `json:"latestOffset"`
}

type TopicMetadata struct {
	Topic           string              `json:"topic"`
	MessageCount    int64               `json:"messageCount"`
	PartitionCount  int                 `json:"partitionCount"`
	EarliestOffset  int64               `json:"earliestOffset"`
	LatestOffset    int64               `json:"latestOffset"`
	EarliestMessage int64               `json:"earliestMessage"`
	LatestMessage   int64               `json:"latestMessage"`
	Partitions      []PartitionMetadata `json:"partitions"`
	Timestamp       int64               `json:"timestamp"`
}

type BrokerTopic struct {
	Name              string `json:"name"`
	PartitionCount    int    `json:"partition_count"`
	ReplicationFactor int    `json:"replication_factor"`
}

// Delivery is the broker's acknowledgement of a produced message.
type Delivery struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}
