// Package replay streams the retained history of a topic onto the internal
// replay topic, from where it re-enters the regular hook pipeline.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nodefluent/zamza/internal/metrics"
	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/store"
)

var (
	ErrConflict      = errors.New("replay already active")
	ErrNotRunning    = errors.New("no replay running on this instance")
	ErrTopicMismatch = errors.New("instance replays a different topic")
)

const groupPrefix = "zamza-internal-mirror-"

// Mirror is a consumer attached to one topic from its earliest offset.
type Mirror interface {
	Subscribe(topics []string) error
	Start(ctx context.Context, h func(ctx context.Context, msg *model.Message) error)
	Close() error
}

// MirrorFactory creates a mirror consuming with the given group id.
type MirrorFactory func(groupID string) (Mirror, error)

type Producer interface {
	Produce(ctx context.Context, topic string, partition *int32, key, value []byte) (*model.Delivery, error)
}

type Current struct {
	InstanceID string             `json:"instanceId"`
	Replay     *model.ReplayState `json:"replay"`
}

type Handler struct {
	instanceID string
	replays    store.ReplayStore
	producer   Producer
	newMirror  MirrorFactory
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	mirror Mirror
	topic  string
	group  string
}

func NewHandler(instanceID string, replays store.ReplayStore, producer Producer, newMirror MirrorFactory,
	m *metrics.Metrics, logger *slog.Logger) *Handler {
	logger = logger.With("component", "replay", "instance_id", instanceID)
	logger.Info("replay handler ready")
	return &Handler{
		instanceID: instanceID,
		replays:    replays,
		producer:   producer,
		newMirror:  newMirror,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

func (h *Handler) InstanceID() string {
	return h.instanceID
}

func (h *Handler) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mirror != nil
}

func (h *Handler) DealsWithTopic(topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mirror != nil && h.topic == topic
}

// IsBeingReplayed reports whether any instance has persisted a replay of topic.
func (h *Handler) IsBeingReplayed(ctx context.Context, topic string) (bool, error) {
	state, err := h.replays.Get(ctx, topic)
	if err != nil {
		return false, fmt.Errorf("get replay %s: %w", topic, err)
	}
	return state != nil, nil
}

// Start begins mirroring topic. An empty group generates one.
func (h *Handler) Start(ctx context.Context, topic, group string) (*model.ReplayState, error) {
	if model.IsReservedTopic(topic) {
		return nil, model.ErrReservedTopic
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mirror != nil {
		return nil, fmt.Errorf("%w: this instance replays %s", ErrConflict, h.topic)
	}
	existing, err := h.replays.Get(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("get replay %s: %w", topic, err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s is replayed by instance %s", ErrConflict, topic, existing.InstanceID)
	}

	if group == "" {
		group = groupPrefix + uuid.NewString()
	}
	state := model.ReplayState{
		Topic:         topic,
		ConsumerGroup: group,
		InstanceID:    h.instanceID,
		Timestamp:     h.now().UnixMilli(),
	}
	created, err := h.replays.Create(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("persist replay %s: %w", topic, err)
	}
	if !created {
		return nil, fmt.Errorf("%w: %s was claimed by another instance", ErrConflict, topic)
	}

	mirror, err := h.newMirror(group)
	if err == nil {
		err = mirror.Subscribe([]string{topic})
		if err != nil {
			_ = mirror.Close()
		}
	}
	if err != nil {
		if derr := h.replays.Delete(ctx, topic); derr != nil {
			h.logger.Error("remove replay state after failed start", "topic", topic, "error", derr)
		}
		return nil, fmt.Errorf("start mirror for %s: %w", topic, err)
	}
	mirror.Start(context.Background(), h.mirrorMessage)

	h.mirror, h.topic, h.group = mirror, topic, group
	h.metrics.Set("replay_running", 1)
	h.logger.Info("replay started", "topic", topic, "group_id", group)
	return &state, nil
}

// mirrorMessage republishes msg on the replay topic. It never stores or
// dispatches the message itself.
func (h *Handler) mirrorMessage(ctx context.Context, msg *model.Message) error {
	value, err := json.Marshal(model.ReplayMessagePayload{Message: *msg})
	if err != nil {
		return fmt.Errorf("marshal replay payload: %w", err)
	}
	if _, err := h.producer.Produce(ctx, model.ReplayTopic, nil, nil, value); err != nil {
		return fmt.Errorf("produce replay payload: %w", err)
	}
	h.metrics.Inc("mirrored_messages")
	return nil
}

// Stop ends the local replay. A non-empty topic must match the replayed one.
func (h *Handler) Stop(ctx context.Context, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mirror == nil {
		return ErrNotRunning
	}
	if topic != "" && topic != h.topic {
		return fmt.Errorf("%w: %s", ErrTopicMismatch, h.topic)
	}
	current := h.topic
	h.closeMirror()
	if err := h.replays.Delete(ctx, current); err != nil {
		return fmt.Errorf("delete replay %s: %w", current, err)
	}
	h.logger.Info("replay stopped", "topic", current)
	return nil
}

// Current reconciles local and persisted state, then returns this instance's replay.
func (h *Handler) Current(ctx context.Context) (*Current, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	persisted, err := h.replays.GetForInstance(ctx, h.instanceID)
	if err != nil {
		return nil, fmt.Errorf("get replay for instance: %w", err)
	}

	switch {
	case persisted != nil && h.mirror == nil:
		h.logger.Warn("removing stale replay state", "topic", persisted.Topic)
		if err := h.replays.Delete(ctx, persisted.Topic); err != nil {
			return nil, fmt.Errorf("delete stale replay %s: %w", persisted.Topic, err)
		}
		persisted = nil
	case persisted == nil && h.mirror != nil:
		h.logger.Warn("re-persisting missing replay state", "topic", h.topic)
		state := model.ReplayState{
			Topic:         h.topic,
			ConsumerGroup: h.group,
			InstanceID:    h.instanceID,
			Timestamp:     h.now().UnixMilli(),
		}
		if err := h.replays.Upsert(ctx, state); err != nil {
			return nil, fmt.Errorf("persist replay %s: %w", h.topic, err)
		}
		persisted = &state
	}

	return &Current{InstanceID: h.instanceID, Replay: persisted}, nil
}

func (h *Handler) List(ctx context.Context) ([]model.ReplayState, error) {
	states, err := h.replays.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list replays: %w", err)
	}
	return states, nil
}

// FlushOne stops any local mirror and removes every state row of this instance.
func (h *Handler) FlushOne(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flushOne(ctx)
}

func (h *Handler) flushOne(ctx context.Context) error {
	if h.topic != "" {
		if err := h.replays.Delete(ctx, h.topic); err != nil {
			return fmt.Errorf("delete replay %s: %w", h.topic, err)
		}
	}
	if err := h.replays.DeleteForInstance(ctx, h.instanceID); err != nil {
		return fmt.Errorf("delete replays for instance: %w", err)
	}
	h.closeMirror()
	h.logger.Info("flushed replay state of instance")
	return nil
}

// FlushAll additionally truncates the replay state of every instance.
func (h *Handler) FlushAll(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.flushOne(ctx); err != nil {
		return err
	}
	if err := h.replays.Truncate(ctx); err != nil {
		return fmt.Errorf("truncate replays: %w", err)
	}
	h.logger.Warn("flushed replay state of all instances")
	return nil
}

// Close stops a running mirror and removes the state of this instance, so a
// graceful shutdown leaves nothing that would block a later replay.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mirror == nil {
		return nil
	}
	h.closeMirror()
	if err := h.replays.DeleteForInstance(ctx, h.instanceID); err != nil {
		return fmt.Errorf("delete replays for instance: %w", err)
	}
	return nil
}

func (h *Handler) closeMirror() {
	if h.mirror == nil {
		return
	}
	if err := h.mirror.Close(); err != nil {
		h.logger.Error("close mirror consumer", "topic", h.topic, "error", err)
	}
	h.mirror, h.topic, h.group = nil, "", ""
	h.metrics.Set("replay_running", 0)
}
