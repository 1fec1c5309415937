// Package ingest turns consumed messages into document-store mutations
// according to the cleanup policy of their topic, and hands them to the hook
// dealer when hooks are enabled.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nodefluent/zamza/internal/metrics"
	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/store"
)

// AgeMargin is how far past expiry a message must be before storing it is skipped.
const AgeMargin = 2 * time.Minute

var ErrHooksOnlyWithoutHooks = errors.New("hooks only mode requires hooks to be enabled")

type ConfigLookup interface {
	FindConfigForTopic(topic string) *model.TopicConfig
}

type HookDispatcher interface {
	HandleMessage(ctx context.Context, msg *model.Message) error
	HandleRetryMessage(ctx context.Context, msg *model.Message) (bool, error)
	HandleReplayMessage(ctx context.Context, msg *model.Message) (bool, error)
}

type Options struct {
	HooksEnabled                 bool
	HooksOnly                    bool
	MarshallForInvalidCharacters bool
}

type Engine struct {
	opts    Options
	configs ConfigLookup
	keys    store.KeyIndexStore
	hooks   HookDispatcher
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	marshaller marshaller
}

func New(opts Options, configs ConfigLookup, keys store.KeyIndexStore, hooks HookDispatcher,
	m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if opts.HooksOnly && !opts.HooksEnabled {
		return nil, ErrHooksOnlyWithoutHooks
	}
	if opts.HooksEnabled && hooks == nil {
		return nil, errors.New("hooks enabled without a hook dispatcher")
	}
	return &Engine{
		opts:    opts,
		configs: configs,
		keys:    keys,
		hooks:   hooks,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (e *Engine) FindConfigForTopic(topic string) *model.TopicConfig {
	return e.configs.FindConfigForTopic(topic)
}

// MarshallStates reports per topic whether stored values needed key rewriting.
func (e *Engine) MarshallStates() map[string]bool {
	return e.marshaller.snapshot()
}

// Consume adapts HandleMessage to a consume loop: per-message failures are
// acknowledged, errors are not.
func (e *Engine) Consume(ctx context.Context, msg *model.Message) error {
	_, err := e.HandleMessage(ctx, msg, true)
	return err
}

// HandleMessage processes one message. It returns false for messages that
// were dropped and an error only when the message must not be acknowledged.
func (e *Engine) HandleMessage(ctx context.Context, msg *model.Message, fromStream bool) (bool, error) {
	switch model.OriginOf(msg.Topic) {
	case model.OriginRetry:
		if !e.opts.HooksEnabled {
			e.logger.Warn("dropping retry message, hooks are disabled", "offset", msg.Offset)
			return false, nil
		}
		return e.hooks.HandleRetryMessage(ctx, msg)
	case model.OriginReplay:
		if !e.opts.HooksEnabled {
			e.logger.Warn("dropping replay message, hooks are disabled", "offset", msg.Offset)
			return false, nil
		}
		return e.hooks.HandleReplayMessage(ctx, msg)
	}

	e.metrics.Inc("processed_messages")

	if msg.Topic == "" || msg.Partition < 0 {
		e.metrics.Inc("processed_messages_failed")
		e.logger.Error("dropping malformed message", "topic", msg.Topic, "partition", msg.Partition)
		return false, nil
	}

	if e.opts.HooksOnly {
		if err := e.hooks.HandleMessage(ctx, msg); err != nil {
			return false, err
		}
		e.metrics.Inc("processed_messages_success")
		return true, nil
	}

	if !e.keys.Connected() {
		return false, store.ErrNotConnected
	}

	cfg := e.configs.FindConfigForTopic(msg.Topic)
	if cfg == nil {
		e.metrics.Inc("processed_messages_failed")
		e.logger.Warn("no topic config present", "topic", msg.Topic)
		return false, nil
	}

	ok, err := e.store(ctx, msg, cfg, fromStream)
	if err != nil {
		e.metrics.Inc("processed_messages_error")
		if errors.Is(err, store.ErrNotConnected) {
			return false, fmt.Errorf("store message %s/%d/%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		// the store rejected this message; retrying it cannot succeed
		e.logger.Error("dropping message rejected by store", "topic", msg.Topic,
			"partition", msg.Partition, "offset", msg.Offset, "error", err)
		return false, nil
	}
	if !ok {
		e.metrics.Inc("processed_messages_failed")
		return false, nil
	}

	if e.opts.HooksEnabled && fromStream {
		if err := e.hooks.HandleMessage(ctx, msg); err != nil {
			return false, err
		}
	}

	e.metrics.Inc("processed_messages_success")
	return true, nil
}

func (e *Engine) store(ctx context.Context, msg *model.Message, cfg *model.TopicConfig, fromStream bool) (bool, error) {
	now := e.now().UnixMilli()
	policy := cfg.CleanupPolicy

	if policy.Compacts() && msg.Key == nil {
		e.logger.Error("dropping message without key on compacted topic", "topic", msg.Topic,
			"partition", msg.Partition, "offset", msg.Offset, "policy", policy)
		return false, nil
	}

	if policy.Expires() && msg.Timestamp != nil &&
		*msg.Timestamp+cfg.RetentionMs < now-AgeMargin.Milliseconds() {
		e.metrics.Inc("processed_messages_skipped_age")
		e.logger.Debug("skipping storage of already expired message", "topic", msg.Topic,
			"offset", msg.Offset, "timestamp", *msg.Timestamp)
		return true, nil
	}

	rec := model.KeyIndex{
		HashedKey:  model.HashKey(msg.Key),
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		Timestamp:  msg.Timestamp,
		KeyRaw:     msg.Key,
		FromStream: fromStream,
		StoredAt:   now,
	}
	if policy.Expires() {
		base := now
		if msg.Timestamp != nil {
			base = *msg.Timestamp
		}
		deleteAt := base + cfg.RetentionMs
		rec.DeleteAt = &deleteAt
	}
	if !msg.IsTombstone() {
		e.shapeValue(&rec, msg, cfg)
	}

	switch policy {
	case model.PolicyNone, model.PolicyDelete:
		return true, e.keys.Insert(ctx, msg.Topic, rec)
	case model.PolicyCompact, model.PolicyCompactAndDelete:
		if msg.IsTombstone() {
			removed, err := e.keys.DeleteByKey(ctx, msg.Topic, *rec.HashedKey, fromStream)
			if err != nil {
				return false, err
			}
			e.logger.Debug("tombstone applied", "topic", msg.Topic, "removed", removed)
			return true, nil
		}
		return true, e.keys.Upsert(ctx, msg.Topic, rec)
	default:
		e.logger.Error("unknown cleanup policy", "topic", msg.Topic, "policy", policy)
		return false, nil
	}
}

func (e *Engine) shapeValue(rec *model.KeyIndex, msg *model.Message, cfg *model.TopicConfig) {
	if cfg.Queryable {
		if shaped := e.marshaller.shape(msg.Topic, msg.Value, e.opts.MarshallForInvalidCharacters); shaped != nil {
			rec.ValueJSON = shaped
			return
		}
	}
	rec.Value = msg.Value
}
