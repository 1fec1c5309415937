// Package jobs runs the periodic maintenance of stored topics.
package jobs

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

const (
	MetadataLease        = 3 * time.Minute
	MetadataInitialDelay = 12 * time.Second
)

type TopicSource interface {
	TopicConfigs() []model.TopicConfig
}

type Locker interface {
	Acquire(ctx context.Context, name string, lease time.Duration) (bool, error)
}

// Cleanup removes records whose deleteAt passed from every expiring topic.
type Cleanup struct {
	keys    store.KeyIndexStore
	topics  TopicSource
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewCleanup(keys store.KeyIndexStore, topics TopicSource, m *metrics.Metrics, logger *slog.Logger) *Cleanup {
	return &Cleanup{
		keys:    keys,
		topics:  topics,
		metrics: m,
		logger:  logger.With("job", "cleanup_delete"),
		now:     time.Now,
	}
}

// RunOnce sweeps all topics and returns the number of removed records.
func (c *Cleanup) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	now := c.now().UnixMilli()

	var total int64
	var errs []error
	for _, cfg := range c.topics.TopicConfigs() {
		if !cfg.CleanupPolicy.Expires() {
			continue
		}
		removed, err := c.keys.DeleteExpired(ctx, cfg.Topic, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s: %w", cfg.Topic, err))
			continue
		}
		total += removed
	}

	c.metrics.Inc("job_cleanup_delete_ran")
	c.metrics.Set("job_cleanup_delete_ms", float64(time.Since(start).Milliseconds()))
	c.logger.Debug("ran", "removed", total, "took", time.Since(start))
	return total, errors.Join(errs...)
}

func (c *Cleanup) Run(ctx context.Context, every time.Duration) {
	runAfter(ctx, every, every, func(ctx context.Context) {
		if _, err := c.RunOnce(ctx); err != nil {
			c.logger.Error("cleanup failed", "error", err)
		}
	})
}

// Metadata aggregates per topic statistics. Each topic is handled by whichever
// instance wins its lease.
type Metadata struct {
	keys     store.KeyIndexStore
	metadata store.MetadataStore
	topics   TopicSource
	locker   Locker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewMetadata(keys store.KeyIndexStore, md store.MetadataStore, topics TopicSource, locker Locker,
	m *metrics.Metrics, logger *slog.Logger) *Metadata {
	return &Metadata{
		keys:     keys,
		metadata: md,
		topics:   topics,
		locker:   locker,
		metrics:  m,
		logger:   logger.With("job", "metadata"),
	}
}

// RunOnce returns the topics whose metadata this instance refreshed.
func (m *Metadata) RunOnce(ctx context.Context) ([]string, error) {
	m.metrics.Inc("job_metadata_ran")
	start := time.Now()

	var refreshed []string
	for _, cfg := range m.topics.TopicConfigs() {
		ok, err := m.locker.Acquire(ctx, "metadata:"+cfg.Topic, MetadataLease)
		if err != nil {
			return refreshed, err
		}
		if !ok {
			continue
		}

		md, err := m.keys.Aggregate(ctx, cfg.Topic)
		if err != nil {
			return refreshed, fmt.Errorf("aggregate %s: %w", cfg.Topic, err)
		}
		if err := m.metadata.Upsert(ctx, *md); err != nil {
			return refreshed, fmt.Errorf("store metadata of %s: %w", cfg.Topic, err)
		}
		refreshed = append(refreshed, cfg.Topic)
		m.logger.Debug("stored topic metadata", "topic", cfg.Topic, "messages", md.MessageCount)
	}

	m.metrics.Set("job_metadata_ms", float64(time.Since(start).Milliseconds()))
	m.metrics.Inc("job_metadata_ran_success")
	return refreshed, nil
}

func (m *Metadata) Run(ctx context.Context, every time.Duration) {
	runAfter(ctx, MetadataInitialDelay, every, func(ctx context.Context) {
		if _, err := m.RunOnce(ctx); err != nil {
			m.logger.Error("metadata job failed", "error", err)
		}
	})
}

// runAfter calls fn after first and then every interval measured from the end
// of the previous run, until ctx ends.
func runAfter(ctx context.Context, first, every time.Duration, fn func(ctx context.Context)) {
	t := time.NewTimer(first)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
			t.Reset(every)
		}
	}
}
