package kafka

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nodefluent/zamza/internal/model"
)

type TopicLister interface {
	ListTopics(ctx context.Context) ([]model.BrokerTopic, error)
}

// Discovery caches the broker topic list and refreshes it on an interval.
type Discovery struct {
	lister   TopicLister
	interval time.Duration
	logger   *slog.Logger

	topics atomic.Pointer[[]model.BrokerTopic]
}

func NewDiscovery(lister TopicLister, interval time.Duration, logger *slog.Logger) *Discovery {
	return &Discovery{
		lister:   lister,
		interval: interval,
		logger:   logger.With("component", "discovery"),
	}
}

func (d *Discovery) Scan(ctx context.Context) error {
	topics, err := d.lister.ListTopics(ctx)
	if err != nil {
		return err
	}
	prev := d.topics.Swap(&topics)
	if prev == nil || len(*prev) != len(topics) {
		d.logger.Info("discovered broker topics", "count", len(topics))
	}
	return nil
}

// ListTopics serves the last scan, scanning once if none succeeded yet.
func (d *Discovery) ListTopics(ctx context.Context) ([]model.BrokerTopic, error) {
	if cached := d.topics.Load(); cached != nil {
		return *cached, nil
	}
	if err := d.Scan(ctx); err != nil {
		return nil, err
	}
	return *d.topics.Load(), nil
}

func (d *Discovery) Run(ctx context.Context) {
	if err := d.Scan(ctx); err != nil {
		d.logger.Warn("topic discovery failed", "error", err)
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Scan(ctx); err != nil {
				d.logger.Warn("topic discovery failed", "error", err)
			}
		}
	}
}
