// Package poller keeps an in-process snapshot of topic configs and hooks,
// refreshed from the document store on an interval.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/nodefluent/zamza/internal/metrics"
	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/store"
)

// TopicsChanged is called with the sorted configured topic names whenever
// the set changes, including on the first poll.
type TopicsChanged func(ctx context.Context, topics []string)

// HooksUpdated receives the full hook list after every poll.
type HooksUpdated func(hooks []model.Hook)

type Poller struct {
	configs  store.TopicConfigStore
	hooks    store.HookStore
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	onTopics TopicsChanged
	onHooks  HooksUpdated

	snapshot  atomic.Pointer[[]model.TopicConfig]
	topicHash atomic.Uint32
	polled    atomic.Bool
}

func New(configs store.TopicConfigStore, hooks store.HookStore, interval time.Duration,
	m *metrics.Metrics, logger *slog.Logger) *Poller {
	p := &Poller{
		configs:  configs,
		hooks:    hooks,
		interval: interval,
		metrics:  m,
		logger:   logger.With("component", "poller"),
	}
	p.snapshot.Store(&[]model.TopicConfig{})
	return p
}

func (p *Poller) OnTopicsChanged(fn TopicsChanged) { p.onTopics = fn }

// OnHooksUpdated enables hook polling.
func (p *Poller) OnHooksUpdated(fn HooksUpdated) { p.onHooks = fn }

// FindConfigForTopic returns the config of topic from the last poll. When a
// topic is listed twice the later entry wins.
func (p *Poller) FindConfigForTopic(topic string) *model.TopicConfig {
	configs := *p.snapshot.Load()
	for i := len(configs) - 1; i >= 0; i-- {
		if configs[i].Topic == topic {
			cfg := configs[i]
			return &cfg
		}
	}
	return nil
}

func (p *Poller) TopicConfigs() []model.TopicConfig {
	return append([]model.TopicConfig(nil), *p.snapshot.Load()...)
}

func (p *Poller) Topics() []string {
	return topicNames(*p.snapshot.Load())
}

// Poll refreshes the snapshot once.
func (p *Poller) Poll(ctx context.Context) error {
	configs, err := p.configs.List(ctx)
	if err != nil {
		return fmt.Errorf("poll topic configs: %w", err)
	}

	topics := topicNames(configs)
	hash := murmur3.Sum32([]byte(strings.Join(topics, "\n")))
	p.snapshot.Store(&configs)
	if first := !p.polled.Swap(true); first || p.topicHash.Swap(hash) != hash {
		p.topicHash.Store(hash)
		p.logger.Info("configured topics changed", "topics", len(topics))
		p.metrics.Set("configured_topics", float64(len(topics)))
		if p.onTopics != nil {
			p.onTopics(ctx, topics)
		}
	}

	if p.onHooks != nil {
		hooks, err := p.hooks.List(ctx)
		if err != nil {
			return fmt.Errorf("poll hooks: %w", err)
		}
		p.onHooks(hooks)
	}
	return nil
}

// Run polls immediately and then on every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	if err := p.Poll(ctx); err != nil {
		p.logger.Error("initial poll failed", "error", err)
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.metrics.Inc("poll_failed")
				p.logger.Error("poll failed", "error", err)
			}
		}
	}
}

func topicNames(configs []model.TopicConfig) []string {
	seen := make(map[string]struct{}, len(configs))
	topics := make([]string, 0, len(configs))
	for _, c := range configs {
		if _, ok := seen[c.Topic]; ok {
			continue
		}
		seen[c.Topic] = struct{}{}
		topics = append(topics, c.Topic)
	}
	sort.Strings(topics)
	return topics
}
