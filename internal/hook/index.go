package hook

import (
	"sort"

	"github.com/nodefluent/zamza/internal/model"
)

// index maps a topic to the hooks with an active subscription on it.
type index map[string][]model.HookView

func buildIndex(hooks []model.Hook) (index, int) {
	idx := make(index)
	endpoints := 0
	for _, h := range hooks {
		if h.Disabled {
			continue
		}
		for _, sub := range h.Subscriptions {
			if sub.Disabled {
				continue
			}
			idx[sub.Topic] = append(idx[sub.Topic], h.View(sub))
			endpoints++
		}
	}
	for _, views := range idx {
		sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	}
	return idx, endpoints
}

// ProcessHookUpdate rebuilds the subscription index from the full hook list.
// Readers never observe a partially built index.
func (d *Dealer) ProcessHookUpdate(hooks []model.Hook) {
	idx, endpoints := buildIndex(hooks)
	d.index.Store(&idx)

	if prev := d.endpoints.Swap(int64(endpoints)); prev != int64(endpoints) {
		d.logger.Info("active hook subscriptions changed", "subscriptions", endpoints, "topics", len(idx))
		d.metrics.Set("configured_active_subscriptions", float64(endpoints))
	}
}

func (d *Dealer) subscriptions(topic string) []model.HookView {
	idx := d.index.Load()
	if idx == nil {
		return nil
	}
	return (*idx)[topic]
}

// SubscribedTopics lists the topics with at least one active subscription.
func (d *Dealer) SubscribedTopics() []string {
	idx := d.index.Load()
	if idx == nil {
		return nil
	}
	topics := make([]string, 0, len(*idx))
	for t := range *idx {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
