// Package hook delivers consumed messages to subscribed HTTP endpoints and
// re-enqueues failed deliveries on the internal retry topic.
package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/nodefluent/zamza/internal/metrics"
	"github.com/nodefluent/zamza/internal/model"
)

const produceTimeout = 10 * time.Second

var ErrCapacity = errors.New("hook capacity out of range")

type ConfigLookup interface {
	FindConfigForTopic(topic string) *model.TopicConfig
}

// HookLookup resolves a hook by id; a nil hook without error means it is gone.
type HookLookup interface {
	Get(ctx context.Context, id string) (*model.Hook, error)
}

type Producer interface {
	Produce(ctx context.Context, topic string, partition *int32, key, value []byte) (*model.Delivery, error)
}

type Options struct {
	Timeout                 time.Duration
	Retries                 int
	RetryTimeout            time.Duration
	SubscriptionConcurrency int
	ReplayConcurrency       int
	SkipValidation          bool
}

func (o Options) Validate() error {
	var errs []error
	check := func(name string, v, lo, hi int64) {
		if v < lo || v > hi {
			errs = append(errs, fmt.Errorf("%w: %s=%d not in [%d, %d]", ErrCapacity, name, v, lo, hi))
		}
	}
	check("timeoutMs", o.Timeout.Milliseconds(), 50, 45000)
	check("retries", int64(o.Retries), 0, 25)
	check("retryTimeoutMs", o.RetryTimeout.Milliseconds(), 0, 15000)
	check("subscriptionConcurrency", int64(o.SubscriptionConcurrency), 1, 150)
	check("replayConcurrency", int64(o.ReplayConcurrency), 1, 150)
	return errors.Join(errs...)
}

type Dealer struct {
	opts     Options
	configs  ConfigLookup
	hooks    HookLookup
	producer Producer
	client   *client
	metrics  *metrics.Metrics
	logger   *slog.Logger

	index     atomic.Pointer[index]
	endpoints atomic.Int64

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func NewDealer(opts Options, configs ConfigLookup, hooks HookLookup, producer Producer,
	m *metrics.Metrics, logger *slog.Logger) (*Dealer, error) {
	if !opts.SkipValidation {
		if err := opts.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.SubscriptionConcurrency < 1 {
		opts.SubscriptionConcurrency = 1
	}
	if opts.ReplayConcurrency < 1 {
		opts.ReplayConcurrency = 1
	}
	d := &Dealer{
		opts:     opts,
		configs:  configs,
		hooks:    hooks,
		producer: producer,
		client:   newClient(opts.Timeout),
		metrics:  m,
		logger:   logger.With("component", "hook_dealer"),
		timers:   make(map[*time.Timer]struct{}),
	}
	d.index.Store(&index{})
	return d, nil
}

// HandleMessage delivers a live message to every active subscription of its
// topic. Failed deliveries are scheduled on the retry topic.
func (d *Dealer) HandleMessage(ctx context.Context, msg *model.Message) error {
	subs := d.subscriptions(msg.Topic)
	if len(subs) == 0 {
		return nil
	}
	d.metrics.Inc("hook_processed_messages")
	d.dispatch(ctx, *msg, subs, d.opts.SubscriptionConcurrency, false, nil)
	d.metrics.Inc("hook_processed_messages_success")
	return nil
}

// HandleRetryMessage redelivers one payload from the retry topic to the single
// hook it names.
func (d *Dealer) HandleRetryMessage(ctx context.Context, msg *model.Message) (bool, error) {
	d.metrics.Inc("hook_processed_retry_messages")

	var payload model.RetryMessagePayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil || payload.HookID == "" {
		d.logger.Error("dropping malformed retry message", "offset", msg.Offset, "error", err)
		return false, nil
	}

	if d.configs.FindConfigForTopic(payload.Message.Topic) == nil {
		d.logger.Debug("dropping retry, topic no longer configured", "topic", payload.Message.Topic)
		return true, nil
	}

	h, err := d.hooks.Get(ctx, payload.HookID)
	if err != nil {
		return false, fmt.Errorf("look up hook %s: %w", payload.HookID, err)
	}
	view, ok := activeView(h, payload.Message.Topic)
	if !ok || (payload.FromReplay && view.IgnoreReplay) {
		d.logger.Debug("dropping retry, hook no longer subscribed", "hook_id", payload.HookID,
			"topic", payload.Message.Topic)
		return true, nil
	}

	data := retryData{HookID: payload.HookID, RetryCount: payload.RetryCount, FromReplay: payload.FromReplay}
	body := callBody{Message: payload.Message, Context: &callContext{Type: "retry", Data: data}}
	if err := d.deliver(ctx, view, body); err != nil {
		d.onRetryFailure(payload, err)
	}

	d.metrics.Inc("hook_processed_retry_messages_success")
	return true, nil
}

// HandleReplayMessage delivers a replayed message to the subscriptions of its
// original topic that accept replays.
func (d *Dealer) HandleReplayMessage(ctx context.Context, msg *model.Message) (bool, error) {
	d.metrics.Inc("hook_processed_replay_messages")

	var payload model.ReplayMessagePayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil || payload.Message.Topic == "" {
		d.logger.Error("dropping malformed replay message", "offset", msg.Offset, "error", err)
		return false, nil
	}

	if d.configs.FindConfigForTopic(payload.Message.Topic) == nil {
		d.logger.Debug("dropping replay, topic no longer configured", "topic", payload.Message.Topic)
		return true, nil
	}

	var subs []model.HookView
	for _, v := range d.subscriptions(payload.Message.Topic) {
		if !v.IgnoreReplay {
			subs = append(subs, v)
		}
	}
	if len(subs) > 0 {
		d.dispatch(ctx, payload.Message, subs, d.opts.ReplayConcurrency, true,
			&callContext{Type: "replay", Data: struct{}{}})
	}

	d.metrics.Inc("hook_processed_replay_messages_success")
	return true, nil
}

func activeView(h *model.Hook, topic string) (model.HookView, bool) {
	if h == nil || h.Disabled {
		return model.HookView{}, false
	}
	for _, sub := range h.Subscriptions {
		if sub.Topic == topic && !sub.Disabled {
			return h.View(sub), true
		}
	}
	return model.HookView{}, false
}

// dispatch calls subs with at most limit calls in flight and waits for all.
func (d *Dealer) dispatch(ctx context.Context, msg model.Message, subs []model.HookView, limit int,
	fromReplay bool, cc *callContext) {
	var g errgroup.Group
	g.SetLimit(limit)
	for _, view := range subs {
		g.Go(func() error {
			if err := d.deliver(ctx, view, callBody{Message: msg, Context: cc}); err != nil {
				d.schedule(model.RetryMessagePayload{Message: msg, HookID: view.ID, FromReplay: fromReplay}, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dealer) deliver(ctx context.Context, view model.HookView, body callBody) error {
	start := time.Now()
	err := d.client.call(ctx, view, body)
	d.metrics.ObserveHookCall(err == nil, time.Since(start).Seconds())
	if err != nil {
		d.metrics.Inc("hook_call_failed")
		return err
	}
	d.metrics.Inc("hook_call_success")
	return nil
}

func (d *Dealer) onRetryFailure(payload model.RetryMessagePayload, err error) {
	if payload.RetryCount+1 >= d.opts.Retries {
		d.metrics.Inc("hook_retry_exhausted")
		d.logger.Warn("giving up on hook delivery", "hook_id", payload.HookID, "topic", payload.Message.Topic,
			"offset", payload.Message.Offset, "retries", payload.RetryCount+1, "error", err)
		return
	}
	payload.RetryCount++
	d.schedule(payload, err)
}

// schedule produces payload to the retry topic once the retry timeout passed.
// The timer is not tied to the message that caused it.
func (d *Dealer) schedule(payload model.RetryMessagePayload, cause error) {
	if d.opts.Retries == 0 {
		d.metrics.Inc("hook_retry_exhausted")
		d.logger.Warn("hook delivery failed, retries disabled", "hook_id", payload.HookID, "error", cause)
		return
	}
	value, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("marshal retry payload", "hook_id", payload.HookID, "error", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.logger.Debug("scheduling hook retry", "hook_id", payload.HookID, "retry_count", payload.RetryCount,
		"in", d.opts.RetryTimeout, "cause", cause)

	var t *time.Timer
	t = time.AfterFunc(d.opts.RetryTimeout, func() {
		d.mu.Lock()
		delete(d.timers, t)
		d.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), produceTimeout)
		defer cancel()
		if _, err := d.producer.Produce(ctx, model.RetryTopic, nil, []byte(payload.HookID), value); err != nil {
			d.metrics.Inc("hook_retry_produce_failed")
			d.logger.Error("produce hook retry", "hook_id", payload.HookID, "error", err)
			return
		}
		d.metrics.Inc("hook_retry_scheduled")
	})
	d.timers[t] = struct{}{}
}

// Close abandons retries that have not been produced yet.
func (d *Dealer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for t := range d.timers {
		t.Stop()
	}
	if n := len(d.timers); n > 0 {
		d.logger.Warn("abandoned pending hook retries", "count", n)
	}
	d.timers = map[*time.Timer]struct{}{}
}
