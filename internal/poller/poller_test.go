package poller

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/store"
	"github.com/nodefluent/zamza/internal/store/memory"
)

func setupPoller(t *testing.T) (*Poller, *memory.Store) {
	t.Helper()
	mem := memory.New()
	p := New(mem.TopicConfigs(), mem.Hooks(), 10*time.Millisecond, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return p, mem
}

func TestPollSnapshotAndTopicChanges(t *testing.T) {
	p, mem := setupPoller(t)
	ctx := context.Background()

	var changes [][]string
	p.OnTopicsChanged(func(_ context.Context, topics []string) { changes = append(changes, topics) })

	require.NoError(t, p.Poll(ctx))
	require.Len(t, changes, 1)
	assert.Empty(t, changes[0])
	assert.Nil(t, p.FindConfigForTopic("orders"))

	require.NoError(t, mem.TopicConfigs().Upsert(ctx, model.TopicConfig{Topic: "orders", CleanupPolicy: model.PolicyCompact}))
	require.NoError(t, mem.TopicConfigs().Upsert(ctx, model.TopicConfig{Topic: "events", CleanupPolicy: model.PolicyDelete, RetentionMs: 1000}))
	require.NoError(t, p.Poll(ctx))
	require.Len(t, changes, 2)
	assert.Equal(t, []string{"events", "orders"}, changes[1])

	cfg := p.FindConfigForTopic("orders")
	require.NotNil(t, cfg)
	assert.Equal(t, model.PolicyCompact, cfg.CleanupPolicy)

	// a policy change keeps the topic set, so no change is signalled
	require.NoError(t, mem.TopicConfigs().Upsert(ctx, model.TopicConfig{Topic: "orders", CleanupPolicy: model.PolicyNone}))
	require.NoError(t, p.Poll(ctx))
	assert.Len(t, changes, 2)
	assert.Equal(t, model.PolicyNone, p.FindConfigForTopic("orders").CleanupPolicy)
	assert.Equal(t, []string{"events", "orders"}, p.Topics())
}

func TestPollHooks(t *testing.T) {
	p, mem := setupPoller(t)
	ctx := context.Background()
	_, err := mem.Hooks().Upsert(ctx, model.Hook{Name: "h", Endpoint: "http://localhost/h",
		Subscriptions: []model.Subscription{{Topic: "orders"}}})
	require.NoError(t, err)

	var got []model.Hook
	p.OnHooksUpdated(func(hooks []model.Hook) { got = hooks })
	require.NoError(t, p.Poll(ctx))
	require.Len(t, got, 1)
	assert.Equal(t, "h", got[0].Name)
	assert.NotEmpty(t, got[0].ID)
}

func TestPollErrorKeepsSnapshot(t *testing.T) {
	p, mem := setupPoller(t)
	ctx := context.Background()
	require.NoError(t, mem.TopicConfigs().Upsert(ctx, model.TopicConfig{Topic: "orders", CleanupPolicy: model.PolicyCompact}))
	require.NoError(t, p.Poll(ctx))

	mem.SetConnected(false)
	assert.ErrorIs(t, p.Poll(ctx), store.ErrNotConnected)
	assert.NotNil(t, p.FindConfigForTopic("orders"))
}

func TestRunStopsWithContext(t *testing.T) {
	p, mem := setupPoller(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.NoError(t, mem.TopicConfigs().Upsert(context.Background(), model.TopicConfig{Topic: "orders", CleanupPolicy: model.PolicyCompact}))
	assert.Eventually(t, func() bool { return p.FindConfigForTopic("orders") != nil }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}
