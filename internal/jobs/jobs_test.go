package jobs

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodefluent/zamza/internal/lock"
	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/store/memory"
)

type staticTopics []model.TopicConfig

func (s staticTopics) TopicConfigs() []model.TopicConfig { return s }

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func insert(t *testing.T, mem *memory.Store, topic string, offset int64, deleteAt *int64) {
	t.Helper()
	require.NoError(t, mem.KeyIndex().Insert(context.Background(), topic, model.KeyIndex{
		Partition: int32(offset % 2), Offset: offset, DeleteAt: deleteAt, StoredAt: 1000 + offset,
	}))
}

func at(ms int64) *int64 { return &ms }

func TestCleanupSweepsExpiringTopics(t *testing.T) {
	const T = int64(1_700_000_000_000)
	mem := memory.New()
	insert(t, mem, "events", 1, at(T+60000))
	insert(t, mem, "events", 2, at(T+90000))
	insert(t, mem, "orders", 1, nil)

	topics := staticTopics{
		{Topic: "events", CleanupPolicy: model.PolicyDelete, RetentionMs: 60000},
		{Topic: "orders", CleanupPolicy: model.PolicyCompact},
	}
	c := NewCleanup(mem.KeyIndex(), topics, nil, discard)

	c.now = func() time.Time { return time.UnixMilli(T + 30000) }
	removed, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
	assert.Len(t, mem.Records("events"), 2)

	c.now = func() time.Time { return time.UnixMilli(T + 60001) }
	removed, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	recs := mem.Records("events")
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].Offset)
	assert.Len(t, mem.Records("orders"), 1)
}

func TestCleanupReportsStoreErrors(t *testing.T) {
	mem := memory.New()
	mem.SetConnected(false)
	c := NewCleanup(mem.KeyIndex(), staticTopics{{Topic: "events", CleanupPolicy: model.PolicyDelete, RetentionMs: 1}}, nil, discard)
	_, err := c.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestMetadataOnlyForLockedTopics(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	for i := int64(0); i < 4; i++ {
		insert(t, mem, "orders", i, nil)
	}
	insert(t, mem, "events", 5, nil)
	topics := staticTopics{
		{Topic: "orders", CleanupPolicy: model.PolicyNone},
		{Topic: "events", CleanupPolicy: model.PolicyNone},
	}

	// another instance holds the events lease
	other := lock.New("other", mem.Locks(), nil, discard)
	ok, err := other.Acquire(ctx, "metadata:events", MetadataLease)
	require.NoError(t, err)
	require.True(t, ok)

	j := NewMetadata(mem.KeyIndex(), mem.Metadata(), topics, lock.New("self", mem.Locks(), nil, discard), nil, discard)
	refreshed, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, refreshed)

	md, err := mem.Metadata().Get(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, int64(4), md.MessageCount)
	assert.Equal(t, 2, md.PartitionCount)
	assert.Equal(t, int64(0), md.EarliestOffset)
	assert.Equal(t, int64(3), md.LatestOffset)

	missing, err := mem.Metadata().Get(ctx, "events")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// the lease is kept, a second run inside it does nothing
	refreshed, err = j.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, refreshed)
}
