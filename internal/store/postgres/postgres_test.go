package postgres

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New("  ", testLogger())
	assert.Error(t, err)
}

func TestCollectionNameIsStable(t *testing.T) {
	assert.Equal(t, collectionName("orders"), collectionName("orders"))
	assert.NotEqual(t, collectionName("orders"), collectionName("payments"))
	assert.Regexp(t, `^zamza_ki_[0-9a-f]{8}$`, collectionName("some.topic-with$chars"))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"zamza_ki_1"`, quoteIdentifier("zamza_ki_1"))
	assert.Equal(t, `"a""b"`, quoteIdentifier(`a"b`))
}

func TestConnectFailureLeavesStoreDisconnected(t *testing.T) {
	s, err := New("postgres://unused", testLogger())
	require.NoError(t, err)
	s.openDB = func(string, string) (*sql.DB, error) { return nil, errors.New("no driver") }

	assert.Error(t, s.Connect())
	assert.False(t, s.KeyIndex().Connected())

	_, err = s.TopicConfigs().List(context.Background())
	assert.ErrorIs(t, err, store.ErrNotConnected)
	_, err = s.Locks().Acquire(context.Background(), "metadata:orders", "a", 0, 1)
	assert.ErrorIs(t, err, store.ErrNotConnected)
}

// integrationStore connects to ZAMZA_TEST_POSTGRES_DSN or skips.
func integrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ZAMZA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ZAMZA_TEST_POSTGRES_DSN not set")
	}
	s, err := New(dsn, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Connect())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIntegrationKeyIndex(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()
	topic := "it-" + uuid.NewString()
	keys := s.KeyIndex()
	require.NoError(t, keys.EnsureTopic(ctx, topic))
	t.Cleanup(func() { _ = keys.DropTopic(context.Background(), topic) })

	hashed := model.HashKey([]byte("42"))
	now := time.Now().UnixMilli()
	past := now - 1000

	require.NoError(t, keys.Upsert(ctx, topic, model.KeyIndex{HashedKey: hashed, Offset: 1, KeyRaw: []byte("42"),
		Value: []byte("v1"), FromStream: true, StoredAt: now}))
	require.NoError(t, keys.Upsert(ctx, topic, model.KeyIndex{HashedKey: hashed, Offset: 2, KeyRaw: []byte("42"),
		ValueJSON: []byte(`{"qty":2}`), FromStream: true, StoredAt: now, DeleteAt: &past}))

	recs, err := keys.FindByKey(ctx, topic, *hashed)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].Offset)
	assert.JSONEq(t, `{"qty":2}`, string(recs[0].ValueJSON))

	md, err := keys.Aggregate(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, int64(1), md.MessageCount)
	assert.Equal(t, 1, md.PartitionCount)

	removed, err := keys.DeleteExpired(ctx, topic, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestIntegrationLocks(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()
	name := "it-lock-" + uuid.NewString()
	now := time.Now().UnixMilli()

	ok, err := s.Locks().Acquire(ctx, name, "a", now, now+60_000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Locks().Acquire(ctx, name, "b", now, now+60_000)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Locks().Acquire(ctx, name, "b", now+60_001, now+120_000)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Locks().Release(ctx, name, "b", now+60_001)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIntegrationReplayCreateIsExclusive(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()
	topic := "it-replay-" + uuid.NewString()
	t.Cleanup(func() { _ = s.Replays().Delete(context.Background(), topic) })

	created, err := s.Replays().Create(ctx, model.ReplayState{Topic: topic, ConsumerGroup: "g1", InstanceID: "a"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Replays().Create(ctx, model.ReplayState{Topic: topic, ConsumerGroup: "g2", InstanceID: "b"})
	require.NoError(t, err)
	assert.False(t, created)

	st, err := s.Replays().Get(ctx, topic)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "a", st.InstanceID)
}
