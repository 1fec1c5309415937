package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodefluent/zamza/internal/config"
	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/store"
	"github.com/nodefluent/zamza/internal/store/memory"
)

func useMemoryStore(t *testing.T) *memory.Store {
	t.Helper()
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092")
	st := memory.New()
	prev := openStore
	openStore = func(*config.Config, *slog.Logger) (store.Store, error) {
		st.SetConnected(true)
		return st, nil
	}
	t.Cleanup(func() { openStore = prev })
	return st
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSweepRemovesExpiredRecords(t *testing.T) {
	st := useMemoryStore(t)
	ctx := context.Background()
	require.NoError(t, st.TopicConfigs().Upsert(ctx, model.TopicConfig{
		Topic: "events", CleanupPolicy: model.PolicyDelete, RetentionMs: 1000,
	}))
	past := time.Now().Add(-time.Hour).UnixMilli()
	future := time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, st.KeyIndex().Insert(ctx, "events", model.KeyIndex{Offset: 1, DeleteAt: &past}))
	require.NoError(t, st.KeyIndex().Insert(ctx, "events", model.KeyIndex{Offset: 2, DeleteAt: &future}))

	out, err := execute(t, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "removed 1 expired records\n", out)

	recs := st.Records("events")
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].Offset)
}

func TestLockAcquireAndRelease(t *testing.T) {
	st := useMemoryStore(t)

	out, err := execute(t, "lock", "metadata:orders", "--lease", "30s")
	require.NoError(t, err)
	assert.Contains(t, out, "acquired lock metadata:orders")
	assert.Contains(t, out, "released lock metadata:orders")

	ok, err := st.Locks().Acquire(context.Background(), "metadata:orders", "other", time.Now().UnixMilli(),
		time.Now().Add(time.Minute).UnixMilli())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockHeldElsewhere(t *testing.T) {
	st := useMemoryStore(t)
	now := time.Now().UnixMilli()
	ok, err := st.Locks().Acquire(context.Background(), "metadata:orders", "other", now, now+time.Hour.Milliseconds())
	require.NoError(t, err)
	require.True(t, ok)

	out, err := execute(t, "lock", "metadata:orders")
	require.NoError(t, err)
	assert.Equal(t, "lock metadata:orders is held by another instance\n", out)
}

func TestLockRequiresName(t *testing.T) {
	useMemoryStore(t)

	_, err := execute(t, "lock")
	assert.Error(t, err)
}

func TestCommandsRequireBrokerConfig(t *testing.T) {
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "")

	_, err := execute(t, "sweep")
	assert.ErrorContains(t, err, "load config")
}
