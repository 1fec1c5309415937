package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nodefluent/zamza/internal/metrics"
	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/replay"
	"github.com/nodefluent/zamza/internal/store/memory"
)

type MockReplay struct {
	mock.Mock
}

func (m *MockReplay) Current(ctx context.Context) (*replay.Current, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*replay.Current), args.Error(1)
}

func (m *MockReplay) List(ctx context.Context) ([]model.ReplayState, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.ReplayState), args.Error(1)
}

func (m *MockReplay) Start(ctx context.Context, topic, group string) (*model.ReplayState, error) {
	args := m.Called(ctx, topic, group)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ReplayState), args.Error(1)
}

func (m *MockReplay) Stop(ctx context.Context, topic string) error {
	return m.Called(ctx, topic).Error(0)
}

func (m *MockReplay) FlushOne(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockReplay) FlushAll(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockBroker struct {
	mock.Mock
}

func (m *MockBroker) ListTopics(ctx context.Context) ([]model.BrokerTopic, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.BrokerTopic), args.Error(1)
}

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Produce(ctx context.Context, topic string, partition *int32, key, value []byte) (*model.Delivery, error) {
	args := m.Called(ctx, topic, partition, key, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Delivery), args.Error(1)
}

type staticMarshalling map[string]bool

func (s staticMarshalling) MarshallStates() map[string]bool { return s }

type staticSubscriptions []string

func (s staticSubscriptions) SubscribedTopics() []string { return s }

type testEnv struct {
	app      *fiber.App
	mem      *memory.Store
	replay   *MockReplay
	broker   *MockBroker
	producer *MockProducer
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		mem:      memory.New(),
		replay:   new(MockReplay),
		broker:   new(MockBroker),
		producer: new(MockProducer),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(Deps{
		Configs:       env.mem.TopicConfigs(),
		Hooks:         env.mem.Hooks(),
		Keys:          env.mem.KeyIndex(),
		Metadata:      env.mem.Metadata(),
		Replay:        env.replay,
		Broker:        env.broker,
		Producer:      env.producer,
		Marshalling:   staticMarshalling{"orders": true},
		Subscriptions: staticSubscriptions{"orders", "payments"},
		Metrics:       metrics.New(),
	}, logger)
	env.app = fiber.New(fiber.Config{JSONEncoder: json.Marshal, JSONDecoder: json.Unmarshal})
	h.SetupRoutes(env.app)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var req = httptest.NewRequest(method, path, nil)
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestHealth(t *testing.T) {
	env := setupTestApp(t)
	status, body := env.do(t, "GET", "/health", "")
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `{"status":"healthy"}`, string(body))

	env.mem.SetConnected(false)
	_, body = env.do(t, "GET", "/health", "")
	assert.JSONEq(t, `{"status":"degraded"}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestApp(t)
	status, body := env.do(t, "GET", "/metrics", "")
	assert.Equal(t, 200, status)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestTopicConfigCrud(t *testing.T) {
	env := setupTestApp(t)

	status, _ := env.do(t, "POST", "/api/config/topic", `{"topic":"orders","cleanupPolicy":"compact","queryable":true}`)
	assert.Equal(t, 201, status)

	status, body := env.do(t, "GET", "/api/config/topics", "")
	assert.Equal(t, 200, status)
	var configs []model.TopicConfig
	require.NoError(t, json.Unmarshal(body, &configs))
	require.Len(t, configs, 1)
	assert.Equal(t, "orders", configs[0].Topic)
	assert.True(t, configs[0].Queryable)

	status, _ = env.do(t, "GET", "/api/config/topic/orders", "")
	assert.Equal(t, 200, status)

	status, _ = env.do(t, "DELETE", "/api/config/topic/orders", "")
	assert.Equal(t, 204, status)
	status, _ = env.do(t, "GET", "/api/config/topic/orders", "")
	assert.Equal(t, 404, status)
}

func TestTopicConfigValidation(t *testing.T) {
	env := setupTestApp(t)
	cases := map[string]string{
		"reserved":          `{"topic":"__zamza_retry_topic","cleanupPolicy":"none"}`,
		"unknown policy":    `{"topic":"orders","cleanupPolicy":"forever"}`,
		"missing retention": `{"topic":"events","cleanupPolicy":"delete"}`,
		"stray retention":   `{"topic":"orders","cleanupPolicy":"compact","retentionMs":10}`,
		"not json":          `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			status, _ := env.do(t, "POST", "/api/config/topic", body)
			assert.Equal(t, 400, status)
		})
	}
	status, _ := env.do(t, "GET", "/api/config/topic/__zamza_replay_topic", "")
	assert.Equal(t, 400, status)
}

func TestDeleteTopicConfigPurge(t *testing.T) {
	env := setupTestApp(t)
	ctx := context.Background()
	require.NoError(t, env.mem.TopicConfigs().Upsert(ctx, model.TopicConfig{Topic: "logs", CleanupPolicy: model.PolicyNone}))
	require.NoError(t, env.mem.KeyIndex().Insert(ctx, "logs", model.KeyIndex{Offset: 1}))

	status, _ := env.do(t, "DELETE", "/api/config/topic/logs?purge=true", "")
	assert.Equal(t, 204, status)
	assert.Empty(t, env.mem.Records("logs"))
}

func TestHookCrud(t *testing.T) {
	env := setupTestApp(t)

	status, body := env.do(t, "POST", "/api/hooks",
		`{"name":"billing","endpoint":"http://billing.local/hook","subscriptions":[{"topic":"orders"}]}`)
	require.Equal(t, 200, status)
	var created model.Hook
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)

	status, _ = env.do(t, "GET", "/api/hooks/"+created.ID, "")
	assert.Equal(t, 200, status)
	status, _ = env.do(t, "GET", "/api/hooks/name/billing", "")
	assert.Equal(t, 200, status)

	// same name without id updates the existing hook
	status, body = env.do(t, "POST", "/api/hooks",
		`{"name":"billing","endpoint":"http://billing.local/v2","subscriptions":[{"topic":"orders"}]}`)
	require.Equal(t, 200, status)
	var updated model.Hook
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "http://billing.local/v2", updated.Endpoint)

	status, _ = env.do(t, "DELETE", "/api/hooks/"+created.ID, "")
	assert.Equal(t, 204, status)
	status, _ = env.do(t, "GET", "/api/hooks/"+created.ID, "")
	assert.Equal(t, 404, status)
}

func TestHookValidation(t *testing.T) {
	env := setupTestApp(t)
	cases := map[string]string{
		"no endpoint":      `{"name":"a","subscriptions":[]}`,
		"bad endpoint":     `{"name":"a","endpoint":"not a url"}`,
		"reserved topic":   `{"name":"a","endpoint":"http://a.local","subscriptions":[{"topic":"__zamza_retry_topic"}]}`,
		"empty sub. topic": `{"name":"a","endpoint":"http://a.local","subscriptions":[{"topic":""}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			status, _ := env.do(t, "POST", "/api/hooks", body)
			assert.Equal(t, 400, status)
		})
	}
}

func TestReplayRoutes(t *testing.T) {
	env := setupTestApp(t)
	env.replay.On("Start", mock.Anything, "orders", "").
		Return(&model.ReplayState{Topic: "orders", ConsumerGroup: "g", InstanceID: "i"}, nil).Once()
	env.replay.On("Start", mock.Anything, "orders", "").
		Return(nil, replay.ErrConflict).Once()
	env.replay.On("Current", mock.Anything).Return(&replay.Current{InstanceID: "i"}, nil)
	env.replay.On("List", mock.Anything).Return([]model.ReplayState{{Topic: "orders"}}, nil)
	env.replay.On("Stop", mock.Anything, "payments").Return(replay.ErrTopicMismatch)
	env.replay.On("FlushOne", mock.Anything).Return(nil)
	env.replay.On("FlushAll", mock.Anything).Return(nil)

	status, _ := env.do(t, "POST", "/api/replay", `{"topic":"orders"}`)
	assert.Equal(t, 200, status)
	status, _ = env.do(t, "POST", "/api/replay", `{"topic":"orders"}`)
	assert.Equal(t, 409, status)
	status, _ = env.do(t, "POST", "/api/replay", `{}`)
	assert.Equal(t, 400, status)

	status, body := env.do(t, "GET", "/api/replay", "")
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `{"instanceId":"i","replay":null}`, string(body))
	status, _ = env.do(t, "GET", "/api/replays", "")
	assert.Equal(t, 200, status)

	status, _ = env.do(t, "DELETE", "/api/replay/payments", "")
	assert.Equal(t, 400, status)
	status, _ = env.do(t, "DELETE", "/api/replay/flushone", "")
	assert.Equal(t, 204, status)
	status, _ = env.do(t, "DELETE", "/api/replay/flushall", "")
	assert.Equal(t, 204, status)

	env.replay.AssertExpectations(t)
	env.replay.AssertNotCalled(t, "Stop", mock.Anything, "flushone")
}

func TestQueryKey(t *testing.T) {
	env := setupTestApp(t)
	ctx := context.Background()

	status, _ := env.do(t, "GET", "/api/query/orders/key/42", "")
	assert.Equal(t, 404, status)

	require.NoError(t, env.mem.TopicConfigs().Upsert(ctx, model.TopicConfig{Topic: "orders", CleanupPolicy: model.PolicyCompact}))
	require.NoError(t, env.mem.KeyIndex().Upsert(ctx, "orders", model.KeyIndex{
		HashedKey: model.HashKey([]byte("42")), KeyRaw: []byte("42"), Offset: 3, ValueJSON: []byte(`{"qty":5}`),
	}))

	status, body := env.do(t, "GET", "/api/query/orders/key/42", "")
	require.Equal(t, 200, status)
	var recs []model.KeyIndex
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 1)
	assert.JSONEq(t, `{"qty":5}`, string(recs[0].ValueJSON))

	status, body = env.do(t, "GET", "/api/query/orders/key/7", "")
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `[]`, string(body))
}

func TestProduce(t *testing.T) {
	env := setupTestApp(t)
	env.producer.On("Produce", mock.Anything, "orders", (*int32)(nil), []byte("k"), []byte("v")).
		Return(&model.Delivery{Topic: "orders", Partition: 0, Offset: 12}, nil)

	status, body := env.do(t, "POST", "/api/produce", `{"topic":"orders","key":"k","value":"v"}`)
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `{"topic":"orders","partition":0,"offset":12}`, string(body))

	status, _ = env.do(t, "POST", "/api/produce", `{"topic":"__zamza_replay_topic","value":"v"}`)
	assert.Equal(t, 400, status)
	env.producer.AssertNumberOfCalls(t, "Produce", 1)
}

func TestInfoRoutes(t *testing.T) {
	env := setupTestApp(t)
	env.broker.On("ListTopics", mock.Anything).Return([]model.BrokerTopic{{Name: "orders", PartitionCount: 3, ReplicationFactor: 1}}, nil)
	require.NoError(t, env.mem.Metadata().Upsert(context.Background(), model.TopicMetadata{Topic: "orders", MessageCount: 9}))

	status, body := env.do(t, "GET", "/api/info/marshalling", "")
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `{"orders":true}`, string(body))

	status, body = env.do(t, "GET", "/api/info/topics", "")
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `[{"name":"orders","partition_count":3,"replication_factor":1}]`, string(body))

	status, _ = env.do(t, "GET", "/api/info/metadata/orders", "")
	assert.Equal(t, 200, status)
	status, _ = env.do(t, "GET", "/api/info/metadata/unknown", "")
	assert.Equal(t, 404, status)
	status, _ = env.do(t, "GET", "/api/info/metadata", "")
	assert.Equal(t, 200, status)
}

func TestSubscribedTopicsRoute(t *testing.T) {
	env := setupTestApp(t)
	status, body := env.do(t, "GET", "/api/info/subscriptions", "")
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `["orders","payments"]`, string(body))

	app := fiber.New()
	New(Deps{Keys: env.mem.KeyIndex()}, slog.New(slog.NewTextHandler(io.Discard, nil))).SetupRoutes(app)
	resp, err := app.Test(httptest.NewRequest("GET", "/api/info/subscriptions", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}
