package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodefluent/zamza/internal/metrics"
	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/replay"
	"github.com/nodefluent/zamza/internal/store"
)

type TopicLister interface {
	ListTopics(ctx context.Context) ([]model.BrokerTopic, error)
}

type Producer interface {
	Produce(ctx context.Context, topic string, partition *int32, key, value []byte) (*model.Delivery, error)
}

type ReplayController interface {
	Current(ctx context.Context) (*replay.Current, error)
	List(ctx context.Context) ([]model.ReplayState, error)
	Start(ctx context.Context, topic, group string) (*model.ReplayState, error)
	Stop(ctx context.Context, topic string) error
	FlushOne(ctx context.Context) error
	FlushAll(ctx context.Context) error
}

type MarshallReporter interface {
	MarshallStates() map[string]bool
}

type SubscriptionReporter interface {
	SubscribedTopics() []string
}

// Deps are the delegates behind the admin routes. Broker and Producer may be
// nil when the process runs without a broker connection, Subscriptions when
// hooks are disabled.
type Deps struct {
	Configs       store.TopicConfigStore
	Hooks         store.HookStore
	Keys          store.KeyIndexStore
	Metadata      store.MetadataStore
	Replay        ReplayController
	Broker        TopicLister
	Producer      Producer
	Marshalling   MarshallReporter
	Subscriptions SubscriptionReporter
	Metrics       *metrics.Metrics
}

type Handler struct {
	deps     Deps
	logger   *slog.Logger
	validate *validator.Validate
}

func New(deps Deps, logger *slog.Logger) *Handler {
	return &Handler{
		deps:     deps,
		logger:   logger,
		validate: validator.New(),
	}
}

func (h *Handler) SetupRoutes(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(h.loggingMiddleware)

	app.Get("/health", h.health)
	if h.deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api")

	api.Get("/config/topics", h.listTopicConfigs)
	api.Get("/config/topic/:topic", h.getTopicConfig)
	api.Post("/config/topic", h.upsertTopicConfig)
	api.Delete("/config/topic/:topic", h.deleteTopicConfig)

	api.Get("/hooks", h.listHooks)
	api.Get("/hooks/name/:name", h.getHookByName)
	api.Get("/hooks/:id", h.getHook)
	api.Post("/hooks", h.upsertHook)
	api.Delete("/hooks/:id", h.deleteHook)

	api.Get("/replay", h.currentReplay)
	api.Get("/replays", h.listReplays)
	api.Post("/replay", h.startReplay)
	api.Delete("/replay/flushone", h.flushOne)
	api.Delete("/replay/flushall", h.flushAll)
	api.Delete("/replay/:topic", h.stopReplay)

	api.Get("/query/:topic/key/:key", h.queryKey)
	api.Post("/produce", h.produce)

	api.Get("/info/marshalling", h.marshalling)
	api.Get("/info/topics", h.brokerTopics)
	api.Get("/info/subscriptions", h.subscribedTopics)
	api.Get("/info/metadata", h.listMetadata)
	api.Get("/info/metadata/:topic", h.getMetadata)
}

func (h *Handler) loggingMiddleware(c *fiber.Ctx) error {
	h.logger.Info("request",
		"method", c.Method(),
		"path", c.Path(),
		"request_id", c.Locals("requestid"),
	)
	return c.Next()
}

func (h *Handler) health(c *fiber.Ctx) error {
	status := "healthy"
	if h.deps.Keys != nil && !h.deps.Keys.Connected() {
		status = "degraded"
	}
	return c.JSON(fiber.Map{"status": status})
}

func fail(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// storeStatus maps store errors onto HTTP statuses.
func storeStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotConnected):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, store.ErrDuplicate):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func reservedParam(c *fiber.Ctx, name string) (string, bool) {
	v := c.Params(name)
	return v, model.IsReservedTopic(v)
}

func (h *Handler) marshalling(c *fiber.Ctx) error {
	if h.deps.Marshalling == nil {
		return c.JSON(fiber.Map{})
	}
	return c.JSON(h.deps.Marshalling.MarshallStates())
}

func (h *Handler) subscribedTopics(c *fiber.Ctx) error {
	topics := []string{}
	if h.deps.Subscriptions != nil {
		topics = append(topics, h.deps.Subscriptions.SubscribedTopics()...)
	}
	return c.JSON(topics)
}

func (h *Handler) brokerTopics(c *fiber.Ctx) error {
	if h.deps.Broker == nil {
		return fail(c, fiber.StatusServiceUnavailable, errors.New("broker not available"))
	}
	topics, err := h.deps.Broker.ListTopics(c.Context())
	if err != nil {
		h.logger.Error("list topics failed", "error", err)
		return fail(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(topics)
}

func (h *Handler) listMetadata(c *fiber.Ctx) error {
	mds, err := h.deps.Metadata.List(c.Context())
	if err != nil {
		return fail(c, storeStatus(err), err)
	}
	return c.JSON(mds)
}

func (h *Handler) getMetadata(c *fiber.Ctx) error {
	md, err := h.deps.Metadata.Get(c.Context(), c.Params("topic"))
	if err != nil {
		return fail(c, storeStatus(err), err)
	}
	if md == nil {
		return fail(c, fiber.StatusNotFound, errors.New("no metadata for topic"))
	}
	return c.JSON(md)
}
