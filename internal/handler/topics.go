package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/nodefluent/zamza/internal/model"
)

func (h *Handler) listTopicConfigs(c *fiber.Ctx) error {
	configs, err := h.deps.Configs.List(c.Context())
	if err != nil {
		h.logger.Error("list topic configs failed", "error", err)
		return fail(c, storeStatus(err), err)
	}
	return c.JSON(configs)
}

func (h *Handler) getTopicConfig(c *fiber.Ctx) error {
	topic, reserved := reservedParam(c, "topic")
	if reserved {
		return fail(c, fiber.StatusBadRequest, model.ErrReservedTopic)
	}
	cfg, err := h.deps.Configs.Get(c.Context(), topic)
	if err != nil {
		return fail(c, storeStatus(err), err)
	}
	if cfg == nil {
		return fail(c, fiber.StatusNotFound, errors.New("topic config not found"))
	}
	return c.JSON(cfg)
}

func (h *Handler) upsertTopicConfig(c *fiber.Ctx) error {
	var cfg model.TopicConfig
	if err := c.BodyParser(&cfg); err != nil {
		return fail(c, fiber.StatusBadRequest, errors.New("invalid request body"))
	}
	if err := h.validate.Struct(cfg); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	if err := cfg.Validate(); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	cfg.Timestamp = 0

	if err := h.deps.Configs.Upsert(c.Context(), cfg); err != nil {
		h.logger.Error("upsert topic config failed", "topic", cfg.Topic, "error", err)
		return fail(c, storeStatus(err), err)
	}
	h.logger.Info("topic config stored", "topic", cfg.Topic, "policy", cfg.CleanupPolicy)
	return c.Status(fiber.StatusCreated).JSON(cfg)
}

// deleteTopicConfig removes the config; ?purge=true also drops stored records.
func (h *Handler) deleteTopicConfig(c *fiber.Ctx) error {
	topic, reserved := reservedParam(c, "topic")
	if reserved {
		return fail(c, fiber.StatusBadRequest, model.ErrReservedTopic)
	}
	if err := h.deps.Configs.Delete(c.Context(), topic); err != nil {
		return fail(c, storeStatus(err), err)
	}
	if c.QueryBool("purge") {
		if err := h.deps.Keys.DropTopic(c.Context(), topic); err != nil {
			h.logger.Error("drop topic records failed", "topic", topic, "error", err)
			return fail(c, storeStatus(err), err)
		}
		if err := h.deps.Metadata.Delete(c.Context(), topic); err != nil {
			return fail(c, storeStatus(err), err)
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) queryKey(c *fiber.Ctx) error {
	topic, reserved := reservedParam(c, "topic")
	if reserved {
		return fail(c, fiber.StatusBadRequest, model.ErrReservedTopic)
	}
	cfg, err := h.deps.Configs.Get(c.Context(), topic)
	if err != nil {
		return fail(c, storeStatus(err), err)
	}
	if cfg == nil {
		return fail(c, fiber.StatusNotFound, errors.New("topic is not configured"))
	}

	recs, err := h.deps.Keys.FindByKey(c.Context(), topic, *model.HashKey([]byte(c.Params("key"))))
	if err != nil {
		return fail(c, storeStatus(err), err)
	}
	if recs == nil {
		recs = []model.KeyIndex{}
	}
	return c.JSON(recs)
}

type produceRequest struct {
	Topic     string  `json:"topic" validate:"required"`
	Partition *int32  `json:"partition" validate:"omitempty,min=0"`
	Key       *string `json:"key"`
	Value     *string `json:"value"`
}

func (h *Handler) produce(c *fiber.Ctx) error {
	if h.deps.Producer == nil {
		return fail(c, fiber.StatusServiceUnavailable, errors.New("producer not available"))
	}
	var req produceRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, errors.New("invalid request body"))
	}
	if err := h.validate.Struct(req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	if model.IsReservedTopic(req.Topic) {
		return fail(c, fiber.StatusBadRequest, model.ErrReservedTopic)
	}

	var key, value []byte
	if req.Key != nil {
		key = []byte(*req.Key)
	}
	if req.Value != nil {
		value = []byte(*req.Value)
	}
	delivery, err := h.deps.Producer.Produce(c.Context(), req.Topic, req.Partition, key, value)
	if err != nil {
		h.logger.Error("produce failed", "topic", req.Topic, "error", err)
		return fail(c, fiber.StatusInternalServerError, err)
	}
	return c.JSON(delivery)
}
