package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/replay"
)

type startReplayRequest struct {
	Topic         string `json:"topic" validate:"required"`
	ConsumerGroup string `json:"consumerGroup"`
}

func replayStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrReservedTopic),
		errors.Is(err, replay.ErrNotRunning),
		errors.Is(err, replay.ErrTopicMismatch):
		return fiber.StatusBadRequest
	case errors.Is(err, replay.ErrConflict):
		return fiber.StatusConflict
	default:
		return storeStatus(err)
	}
}

func (h *Handler) currentReplay(c *fiber.Ctx) error {
	cur, err := h.deps.Replay.Current(c.Context())
	if err != nil {
		return fail(c, replayStatus(err), err)
	}
	return c.JSON(cur)
}

func (h *Handler) listReplays(c *fiber.Ctx) error {
	states, err := h.deps.Replay.List(c.Context())
	if err != nil {
		return fail(c, replayStatus(err), err)
	}
	return c.JSON(states)
}

func (h *Handler) startReplay(c *fiber.Ctx) error {
	var req startReplayRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, errors.New("body should be {topic, consumerGroup?}"))
	}
	if err := h.validate.Struct(req); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}

	state, err := h.deps.Replay.Start(c.Context(), req.Topic, req.ConsumerGroup)
	if err != nil {
		h.logger.Warn("start replay rejected", "topic", req.Topic, "error", err)
		return fail(c, replayStatus(err), err)
	}
	return c.JSON(state)
}

func (h *Handler) stopReplay(c *fiber.Ctx) error {
	if err := h.deps.Replay.Stop(c.Context(), c.Params("topic")); err != nil {
		return fail(c, replayStatus(err), err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) flushOne(c *fiber.Ctx) error {
	if err := h.deps.Replay.FlushOne(c.Context()); err != nil {
		return fail(c, replayStatus(err), err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) flushAll(c *fiber.Ctx) error {
	if err := h.deps.Replay.FlushAll(c.Context()); err != nil {
		return fail(c, replayStatus(err), err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
