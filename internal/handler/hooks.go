package handler

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/nodefluent/zamza/internal/model"
)

func (h *Handler) listHooks(c *fiber.Ctx) error {
	hooks, err := h.deps.Hooks.List(c.Context())
	if err != nil {
		h.logger.Error("list hooks failed", "error", err)
		return fail(c, storeStatus(err), err)
	}
	return c.JSON(hooks)
}

func (h *Handler) getHook(c *fiber.Ctx) error {
	hook, err := h.deps.Hooks.Get(c.Context(), c.Params("id"))
	if err != nil {
		return fail(c, storeStatus(err), err)
	}
	if hook == nil {
		return fail(c, fiber.StatusNotFound, errors.New("hook not found"))
	}
	return c.JSON(hook)
}

func (h *Handler) getHookByName(c *fiber.Ctx) error {
	hook, err := h.deps.Hooks.GetByName(c.Context(), c.Params("name"))
	if err != nil {
		return fail(c, storeStatus(err), err)
	}
	if hook == nil {
		return fail(c, fiber.StatusNotFound, errors.New("hook not found"))
	}
	return c.JSON(hook)
}

func (h *Handler) upsertHook(c *fiber.Ctx) error {
	var hook model.Hook
	if err := c.BodyParser(&hook); err != nil {
		return fail(c, fiber.StatusBadRequest, errors.New("invalid request body"))
	}
	if err := h.validate.Struct(hook); err != nil {
		return fail(c, fiber.StatusBadRequest, err)
	}
	for _, sub := range hook.Subscriptions {
		if model.IsReservedTopic(sub.Topic) {
			return fail(c, fiber.StatusBadRequest, fmt.Errorf("subscription %s: %w", sub.Topic, model.ErrReservedTopic))
		}
	}

	stored, err := h.deps.Hooks.Upsert(c.Context(), hook)
	if err != nil {
		h.logger.Error("upsert hook failed", "name", hook.Name, "error", err)
		return fail(c, storeStatus(err), err)
	}
	h.logger.Info("hook stored", "hook_id", stored.ID, "name", stored.Name, "subscriptions", len(stored.Subscriptions))
	return c.JSON(stored)
}

func (h *Handler) deleteHook(c *fiber.Ctx) error {
	if err := h.deps.Hooks.Delete(c.Context(), c.Params("id")); err != nil {
		return fail(c, storeStatus(err), err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
