package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nodefluent/zamza/internal/config"
	"github.com/nodefluent/zamza/internal/store"
)

// ApplySeed upserts the seeded topic configs and hooks. Hooks are matched by
// name, so re-applying a seed updates them in place.
func ApplySeed(ctx context.Context, st store.Store, seed *config.Seed, logger *slog.Logger) error {
	for _, cfg := range seed.Topics {
		if err := st.TopicConfigs().Upsert(ctx, cfg); err != nil {
			return fmt.Errorf("seed topic %s: %w", cfg.Topic, err)
		}
	}
	for _, h := range seed.Hooks {
		existing, err := st.Hooks().GetByName(ctx, h.Name)
		if err != nil {
			return fmt.Errorf("seed hook %s: %w", h.Name, err)
		}
		if existing != nil {
			h.ID = existing.ID
		}
		if _, err := st.Hooks().Upsert(ctx, h); err != nil {
			return fmt.Errorf("seed hook %s: %w", h.Name, err)
		}
	}
	logger.Info("seed applied", "topics", len(seed.Topics), "hooks", len(seed.Hooks))
	return nil
}
