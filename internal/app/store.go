package app

import (
	"log/slog"

	"github.com/nodefluent/zamza/internal/config"
	"github.com/nodefluent/zamza/internal/store"
	"github.com/nodefluent/zamza/internal/store/memory"
	"github.com/nodefluent/zamza/internal/store/postgres"
)

// OpenStore connects the postgres store, or returns an in-memory one when no
// DSN is configured.
func OpenStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("no POSTGRES_DSN set, records are kept in memory only")
		return memory.New(), nil
	}
	st, err := postgres.New(cfg.PostgresDSN, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Connect(); err != nil {
		return nil, err
	}
	return st, nil
}
