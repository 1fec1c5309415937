// Package app assembles the long-running zamza process: store, broker
// clients, consume loops, hook dealer, replay handler, jobs and the admin API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nodefluent/zamza/internal/config"
	"github.com/nodefluent/zamza/internal/handler"
	"github.com/nodefluent/zamza/internal/hook"
	"github.com/nodefluent/zamza/internal/ingest"
	"github.com/nodefluent/zamza/internal/jobs"
	"github.com/nodefluent/zamza/internal/kafka"
	"github.com/nodefluent/zamza/internal/lock"
	"github.com/nodefluent/zamza/internal/metrics"
	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/poller"
	"github.com/nodefluent/zamza/internal/replay"
	"github.com/nodefluent/zamza/internal/store"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	instanceID string

	metrics   *metrics.Metrics
	store     store.Store
	kcfg      kafka.Config
	admin     *kafka.Client
	producer  *kafka.Producer
	discovery *kafka.Discovery

	poller   *poller.Poller
	dealer   *hook.Dealer
	engine   *ingest.Engine
	replay   *replay.Handler
	cleanup  *jobs.Cleanup
	metadata *jobs.Metadata

	live      *kafka.Consumer
	internals []*kafka.Consumer

	server *fiber.App
}

// New connects everything that can fail at startup. Nothing consumes until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{
		cfg:        cfg,
		logger:     logger,
		instanceID: uuid.NewString(),
		metrics:    metrics.New(),
		kcfg: kafka.Config{
			BootstrapServers: cfg.BootstrapServers,
			Username:         cfg.SASLUsername,
			Password:         cfg.SASLPassword,
			CALocation:       cfg.CALocation,
		},
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.store, err = OpenStore(cfg, logger); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := ApplySeed(ctx, a.store, seed, logger); err != nil {
			return nil, err
		}
	}

	if a.admin, err = kafka.NewClient(a.kcfg, logger); err != nil {
		return nil, err
	}
	internalTopics := []string{model.RetryTopic, model.ReplayTopic}
	if err = a.admin.EnsureTopics(ctx, internalTopics, cfg.InternalTopicPartitions, cfg.InternalTopicReplication); err != nil {
		return nil, fmt.Errorf("ensure internal topics: %w", err)
	}
	if a.producer, err = kafka.NewProducer(a.kcfg, logger); err != nil {
		return nil, err
	}
	a.discovery = kafka.NewDiscovery(a.admin, millis(cfg.Discovery.ScanMs), logger)

	a.poller = poller.New(a.store.TopicConfigs(), a.store.Hooks(), millis(cfg.Jobs.TopicConfigPollingMs), a.metrics, logger)

	// a nil *hook.Dealer must not end up inside the interface
	var dispatcher ingest.HookDispatcher
	if cfg.Hooks.Enabled {
		a.dealer, err = hook.NewDealer(hook.Options{
			Timeout:                 cfg.Hooks.Timeout(),
			Retries:                 cfg.Hooks.Retries,
			RetryTimeout:            cfg.Hooks.RetryTimeout(),
			SubscriptionConcurrency: cfg.Hooks.SubscriptionConcurrency,
			ReplayConcurrency:       cfg.Hooks.ReplayConcurrency,
			SkipValidation:          cfg.Hooks.SkipValidation,
		}, a.poller, a.store.Hooks(), a.producer, a.metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("create hook dealer: %w", err)
		}
		a.poller.OnHooksUpdated(a.dealer.ProcessHookUpdate)
		dispatcher = a.dealer
	}

	a.engine, err = ingest.New(ingest.Options{
		HooksEnabled:                 cfg.Hooks.Enabled,
		HooksOnly:                    cfg.Hooks.Only,
		MarshallForInvalidCharacters: cfg.MarshallForInvalidCharacters,
	}, a.poller, a.store.KeyIndex(), dispatcher, a.metrics, logger)
	if err != nil {
		return nil, err
	}

	a.replay = replay.NewHandler(a.instanceID, a.store.Replays(), a.producer, a.newMirror, a.metrics, logger)

	locker := lock.New(a.instanceID, a.store.Locks(), a.metrics, logger)
	a.cleanup = jobs.NewCleanup(a.store.KeyIndex(), a.poller, a.metrics, logger)
	a.metadata = jobs.NewMetadata(a.store.KeyIndex(), a.store.Metadata(), a.poller, locker, a.metrics, logger)

	if a.live, err = kafka.NewConsumer(a.kcfg, "live", cfg.GroupID, logger); err != nil {
		return nil, err
	}
	a.poller.OnTopicsChanged(topicSync(a.store.KeyIndex(), a.live, cfg.Hooks.Only, logger))

	if cfg.Hooks.Enabled {
		for _, topic := range internalTopics {
			c, err := kafka.NewConsumer(a.kcfg, model.OriginOf(topic).String(), cfg.GroupID+"-"+model.OriginOf(topic).String(), logger)
			if err != nil {
				return nil, err
			}
			a.internals = append(a.internals, c)
			if err := c.Subscribe([]string{topic}); err != nil {
				return nil, err
			}
		}
	}

	a.server = fiber.New(fiber.Config{
		AppName:               "zamza",
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	deps := handler.Deps{
		Configs:     a.store.TopicConfigs(),
		Hooks:       a.store.Hooks(),
		Keys:        a.store.KeyIndex(),
		Metadata:    a.store.Metadata(),
		Replay:      a.replay,
		Broker:      a.discovery,
		Producer:    a.producer,
		Marshalling: a.engine,
		Metrics:     a.metrics,
	}
	if a.dealer != nil {
		deps.Subscriptions = a.dealer
	}
	handler.New(deps, logger).SetupRoutes(a.server)

	logger.Info("zamza assembled", "instance_id", a.instanceID,
		"hooks_enabled", cfg.Hooks.Enabled, "hooks_only", cfg.Hooks.Only)
	return a, nil
}

func (a *App) newMirror(groupID string) (replay.Mirror, error) {
	c, err := kafka.NewConsumer(a.kcfg, "mirror", groupID, a.logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Run consumes and serves until ctx ends, then shuts down in dependency order.
func (a *App) Run(ctx context.Context) error {
	if err := a.poller.Poll(ctx); err != nil {
		a.logger.Error("initial config poll failed", "error", err)
	}

	a.live.Start(ctx, a.engine.Consume)
	for _, c := range a.internals {
		c.Start(ctx, a.engine.Consume)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { a.poller.Run(gctx); return nil })
	g.Go(func() error { a.discovery.Run(gctx); return nil })
	g.Go(func() error { a.cleanup.Run(gctx, millis(a.cfg.Jobs.CleanUpDeleteMs)); return nil })
	g.Go(func() error { a.metadata.Run(gctx, millis(a.cfg.Jobs.MetadataMs)); return nil })
	g.Go(func() error {
		a.logger.Info("starting server", "port", a.cfg.Port)
		if err := a.server.Listen(":" + a.cfg.Port); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server")
		return a.server.ShutdownWithTimeout(shutdownTimeout)
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.close(shutdownCtx)
	return err
}

// close releases in reverse order of use: consumers first so no handler
// runs against a closed producer or store.
func (a *App) close(ctx context.Context) {
	var errs []error
	if a.live != nil {
		errs = append(errs, a.live.Close())
	}
	for _, c := range a.internals {
		errs = append(errs, c.Close())
	}
	if a.replay != nil {
		errs = append(errs, a.replay.Close(ctx))
	}
	if a.dealer != nil {
		a.dealer.Close()
	}
	if a.producer != nil {
		a.producer.Close()
	}
	if a.admin != nil {
		a.admin.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Error("shutdown incomplete", "error", err)
		return
	}
	a.logger.Info("shutdown complete")
}

type subscriber interface {
	Subscribe(topics []string) error
}

// topicSync prepares storage for newly configured topics and moves the live
// consumer onto the configured set.
func topicSync(keys store.KeyIndexStore, live subscriber, hooksOnly bool, logger *slog.Logger) poller.TopicsChanged {
	return func(ctx context.Context, topics []string) {
		if !hooksOnly {
			for _, topic := range topics {
				if err := keys.EnsureTopic(ctx, topic); err != nil {
					logger.Error("ensure topic storage failed", "topic", topic, "error", err)
				}
			}
		}
		if err := live.Subscribe(topics); err != nil {
			logger.Error("adjust subscription failed", "topics", topics, "error", err)
		}
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
