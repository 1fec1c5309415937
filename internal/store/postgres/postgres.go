// Package postgres backs the document store with Postgres. Each mirrored topic
// gets its own table, recorded in a collection registry.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/nodefluent/zamza/internal/store"
)

const (
	topicConfigTable   = "zamza_topic_config"
	hookTable          = "zamza_hook"
	replayTable        = "zamza_replay"
	lockTable          = "zamza_lock"
	topicMetadataTable = "zamza_topic_metadata"
	collectionTable    = "zamza_collection"

	schemaTimeout = 10 * time.Second
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ` + topicConfigTable + ` (
		topic TEXT PRIMARY KEY,
		cleanup_policy TEXT NOT NULL,
		retention_ms BIGINT NOT NULL DEFAULT 0,
		queryable BOOLEAN NOT NULL DEFAULT FALSE,
		timestamp BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + hookTable + ` (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		endpoint TEXT NOT NULL,
		authorization_header TEXT NOT NULL DEFAULT '',
		authorization_value TEXT NOT NULL DEFAULT '',
		disabled BOOLEAN NOT NULL DEFAULT FALSE,
		subscriptions JSONB NOT NULL DEFAULT '[]',
		timestamp BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + replayTable + ` (
		topic TEXT PRIMARY KEY,
		consumer_group TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		timestamp BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS zamza_replay_instance_idx ON ` + replayTable + ` (instance_id)`,
	`CREATE TABLE IF NOT EXISTS ` + lockTable + ` (
		name TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + topicMetadataTable + ` (
		topic TEXT PRIMARY KEY,
		snapshot JSONB NOT NULL,
		timestamp BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ` + collectionTable + ` (
		topic TEXT PRIMARY KEY,
		table_name TEXT NOT NULL UNIQUE,
		created_at BIGINT NOT NULL
	)`,
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type Store struct {
	dsn    string
	logger *slog.Logger
	openDB sqlOpenFunc

	initOnce  sync.Once
	initErr   error
	db        *sql.DB
	connected atomic.Bool

	// topic -> table name
	collections sync.Map
}

func New(dsn string, logger *slog.Logger) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	return &Store{dsn: dsn, logger: logger, openDB: sql.Open}, nil
}

// Connect opens the pool and creates the fixed tables.
func (s *Store) Connect() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("open postgres: %w", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
		defer cancel()

		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("create schema: %w", err)
				return
			}
		}
		s.db = db
		s.connected.Store(true)
		s.logger.Info("postgres store connected")
	})
	return s.initErr
}

func (s *Store) KeyIndex() store.KeyIndexStore { return keyIndex{s} }
func (s *Store) TopicConfigs() store.TopicConfigStore { return topicConfigs{s} }
func (s *Store) Hooks() store.HookStore { return hooks{s} }
func (s *Store) Replays() store.ReplayStore { return replays{s} }
func (s *Store) Locks() store.LockStore { return locks{s} }
func (s *Store) Metadata() store.MetadataStore { return metadata{s} }

func (s *Store) Close() error {
	s.connected.Store(false)
	if s.db == nil {
		return nil
	}
	s.logger.Info("postgres store closed")
	return s.db.Close()
}

func (s *Store) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, store.ErrNotConnected
	}
	return s.db, nil
}

// track flips the connected flag on connectivity errors and back on success.
func (s *Store) track(err error) error {
	switch {
	case err == nil:
		s.connected.Store(true)
	case isConnError(err):
		if s.connected.Swap(false) {
			s.logger.Error("postgres connection lost", "error", err)
		}
		return fmt.Errorf("%w: %v", store.ErrNotConnected, err)
	}
	return err
}

func isConnError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
