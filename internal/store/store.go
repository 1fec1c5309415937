// Package store declares the document-store surface zamza depends on. Records
// of each mirrored topic live in their own collection; everything else is a
// fixed collection shared by the fleet.
package store

import (
	"context"
	"errors"

	"github.com/nodefluent/zamza/internal/model"
)

var (
	ErrNotConnected = errors.New("document store not connected")
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate key")
)

type KeyIndexStore interface {
	Connected() bool
	// EnsureTopic creates the collection and its indices for topic. Idempotent.
	EnsureTopic(ctx context.Context, topic string) error
	DropTopic(ctx context.Context, topic string) error
	Insert(ctx context.Context, topic string, rec model.KeyIndex) error
	// Upsert replaces the record with rec.HashedKey or inserts it.
	Upsert(ctx context.Context, topic string, rec model.KeyIndex) error
	DeleteByKey(ctx context.Context, topic string, hashedKey int64, fromStream bool) (int64, error)
	FindByKey(ctx context.Context, topic string, hashedKey int64) ([]model.KeyIndex, error)
	// DeleteExpired removes every record with deleteAt <= now.
	DeleteExpired(ctx context.Context, topic string, now int64) (int64, error)
	Aggregate(ctx context.Context, topic string) (*model.TopicMetadata, error)
}

type TopicConfigStore interface {
	List(ctx context.Context) ([]model.TopicConfig, error)
	Get(ctx context.Context, topic string) (*model.TopicConfig, error)
	Upsert(ctx context.Context, cfg model.TopicConfig) error
	Delete(ctx context.Context, topic string) error
}

type HookStore interface {
	List(ctx context.Context) ([]model.Hook, error)
	Get(ctx context.Context, id string) (*model.Hook, error)
	GetByName(ctx context.Context, name string) (*model.Hook, error)
	// Upsert stores hook, assigning an id when empty. Names are unique.
	Upsert(ctx context.Context, hook model.Hook) (*model.Hook, error)
	Delete(ctx context.Context, id string) error
}

type ReplayStore interface {
	Get(ctx context.Context, topic string) (*model.ReplayState, error)
	GetForInstance(ctx context.Context, instanceID string) (*model.ReplayState, error)
	List(ctx context.Context) ([]model.ReplayState, error)
	// Create inserts state unless the topic already has a row; false means it had.
	Create(ctx context.Context, state model.ReplayState) (bool, error)
	Upsert(ctx context.Context, state model.ReplayState) error
	Delete(ctx context.Context, topic string) error
	DeleteForInstance(ctx context.Context, instanceID string) error
	Truncate(ctx context.Context) error
}

type LockStore interface {
	// Acquire writes {holder, expiresAt} to the row for name when it is absent
	// or expired at now, and reports whether holder owns it afterwards.
	Acquire(ctx context.Context, name, holder string, now, expiresAt int64) (bool, error)
	// Extend adds by to the expiry of a row owned by holder and still valid at now.
	Extend(ctx context.Context, name, holder string, now, by int64) (bool, error)
	// Release deletes a row owned by holder and still valid at now.
	Release(ctx context.Context, name, holder string, now int64) (bool, error)
}

type MetadataStore interface {
	Get(ctx context.Context, topic string) (*model.TopicMetadata, error)
	List(ctx context.Context) ([]model.TopicMetadata, error)
	Upsert(ctx context.Context, md model.TopicMetadata) error
	Delete(ctx context.Context, topic string) error
}

type Store interface {
	KeyIndex() KeyIndexStore
	TopicConfigs() TopicConfigStore
	Hooks() HookStore
	Replays() ReplayStore
	Locks() LockStore
	Metadata() MetadataStore
	Close() error
}
