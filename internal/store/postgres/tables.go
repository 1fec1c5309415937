package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/store"
)

type topicConfigs struct{ s *Store }

func (t topicConfigs) List(ctx context.Context) ([]model.TopicConfig, error) {
	db, err := t.s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT topic, cleanup_policy, retention_ms, queryable, timestamp
		FROM `+topicConfigTable+` ORDER BY topic`)
	if err != nil {
		return nil, t.s.track(err)
	}
	defer rows.Close()

	var out []model.TopicConfig
	for rows.Next() {
		var c model.TopicConfig
		if err := rows.Scan(&c.Topic, &c.CleanupPolicy, &c.RetentionMs, &c.Queryable, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan topic config: %w", err)
		}
		out = append(out, c)
	}
	return out, t.s.track(rows.Err())
}

func (t topicConfigs) Get(ctx context.Context, topic string) (*model.TopicConfig, error) {
	db, err := t.s.conn()
	if err != nil {
		return nil, err
	}
	var c model.TopicConfig
	err = db.QueryRowContext(ctx, `SELECT topic, cleanup_policy, retention_ms, queryable, timestamp
		FROM `+topicConfigTable+` WHERE topic = $1`, topic).
		Scan(&c.Topic, &c.CleanupPolicy, &c.RetentionMs, &c.Queryable, &c.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, t.s.track(err)
	}
	return &c, nil
}

func (t topicConfigs) Upsert(ctx context.Context, cfg model.TopicConfig) error {
	db, err := t.s.conn()
	if err != nil {
		return err
	}
	if cfg.Timestamp == 0 {
		cfg.Timestamp = time.Now().UnixMilli()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO `+topicConfigTable+` (topic, cleanup_policy, retention_ms, queryable, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (topic) DO UPDATE SET cleanup_policy = EXCLUDED.cleanup_policy,
			retention_ms = EXCLUDED.retention_ms, queryable = EXCLUDED.queryable, timestamp = EXCLUDED.timestamp`,
		cfg.Topic, string(cfg.CleanupPolicy), cfg.RetentionMs, cfg.Queryable, cfg.Timestamp)
	return t.s.track(err)
}

func (t topicConfigs) Delete(ctx context.Context, topic string) error {
	db, err := t.s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM `+topicConfigTable+` WHERE topic = $1`, topic)
	return t.s.track(err)
}

type hooks struct{ s *Store }

const hookColumns = `id, name, endpoint, authorization_header, authorization_value, disabled, subscriptions, timestamp`

func scanHook(row interface{ Scan(...any) error }) (*model.Hook, error) {
	var (
		h    model.Hook
		subs []byte
	)
	if err := row.Scan(&h.ID, &h.Name, &h.Endpoint, &h.AuthorizationHeader, &h.AuthorizationValue,
		&h.Disabled, &subs, &h.Timestamp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(subs, &h.Subscriptions); err != nil {
		return nil, fmt.Errorf("decode subscriptions of hook %s: %w", h.ID, err)
	}
	return &h, nil
}

func (h hooks) List(ctx context.Context) ([]model.Hook, error) {
	db, err := h.s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+hookColumns+` FROM `+hookTable+` ORDER BY name`)
	if err != nil {
		return nil, h.s.track(err)
	}
	defer rows.Close()

	var out []model.Hook
	for rows.Next() {
		hook, err := scanHook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hook: %w", err)
		}
		out = append(out, *hook)
	}
	return out, h.s.track(rows.Err())
}

func (h hooks) getBy(ctx context.Context, column, value string) (*model.Hook, error) {
	db, err := h.s.conn()
	if err != nil {
		return nil, err
	}
	hook, err := scanHook(db.QueryRowContext(ctx, `SELECT `+hookColumns+` FROM `+hookTable+` WHERE `+column+` = $1`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, h.s.track(err)
	}
	return hook, nil
}

func (h hooks) Get(ctx context.Context, id string) (*model.Hook, error) {
	return h.getBy(ctx, "id", id)
}

func (h hooks) GetByName(ctx context.Context, name string) (*model.Hook, error) {
	return h.getBy(ctx, "name", name)
}

func (h hooks) Upsert(ctx context.Context, hook model.Hook) (*model.Hook, error) {
	db, err := h.s.conn()
	if err != nil {
		return nil, err
	}
	if hook.ID == "" {
		existing, err := h.GetByName(ctx, hook.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			hook.ID = existing.ID
		} else {
			hook.ID = uuid.NewString()
		}
	}
	if hook.Subscriptions == nil {
		hook.Subscriptions = []model.Subscription{}
	}
	subs, err := json.Marshal(hook.Subscriptions)
	if err != nil {
		return nil, fmt.Errorf("encode subscriptions: %w", err)
	}
	hook.Timestamp = time.Now().UnixMilli()

	_, err = db.ExecContext(ctx, `
		INSERT INTO `+hookTable+` (`+hookColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, endpoint = EXCLUDED.endpoint,
			authorization_header = EXCLUDED.authorization_header,
			authorization_value = EXCLUDED.authorization_value, disabled = EXCLUDED.disabled,
			subscriptions = EXCLUDED.subscriptions, timestamp = EXCLUDED.timestamp`,
		hook.ID, hook.Name, hook.Endpoint, hook.AuthorizationHeader, hook.AuthorizationValue,
		hook.Disabled, string(subs), hook.Timestamp)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return nil, store.ErrDuplicate
	}
	if err != nil {
		return nil, h.s.track(err)
	}
	return &hook, nil
}

func (h hooks) Delete(ctx context.Context, id string) error {
	db, err := h.s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM `+hookTable+` WHERE id = $1`, id)
	return h.s.track(err)
}

type replays struct{ s *Store }

func (r replays) query(ctx context.Context, where string, args ...any) ([]model.ReplayState, error) {
	db, err := r.s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT topic, consumer_group, instance_id, timestamp FROM `+replayTable+
		where+` ORDER BY topic`, args...)
	if err != nil {
		return nil, r.s.track(err)
	}
	defer rows.Close()

	var out []model.ReplayState
	for rows.Next() {
		var st model.ReplayState
		if err := rows.Scan(&st.Topic, &st.ConsumerGroup, &st.InstanceID, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("scan replay: %w", err)
		}
		out = append(out, st)
	}
	return out, r.s.track(rows.Err())
}

func first(states []model.ReplayState, err error) (*model.ReplayState, error) {
	if err != nil || len(states) == 0 {
		return nil, err
	}
	return &states[0], nil
}

func (r replays) Get(ctx context.Context, topic string) (*model.ReplayState, error) {
	return first(r.query(ctx, ` WHERE topic = $1`, topic))
}

func (r replays) GetForInstance(ctx context.Context, instanceID string) (*model.ReplayState, error) {
	return first(r.query(ctx, ` WHERE instance_id = $1`, instanceID))
}

func (r replays) List(ctx context.Context) ([]model.ReplayState, error) {
	return r.query(ctx, "")
}

func (r replays) Create(ctx context.Context, st model.ReplayState) (bool, error) {
	db, err := r.s.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO `+replayTable+` (topic, consumer_group, instance_id, timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (topic) DO NOTHING`,
		st.Topic, st.ConsumerGroup, st.InstanceID, st.Timestamp)
	if err != nil {
		return false, r.s.track(err)
	}
	r.s.track(nil)
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r replays) Upsert(ctx context.Context, st model.ReplayState) error {
	return r.exec(ctx, `
		INSERT INTO `+replayTable+` (topic, consumer_group, instance_id, timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (topic) DO UPDATE SET consumer_group = EXCLUDED.consumer_group,
			instance_id = EXCLUDED.instance_id, timestamp = EXCLUDED.timestamp`,
		st.Topic, st.ConsumerGroup, st.InstanceID, st.Timestamp)
}

func (r replays) Delete(ctx context.Context, topic string) error {
	return r.exec(ctx, `DELETE FROM `+replayTable+` WHERE topic = $1`, topic)
}

func (r replays) DeleteForInstance(ctx context.Context, instanceID string) error {
	return r.exec(ctx, `DELETE FROM `+replayTable+` WHERE instance_id = $1`, instanceID)
}

func (r replays) Truncate(ctx context.Context) error {
	return r.exec(ctx, `DELETE FROM `+replayTable)
}

func (r replays) exec(ctx context.Context, query string, args ...any) error {
	db, err := r.s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, query, args...)
	return r.s.track(err)
}

type metadata struct{ s *Store }

func (m metadata) Get(ctx context.Context, topic string) (*model.TopicMetadata, error) {
	db, err := m.s.conn()
	if err != nil {
		return nil, err
	}
	var snapshot []byte
	err = db.QueryRowContext(ctx, `SELECT snapshot FROM `+topicMetadataTable+` WHERE topic = $1`, topic).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, m.s.track(err)
	}
	var md model.TopicMetadata
	if err := json.Unmarshal(snapshot, &md); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", topic, err)
	}
	return &md, nil
}

func (m metadata) List(ctx context.Context) ([]model.TopicMetadata, error) {
	db, err := m.s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT snapshot FROM `+topicMetadataTable+` ORDER BY topic`)
	if err != nil {
		return nil, m.s.track(err)
	}
	defer rows.Close()

	var out []model.TopicMetadata
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		var md model.TopicMetadata
		if err := json.Unmarshal(snapshot, &md); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		out = append(out, md)
	}
	return out, m.s.track(rows.Err())
}

func (m metadata) Upsert(ctx context.Context, md model.TopicMetadata) error {
	db, err := m.s.conn()
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO `+topicMetadataTable+` (topic, snapshot, timestamp)
		VALUES ($1, $2, $3)
		ON CONFLICT (topic) DO UPDATE SET snapshot = EXCLUDED.snapshot, timestamp = EXCLUDED.timestamp`,
		md.Topic, string(snapshot), md.Timestamp)
	return m.s.track(err)
}

func (m metadata) Delete(ctx context.Context, topic string) error {
	db, err := m.s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `DELETE FROM `+topicMetadataTable+` WHERE topic = $1`, topic)
	return m.s.track(err)
}
