package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/nodefluent/zamza/internal/model"
	"github.com/nodefluent/zamza/internal/store"
)

const keyIndexColumns = `hashed_key, partition, "offset", timestamp, key_raw, value, value_json, delete_at, from_stream, stored_at`

type keyIndex struct{ s *Store }

func (k keyIndex) Connected() bool {
	return k.s.db != nil && k.s.connected.Load()
}

// tableFor resolves the table of an already ensured topic.
func (k keyIndex) tableFor(ctx context.Context, topic string) (string, error) {
	if t, ok := k.s.collections.Load(topic); ok {
		return t.(string), nil
	}
	db, err := k.s.conn()
	if err != nil {
		return "", err
	}
	var table string
	err = db.QueryRowContext(ctx, `SELECT table_name FROM `+collectionTable+` WHERE topic = $1`, topic).Scan(&table)
	if err == sql.ErrNoRows {
		if err := k.EnsureTopic(ctx, topic); err != nil {
			return "", err
		}
		t, _ := k.s.collections.Load(topic)
		return t.(string), nil
	}
	if err != nil {
		return "", k.s.track(err)
	}
	k.s.collections.Store(topic, table)
	return table, nil
}

func collectionName(topic string) string {
	return fmt.Sprintf("zamza_ki_%08x", murmur3.Sum32([]byte(topic)))
}

func (k keyIndex) EnsureTopic(ctx context.Context, topic string) error {
	if _, ok := k.s.collections.Load(topic); ok {
		return nil
	}
	db, err := k.s.conn()
	if err != nil {
		return err
	}
	table := collectionName(topic)
	q := quoteIdentifier(table)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			hashed_key BIGINT,
			partition INTEGER NOT NULL,
			"offset" BIGINT NOT NULL,
			timestamp BIGINT,
			key_raw BYTEA,
			value BYTEA,
			value_json JSONB,
			delete_at BIGINT,
			from_stream BOOLEAN NOT NULL DEFAULT TRUE,
			stored_at BIGINT NOT NULL
		)`, q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (hashed_key)`, quoteIdentifier(table+"_key_idx"), q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (delete_at)`, quoteIdentifier(table+"_delete_idx"), q),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (partition, "offset")`, quoteIdentifier(table+"_offset_idx"), q),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return k.s.track(fmt.Errorf("create collection %s: %w", topic, err))
		}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO `+collectionTable+` (topic, table_name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (topic) DO NOTHING`, topic, table, time.Now().UnixMilli())
	if err != nil {
		return k.s.track(fmt.Errorf("register collection %s: %w", topic, err))
	}
	k.s.collections.Store(topic, table)
	k.s.logger.Info("collection ensured", "topic", topic, "table", table)
	return nil
}

func (k keyIndex) DropTopic(ctx context.Context, topic string) error {
	db, err := k.s.conn()
	if err != nil {
		return err
	}
	table := collectionName(topic)
	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS `+quoteIdentifier(table)); err != nil {
		return k.s.track(fmt.Errorf("drop collection %s: %w", topic, err))
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM `+collectionTable+` WHERE topic = $1`, topic); err != nil {
		return k.s.track(err)
	}
	k.s.collections.Delete(topic)
	return nil
}

func recordArgs(rec model.KeyIndex) []any {
	var valueJSON any
	if rec.ValueJSON != nil {
		valueJSON = string(rec.ValueJSON)
	}
	return []any{
		nullInt(rec.HashedKey), rec.Partition, rec.Offset, nullInt(rec.Timestamp), nullBytes(rec.KeyRaw),
		nullBytes(rec.Value), valueJSON, nullInt(rec.DeleteAt), rec.FromStream, rec.StoredAt,
	}
}

func (k keyIndex) Insert(ctx context.Context, topic string, rec model.KeyIndex) error {
	table, err := k.tableFor(ctx, topic)
	if err != nil {
		return err
	}
	_, err = k.s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		quoteIdentifier(table), keyIndexColumns), recordArgs(rec)...)
	return k.s.track(err)
}

func (k keyIndex) Upsert(ctx context.Context, topic string, rec model.KeyIndex) error {
	if rec.HashedKey == nil {
		return fmt.Errorf("upsert %s: record has no key", topic)
	}
	table, err := k.tableFor(ctx, topic)
	if err != nil {
		return err
	}
	q := quoteIdentifier(table)
	_, err = k.s.db.ExecContext(ctx, fmt.Sprintf(`
		WITH updated AS (
			UPDATE %[1]s SET partition = $2, "offset" = $3, timestamp = $4, key_raw = $5, value = $6,
				value_json = $7, delete_at = $8, from_stream = $9, stored_at = $10
			WHERE hashed_key = $1
			RETURNING id
		)
		INSERT INTO %[1]s (%[2]s)
		SELECT $1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10
		WHERE NOT EXISTS (SELECT 1 FROM updated)`, q, keyIndexColumns), recordArgs(rec)...)
	return k.s.track(err)
}

func (k keyIndex) DeleteByKey(ctx context.Context, topic string, hashedKey int64, fromStream bool) (int64, error) {
	table, err := k.tableFor(ctx, topic)
	if err != nil {
		return 0, err
	}
	res, err := k.s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE hashed_key = $1 AND from_stream = $2`,
		quoteIdentifier(table)), hashedKey, fromStream)
	if err != nil {
		return 0, k.s.track(err)
	}
	k.s.track(nil)
	return res.RowsAffected()
}

func (k keyIndex) FindByKey(ctx context.Context, topic string, hashedKey int64) ([]model.KeyIndex, error) {
	table, err := k.tableFor(ctx, topic)
	if err != nil {
		return nil, err
	}
	rows, err := k.s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE hashed_key = $1 ORDER BY stored_at DESC`,
		keyIndexColumns, quoteIdentifier(table)), hashedKey)
	if err != nil {
		return nil, k.s.track(err)
	}
	defer rows.Close()

	var out []model.KeyIndex
	for rows.Next() {
		var (
			rec               model.KeyIndex
			key, ts, deleteAt sql.NullInt64
			valueJSON         sql.NullString
		)
		if err := rows.Scan(&key, &rec.Partition, &rec.Offset, &ts, &rec.KeyRaw, &rec.Value,
			&valueJSON, &deleteAt, &rec.FromStream, &rec.StoredAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.HashedKey = fromNullInt(key)
		rec.Timestamp = fromNullInt(ts)
		rec.DeleteAt = fromNullInt(deleteAt)
		if valueJSON.Valid {
			rec.ValueJSON = []byte(valueJSON.String)
		}
		out = append(out, rec)
	}
	return out, k.s.track(rows.Err())
}

func (k keyIndex) DeleteExpired(ctx context.Context, topic string, now int64) (int64, error) {
	table, err := k.tableFor(ctx, topic)
	if err != nil {
		return 0, err
	}
	res, err := k.s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE delete_at IS NOT NULL AND delete_at <= $1`,
		quoteIdentifier(table)), now)
	if err != nil {
		return 0, k.s.track(err)
	}
	k.s.track(nil)
	return res.RowsAffected()
}

func (k keyIndex) Aggregate(ctx context.Context, topic string) (*model.TopicMetadata, error) {
	table, err := k.tableFor(ctx, topic)
	if err != nil {
		return nil, err
	}
	rows, err := k.s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT partition, COUNT(*), MIN("offset"), MAX("offset"),
			MIN(COALESCE(timestamp, stored_at)), MAX(COALESCE(timestamp, stored_at))
		FROM %s GROUP BY partition ORDER BY partition`, quoteIdentifier(table)))
	if err != nil {
		return nil, k.s.track(err)
	}
	defer rows.Close()

	md := &model.TopicMetadata{Topic: topic, Timestamp: time.Now().UnixMilli()}
	for rows.Next() {
		var (
			p                model.PartitionMetadata
			earliest, latest int64
		)
		if err := rows.Scan(&p.Partition, &p.MessageCount, &p.EarliestOffset, &p.LatestOffset, &earliest, &latest); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		if len(md.Partitions) == 0 {
			md.EarliestOffset, md.LatestOffset = p.EarliestOffset, p.LatestOffset
			md.EarliestMessage, md.LatestMessage = earliest, latest
		}
		md.MessageCount += p.MessageCount
		md.EarliestOffset = min(md.EarliestOffset, p.EarliestOffset)
		md.LatestOffset = max(md.LatestOffset, p.LatestOffset)
		md.EarliestMessage = min(md.EarliestMessage, earliest)
		md.LatestMessage = max(md.LatestMessage, latest)
		md.Partitions = append(md.Partitions, p)
	}
	md.PartitionCount = len(md.Partitions)
	return md, k.s.track(rows.Err())
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return b
}

func fromNullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

var _ store.KeyIndexStore = keyIndex{}
