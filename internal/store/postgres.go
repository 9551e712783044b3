package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/order-cli/internal/alias"
	"github.com/sells-group/order-cli/internal/db"
	"github.com/sells-group/order-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"get_state":      `SELECT state FROM order_states WHERE conversation_id = $1`,
	"list_snapshots": `SELECT snapshot FROM order_snapshots WHERE conversation_id = $1 ORDER BY version ASC`,
	"count_hit":      `UPDATE product_mapping_cache SET hit_count = hit_count + 1, updated_at = $1 WHERE input_text = $2 RETURNING matched_product_name, confidence, hit_count, created_at, updated_at`,
	"list_messages":  `SELECT id, conversation_id, role, kind, content, created_at FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns, minConns := int32(10), int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetState(ctx context.Context, conversationID string) (*model.CumulativeOrderState, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM order_states WHERE conversation_id = $1`, conversationID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrStateNotFound, "conversation %s", conversationID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get state %s", conversationID)
	}
	return decodeState(raw)
}

func (s *PostgresStore) SaveMerge(ctx context.Context, prevVersion int, state *model.CumulativeOrderState, snap *model.Snapshot) error {
	stateJSON, snapJSON, err := encodeMerge(state, snap)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save merge")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var sql string
	var args []any
	if prevVersion == 0 {
		sql = `INSERT INTO order_states (conversation_id, state, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5) ON CONFLICT (conversation_id) DO NOTHING`
		args = []any{state.ConversationID, stateJSON, state.Version, state.CreatedAt, state.UpdatedAt}
	} else {
		sql = `UPDATE order_states SET state = $1, version = $2, updated_at = $3
			WHERE conversation_id = $4 AND version = $5`
		args = []any{stateJSON, state.Version, state.UpdatedAt, state.ConversationID, prevVersion}
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: write state %s", state.ConversationID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrVersionConflict, "conversation %s expected version %d", state.ConversationID, prevVersion)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO order_snapshots (id, conversation_id, message_id, version, snapshot, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.ID, snap.ConversationID, string(snap.MessageID), snap.Version, snapJSON, snap.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert snapshot %s v%d", snap.ConversationID, snap.Version)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit save merge")
}

func (s *PostgresStore) ListStates(ctx context.Context, filter StateFilter) ([]model.CumulativeOrderState, error) {
	query := `SELECT state FROM order_states WHERE 1=1`
	var args []any
	if filter.RequiresClarification != nil {
		args = append(args, *filter.RequiresClarification)
		query += ` AND (state->>'requires_clarification')::boolean = $1`
	}
	args = append(args, listLimit(filter.Limit), max(filter.Offset, 0))
	query += ` ORDER BY updated_at DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list states")
	}
	defer rows.Close()

	var out []model.CumulativeOrderState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan state")
		}
		st, err := decodeState(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list states iterate")
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, conversationID string) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT snapshot FROM order_snapshots WHERE conversation_id = $1 ORDER BY version ASC`, conversationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list snapshots %s", conversationID)
	}
	defer rows.Close()

	out := []model.Snapshot{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		snap, err := decodeSnapshot(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list snapshots iterate")
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, conversationID string, version int) (*model.Snapshot, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM order_snapshots WHERE conversation_id = $1 AND version = $2`, conversationID, version,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrStateNotFound, "snapshot %s v%d", conversationID, version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get snapshot %s v%d", conversationID, version)
	}
	return decodeSnapshot(raw)
}

func (s *PostgresStore) SnapshotForMessage(ctx context.Context, conversationID string, messageID model.MessageID) (*model.Snapshot, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM order_snapshots WHERE conversation_id = $1 AND message_id = $2 ORDER BY version DESC LIMIT 1`,
		conversationID, string(messageID),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrStateNotFound, "snapshot %s for message %s", conversationID, messageID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: snapshot for message %s", messageID)
	}
	return decodeSnapshot(raw)
}

// AppendMessage logs msg once. Appending an id already logged for the same
// conversation is a no-op.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, kind, content, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		string(msg.ID), msg.ConversationID, string(msg.Role), string(msg.Kind), msg.Content, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append message %s", msg.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var owner string
	if err := s.pool.QueryRow(ctx, `SELECT conversation_id FROM messages WHERE id = $1`, string(msg.ID)).Scan(&owner); err != nil {
		return eris.Wrapf(err, "postgres: check message %s", msg.ID)
	}
	if owner != msg.ConversationID {
		return eris.Wrapf(model.ErrMessageIDInUse, "message %s is logged under %s", msg.ID, owner)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, role, kind, content, created_at FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list messages %s", conversationID)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var id, role, kind string
		if err := rows.Scan(&id, &m.ConversationID, &role, &kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan message")
		}
		m.ID, m.Role, m.Kind = model.MessageID(id), model.MessageRole(role), model.MessageKind(kind)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list messages iterate")
}

func (s *PostgresStore) Lookup(ctx context.Context, key string) (*alias.CacheEntry, bool, error) {
	e := alias.CacheEntry{Key: key}
	err := s.pool.QueryRow(ctx,
		`UPDATE product_mapping_cache SET hit_count = hit_count + 1, updated_at = $1 WHERE input_text = $2 RETURNING matched_product_name, confidence, hit_count, created_at, updated_at`,
		time.Now().UTC(), key,
	).Scan(&e.Canonical, &e.Confidence, &e.HitCount, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: lookup mapping %q", key)
	}
	return &e, true, nil
}

func (s *PostgresStore) Record(ctx context.Context, entry alias.CacheEntry) error {
	if entry.Key == "" || entry.Canonical == "" {
		return eris.New("postgres: mapping needs key and canonical name")
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO product_mapping_cache (input_text, matched_product_name, confidence, hit_count, created_at, updated_at)
		 VALUES ($1, $2, $3, 1, $4, $5)
		 ON CONFLICT (input_text) DO UPDATE SET
		   matched_product_name = EXCLUDED.matched_product_name,
		   confidence = EXCLUDED.confidence,
		   updated_at = EXCLUDED.updated_at`,
		entry.Key, entry.Canonical, entry.Confidence, now, now,
	)
	return eris.Wrapf(err, "postgres: record mapping %q", entry.Key)
}

var mappingColumns = []string{"input_text", "matched_product_name", "confidence", "hit_count", "created_at", "updated_at"}

func (s *PostgresStore) ImportMappings(ctx context.Context, entries []alias.CacheEntry) (int64, error) {
	valid := importRows(entries)
	rows := make([][]any, len(valid))
	for i, e := range valid {
		rows[i] = []any{e.Key, e.Canonical, e.Confidence, e.HitCount, e.CreatedAt, e.UpdatedAt}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "product_mapping_cache",
		Columns:      mappingColumns,
		ConflictKeys: []string{"input_text"},
		UpdateCols:   []string{"matched_product_name", "confidence", "hit_count", "updated_at"},
	}, rows)
	return n, eris.Wrap(err, "postgres: import mappings")
}

func (s *PostgresStore) ListMappings(ctx context.Context, limit int) ([]alias.CacheEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT input_text, matched_product_name, confidence, hit_count, created_at, updated_at
		 FROM product_mapping_cache ORDER BY hit_count DESC, input_text ASC LIMIT $1`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list mappings")
	}
	defer rows.Close()

	var out []alias.CacheEntry
	for rows.Next() {
		var e alias.CacheEntry
		if err := rows.Scan(&e.Key, &e.Canonical, &e.Confidence, &e.HitCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mapping")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list mappings iterate")
}
