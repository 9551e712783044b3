package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/order-cli/internal/alias"
	"github.com/sells-group/order-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; one connection keeps them in force and
	// serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS order_states (
	conversation_id TEXT PRIMARY KEY,
	state           TEXT NOT NULL,
	version         INTEGER NOT NULL,
	requires_clarification INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS order_snapshots (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES order_states(conversation_id),
	message_id      TEXT NOT NULL,
	version         INTEGER NOT NULL,
	snapshot        TEXT NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (conversation_id, version)
);

CREATE TABLE IF NOT EXISTS product_mapping_cache (
	input_text           TEXT PRIMARY KEY,
	matched_product_name TEXT NOT NULL,
	confidence           REAL NOT NULL,
	hit_count            INTEGER NOT NULL DEFAULT 1,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS messages (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_order_states_updated_at ON order_states(updated_at);
CREATE INDEX IF NOT EXISTS idx_order_snapshots_conversation ON order_snapshots(conversation_id, version);
CREATE INDEX IF NOT EXISTS idx_mapping_cache_hits ON product_mapping_cache(hit_count);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetState(ctx context.Context, conversationID string) (*model.CumulativeOrderState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM order_states WHERE conversation_id = ?`, conversationID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrStateNotFound, "conversation %s", conversationID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get state %s", conversationID)
	}
	return decodeState([]byte(raw))
}

func (s *SQLiteStore) SaveMerge(ctx context.Context, prevVersion int, state *model.CumulativeOrderState, snap *model.Snapshot) error {
	stateJSON, snapJSON, err := encodeMerge(state, snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save merge")
	}
	defer tx.Rollback() //nolint:errcheck

	var res sql.Result
	if prevVersion == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO order_states (conversation_id, state, version, requires_clarification, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT(conversation_id) DO NOTHING`,
			state.ConversationID, string(stateJSON), state.Version, state.RequiresClarification, state.CreatedAt, state.UpdatedAt,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE order_states SET state = ?, version = ?, requires_clarification = ?, updated_at = ?
			 WHERE conversation_id = ? AND version = ?`,
			string(stateJSON), state.Version, state.RequiresClarification, state.UpdatedAt, state.ConversationID, prevVersion,
		)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: write state %s", state.ConversationID)
	}
	if err := checkVersionWrite(res, state.ConversationID, prevVersion); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO order_snapshots (id, conversation_id, message_id, version, snapshot, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.ConversationID, string(snap.MessageID), snap.Version, string(snapJSON), snap.CreatedAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert snapshot %s v%d", snap.ConversationID, snap.Version)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit save merge")
}

func (s *SQLiteStore) ListStates(ctx context.Context, filter StateFilter) ([]model.CumulativeOrderState, error) {
	query := `SELECT state FROM order_states WHERE 1=1`
	var args []any
	if filter.RequiresClarification != nil {
		query += ` AND requires_clarification = ?`
		args = append(args, *filter.RequiresClarification)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list states")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CumulativeOrderState
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan state")
		}
		st, err := decodeState([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list states iterate")
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, conversationID string) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM order_snapshots WHERE conversation_id = ? ORDER BY version ASC`, conversationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list snapshots %s", conversationID)
	}
	defer rows.Close() //nolint:errcheck

	out := []model.Snapshot{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		snap, err := decodeSnapshot([]byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list snapshots iterate")
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, conversationID string, version int) (*model.Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM order_snapshots WHERE conversation_id = ? AND version = ?`, conversationID, version,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrStateNotFound, "snapshot %s v%d", conversationID, version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get snapshot %s v%d", conversationID, version)
	}
	return decodeSnapshot([]byte(raw))
}

func (s *SQLiteStore) SnapshotForMessage(ctx context.Context, conversationID string, messageID model.MessageID) (*model.Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM order_snapshots WHERE conversation_id = ? AND message_id = ? ORDER BY version DESC LIMIT 1`,
		conversationID, string(messageID),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrStateNotFound, "snapshot %s for message %s", conversationID, messageID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: snapshot for message %s", messageID)
	}
	return decodeSnapshot([]byte(raw))
}

// AppendMessage logs msg once. Appending an id already logged for the same
// conversation is a no-op.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, kind, content, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		string(msg.ID), msg.ConversationID, string(msg.Role), string(msg.Kind), msg.Content, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append message %s", msg.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	var owner string
	if err := s.db.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, string(msg.ID)).Scan(&owner); err != nil {
		return eris.Wrapf(err, "sqlite: check message %s", msg.ID)
	}
	if owner != msg.ConversationID {
		return eris.Wrapf(model.ErrMessageIDInUse, "message %s is logged under %s", msg.ID, owner)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, kind, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list messages %s", conversationID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Kind, &m.Content, &m.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list messages iterate")
}

func (s *SQLiteStore) Lookup(ctx context.Context, key string) (*alias.CacheEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: begin lookup mapping")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE product_mapping_cache SET hit_count = hit_count + 1, updated_at = ? WHERE input_text = ?`,
		time.Now().UTC(), key,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: count mapping hit %q", key)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}

	e := alias.CacheEntry{Key: key}
	err = tx.QueryRowContext(ctx,
		`SELECT matched_product_name, confidence, hit_count, created_at, updated_at
		 FROM product_mapping_cache WHERE input_text = ?`, key,
	).Scan(&e.Canonical, &e.Confidence, &e.HitCount, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: lookup mapping %q", key)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: commit lookup mapping")
	}
	return &e, true, nil
}

func (s *SQLiteStore) Record(ctx context.Context, entry alias.CacheEntry) error {
	if entry.Key == "" || entry.Canonical == "" {
		return eris.New("sqlite: mapping needs key and canonical name")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO product_mapping_cache (input_text, matched_product_name, confidence, hit_count, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(input_text) DO UPDATE SET
		   matched_product_name = excluded.matched_product_name,
		   confidence = excluded.confidence,
		   updated_at = excluded.updated_at`,
		entry.Key, entry.Canonical, entry.Confidence, now, now,
	)
	return eris.Wrapf(err, "sqlite: record mapping %q", entry.Key)
}

func (s *SQLiteStore) ImportMappings(ctx context.Context, entries []alias.CacheEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import mappings")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO product_mapping_cache (input_text, matched_product_name, confidence, hit_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(input_text) DO UPDATE SET
		   matched_product_name = excluded.matched_product_name,
		   confidence = excluded.confidence,
		   hit_count = excluded.hit_count,
		   updated_at = excluded.updated_at`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare import mappings")
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, e := range importRows(entries) {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Canonical, e.Confidence, e.HitCount, e.CreatedAt, e.UpdatedAt); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import mapping %q", e.Key)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import mappings")
	}
	return n, nil
}

func (s *SQLiteStore) ListMappings(ctx context.Context, limit int) ([]alias.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT input_text, matched_product_name, confidence, hit_count, created_at, updated_at
		 FROM product_mapping_cache ORDER BY hit_count DESC, input_text ASC LIMIT ?`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list mappings")
	}
	defer rows.Close() //nolint:errcheck

	var out []alias.CacheEntry
	for rows.Next() {
		var e alias.CacheEntry
		if err := rows.Scan(&e.Key, &e.Canonical, &e.Confidence, &e.HitCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mapping")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list mappings iterate")
}

// helpers

func checkVersionWrite(res sql.Result, conversationID string, prevVersion int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrVersionConflict, "conversation %s expected version %d", conversationID, prevVersion)
	}
	return nil
}

func encodeMerge(state *model.CumulativeOrderState, snap *model.Snapshot) ([]byte, []byte, error) {
	if state == nil || snap == nil {
		return nil, nil, eris.New("store: save merge needs state and snapshot")
	}
	if snap.ConversationID != state.ConversationID || snap.Version != state.Version {
		return nil, nil, eris.Errorf("store: snapshot %s v%d does not match state %s v%d",
			snap.ConversationID, snap.Version, state.ConversationID, state.Version)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal state")
	}
	snapJSON, err := json.Marshal(snap)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal snapshot")
	}
	return stateJSON, snapJSON, nil
}

func decodeState(raw []byte) (*model.CumulativeOrderState, error) {
	var st model.CumulativeOrderState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal state")
	}
	if st.Items == nil {
		st.Items = []model.CumulativeItem{}
	}
	if st.PendingClarifications == nil {
		st.PendingClarifications = []string{}
	}
	return &st, nil
}

func decodeSnapshot(raw []byte) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal snapshot")
	}
	return &snap, nil
}

// importRows drops entries without a key or target and fills defaults for
// hit counts and timestamps.
func importRows(entries []alias.CacheEntry) []alias.CacheEntry {
	now := time.Now().UTC()
	out := make([]alias.CacheEntry, 0, len(entries))
	for _, e := range entries {
		if e.Key == "" || e.Canonical == "" {
			continue
		}
		if e.HitCount <= 0 {
			e.HitCount = 1
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if e.UpdatedAt.IsZero() {
			e.UpdatedAt = now
		}
		out = append(out, e)
	}
	return out
}
