package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/order-cli/internal/alias"
	"github.com/sells-group/order-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestPostgresStore_GetState(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	want, _ := mergedState("conv-1", 2, 60)

	mock.ExpectQuery(`SELECT state FROM order_states WHERE conversation_id = \$1`).
		WithArgs("conv-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(mustJSON(t, want)))

	got, err := s.GetState(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 60.0, got.Items[0].Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetState_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT state FROM order_states`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetState(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrStateNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveMerge_Insert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st, snap := mergedState("conv-1", 1, 50)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO order_states .* ON CONFLICT \(conversation_id\) DO NOTHING`).
		WithArgs("conv-1", pgxmock.AnyArg(), 1, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO order_snapshots`).
		WithArgs(snap.ID, "conv-1", "msg-1", 1, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveMerge(context.Background(), 0, st, snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveMerge_Update(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st, snap := mergedState("conv-1", 3, 70)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE order_states SET state = \$1, version = \$2, updated_at = \$3\s+WHERE conversation_id = \$4 AND version = \$5`).
		WithArgs(pgxmock.AnyArg(), 3, pgxmock.AnyArg(), "conv-1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO order_snapshots`).
		WithArgs(snap.ID, "conv-1", "msg-3", 3, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.SaveMerge(context.Background(), 2, st, snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveMerge_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st, snap := mergedState("conv-1", 3, 70)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE order_states`).
		WithArgs(pgxmock.AnyArg(), 3, pgxmock.AnyArg(), "conv-1", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.SaveMerge(context.Background(), 2, st, snap)
	require.Error(t, err)
	assert.True(t, eris.Is(err, model.ErrVersionConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveMerge_SnapshotFailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st, snap := mergedState("conv-1", 1, 50)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO order_states`).
		WithArgs("conv-1", pgxmock.AnyArg(), 1, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO order_snapshots`).
		WithArgs(snap.ID, "conv-1", "msg-1", 1, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := s.SaveMerge(context.Background(), 0, st, snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert snapshot")
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSnapshots(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	_, snap1 := mergedState("conv-1", 1, 50)
	_, snap2 := mergedState("conv-1", 2, 60)

	mock.ExpectQuery(`SELECT snapshot FROM order_snapshots WHERE conversation_id = \$1 ORDER BY version ASC`).
		WithArgs("conv-1").
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(mustJSON(t, snap1)).AddRow(mustJSON(t, snap2)))

	snaps, err := s.ListSnapshots(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, snap1.ID, snaps[0].ID)
	assert.Equal(t, 60.0, snaps[1].Items[0].Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListStates_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st, _ := mergedState("conv-1", 1, 50)

	mock.ExpectQuery(`requires_clarification'\)::boolean = \$1 ORDER BY updated_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs(true, 5, 10).
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(mustJSON(t, st)))

	yes := true
	got, err := s.ListStates(context.Background(), StateFilter{RequiresClarification: &yes, Limit: 5, Offset: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Messages(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("m1", "conv-1", "customer", "order", "50kg rice", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT id, conversation_id, role, kind, content, created_at FROM messages`).
		WithArgs("conv-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "conversation_id", "role", "kind", "content", "created_at"}).
			AddRow("m1", "conv-1", "customer", "order", "50kg rice", now))

	require.NoError(t, s.AppendMessage(context.Background(), &model.Message{
		ID: "m1", ConversationID: "conv-1", Role: model.RoleCustomer, Kind: model.KindOrder, Content: "50kg rice", CreatedAt: now,
	}))
	msgs, err := s.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MessageID("m1"), msgs[0].ID)
	assert.Equal(t, model.RoleCustomer, msgs[0].Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendMessage_Redelivered(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	msg := &model.Message{ID: "m1", ConversationID: "conv-1", Role: model.RoleCustomer, Kind: model.KindOrder, Content: "50kg rice", CreatedAt: now}

	mock.ExpectExec(`INSERT INTO messages .* ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("m1", "conv-1", "customer", "order", "50kg rice", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT conversation_id FROM messages WHERE id = \$1`).
		WithArgs("m1").
		WillReturnRows(pgxmock.NewRows([]string{"conversation_id"}).AddRow("conv-1"))
	require.NoError(t, s.AppendMessage(context.Background(), msg))

	mock.ExpectExec(`INSERT INTO messages`).
		WithArgs("m1", "conv-1", "customer", "order", "50kg rice", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT conversation_id FROM messages`).
		WithArgs("m1").
		WillReturnRows(pgxmock.NewRows([]string{"conversation_id"}).AddRow("conv-7"))
	err := s.AppendMessage(context.Background(), msg)
	assert.True(t, eris.Is(err, model.ErrMessageIDInUse))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SnapshotForMessage(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	_, snap := mergedState("conv-1", 2, 60)

	mock.ExpectQuery(`SELECT snapshot FROM order_snapshots WHERE conversation_id = \$1 AND message_id = \$2`).
		WithArgs("conv-1", "msg-2").
		WillReturnRows(pgxmock.NewRows([]string{"snapshot"}).AddRow(mustJSON(t, snap)))
	mock.ExpectQuery(`SELECT snapshot FROM order_snapshots`).
		WithArgs("conv-1", "msg-9").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.SnapshotForMessage(context.Background(), "conv-1", "msg-2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	_, err = s.SnapshotForMessage(context.Background(), "conv-1", "msg-9")
	assert.True(t, eris.Is(err, model.ErrStateNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Lookup(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE product_mapping_cache SET hit_count = hit_count \+ 1`).
		WithArgs(pgxmock.AnyArg(), "mchele").
		WillReturnRows(pgxmock.NewRows([]string{"matched_product_name", "confidence", "hit_count", "created_at", "updated_at"}).
			AddRow("rice", 0.95, 4, now, now))
	mock.ExpectQuery(`UPDATE product_mapping_cache`).
		WithArgs(pgxmock.AnyArg(), "unknown").
		WillReturnError(pgx.ErrNoRows)

	e, ok, err := s.Lookup(context.Background(), "mchele")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rice", e.Canonical)
	assert.Equal(t, 4, e.HitCount)

	_, ok, err = s.Lookup(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Record_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(input_text\) DO UPDATE`).
		WithArgs("mchele", "rice", 0.95, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Record(context.Background(), alias.CacheEntry{Key: "mchele", Canonical: "rice", Confidence: 0.95}))
	assert.Error(t, s.Record(context.Background(), alias.CacheEntry{Key: "mchele"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ImportMappings(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_product_mapping_cache"}, mappingColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "product_mapping_cache"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.ImportMappings(context.Background(), []alias.CacheEntry{
		{Key: "mchele", Canonical: "rice", Confidence: 0.95},
		{Key: "", Canonical: "dropped"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(pgxmock.AnyArg()).WillReturnError(errors.New("connection refused"))

	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: migrate")
	assert.NoError(t, mock.ExpectationsWereMet())
}
