package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfield/notekeep/internal/transform"
)

func newPostgresTestDriver(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Postgres{db: db}, mock
}

func TestPostgresKV_GetFound(t *testing.T) {
	driver, mock := newPostgresTestDriver(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries WHERE key = $1")).
		WithArgs("sync_token").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("abc123"))

	got, err := driver.KV().Get(context.Background(), "sync_token")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKV_GetNotFound(t *testing.T) {
	driver, mock := newPostgresTestDriver(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries WHERE key = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := driver.KV().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresKV_SetUsesOnConflictUpsert(t *testing.T) {
	driver, mock := newPostgresTestDriver(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kv_entries (key,value) VALUES ($1,$2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value")).
		WithArgs("sync_token", "xyz").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := driver.KV().Set(context.Background(), "sync_token", "xyz")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresItems_Save(t *testing.T) {
	driver, mock := newPostgresTestDriver(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	p := &transform.EncryptedPayload{UUID: "u1", ContentType: "Note", Content: "enc", EncItemKey: "key", UpdatedAt: &now}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO items (uuid,content_type,content,enc_item_key,created_at,updated_at,deleted) VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (uuid) DO UPDATE SET")).
		WithArgs(p.UUID, p.ContentType, p.Content, p.EncItemKey, p.CreatedAt, p.UpdatedAt, p.Deleted).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := driver.Items().SaveItems(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresItems_DeleteMultiple(t *testing.T) {
	driver, mock := newPostgresTestDriver(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM items WHERE uuid IN ($1,$2)")).
		WithArgs("u1", "u2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err := driver.Items().DeleteItems(context.Background(), "u1", "u2")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
