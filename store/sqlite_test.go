package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfield/notekeep/internal/transform"
)

func newSQLiteTestDriver(t *testing.T) (*SQLite, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &SQLite{db: db}, mock
}

func TestSQLiteKV_GetFound(t *testing.T) {
	driver, mock := newSQLiteTestDriver(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries WHERE key = ?")).
		WithArgs("sync_token").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("abc123"))

	got, err := driver.KV().Get(context.Background(), "sync_token")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteKV_GetNotFound(t *testing.T) {
	driver, mock := newSQLiteTestDriver(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM kv_entries WHERE key = ?")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := driver.KV().Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteKV_Set(t *testing.T) {
	driver, mock := newSQLiteTestDriver(t)
	mock.ExpectExec(regexp.QuoteMeta("REPLACE INTO kv_entries (key,value) VALUES (?,?)")).
		WithArgs("sync_token", "xyz").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := driver.KV().Set(context.Background(), "sync_token", "xyz")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteItems_SaveAndGet(t *testing.T) {
	driver, mock := newSQLiteTestDriver(t)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	p := &transform.EncryptedPayload{UUID: "u1", ContentType: "Note", Content: "enc", EncItemKey: "key", UpdatedAt: &now}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("REPLACE INTO items (uuid,content_type,content,enc_item_key,created_at,updated_at,deleted) VALUES (?,?,?,?,?,?,?)")).
		WithArgs(p.UUID, p.ContentType, p.Content, p.EncItemKey, p.CreatedAt, p.UpdatedAt, p.Deleted).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := driver.Items().SaveItems(context.Background(), p)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteItems_GetItemNotFound(t *testing.T) {
	driver, mock := newSQLiteTestDriver(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT uuid, content_type, content, enc_item_key, created_at, updated_at, deleted FROM items WHERE uuid = ?")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := driver.Items().GetItem(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
