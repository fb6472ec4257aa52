package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"github.com/wrenfield/notekeep/internal/logger"
	"github.com/wrenfield/notekeep/internal/transform"
	"github.com/wrenfield/notekeep/migrations"
)

// sqliteBuilder is a squirrel statement builder using "?" positional
// placeholders, matching the driver go-sqlite3 expects.
var sqliteBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// SQLite is a Driver backed by a local SQLite database file, for hosts
// that want durability across process restarts without running a separate
// database server.
type SQLite struct {
	db  *sql.DB
	log *logger.Logger
}

// NewSQLite opens (creating if necessary) the SQLite database at path,
// applies pending migrations, and returns a ready Driver.
func NewSQLite(ctx context.Context, path string, log *logger.Logger) (*SQLite, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := createFileIfNotExists(path); err != nil {
		return nil, fmt.Errorf("store: create sqlite file: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}

	log.Debug().Str("path", path).Msg("sqlite store ready")
	return &SQLite{db: db, log: log}, nil
}

func createFileIfNotExists(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		return f.Close()
	}
	return nil
}

// Close releases the underlying database connection.
func (s *SQLite) Close() error { return s.db.Close() }

// KV implements Driver.
func (s *SQLite) KV() KVStore { return &sqliteKV{db: s.db} }

// Items implements Driver.
func (s *SQLite) Items() ItemStore { return &sqliteItems{db: s.db} }

type sqliteKV struct{ db *sql.DB }

func (k *sqliteKV) Get(ctx context.Context, key string) (string, error) {
	query, args, err := sqliteBuilder.Select("value").From("kv_entries").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return "", fmt.Errorf("store: build kv get query: %w", err)
	}
	var value string
	if err := k.db.QueryRowContext(ctx, query, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: kv get: %w", err)
	}
	return value, nil
}

func (k *sqliteKV) Set(ctx context.Context, key, value string) error {
	query, args, err := sqliteBuilder.
		Replace("kv_entries").
		Columns("key", "value").
		Values(key, value).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build kv set query: %w", err)
	}
	if _, err := k.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: kv set: %w", err)
	}
	return nil
}

func (k *sqliteKV) Remove(ctx context.Context, key string) error {
	query, args, err := sqliteBuilder.Delete("kv_entries").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("store: build kv remove query: %w", err)
	}
	if _, err := k.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: kv remove: %w", err)
	}
	return nil
}

type sqliteItems struct{ db *sql.DB }

func (it *sqliteItems) SaveItems(ctx context.Context, payloads ...*transform.EncryptedPayload) error {
	if len(payloads) == 0 {
		return nil
	}
	tx, err := it.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range payloads {
		query, args, err := sqliteBuilder.
			Replace("items").
			Columns("uuid", "content_type", "content", "enc_item_key", "created_at", "updated_at", "deleted").
			Values(p.UUID, p.ContentType, p.Content, p.EncItemKey, p.CreatedAt, p.UpdatedAt, p.Deleted).
			ToSql()
		if err != nil {
			return fmt.Errorf("store: build item upsert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("store: save item %s: %w", p.UUID, err)
		}
	}
	return tx.Commit()
}

func (it *sqliteItems) GetItem(ctx context.Context, uuid string) (*transform.EncryptedPayload, error) {
	query, args, err := itemSelect(sqliteBuilder).Where(sq.Eq{"uuid": uuid}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build item get query: %w", err)
	}
	p, err := scanItem(it.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get item: %w", err)
	}
	return p, nil
}

func (it *sqliteItems) AllItems(ctx context.Context) ([]*transform.EncryptedPayload, error) {
	query, args, err := itemSelect(sqliteBuilder).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build item list query: %w", err)
	}
	rows, err := it.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list items: %w", err)
	}
	defer rows.Close()

	var out []*transform.EncryptedPayload
	for rows.Next() {
		p, err := scanItemRows(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan item: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (it *sqliteItems) DeleteItems(ctx context.Context, uuids ...string) error {
	if len(uuids) == 0 {
		return nil
	}
	ids := make([]any, len(uuids))
	for i, u := range uuids {
		ids[i] = u
	}
	query, args, err := sqliteBuilder.Delete("items").Where(sq.Eq{"uuid": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("store: build item delete query: %w", err)
	}
	if _, err := it.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: delete items: %w", err)
	}
	return nil
}

func itemSelect(b sq.StatementBuilderType) sq.SelectBuilder {
	return b.Select("uuid", "content_type", "content", "enc_item_key", "created_at", "updated_at", "deleted").From("items")
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*transform.EncryptedPayload, error) {
	return scanItemRows(row)
}

func scanItemRows(row rowScanner) (*transform.EncryptedPayload, error) {
	p := &transform.EncryptedPayload{}
	if err := row.Scan(&p.UUID, &p.ContentType, &p.Content, &p.EncItemKey, &p.CreatedAt, &p.UpdatedAt, &p.Deleted); err != nil {
		return nil, err
	}
	return p, nil
}
