package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/wrenfield/notekeep/internal/logger"
	"github.com/wrenfield/notekeep/internal/transform"
	"github.com/wrenfield/notekeep/migrations"
)

// pgBuilder is a squirrel statement builder using "$1, $2, ..." positional
// placeholders, matching the pgx driver.
var pgBuilder = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Postgres is a Driver backed by a PostgreSQL database, intended for demo
// hosts that want a shared, server-style backing store rather than a
// per-device local file.
type Postgres struct {
	db  *sql.DB
	log *logger.Logger
}

// NewPostgres opens a connection pool to the database at dsn, verifies
// reachability, applies pending migrations, and returns a ready Driver.
func NewPostgres(ctx context.Context, dsn string, log *logger.Logger) (*Postgres, error) {
	if log == nil {
		log = logger.Nop()
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(4)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}

	log.Debug().Msg("postgres store ready")
	return &Postgres{db: db, log: log}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// KV implements Driver.
func (p *Postgres) KV() KVStore { return &pgKV{db: p.db} }

// Items implements Driver.
func (p *Postgres) Items() ItemStore { return &pgItems{db: p.db} }

// classifyPgError reports whether err is a PostgreSQL error worth a caller
// retrying (connection loss, serialization failure, deadlock) as opposed to
// a permanent failure like a constraint violation.
func classifyPgError(err error) (code string, retryable bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	switch pgErr.Code {
	case pgerrcode.ConnectionException, pgerrcode.ConnectionDoesNotExist, pgerrcode.ConnectionFailure,
		pgerrcode.TransactionRollback, pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected,
		pgerrcode.CannotConnectNow:
		return pgErr.Code, true
	}
	return pgErr.Code, false
}

type pgKV struct{ db *sql.DB }

func (k *pgKV) Get(ctx context.Context, key string) (string, error) {
	query, args, err := pgBuilder.Select("value").From("kv_entries").Where(sq.Eq{"key": key}).ToSql()
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

func (k *pgKV) Set(ctx context.Context, key, value string) error {
	query, args, err := pgBuilder.
		Insert("kv_entries").
		Columns("key", "value").
		Values(key, value).
		Suffix("ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value").
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build kv set query: %w", err)
	}
	if _, err := k.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: kv set: %w", err)
	}
	return nil
}

func (k *pgKV) Remove(ctx context.Context, key string) error {
	query, args, err := pgBuilder.Delete("kv_entries").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("store: build kv remove query: %w", err)
	}
	if _, err := k.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: kv remove: %w", err)
	}
	return nil
}

type pgItems struct{ db *sql.DB }

func (it *pgItems) SaveItems(ctx context.Context, payloads ...*transform.EncryptedPayload) error {
	if len(payloads) == 0 {
		return nil
	}
	tx, err := it.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range payloads {
		query, args, err := pgBuilder.
			Insert("items").
			Columns("uuid", "content_type", "content", "enc_item_key", "created_at", "updated_at", "deleted").
			Values(p.UUID, p.ContentType, p.Content, p.EncItemKey, p.CreatedAt, p.UpdatedAt, p.Deleted).
			Suffix(`ON CONFLICT (uuid) DO UPDATE SET
				content_type = EXCLUDED.content_type,
				content      = EXCLUDED.content,
				enc_item_key = EXCLUDED.enc_item_key,
				created_at   = EXCLUDED.created_at,
				updated_at   = EXCLUDED.updated_at,
				deleted      = EXCLUDED.deleted`).
			ToSql()
		if err != nil {
			return fmt.Errorf("store: build item upsert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if _, retryable := classifyPgError(err); retryable {
				return fmt.Errorf("store: save item %s (retryable): %w", p.UUID, err)
			}
			return fmt.Errorf("store: save item %s: %w", p.UUID, err)
		}
	}
	return tx.Commit()
}

func (it *pgItems) GetItem(ctx context.Context, uuid string) (*transform.EncryptedPayload, error) {
	query, args, err := pgItemSelect().Where(sq.Eq{"uuid": uuid}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build item get query: %w", err)
	}
	p := &transform.EncryptedPayload{}
	err = it.db.QueryRowContext(ctx, query, args...).
		Scan(&p.UUID, &p.ContentType, &p.Content, &p.EncItemKey, &p.CreatedAt, &p.UpdatedAt, &p.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get item: %w", err)
	}
	return p, nil
}

func (it *pgItems) AllItems(ctx context.Context) ([]*transform.EncryptedPayload, error) {
	query, args, err := pgItemSelect().ToSql()
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
		p := &transform.EncryptedPayload{}
		if err := rows.Scan(&p.UUID, &p.ContentType, &p.Content, &p.EncItemKey, &p.CreatedAt, &p.UpdatedAt, &p.Deleted); err != nil {
			return nil, fmt.Errorf("store: scan item: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (it *pgItems) DeleteItems(ctx context.Context, uuids ...string) error {
	if len(uuids) == 0 {
		return nil
	}
	ids := make([]any, len(uuids))
	for i, u := range uuids {
		ids[i] = u
	}
	query, args, err := pgBuilder.Delete("items").Where(sq.Eq{"uuid": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("store: build item delete query: %w", err)
	}
	if _, err := it.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: delete items: %w", err)
	}
	return nil
}

func pgItemSelect() sq.SelectBuilder {
	return pgBuilder.Select("uuid", "content_type", "content", "enc_item_key", "created_at", "updated_at", "deleted").From("items")
}
