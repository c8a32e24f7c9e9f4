package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loqalabs/herald/internal/config"
)

// Postgres stores records in the hosted transcriptions table.
// All methods are safe for concurrent use.
type Postgres struct {
	pool  *pgxpool.Pool
	table string
}

// OpenPostgres connects to cfg.DSN and migrates the table.
func OpenPostgres(ctx context.Context, cfg config.StoreConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	p := &Postgres{pool: pool, table: cfg.Table}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return p, nil
}

// migrate creates the table, and adds the redacted column to tables that
// predate it.
func (p *Postgres) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id                 BIGSERIAL        PRIMARY KEY,
    transcription_text TEXT             NOT NULL,
    created_at         TIMESTAMPTZ      NOT NULL DEFAULT now(),
    device_id          TEXT             NOT NULL,
    audio_duration     DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_announcement    BOOLEAN          NOT NULL DEFAULT TRUE,
    announcement_type  TEXT             NOT NULL DEFAULT 'other'
);

ALTER TABLE %[1]s ADD COLUMN IF NOT EXISTS redacted BOOLEAN NOT NULL DEFAULT FALSE;

CREATE INDEX IF NOT EXISTS idx_%[1]s_redacted_created
    ON %[1]s (redacted, created_at);
`, p.table)
	_, err := p.pool.Exec(ctx, ddl)
	return err
}

func (p *Postgres) Insert(ctx context.Context, rec Record) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	q := fmt.Sprintf(`
		INSERT INTO %s
		    (transcription_text, created_at, device_id, audio_duration, is_announcement, announcement_type, redacted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`, p.table)

	var id int64
	err := p.pool.QueryRow(ctx, q,
		rec.Text,
		rec.CreatedAt.UTC(),
		rec.DeviceID,
		rec.AudioDuration,
		rec.IsAnnouncement,
		rec.Category,
		rec.Redacted,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres store: insert: %w", err)
	}
	return id, nil
}

func (p *Postgres) Redact(ctx context.Context, cutoff time.Time, marker string) (int64, error) {
	q := fmt.Sprintf(`
		UPDATE %s
		SET    transcription_text = $1, redacted = TRUE
		WHERE  redacted = FALSE AND created_at < $2`, p.table)
	tag, err := p.pool.Exec(ctx, q, marker, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres store: redact: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Recent(ctx context.Context, limit int) ([]Record, error) {
	q := fmt.Sprintf(`
		SELECT id, transcription_text, created_at, device_id, audio_duration, is_announcement, announcement_type, redacted
		FROM   %s
		ORDER  BY id DESC
		LIMIT  $1`, p.table)
	rows, err := p.pool.Query(ctx, q, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.Text, &r.CreatedAt, &r.DeviceID, &r.AudioDuration, &r.IsAnnouncement, &r.Category, &r.Redacted)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
