package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/herald/internal/config"
)

// createdAtLayout is fixed width so text comparison orders like time.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z"

// SQLite stores records in a local database file.
type SQLite struct {
	db    *sql.DB
	table string
	log   *slog.Logger
	clock func() time.Time
}

// OpenSQLite opens (creating if needed) the database at cfg.Path.
func OpenSQLite(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, table: cfg.Table, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil && log != nil {
			log.Warn("store vacuum failed", slog.String("error", err.Error()))
		}
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    transcription_text TEXT NOT NULL,
    created_at TEXT NOT NULL,
    device_id TEXT NOT NULL,
    audio_duration REAL NOT NULL,
    is_announcement INTEGER NOT NULL DEFAULT 1,
    announcement_type TEXT NOT NULL,
    redacted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_redacted_created ON %[1]s(redacted, created_at);
`, s.table)
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLite) Insert(ctx context.Context, rec Record) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s(transcription_text, created_at, device_id, audio_duration, is_announcement, announcement_type, redacted)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`, s.table),
		rec.Text, formatTime(rec.CreatedAt), rec.DeviceID, rec.AudioDuration, rec.IsAnnouncement, rec.Category, rec.Redacted)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLite) Redact(ctx context.Context, cutoff time.Time, marker string) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET transcription_text = ?, redacted = 1
		 WHERE redacted = 0 AND created_at < ?`, s.table),
		marker, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("redact records: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, transcription_text, created_at, device_id, audio_duration, is_announcement, announcement_type, redacted
		 FROM %s ORDER BY id DESC LIMIT ?`, s.table), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.Text, &created, &r.DeviceID, &r.AudioDuration, &r.IsAnnouncement, &r.Category, &r.Redacted); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(createdAtLayout, created); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(createdAtLayout)
}
