// Package store persists announcement records and redacts aged transcripts.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/herald/internal/config"
)

// Record is one stored announcement. Rows are never deleted; redaction
// replaces Text with a marker and keeps the metadata.
type Record struct {
	ID             int64     `json:"id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	DeviceID       string    `json:"device_id"`
	AudioDuration  float64   `json:"audio_duration"` // seconds
	Category       string    `json:"category"`
	IsAnnouncement bool      `json:"is_announcement"`
	Redacted       bool      `json:"redacted"`
}

// Store is implemented by every backend.
type Store interface {
	// Insert stores rec and returns its id. A zero CreatedAt is set to now.
	Insert(ctx context.Context, rec Record) (int64, error)
	// Redact replaces the text of unredacted records created before cutoff
	// and reports how many rows changed. Already redacted rows are skipped.
	Redact(ctx context.Context, cutoff time.Time, marker string) (int64, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(ctx, cfg, log)
	case "postgres":
		return OpenPostgres(ctx, cfg)
	case "ephemeral":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
