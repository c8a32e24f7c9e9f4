package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/herald/internal/config"
	"github.com/loqalabs/herald/internal/store"
)

// Retention periodically replaces the text of aged records with a marker.
// Rows are updated, never deleted.
type Retention struct {
	store    store.Store
	window   time.Duration
	interval time.Duration
	marker   string
	logger   *slog.Logger
	clock    func() time.Time
}

func NewRetention(st store.Store, cfg config.RetentionConfig, logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		store:    st,
		window:   time.Duration(cfg.Window) * time.Millisecond,
		interval: time.Duration(cfg.Interval) * time.Millisecond,
		marker:   cfg.Marker,
		logger:   logger.With(slog.String("component", "retention")),
		clock:    time.Now,
	}
}

// Run redacts once immediately and then every interval until ctx is done.
func (r *Retention) Run(ctx context.Context) {
	r.logger.Info("retention started", slog.Duration("window", r.window), slog.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("redaction failed", slogError(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("retention stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce redacts every unredacted record older than the window and returns
// how many rows changed.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.clock().UTC().Add(-r.window)
	n, err := r.store.Redact(ctx, cutoff, r.marker)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("records redacted", slog.Int64("count", n), slog.Time("cutoff", cutoff))
	}
	return n, nil
}
