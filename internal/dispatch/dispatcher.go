// Package dispatch persists announcements and fans them out to the alert
// backend and the bus.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/loqalabs/herald/internal/alert"
	"github.com/loqalabs/herald/internal/classify"
	"github.com/loqalabs/herald/internal/protocol"
	"github.com/loqalabs/herald/internal/store"
	"github.com/loqalabs/herald/internal/stt"
)

// ErrPersistence is returned when every insert attempt failed. The record is
// lost.
var ErrPersistence = errors.New("dispatch: record not persisted")

// Publisher is the subset of the bus client the dispatcher needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Options struct {
	DeviceID string
	VenueID  string
	Attempts int
	// Backoff is the delay before the second attempt; it doubles after that.
	Backoff time.Duration
	// Alert and Publisher are optional.
	Alert     alert.Sender
	Publisher Publisher
}

type Dispatcher struct {
	store     store.Store
	alert     alert.Sender
	publisher Publisher
	deviceID  string
	venueID   string
	attempts  uint
	backoff   time.Duration
	logger    *slog.Logger
	clock     func() time.Time
}

func New(st store.Store, opts Options, logger *slog.Logger) *Dispatcher {
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     st,
		alert:     opts.Alert,
		publisher: opts.Publisher,
		deviceID:  opts.DeviceID,
		venueID:   opts.VenueID,
		attempts:  uint(attempts),
		backoff:   opts.Backoff,
		logger:    logger.With(slog.String("component", "dispatch")),
		clock:     time.Now,
	}
}

// Dispatch stores an announcement and forwards it. Non-announcements are
// dropped without touching the store. Only persistence failures are returned;
// alert and bus failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, verdict classify.Verdict, tr stt.Transcript, category classify.Category) error {
	if !verdict.IsAnnouncement {
		return nil
	}
	rec := store.Record{
		Text:           tr.Text,
		CreatedAt:      d.clock().UTC(),
		DeviceID:       d.deviceID,
		AudioDuration:  tr.Duration.Seconds(),
		Category:       string(category),
		IsAnnouncement: true,
	}

	id, err := d.insert(ctx, rec)
	if err != nil {
		d.logger.Error("announcement lost", slog.String("category", rec.Category), slogError(err))
		return err
	}
	rec.ID = id
	d.logger.Info("announcement stored",
		slog.Int64("record_id", id),
		slog.String("category", rec.Category),
		slog.String("stage", string(verdict.Stage)),
		slog.Float64("confidence", verdict.Confidence),
	)

	if d.alert != nil {
		if err := d.alert.Send(ctx, rec.Category, rec.Text); err != nil {
			d.logger.Warn("alert delivery failed", slog.Int64("record_id", id), slogError(err))
		}
	}
	if d.publisher != nil {
		if err := d.publisher.PublishJSON(protocol.SubjectAnnouncementDetected, d.event(rec, verdict)); err != nil {
			d.logger.Warn("announcement event not published", slog.Int64("record_id", id), slogError(err))
		}
	}
	return nil
}

func (d *Dispatcher) insert(ctx context.Context, rec store.Record) (int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.backoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = d.backoff << 4

	attempt := 0
	op := func() (int64, error) {
		attempt++
		id, err := d.store.Insert(ctx, rec)
		if err != nil {
			d.logger.Warn("record insert failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", int(d.attempts)),
				slogError(err),
			)
			if ctx.Err() != nil {
				return 0, backoff.Permanent(ctx.Err())
			}
			return 0, err
		}
		return id, nil
	}
	id, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(d.attempts), backoff.WithMaxElapsedTime(0))
	if err != nil {
		return 0, fmt.Errorf("%w after %d attempts: %v", ErrPersistence, attempt, err)
	}
	return id, nil
}

func (d *Dispatcher) event(rec store.Record, verdict classify.Verdict) protocol.AnnouncementEvent {
	return protocol.AnnouncementEvent{
		EventID:       uuid.NewString(),
		RecordID:      rec.ID,
		DeviceID:      rec.DeviceID,
		VenueID:       d.venueID,
		Text:          rec.Text,
		Category:      rec.Category,
		Stage:         string(verdict.Stage),
		Score:         verdict.Score,
		Confidence:    verdict.Confidence,
		AudioDuration: rec.AudioDuration,
		DetectedAt:    rec.CreatedAt,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
