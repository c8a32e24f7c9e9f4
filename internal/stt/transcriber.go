package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/herald/internal/config"
	"github.com/loqalabs/herald/internal/segment"
)

// ErrEmptyTranscript means the engine heard nothing worth keeping. It is
// not retried.
var ErrEmptyTranscript = errors.New("stt: empty transcript")

// Transcript is the text of one segment plus its timing.
type Transcript struct {
	Text       string
	Confidence float64
	Duration   time.Duration
	StartedAt  time.Time
}

// Transcriber applies a per-call timeout and a bounded attempt count to a
// Recognizer.
type Transcriber struct {
	recognizer Recognizer
	attempts   int
	timeout    time.Duration
	logger     *slog.Logger
}

func NewTranscriber(recognizer Recognizer, cfg config.STTConfig, logger *slog.Logger) *Transcriber {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcriber{
		recognizer: recognizer,
		attempts:   attempts,
		timeout:    time.Duration(cfg.TimeoutMS) * time.Millisecond,
		logger:     logger.With(slog.String("component", "stt")),
	}
}

// Transcribe returns the trimmed text for seg, ErrEmptyTranscript when the
// engine returned nothing, or the last engine error once attempts run out.
func (t *Transcriber) Transcribe(ctx context.Context, seg segment.Segment) (Transcript, error) {
	attempt := 0
	op := func() (TranscriptResult, error) {
		attempt++
		callCtx := ctx
		if t.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, t.timeout)
			defer cancel()
		}
		res, err := t.recognizer.Transcribe(callCtx, seg.PCM, seg.SampleRate, 1)
		if err != nil {
			if ctx.Err() != nil {
				return TranscriptResult{}, backoff.Permanent(ctx.Err())
			}
			return TranscriptResult{}, err
		}
		res.Text = strings.TrimSpace(res.Text)
		if res.Text == "" {
			return TranscriptResult{}, backoff.Permanent(ErrEmptyTranscript)
		}
		return res, nil
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(t.attempts)),
		backoff.WithNotify(func(err error, _ time.Duration) {
			t.logger.Warn("transcription attempt failed",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", t.attempts),
				slogError(err),
			)
		}),
	)
	if err != nil {
		if errors.Is(err, ErrEmptyTranscript) || errors.Is(err, context.Canceled) {
			return Transcript{}, err
		}
		return Transcript{}, fmt.Errorf("stt: transcription failed after %d attempt(s): %w", attempt, err)
	}
	return Transcript{
		Text:       res.Text,
		Confidence: res.Confidence,
		Duration:   seg.Duration,
		StartedAt:  seg.StartedAt,
	}, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
