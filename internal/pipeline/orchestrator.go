// Package pipeline runs the listen loop: capture, segment, transcribe,
// classify and dispatch, one utterance at a time.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/herald/internal/capture"
	"github.com/loqalabs/herald/internal/classify"
	"github.com/loqalabs/herald/internal/segment"
	"github.com/loqalabs/herald/internal/stt"
)

const (
	// flushTimeout bounds the work done on a segment flushed at shutdown.
	flushTimeout      = 30 * time.Second
	defaultRetryDelay = time.Second
)

type Transcriber interface {
	Transcribe(ctx context.Context, seg segment.Segment) (stt.Transcript, error)
}

type Classifier interface {
	Classify(text string) classify.Verdict
}

type Dispatcher interface {
	Dispatch(ctx context.Context, verdict classify.Verdict, tr stt.Transcript, category classify.Category) error
}

// Retention is the background redaction job.
type Retention interface {
	Run(ctx context.Context)
}

type Options struct {
	Open        capture.Opener
	Segmenter   *segment.Segmenter
	Transcriber Transcriber
	Classifier  Classifier
	Dispatcher  Dispatcher
	// Retention is optional.
	Retention Retention
	// AcceptAll bypasses the classifier and dispatches every transcript.
	AcceptAll   bool
	FlushOnStop bool
	RetryDelay  time.Duration
	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
}

type Orchestrator struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if opts.Open == nil || opts.Segmenter == nil || opts.Transcriber == nil || opts.Dispatcher == nil {
		return nil, errors.New("pipeline: opener, segmenter, transcriber and dispatcher are required")
	}
	if opts.Classifier == nil && !opts.AcceptAll {
		return nil, errors.New("pipeline: classifier required unless accept-all is set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m, err := newMetrics(mp)
	if err != nil {
		return nil, fmt.Errorf("pipeline metrics: %w", err)
	}
	if opts.AcceptAll {
		logger.Warn("classifier bypassed, every transcript will be stored")
	}
	return &Orchestrator{
		opts:    opts,
		logger:  logger.With(slog.String("component", "pipeline")),
		tracer:  otel.Tracer(instrumentationName),
		metrics: m,
	}, nil
}

// Running reports whether the listen loop is active.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// Stop asks Run to return at the next loop boundary.
func (o *Orchestrator) Stop() {
	o.running.Store(false)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Run listens until ctx is cancelled, Stop is called or a finite input ends.
// It only fails when the capture device cannot be opened at startup.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	src, err := o.opts.Open(ctx)
	if err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}
	o.running.Store(true)
	defer o.running.Store(false)

	var retention sync.WaitGroup
	if o.opts.Retention != nil {
		retention.Add(1)
		go func() {
			defer retention.Done()
			o.opts.Retention.Run(ctx)
		}()
	}
	defer retention.Wait()

	o.logger.Info("listening", slog.Bool("accept_all", o.opts.AcceptAll))
	src = o.listen(ctx, src)
	if src != nil {
		if err := src.Close(); err != nil {
			o.logger.Warn("failed to release capture device", slogError(err))
		}
	}
	cancel()
	o.logger.Info("listener stopped", slog.Any("segmenter", o.opts.Segmenter.Stats()))
	return nil
}

// listen drives the loop and returns the source that still needs closing.
func (o *Orchestrator) listen(ctx context.Context, src capture.Source) capture.Source {
	seg := o.opts.Segmenter
	for o.running.Load() && ctx.Err() == nil {
		chunk, err := src.Read(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			o.stopSegment(ctx)
			return src
		case errors.Is(err, capture.ErrOverflow):
			o.metrics.deviceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "overflow")))
			o.logger.Warn("capture overflow, continuing", slogError(err))
			continue
		case errors.Is(err, io.EOF):
			if s, ok := seg.Flush(); ok {
				o.process(ctx, s)
			}
			o.logger.Info("capture input ended")
			return src
		default:
			o.metrics.deviceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "read")))
			o.logger.Warn("capture read failed, reopening device", slogError(err))
			seg.Reset()
			_ = src.Close()
			src = o.reopen(ctx)
			if src == nil {
				return nil
			}
			continue
		}

		for _, s := range seg.Push(chunk) {
			if ctx.Err() != nil || !o.running.Load() {
				break
			}
			o.process(ctx, s)
		}
	}
	o.stopSegment(ctx)
	return src
}

// stopSegment handles the utterance in flight when a stop arrives.
func (o *Orchestrator) stopSegment(ctx context.Context) {
	seg := o.opts.Segmenter
	if !o.opts.FlushOnStop {
		if seg.State() == segment.SpeechActive {
			o.logger.Info("discarding in-flight segment on stop")
		}
		seg.Reset()
		return
	}
	s, ok := seg.Flush()
	if !ok {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	o.process(flushCtx, s)
}

// reopen retries the opener until it succeeds or ctx ends.
func (o *Orchestrator) reopen(ctx context.Context) capture.Source {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.opts.RetryDelay):
		}
		if !o.running.Load() {
			return nil
		}
		src, err := o.opts.Open(ctx)
		if err == nil {
			o.logger.Info("capture device reopened")
			return src
		}
		o.logger.Warn("capture reopen failed", slogError(err))
	}
}

// process takes one finalized segment through transcription, classification
// and dispatch. Failures are logged; none of them stop the loop.
func (o *Orchestrator) process(ctx context.Context, s segment.Segment) {
	ctx, span := o.tracer.Start(ctx, "herald.segment", trace.WithAttributes(
		attribute.String("segment.reason", string(s.Reason)),
		attribute.Float64("segment.duration_s", s.Duration.Seconds()),
	))
	defer span.End()

	o.metrics.segments.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(s.Reason))))
	o.metrics.audioDuration.Record(ctx, s.Duration.Seconds())

	started := time.Now()
	tr, err := o.opts.Transcriber.Transcribe(ctx, s)
	o.metrics.sttDuration.Record(ctx, time.Since(started).Seconds())
	if err != nil {
		status := "error"
		if errors.Is(err, stt.ErrEmptyTranscript) {
			status = "empty"
			o.logger.Debug("segment produced no text", slog.Duration("duration", s.Duration))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transcription failed")
			o.logger.Warn("transcription failed, segment discarded", slog.Duration("duration", s.Duration), slogError(err))
		}
		o.metrics.transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
		return
	}
	o.metrics.transcripts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "ok")))

	verdict := o.classify(tr.Text)
	span.SetAttributes(
		attribute.Bool("verdict.announcement", verdict.IsAnnouncement),
		attribute.String("verdict.stage", string(verdict.Stage)),
		attribute.Float64("verdict.score", verdict.Score),
	)
	o.metrics.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", string(verdict.Stage)),
		attribute.Bool("announcement", verdict.IsAnnouncement),
	))
	if !verdict.IsAnnouncement {
		o.logger.Debug("not an announcement", slog.String("stage", string(verdict.Stage)), slog.Float64("score", verdict.Score))
		return
	}

	category := classify.Categorize(tr.Text)
	span.SetAttributes(attribute.String("announcement.category", string(category)))
	status := "stored"
	if err := o.opts.Dispatcher.Dispatch(ctx, verdict, tr, category); err != nil {
		status = "lost"
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
	}
	o.metrics.dispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(category)),
		attribute.String("status", status),
	))
}

func (o *Orchestrator) classify(text string) classify.Verdict {
	if o.opts.AcceptAll {
		return classify.AcceptAll()
	}
	return o.opts.Classifier.Classify(text)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
