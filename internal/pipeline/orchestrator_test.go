package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/loqalabs/herald/internal/capture"
	"github.com/loqalabs/herald/internal/classify"
	"github.com/loqalabs/herald/internal/config"
	"github.com/loqalabs/herald/internal/dispatch"
	"github.com/loqalabs/herald/internal/segment"
	"github.com/loqalabs/herald/internal/store"
	"github.com/loqalabs/herald/internal/stt"
	"github.com/loqalabs/herald/internal/vad"
)

const (
	rate       = 16000
	chunkBytes = 1024
	boarding   = "Attention all passengers, flight 123 is now boarding at gate 5"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func pcm(d time.Duration, voiced bool) []byte {
	samples := int(int64(rate) * int64(d) / int64(time.Second))
	buf := make([]byte, samples*2)
	if !voiced {
		return buf
	}
	for i := 0; i < samples; i++ {
		v := int16(3000)
		if (i/16)%2 == 1 {
			v = -3000
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func utterance(speech time.Duration) []byte {
	return append(pcm(speech, true), pcm(2100*time.Millisecond, false)...)
}

func newSegmenter(t *testing.T) *segment.Segmenter {
	t.Helper()
	s, err := segment.New(segment.Config{
		SampleRate:       rate,
		FrameDuration:    30 * time.Millisecond,
		SilenceThreshold: 2 * time.Second,
		MinSpeech:        2 * time.Second,
		MaxRecording:     45 * time.Second,
	}, vad.NewVolume(500))
	require.NoError(t, err)
	return s
}

func readerOpener(stream []byte) capture.Opener {
	return func(context.Context) (capture.Source, error) {
		return capture.NewReaderSource(bytes.NewReader(stream), chunkBytes), nil
	}
}

// textSequence returns each text in turn, then repeats the last one.
func textSequence(texts ...string) stt.Recognizer {
	var n atomic.Int32
	return stt.RecognizerFunc(func(context.Context, []byte, int, int) (stt.TranscriptResult, error) {
		i := int(n.Add(1)) - 1
		if i >= len(texts) {
			i = len(texts) - 1
		}
		return stt.TranscriptResult{Text: texts[i]}, nil
	})
}

type fixture struct {
	store *store.Memory
	orch  *Orchestrator
}

func newFixture(t *testing.T, open capture.Opener, rec stt.Recognizer, mutate func(*Options)) fixture {
	t.Helper()
	st := store.NewMemory()
	opts := Options{
		Open:          open,
		Segmenter:     newSegmenter(t),
		Transcriber:   stt.NewTranscriber(rec, config.STTConfig{Attempts: 1, TimeoutMS: 1000}, newLogger()),
		Classifier:    classify.New(config.DefaultClassifier()),
		Dispatcher:    dispatch.New(st, dispatch.Options{DeviceID: "gate-5", Attempts: 1}, newLogger()),
		RetryDelay:    5 * time.Millisecond,
		MeterProvider: noop.NewMeterProvider(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	orch, err := New(opts, newLogger())
	require.NoError(t, err)
	return fixture{store: st, orch: orch}
}

func (f fixture) records(t *testing.T) []store.Record {
	t.Helper()
	recs, err := f.store.Recent(context.Background(), 100)
	require.NoError(t, err)
	return recs
}

func TestRunStoresAnnouncement(t *testing.T) {
	f := newFixture(t, readerOpener(utterance(3*time.Second)), stt.NewMockRecognizer(boarding), nil)

	require.NoError(t, f.orch.Run(context.Background()))
	require.False(t, f.orch.Running())

	recs := f.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, boarding, recs[0].Text)
	require.Equal(t, "travel", recs[0].Category)
	require.Equal(t, "gate-5", recs[0].DeviceID)
	require.InDelta(t, 3.0, recs[0].AudioDuration, 0.05)
}

func TestRunSkipsConversation(t *testing.T) {
	stream := append(utterance(3*time.Second), utterance(3*time.Second)...)
	rec := textSequence("I think the meeting starts at 3 PM", boarding)
	f := newFixture(t, readerOpener(stream), rec, nil)

	require.NoError(t, f.orch.Run(context.Background()))
	recs := f.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, boarding, recs[0].Text)
}

func TestRunDropsShortSpeech(t *testing.T) {
	var calls atomic.Int32
	rec := stt.RecognizerFunc(func(context.Context, []byte, int, int) (stt.TranscriptResult, error) {
		calls.Add(1)
		return stt.TranscriptResult{Text: boarding}, nil
	})
	f := newFixture(t, readerOpener(utterance(time.Second)), rec, nil)

	require.NoError(t, f.orch.Run(context.Background()))
	require.Zero(t, calls.Load())
	require.Empty(t, f.records(t))
}

func TestRunAcceptAllBypassesClassifier(t *testing.T) {
	f := newFixture(t, readerOpener(utterance(3*time.Second)), stt.NewMockRecognizer("How are you doing today?"), func(o *Options) {
		o.Classifier = nil
		o.AcceptAll = true
	})

	require.NoError(t, f.orch.Run(context.Background()))
	recs := f.records(t)
	require.Len(t, recs, 1)
	require.Equal(t, "other", recs[0].Category)
}

func TestRunContinuesAfterTranscriptionFailure(t *testing.T) {
	var n atomic.Int32
	rec := stt.RecognizerFunc(func(context.Context, []byte, int, int) (stt.TranscriptResult, error) {
		if n.Add(1) == 1 {
			return stt.TranscriptResult{}, errors.New("engine crashed")
		}
		return stt.TranscriptResult{Text: boarding}, nil
	})
	stream := append(utterance(3*time.Second), utterance(3*time.Second)...)
	f := newFixture(t, readerOpener(stream), rec, nil)

	require.NoError(t, f.orch.Run(context.Background()))
	require.Len(t, f.records(t), 1)
}

// scriptedSource replays reads and then blocks until cancelled.
type scriptedSource struct {
	mu     sync.Mutex
	reads  []scriptedRead
	closed atomic.Bool
}

type scriptedRead struct {
	chunk []byte
	err   error
}

func (s *scriptedSource) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if len(s.reads) == 0 {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	s.mu.Unlock()
	return r.chunk, r.err
}

func (s *scriptedSource) drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reads) == 0
}

func (s *scriptedSource) Close() error {
	s.closed.Store(true)
	return nil
}

func TestRunReopensAfterDeviceFailure(t *testing.T) {
	speech := pcm(3*time.Second, true)
	first := &scriptedSource{reads: []scriptedRead{
		{chunk: speech[:len(speech)/2]},
		{err: capture.ErrOverflow},
		{err: capture.ErrClosed},
	}}
	second := &scriptedSource{reads: []scriptedRead{{chunk: utterance(3 * time.Second)}}}

	var mu sync.Mutex
	sources := []*scriptedSource{first, second}
	opens := 0
	open := func(context.Context) (capture.Source, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if opens == 2 {
			return nil, errors.New("device busy")
		}
		src := sources[0]
		sources = sources[1:]
		return src, nil
	}

	f := newFixture(t, open, stt.NewMockRecognizer(boarding), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.records(t)) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, f.orch.Running())
	require.True(t, first.closed.Load())

	cancel()
	require.NoError(t, <-done)
	require.True(t, second.closed.Load())

	mu.Lock()
	require.Equal(t, 3, opens)
	mu.Unlock()
	// The half utterance from the failed device never reaches the store.
	require.Len(t, f.records(t), 1)
}

func TestStopDiscardsInFlightSegment(t *testing.T) {
	src := &scriptedSource{reads: []scriptedRead{{chunk: pcm(3*time.Second, true)}}}
	f := newFixture(t, func(context.Context) (capture.Source, error) { return src, nil }, stt.NewMockRecognizer(boarding), nil)

	done := make(chan error, 1)
	go func() { done <- f.orch.Run(context.Background()) }()
	require.Eventually(t, f.orch.Running, time.Second, time.Millisecond)
	require.Eventually(t, src.drained, time.Second, time.Millisecond)

	f.orch.Stop()
	require.NoError(t, <-done)
	require.True(t, src.closed.Load())
	require.Empty(t, f.records(t))
}

func TestStopFlushesWhenConfigured(t *testing.T) {
	src := &scriptedSource{reads: []scriptedRead{{chunk: pcm(3*time.Second, true)}}}
	f := newFixture(t, func(context.Context) (capture.Source, error) { return src, nil }, stt.NewMockRecognizer(boarding), func(o *Options) {
		o.FlushOnStop = true
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()
	require.Eventually(t, src.drained, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.Len(t, f.records(t), 1)
}

func TestRunFailsWhenDeviceUnavailable(t *testing.T) {
	f := newFixture(t, func(context.Context) (capture.Source, error) {
		return nil, errors.New("no such device")
	}, stt.NewMockRecognizer(boarding), nil)

	err := f.orch.Run(context.Background())
	require.ErrorContains(t, err, "open capture device")
}

type countingRetention struct{ stopped atomic.Bool }

func (r *countingRetention) Run(ctx context.Context) {
	<-ctx.Done()
	r.stopped.Store(true)
}

func TestRunStopsRetention(t *testing.T) {
	ret := &countingRetention{}
	f := newFixture(t, readerOpener(utterance(3*time.Second)), stt.NewMockRecognizer(boarding), func(o *Options) {
		o.Retention = ret
	})
	require.NoError(t, f.orch.Run(context.Background()))
	require.True(t, ret.stopped.Load())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{}, newLogger())
	require.Error(t, err)
}
