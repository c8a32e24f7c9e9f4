package pipeline

import (
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/herald/pipeline"

type metrics struct {
	segments      metric.Int64Counter
	transcripts   metric.Int64Counter
	verdicts      metric.Int64Counter
	dispatched    metric.Int64Counter
	deviceErrors  metric.Int64Counter
	sttDuration   metric.Float64Histogram
	audioDuration metric.Float64Histogram
}

var latencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	m := mp.Meter(instrumentationName)
	var err error
	out := &metrics{}

	if out.segments, err = m.Int64Counter("herald.segments",
		metric.WithDescription("Finalized speech segments by close reason."),
	); err != nil {
		return nil, err
	}
	if out.transcripts, err = m.Int64Counter("herald.transcripts",
		metric.WithDescription("Transcription outcomes by status."),
	); err != nil {
		return nil, err
	}
	if out.verdicts, err = m.Int64Counter("herald.verdicts",
		metric.WithDescription("Classifier decisions by stage and outcome."),
	); err != nil {
		return nil, err
	}
	if out.dispatched, err = m.Int64Counter("herald.announcements",
		metric.WithDescription("Dispatched announcements by category and status."),
	); err != nil {
		return nil, err
	}
	if out.deviceErrors, err = m.Int64Counter("herald.capture.errors",
		metric.WithDescription("Capture read failures by kind."),
	); err != nil {
		return nil, err
	}
	if out.sttDuration, err = m.Float64Histogram("herald.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if out.audioDuration, err = m.Float64Histogram("herald.segment.audio_duration",
		metric.WithDescription("Speech duration of finalized segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return out, nil
}
