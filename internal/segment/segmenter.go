// Package segment turns a continuous PCM stream into discrete speech segments.
//
// The Segmenter re-windows raw device chunks into fixed VAD frames and runs a
// small state machine over them:
//
//	Idle --speech--> SpeechActive --silence >= threshold--> Finalized --> Idle
//	                      |
//	                      +--elapsed >= max recording--> Finalized
//
// Silent frames inside an utterance are kept in the buffer so natural pauses
// survive transcription. Time is measured in audio time (frames processed
// multiplied by the frame duration), which tracks wall-clock time for a live
// stream and keeps the machine deterministic under test.
package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/herald/internal/vad"
)

// State is the segmenter's position in the utterance lifecycle.
type State int

const (
	Idle State = iota
	SpeechActive
	Finalized
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SpeechActive:
		return "speech_active"
	case Finalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Reason records why a segment was closed.
type Reason string

const (
	ReasonSilence     Reason = "silence"
	ReasonMaxDuration Reason = "max_duration"
	ReasonFlush       Reason = "flush"
)

// Config holds the timing constraints for segmentation.
type Config struct {
	SampleRate       int
	FrameDuration    time.Duration
	SilenceThreshold time.Duration
	MinSpeech        time.Duration
	MaxRecording     time.Duration
}

// Segment is one finalized utterance. Duration spans from the first speech
// frame to the end of the last speech frame; pauses in between are included.
type Segment struct {
	PCM        []byte
	SampleRate int
	Duration   time.Duration
	StartedAt  time.Time
	Reason     Reason
}

// Stats are cumulative counters since the segmenter was created.
type Stats struct {
	Windows   uint64
	VADErrors uint64
	Emitted   uint64
	Discarded uint64
}

// Segmenter is not safe for concurrent use; the orchestrator owns it.
type Segmenter struct {
	cfg        Config
	detector   vad.Detector
	now        func() time.Time
	frameBytes int

	state     State
	pending   []byte
	buf       []byte
	startedAt time.Time
	elapsed   time.Duration
	voiced    time.Duration
	silence   time.Duration
	stats     Stats
}

// New validates cfg and returns an idle segmenter.
func New(cfg Config, detector vad.Detector) (*Segmenter, error) {
	if detector == nil {
		return nil, errors.New("segment: detector is required")
	}
	if cfg.SampleRate <= 0 {
		return nil, errors.New("segment: sample rate must be positive")
	}
	if cfg.FrameDuration <= 0 {
		return nil, errors.New("segment: frame duration must be positive")
	}
	if cfg.SilenceThreshold <= 0 {
		return nil, errors.New("segment: silence threshold must be positive")
	}
	if cfg.MaxRecording <= cfg.MinSpeech {
		return nil, fmt.Errorf("segment: max recording %s must exceed min speech %s", cfg.MaxRecording, cfg.MinSpeech)
	}
	samples := int64(cfg.SampleRate) * int64(cfg.FrameDuration) / int64(time.Second)
	if samples <= 0 {
		return nil, errors.New("segment: frame duration too short for sample rate")
	}
	return &Segmenter{
		cfg:        cfg,
		detector:   detector,
		now:        time.Now,
		frameBytes: int(samples) * 2,
	}, nil
}

// FrameBytes is the size of one VAD window in bytes.
func (s *Segmenter) FrameBytes() int { return s.frameBytes }

func (s *Segmenter) State() State { return s.state }

func (s *Segmenter) Stats() Stats { return s.stats }

// Push feeds a raw capture chunk of any size and returns the segments that
// were finalized while consuming it, in capture order. Segments shorter than
// the minimum speech duration are dropped and counted in Stats.Discarded.
func (s *Segmenter) Push(chunk []byte) []Segment {
	s.pending = append(s.pending, chunk...)

	var out []Segment
	off := 0
	for len(s.pending)-off >= s.frameBytes {
		if seg, ok := s.step(s.pending[off : off+s.frameBytes]); ok {
			out = append(out, seg)
		}
		off += s.frameBytes
	}
	s.pending = append(s.pending[:0], s.pending[off:]...)
	return out
}

// Flush finalizes an in-progress utterance, subject to the minimum duration.
// Any partial VAD window is dropped.
func (s *Segmenter) Flush() (Segment, bool) {
	s.pending = s.pending[:0]
	if s.state != SpeechActive {
		return Segment{}, false
	}
	return s.finalize(ReasonFlush)
}

// Reset abandons any in-progress utterance and returns to Idle.
func (s *Segmenter) Reset() {
	s.pending = s.pending[:0]
	s.clear()
}

func (s *Segmenter) step(frame []byte) (Segment, bool) {
	speech, err := s.detector.IsSpeech(frame)
	if err != nil {
		s.stats.VADErrors++
		speech = true
	}
	s.stats.Windows++

	fd := s.cfg.FrameDuration
	switch s.state {
	case Idle:
		if !speech {
			return Segment{}, false
		}
		s.state = SpeechActive
		s.startedAt = s.now()
		s.buf = append(s.buf, frame...)
		s.elapsed = fd
		s.voiced = fd
		s.silence = 0
	case SpeechActive:
		s.elapsed += fd
		if speech {
			s.silence = 0
			s.voiced = s.elapsed
		} else {
			s.silence += fd
			if s.silence >= s.cfg.SilenceThreshold {
				return s.finalize(ReasonSilence)
			}
		}
		s.buf = append(s.buf, frame...)
	}

	if s.state == SpeechActive && s.elapsed >= s.cfg.MaxRecording {
		return s.finalize(ReasonMaxDuration)
	}
	return Segment{}, false
}

func (s *Segmenter) finalize(reason Reason) (Segment, bool) {
	s.state = Finalized
	seg := Segment{
		PCM:        s.buf,
		SampleRate: s.cfg.SampleRate,
		Duration:   s.voiced,
		StartedAt:  s.startedAt,
		Reason:     reason,
	}
	keep := seg.Duration >= s.cfg.MinSpeech
	s.buf = nil
	s.clear()
	if !keep {
		s.stats.Discarded++
		return Segment{}, false
	}
	s.stats.Emitted++
	return seg, true
}

func (s *Segmenter) clear() {
	s.state = Idle
	s.buf = s.buf[:0]
	s.startedAt = time.Time{}
	s.elapsed = 0
	s.voiced = 0
	s.silence = 0
}
