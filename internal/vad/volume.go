// Package vad classifies fixed-duration PCM frames as speech or silence.
package vad

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrMalformedFrame is returned for frames that are empty or not aligned to
// 16-bit samples. Callers treat it as speech.
var ErrMalformedFrame = errors.New("vad: malformed pcm frame")

// Detector decides whether a single frame of 16-bit little-endian mono PCM
// contains speech.
type Detector interface {
	IsSpeech(frame []byte) (bool, error)
}

// Volume is an energy detector: a frame is speech when its RMS amplitude is
// strictly above Threshold (16-bit sample units).
type Volume struct {
	Threshold float64
}

// NewVolume returns a volume detector with the given RMS threshold.
func NewVolume(threshold float64) *Volume {
	return &Volume{Threshold: threshold}
}

func (v *Volume) IsSpeech(frame []byte) (bool, error) {
	if len(frame) == 0 || len(frame)%2 != 0 {
		return true, ErrMalformedFrame
	}
	return RMS(frame) > v.Threshold, nil
}

// RMS returns the root-mean-square amplitude of 16-bit little-endian PCM.
// A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}
