package stt

import "context"

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns the same text for every segment.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(context.Context, []byte, int, int) (TranscriptResult, error) {
	return TranscriptResult{Text: m.text, Confidence: 1}, nil
}
