package stt

import (
	"context"
	"errors"
	"fmt"
	"os"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loqalabs/herald/internal/config"
)

// openAIRecognizer posts each segment to an OpenAI-compatible
// /audio/transcriptions endpoint. Endpoint may point at a self-hosted server.
type openAIRecognizer struct {
	client   oai.Client
	model    string
	language string
}

func NewOpenAIRecognizer(cfg config.STTConfig) (Recognizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("stt: api_key is required for openai mode")
	}
	if cfg.Model == "" {
		return nil, errors.New("stt: model is required for openai mode")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	// Retries are owned by the Transcriber.
	opts = append(opts, option.WithMaxRetries(0))
	return &openAIRecognizer{
		client:   oai.NewClient(opts...),
		model:    cfg.Model,
		language: cfg.Language,
	}, nil
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	var result TranscriptResult
	err := withTempWAV(pcm, sampleRate, channels, func(path string) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open wav: %w", err)
		}
		defer f.Close()

		params := oai.AudioTranscriptionNewParams{
			File:  oai.File(f, "segment.wav", "audio/wav"),
			Model: oai.AudioModel(r.model),
		}
		if r.language != "" {
			params.Language = oai.String(r.language)
		}
		resp, err := r.client.Audio.Transcriptions.New(ctx, params)
		if err != nil {
			return fmt.Errorf("openai transcription: %w", err)
		}
		result = TranscriptResult{Text: resp.Text}
		return nil
	})
	return result, err
}
