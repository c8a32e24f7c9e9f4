package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/herald/internal/config"
)

// execRecognizer runs an external transcription command once per segment.
// The command receives --audio <wav> (plus --model and --language when set)
// and prints {"text": ..., "confidence": ...} on stdout.
type execRecognizer struct {
	cmd       []string
	modelPath string
	language  string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{cmd: args, modelPath: cfg.ModelPath, language: cfg.Language}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	var result TranscriptResult
	err := withTempWAV(pcm, sampleRate, channels, func(path string) error {
		args := append([]string{}, r.cmd[1:]...)
		args = append(args, "--audio", path)
		if r.modelPath != "" {
			args = append(args, "--model", r.modelPath)
		}
		if r.language != "" {
			args = append(args, "--language", r.language)
		}

		command := exec.CommandContext(ctx, r.cmd[0], args...)
		var stdout, stderr bytes.Buffer
		command.Stdout = &stdout
		command.Stderr = &stderr
		if err := command.Run(); err != nil {
			return fmt.Errorf("stt command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}

		var resp execResult
		if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
			return fmt.Errorf("decode stt response: %w", err)
		}
		result = TranscriptResult{Text: resp.Text, Confidence: resp.Confidence}
		return nil
	})
	return result, err
}
