// Package capture reads raw 16-bit mono PCM from an audio input.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/loqalabs/herald/internal/config"
)

var (
	// ErrClosed means the stream is gone and the source must be reopened.
	ErrClosed = errors.New("capture: stream closed")
	// ErrOverflow means chunks were dropped because the reader fell behind.
	// It is not fatal; the next Read continues the stream.
	ErrOverflow = errors.New("capture: input overflow")
)

// Source yields fixed-size PCM chunks. Read returns io.EOF when a finite
// input is exhausted.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Opener opens a fresh Source; the pipeline calls it again after a device
// failure.
type Opener func(ctx context.Context) (Source, error)

// NewOpener returns the opener for the configured capture mode.
func NewOpener(cfg config.CaptureConfig, logger *slog.Logger) (Opener, error) {
	switch cfg.Mode {
	case "pulse":
		return func(ctx context.Context) (Source, error) {
			return OpenPulse(ctx, cfg, logger)
		}, nil
	case "stdin":
		used := false
		return func(context.Context) (Source, error) {
			if used {
				return nil, fmt.Errorf("%w: stdin cannot be reopened", ErrClosed)
			}
			used = true
			return NewReaderSource(os.Stdin, cfg.ChunkBytes), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

// ReaderSource adapts a byte stream such as stdin. Reads happen on a
// background goroutine so Read can honour context cancellation.
type ReaderSource struct {
	chunks chan []byte
	done   chan struct{}
	once   sync.Once
	err    error
}

func NewReaderSource(r io.Reader, chunkBytes int) *ReaderSource {
	s := &ReaderSource{
		chunks: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go s.pump(r, chunkBytes)
	return s
}

func (s *ReaderSource) pump(r io.Reader, chunkBytes int) {
	for {
		buf := make([]byte, chunkBytes)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.err = io.EOF
			} else {
				s.err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			close(s.chunks)
			return
		}
	}
}

func (s *ReaderSource) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-s.chunks:
		if !ok {
			return nil, s.err
		}
		return chunk, nil
	}
}

// Close stops delivering chunks. The underlying reader is left open.
func (s *ReaderSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
