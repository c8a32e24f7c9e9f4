package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/loqalabs/herald/internal/config"
)

const (
	chunkQueueDepth = 64
	// A live source delivers silence as data, so a quiet queue means the
	// stream died underneath us.
	stallTimeout = 5 * time.Second
)

// Device describes one Pulse input source.
type Device struct {
	ID          string
	Description string
	State       string
	Available   bool
	Muted       bool
	Default     bool
}

// Selection is the resolved source plus a warning when a fallback was used.
type Selection struct {
	Device   Device
	Warning  string
	Fallback bool
}

func newClient() (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("herald"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	return client, nil
}

// ListDevices returns the Pulse input sources known to the server.
func ListDevices(_ context.Context) ([]Device, error) {
	client, err := newClient()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	defaultSource, err := client.DefaultSource()
	if err != nil {
		return nil, fmt.Errorf("read default source: %w", err)
	}

	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		devices = append(devices, Device{
			ID:          info.SourceName,
			Description: info.Device,
			State:       sourceState(info.State),
			Available:   sourceAvailable(info),
			Muted:       info.Mute,
			Default:     info.SourceName == defaultSource.ID(),
		})
	}
	return devices, nil
}

// SelectDevice resolves the configured input and fallback against live devices.
func SelectDevice(ctx context.Context, input, fallback string) (Selection, error) {
	devices, err := ListDevices(ctx)
	if err != nil {
		return Selection{}, err
	}
	return selectDevice(devices, input, fallback)
}

func selectDevice(devices []Device, input, fallback string) (Selection, error) {
	if len(devices) == 0 {
		return Selection{}, errors.New("no audio input devices found")
	}
	input = strings.ToLower(strings.TrimSpace(input))
	fallback = strings.ToLower(strings.TrimSpace(fallback))

	primary, err := findDevice(devices, input)
	if err != nil {
		return Selection{}, fmt.Errorf("capture.input: %w", err)
	}
	if usable(primary) {
		return Selection{Device: *primary}, nil
	}

	reason := "unavailable"
	if primary.Muted {
		reason = "muted"
	}
	alt, err := findDevice(devices, fallback)
	if err != nil {
		return Selection{}, fmt.Errorf("input %q is %s and capture.fallback failed: %w", primary.ID, reason, err)
	}
	if !usable(alt) {
		return Selection{}, fmt.Errorf("input %q is %s and fallback %q is not usable", primary.ID, reason, alt.ID)
	}
	return Selection{
		Device:   *alt,
		Warning:  fmt.Sprintf("input %q is %s; using %q", primary.ID, reason, alt.ID),
		Fallback: alt.ID != primary.ID,
	}, nil
}

// findDevice matches term against ids and descriptions; "" and "default"
// mean the server default source.
func findDevice(devices []Device, term string) (*Device, error) {
	if term == "" || term == "default" {
		for i := range devices {
			if devices[i].Default {
				return &devices[i], nil
			}
		}
		return nil, errors.New("default audio source is unavailable")
	}
	for i := range devices {
		if deviceMatches(devices[i], term) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%q did not match any device", term)
}

func usable(d *Device) bool { return d.Available && !d.Muted }

func deviceMatches(d Device, term string) bool {
	return strings.Contains(strings.ToLower(d.ID), term) ||
		strings.Contains(strings.ToLower(d.Description), term)
}

// PulseSource is a mono s16le record stream cut into fixed-size chunks.
// The Pulse callback never blocks: when the queue is full the chunk is
// dropped and the next Read reports ErrOverflow.
type PulseSource struct {
	device     Device
	chunkBytes int

	client *pulse.Client
	stream *pulse.RecordStream

	mu      sync.Mutex
	chunks  chan []byte
	pending []byte
	closed  bool

	overflow atomic.Bool
	dropped  atomic.Int64
}

// OpenPulse selects a device and starts recording from it.
func OpenPulse(ctx context.Context, cfg config.CaptureConfig, logger *slog.Logger) (*PulseSource, error) {
	selection, err := SelectDevice(ctx, cfg.Input, cfg.Fallback)
	if err != nil {
		return nil, err
	}
	if selection.Warning != "" && logger != nil {
		logger.Warn("capture fallback in use", slog.String("detail", selection.Warning))
	}

	client, err := newClient()
	if err != nil {
		return nil, err
	}
	source, err := client.SourceByID(selection.Device.ID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve source %q: %w", selection.Device.ID, err)
	}

	s := newPulseSource(selection.Device, cfg.ChunkBytes)
	s.client = client

	writer := pulse.NewWriter(writerFunc(s.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		pulse.RecordMono,
		pulse.RecordSampleRate(cfg.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(cfg.ChunkBytes)),
		pulse.RecordMediaName("herald listener"),
	)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create pulse record stream: %w", err)
	}
	s.stream = stream
	stream.Start()

	if logger != nil {
		logger.Info("capture device opened",
			slog.String("device", selection.Device.ID),
			slog.String("description", selection.Device.Description),
			slog.Int("sample_rate", cfg.SampleRate),
		)
	}
	return s, nil
}

func newPulseSource(device Device, chunkBytes int) *PulseSource {
	return &PulseSource{
		device:     device,
		chunkBytes: chunkBytes,
		chunks:     make(chan []byte, chunkQueueDepth),
	}
}

func (s *PulseSource) Device() Device { return s.device }

// Dropped reports chunks lost to overflow since the source was opened.
func (s *PulseSource) Dropped() int64 { return s.dropped.Load() }

func (s *PulseSource) Read(ctx context.Context) ([]byte, error) {
	if s.overflow.Swap(false) {
		return nil, ErrOverflow
	}
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case chunk, ok := <-s.chunks:
		if !ok {
			return nil, ErrClosed
		}
		return chunk, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no audio for %s", ErrClosed, stallTimeout)
	}
}

// Close stops the stream and releases the Pulse connection. Safe to call
// more than once.
func (s *PulseSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.chunks)
	s.mu.Unlock()

	if s.stream != nil {
		s.stream.Stop()
		s.stream.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

func (s *PulseSource) onPCM(buffer []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.EOF
	}

	s.pending = append(s.pending, buffer...)
	off := 0
	for len(s.pending)-off >= s.chunkBytes {
		chunk := make([]byte, s.chunkBytes)
		copy(chunk, s.pending[off:off+s.chunkBytes])
		off += s.chunkBytes
		select {
		case s.chunks <- chunk:
		default:
			s.overflow.Store(true)
			s.dropped.Add(1)
		}
	}
	s.pending = append(s.pending[:0], s.pending[off:]...)
	return len(buffer), nil
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }

func sourceState(state uint32) string {
	switch state {
	case 0:
		return "running"
	case 1:
		return "idle"
	case 2:
		return "suspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

func sourceAvailable(info *pulseproto.GetSourceInfoReply) bool {
	if info == nil {
		return false
	}
	for _, port := range info.Ports {
		if port.Name == info.ActivePortName {
			// unknown=0, no=1, yes=2
			return port.Available != 1
		}
	}
	return true
}
