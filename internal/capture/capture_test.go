package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loqalabs/herald/internal/config"
)

func TestSelectDeviceDefault(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb-shure", Description: "Shure MV7", Available: true, Default: true},
		{ID: "alsa_input.pci-analog", Description: "Built-in Audio", Available: true},
	}
	sel, err := selectDevice(devices, "default", "default")
	require.NoError(t, err)
	require.Equal(t, "alsa_input.usb-shure", sel.Device.ID)
	require.Empty(t, sel.Warning)
	require.False(t, sel.Fallback)
}

func TestSelectDeviceMatchesDescription(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb-shure", Description: "Shure MV7", Available: true, Default: true},
		{ID: "alsa_input.pci-analog", Description: "Built-in Audio", Available: true},
	}
	sel, err := selectDevice(devices, "Built-in", "default")
	require.NoError(t, err)
	require.Equal(t, "alsa_input.pci-analog", sel.Device.ID)
}

func TestSelectDeviceMutedPrimaryFallsBack(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb-shure", Description: "Shure MV7", Available: true, Muted: true, Default: true},
		{ID: "alsa_input.pci-analog", Description: "Built-in Audio", Available: true},
	}
	sel, err := selectDevice(devices, "shure", "analog")
	require.NoError(t, err)
	require.Equal(t, "alsa_input.pci-analog", sel.Device.ID)
	require.True(t, sel.Fallback)
	require.Contains(t, sel.Warning, "muted")
}

func TestSelectDeviceFailures(t *testing.T) {
	_, err := selectDevice(nil, "default", "default")
	require.Error(t, err)

	devices := []Device{{ID: "mic", Description: "Mic", Available: false, Default: true}}
	_, err = selectDevice(devices, "default", "default")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not usable")

	_, err = selectDevice(devices, "missing", "default")
	require.Error(t, err)
	require.Contains(t, err.Error(), "did not match")
}

func TestListDevicesFailsWithoutPulse(t *testing.T) {
	t.Setenv("PULSE_SERVER", "unix:/tmp/herald-missing-pulse-server")
	_, err := ListDevices(context.Background())
	require.Error(t, err)
}

func TestSourceStateAndAvailability(t *testing.T) {
	require.Equal(t, "running", sourceState(0))
	require.Equal(t, "suspended", sourceState(2))
	require.Equal(t, "unknown(7)", sourceState(7))
	require.False(t, sourceAvailable(nil))
}

func TestPulseSourceChunksAndOverflow(t *testing.T) {
	s := newPulseSource(Device{ID: "mic"}, 4)

	n, err := s.onPCM([]byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	require.Equal(t, 6, n)

	chunk, err := s.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, chunk)

	// Fill the queue past its depth; the callback must not block.
	for i := 0; i < chunkQueueDepth+3; i++ {
		_, err := s.onPCM([]byte{0, 0, 0, 0})
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, s.Dropped())

	_, err = s.Read(context.Background())
	require.ErrorIs(t, err, ErrOverflow)

	// The stream continues after an overflow report.
	chunk, err = s.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6, 0, 0}, chunk)
}

func TestPulseSourceClose(t *testing.T) {
	s := newPulseSource(Device{ID: "mic"}, 4)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.onPCM([]byte{1, 2, 3, 4})
	require.ErrorIs(t, err, io.EOF)

	_, err = s.Read(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestReaderSourceDeliversChunksThenEOF(t *testing.T) {
	s := NewReaderSource(bytes.NewReader([]byte{1, 2, 3, 4, 5}), 2)
	defer s.Close()

	var got [][]byte
	for {
		chunk, err := s.Read(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, chunk)
	}
	require.Equal(t, [][]byte{{1, 2}, {3, 4}, {5}}, got)
}

func TestReaderSourceHonoursContext(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	s := NewReaderSource(r, 2)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Read(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

func TestReaderSourceWrapsReadFailures(t *testing.T) {
	s := NewReaderSource(brokenReader{}, 2)
	_, err := s.Read(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewOpener(t *testing.T) {
	_, err := NewOpener(config.CaptureConfig{Mode: "alsa"}, nil)
	require.Error(t, err)

	open, err := NewOpener(config.CaptureConfig{Mode: "stdin", ChunkBytes: 2048}, nil)
	require.NoError(t, err)
	src, err := open(context.Background())
	require.NoError(t, err)
	require.NoError(t, src.Close())

	_, err = open(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
