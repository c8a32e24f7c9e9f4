package dispatch

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loqalabs/herald/internal/config"
	"github.com/loqalabs/herald/internal/store"
)

func TestRetentionRunOnceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for _, age := range []time.Duration{20 * time.Minute, 15 * time.Minute, time.Minute} {
		_, err := st.Insert(ctx, store.Record{Text: "Platform 4 for the 12:10", CreatedAt: now.Add(-age), DeviceID: "d", Category: "travel", IsAnnouncement: true})
		require.NoError(t, err)
	}

	r := NewRetention(st, config.RetentionConfig{Enabled: true, Window: 10 * 60 * 1000, Interval: 1000, Marker: "[redacted]"}, slog.New(&recordingHandler{}))
	r.clock = func() time.Time { return now }

	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	first, err := st.Recent(ctx, 10)
	require.NoError(t, err)

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	second, err := st.Recent(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, first, second)

	redacted := 0
	for _, rec := range second {
		if rec.Redacted {
			redacted++
			require.Equal(t, "[redacted]", rec.Text)
			require.Equal(t, "travel", rec.Category)
		}
	}
	require.Equal(t, 2, redacted)
}

func TestRetentionRunStopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	_, err := st.Insert(context.Background(), store.Record{Text: "old", CreatedAt: time.Now().Add(-time.Hour), DeviceID: "d", Category: "other", IsAnnouncement: true})
	require.NoError(t, err)

	r := NewRetention(st, config.RetentionConfig{Window: 60000, Interval: 3600000, Marker: "[redacted]"}, slog.New(&recordingHandler{}))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		recs, _ := st.Recent(context.Background(), 1)
		return len(recs) == 1 && recs[0].Redacted
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retention did not stop")
	}
}
