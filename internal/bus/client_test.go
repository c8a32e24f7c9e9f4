package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/herald/internal/config"
	"github.com/loqalabs/herald/internal/natsserver"
	"github.com/loqalabs/herald/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublishJSON(t *testing.T) {
	client := startBus(t)
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	msgs := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectAnnouncementDetected, msgs)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	sent := protocol.AnnouncementEvent{EventID: "evt-1", DeviceID: "gate-b", Category: "travel", Text: "Now boarding"}
	if err := client.PublishJSON(protocol.SubjectAnnouncementDetected, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-msgs:
		var got protocol.AnnouncementEvent
		if err := json.Unmarshal(msg.Data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.EventID != "evt-1" || got.Category != "travel" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEnsureStreamIsIdempotent(t *testing.T) {
	client := startBus(t)
	for i := 0; i < 2; i++ {
		if err := client.EnsureStream("ANNOUNCEMENTS", []string{protocol.SubjectAnnouncementDetected}, time.Hour); err != nil {
			t.Fatalf("ensure stream (run %d): %v", i+1, err)
		}
	}
	info, err := client.JetStream().StreamInfo("ANNOUNCEMENTS")
	if err != nil {
		t.Fatalf("stream info: %v", err)
	}
	if info.Config.MaxAge != time.Hour {
		t.Fatalf("unexpected max age %s", info.Config.MaxAge)
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}
