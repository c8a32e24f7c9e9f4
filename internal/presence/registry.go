// Package presence tracks which listeners are alive on the bus.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/herald/internal/bus"
	"github.com/loqalabs/herald/internal/config"
	"github.com/loqalabs/herald/internal/protocol"
)

// Listener is what this registry knows about one device.
type Listener struct {
	DeviceID   string    `json:"device_id"`
	VenueID    string    `json:"venue_id"`
	Capture    string    `json:"capture"`
	SampleRate int       `json:"sample_rate"`
	Listening  bool      `json:"listening"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

// Options describe the local listener.
type Options struct {
	Device     config.DeviceConfig
	Capture    string
	SampleRate int
	Version    string
	// Listening reports whether the local pipeline is running.
	Listening func() bool
}

type Registry struct {
	opts   Options
	log    *slog.Logger
	bus    *bus.Client
	clock  func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	mu        sync.RWMutex
	listeners map[string]*Listener
}

// Start subscribes to presence traffic, announces the local listener and
// begins heartbeating.
func Start(ctx context.Context, opts Options, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		opts:      opts,
		log:       log.With(slog.String("component", "presence")),
		bus:       busClient,
		clock:     time.Now,
		cancel:    cancel,
		listeners: make(map[string]*Listener),
	}
	if r.opts.Listening == nil {
		r.opts.Listening = func() bool { return true }
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce listener", slogError(err))
	}

	interval := time.Duration(opts.Device.HeartbeatInterval) * time.Millisecond
	r.wg.Add(2)
	go r.runHeartbeat(ctx, interval)
	go r.monitorHealth(ctx, interval)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectListenerAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectListenerHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.ListenerAnnouncement{
		DeviceID:   r.opts.Device.ID,
		VenueID:    r.opts.Device.VenueID,
		Version:    r.opts.Version,
		Capture:    r.opts.Capture,
		SampleRate: r.opts.SampleRate,
		Timestamp:  r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectListenerAnnounce, msg); err != nil {
		return err
	}
	r.applyAnnouncement(msg)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.ListenerHeartbeat{
		DeviceID:  r.opts.Device.ID,
		Listening: r.opts.Listening(),
		Timestamp: r.clock().UTC(),
	}
	return r.bus.PublishJSON(protocol.HeartbeatSubject(msg.DeviceID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.ListenerAnnouncement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.DeviceID == "" {
		r.log.Warn("invalid listener announcement", slog.String("subject", msg.Subject))
		return
	}
	r.applyAnnouncement(a)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.ListenerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.DeviceID == "" {
		r.log.Warn("invalid listener heartbeat", slog.String("subject", msg.Subject))
		return
	}
	r.applyHeartbeat(hb)
}

func (r *Registry) applyAnnouncement(a protocol.ListenerAnnouncement) {
	seen := a.Timestamp
	if seen.IsZero() {
		seen = r.clock().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.entry(a.DeviceID)
	l.VenueID = a.VenueID
	l.Capture = a.Capture
	l.SampleRate = a.SampleRate
	l.LastSeen = seen
	l.Healthy = true
}

func (r *Registry) applyHeartbeat(hb protocol.ListenerHeartbeat) {
	seen := hb.Timestamp
	if seen.IsZero() {
		seen = r.clock().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.entry(hb.DeviceID)
	l.Listening = hb.Listening
	l.LastSeen = seen
	l.Healthy = true
}

// entry must be called with mu held.
func (r *Registry) entry(id string) *Listener {
	l, ok := r.listeners[id]
	if !ok {
		l = &Listener{DeviceID: id}
		r.listeners[id] = l
	}
	return l
}

func (r *Registry) evaluateHealth() {
	timeout := time.Duration(r.opts.Device.HeartbeatTimeout) * time.Millisecond
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		if l.Healthy && now.Sub(l.LastSeen) > timeout {
			l.Healthy = false
			r.log.Warn("listener missed heartbeats", slog.String("device_id", l.DeviceID), slog.Time("last_seen", l.LastSeen))
		}
	}
}

// Healthy reports whether the local listener is still considered alive by
// its own registry.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listeners[r.opts.Device.ID]
	return ok && l.Healthy
}

// Listeners returns a snapshot sorted by device id.
func (r *Registry) Listeners() []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/herald/presence")
	known, err := meter.Int64ObservableGauge("herald.listeners.known", metric.WithDescription("Listeners seen on the bus"))
	if err != nil {
		return err
	}
	healthy, err := meter.Int64ObservableGauge("herald.listeners.healthy", metric.WithDescription("Listeners with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		k, h := r.counts()
		obs.ObserveInt64(known, k)
		obs.ObserveInt64(healthy, h)
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) counts() (known, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.listeners {
		known++
		if l.Healthy {
			healthy++
		}
	}
	return known, healthy
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
