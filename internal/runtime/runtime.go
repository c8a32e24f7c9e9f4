// Package runtime wires the herald components together and owns their
// lifecycle.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/herald/internal/alert"
	"github.com/loqalabs/herald/internal/bus"
	"github.com/loqalabs/herald/internal/capture"
	"github.com/loqalabs/herald/internal/classify"
	"github.com/loqalabs/herald/internal/config"
	"github.com/loqalabs/herald/internal/dispatch"
	"github.com/loqalabs/herald/internal/natsserver"
	"github.com/loqalabs/herald/internal/pipeline"
	"github.com/loqalabs/herald/internal/presence"
	"github.com/loqalabs/herald/internal/protocol"
	"github.com/loqalabs/herald/internal/segment"
	"github.com/loqalabs/herald/internal/store"
	"github.com/loqalabs/herald/internal/stt"
	"github.com/loqalabs/herald/internal/vad"
)

const (
	announcementStream    = "ANNOUNCEMENTS"
	announcementRetention = 24 * time.Hour
	shutdownTimeout       = 10 * time.Second
)

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	version string

	// openCapture replaces the configured capture opener when set.
	openCapture capture.Opener

	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool

	store    store.Store
	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	presence *presence.Registry
	pipeline *pipeline.Orchestrator
}

func New(cfg config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		version: version,
	}
}

// Start runs herald until ctx is cancelled or the capture input ends.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler
	defer r.closeTelemetry()

	if err := r.build(ctx); err != nil {
		r.closeComponents()
		return err
	}
	defer r.closeComponents()

	listener, err := net.Listen("tcp", net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port)))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if r.metrics != nil && r.cfg.Telemetry.PrometheusBind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{Addr: r.cfg.Telemetry.PrometheusBind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		// A finished pipeline ends the process, including after a finite input.
		defer cancel()
		return r.pipeline.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
		if r.metricsServer != nil {
			if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("metrics shutdown error", slogError(err))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("device_id", r.cfg.Device.ID),
		slog.String("version", r.version),
	)
	return g.Wait()
}

// build opens every component in dependency order. Anything it opened is
// released by closeComponents.
func (r *Runtime) build(ctx context.Context) error {
	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	r.store = st

	var publisher dispatch.Publisher
	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
		publisher = r.bus
	}

	var sender alert.Sender
	if r.cfg.Alert.Enabled {
		sender = alert.NewClient(r.cfg.Alert, r.cfg.Device.VenueID)
	}

	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}
	seg, err := segment.New(segmentConfig(r.cfg), vad.NewVolume(r.cfg.Segmenter.VolumeThreshold))
	if err != nil {
		return fmt.Errorf("create segmenter: %w", err)
	}
	open := r.openCapture
	if open == nil {
		if open, err = capture.NewOpener(r.cfg.Capture, r.logger); err != nil {
			return err
		}
	}

	dispatcher := dispatch.New(st, dispatch.Options{
		DeviceID:  r.cfg.Device.ID,
		VenueID:   r.cfg.Device.VenueID,
		Attempts:  r.cfg.Store.InsertAttempts,
		Backoff:   time.Duration(r.cfg.Store.InsertBackoff) * time.Millisecond,
		Alert:     sender,
		Publisher: publisher,
	}, r.logger)

	opts := pipeline.Options{
		Open:        open,
		Segmenter:   seg,
		Transcriber: stt.NewTranscriber(recognizer, r.cfg.STT, r.logger),
		Classifier:  classify.New(r.cfg.Classifier),
		Dispatcher:  dispatcher,
		AcceptAll:   r.cfg.Classifier.AcceptAll,
		FlushOnStop: r.cfg.Segmenter.FlushOnStop,
		RetryDelay:  time.Duration(r.cfg.Capture.RetryDelay) * time.Millisecond,
	}
	if r.cfg.Retention.Enabled {
		opts.Retention = dispatch.NewRetention(st, r.cfg.Retention, r.logger)
	}
	if r.pipeline, err = pipeline.New(opts, r.logger); err != nil {
		return err
	}

	if r.bus != nil {
		r.presence, err = presence.Start(ctx, presence.Options{
			Device:     r.cfg.Device,
			Capture:    r.cfg.Capture.Mode,
			SampleRate: r.cfg.Capture.SampleRate,
			Version:    r.version,
			Listening:  r.pipeline.Running,
		}, r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
	}
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	if err := client.EnsureStream(announcementStream, []string{protocol.SubjectAnnouncementDetected}, announcementRetention); err != nil {
		return fmt.Errorf("ensure announcement stream: %w", err)
	}
	return nil
}

func segmentConfig(cfg config.Config) segment.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return segment.Config{
		SampleRate:       cfg.Capture.SampleRate,
		FrameDuration:    ms(cfg.Segmenter.FrameDurationMS),
		SilenceThreshold: ms(cfg.Segmenter.SilenceThreshold),
		MinSpeech:        ms(cfg.Segmenter.MinSpeech),
		MaxRecording:     ms(cfg.Segmenter.MaxRecording),
	}
}

// closeComponents releases components in reverse start order.
func (r *Runtime) closeComponents() {
	if r.presence != nil {
		r.presence.Close()
		r.presence = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("store close error", slogError(err))
		}
		r.store = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slogError(err))
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/announcements", r.handleAnnouncements)
	mux.HandleFunc("/listeners", r.handleListeners)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready only while the pipeline listens and its store
// and bus are reachable.
func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if reason := r.notReady(req.Context()); reason != "" {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + reason))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) notReady(ctx context.Context) string {
	if !r.ready.Load() {
		return "starting"
	}
	if r.pipeline != nil && !r.pipeline.Running() {
		return "pipeline stopped"
	}
	if r.store != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := r.store.Ping(ctx); err != nil {
			return "store unreachable"
		}
	}
	if r.bus != nil && !r.bus.Healthy() {
		return "bus disconnected"
	}
	return ""
}

func (r *Runtime) handleAnnouncements(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := r.store.Recent(req.Context(), limit)
	if err != nil {
		r.logger.Warn("recent announcements query failed", slogError(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (r *Runtime) handleListeners(w http.ResponseWriter, _ *http.Request) {
	if r.presence == nil {
		writeJSON(w, []presence.Listener{})
		return
	}
	writeJSON(w, r.presence.Listeners())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
