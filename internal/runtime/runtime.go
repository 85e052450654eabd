package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-review/internal/bus"
	"github.com/loqalabs/loqa-review/internal/config"
	"github.com/loqalabs/loqa-review/internal/history"
	"github.com/loqalabs/loqa-review/internal/ingest"
	"github.com/loqalabs/loqa-review/internal/media"
	"github.com/loqalabs/loqa-review/internal/natsserver"
	"github.com/loqalabs/loqa-review/internal/review"
	"github.com/loqalabs/loqa-review/internal/snapshot"
	"github.com/loqalabs/loqa-review/internal/store"
	"github.com/loqalabs/loqa-review/internal/transcript"
)

const pruneInterval = 6 * time.Hour

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	bus    *bus.Client
	ingest *ingest.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the lock table lives in this one database; a second daemon on the
	// same file would break single-node arbitration
	lockPath := r.cfg.Store.Path + ".lock"
	instance := flock.New(lockPath)
	ok, err := instance.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return errors.New("another review daemon is already using " + r.cfg.Store.Path)
	}
	defer func() {
		if err := instance.Unlock(); err != nil {
			r.logger.Warn("failed to release instance lock", slog.String("error", err.Error()))
		}
	}()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	st, err := store.Open(ctx, r.cfg.Store, r.logger.With(slog.String("component", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	snapshots, err := snapshot.NewWriter(r.cfg.Storage.VersionsDir, r.logger)
	if err != nil {
		return err
	}

	events, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer events.Close()
	r.schedulePrune(ctx, events)

	publishers := []review.Publisher{events}
	if r.cfg.Bus.Enabled {
		embedded, err := r.startBus(ctx, st)
		if err != nil {
			return err
		}
		defer embedded.Shutdown()
		defer r.bus.Close()
		defer r.ingest.Close()
		publishers = append(publishers, r.bus)
	}
	publisher := review.Fanout(publishers...)

	queue := review.NewQueue(st)
	arbiter := review.NewArbiter(st, r.cfg.Review.LockTTL(), publisher, r.logger)
	committer := review.NewCommitter(st, arbiter, queue, snapshots, publisher, r.logger)
	if _, err := review.RegisterPendingGauge(otel.Meter("github.com/loqalabs/loqa-review/runtime"), queue); err != nil {
		r.logger.Warn("failed to register queue metrics", slog.String("error", err.Error()))
	}
	streamer := media.NewStreamer(r.cfg.Storage.MediaRoot, r.logger)
	api := NewAPI(queue, arbiter, committer, streamer, events, r.cfg.Review.CallerHeader, r.logger)

	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metricsHandler != nil {
		if r.cfg.Telemetry.PrometheusBind == "" {
			mux.Handle("GET /metrics", metricsHandler)
		} else {
			r.serveMetrics(metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("store", st.Path()),
		slog.String("media_root", r.cfg.Storage.MediaRoot))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// startBus brings up the embedded server when configured, connects and
// starts consuming transcript-ready events.
func (r *Runtime) startBus(ctx context.Context, st *store.Store) (*natsserver.EmbeddedServer, error) {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		embedded.Shutdown()
		return nil, err
	}

	opts := transcript.FlagOptions{
		SegmentPercentile: r.cfg.Review.SegmentPercentile,
		WordPercentile:    r.cfg.Review.WordPercentile,
	}
	importer := ingest.NewImporter(st, r.cfg.Storage.MediaRoot, opts, r.logger)
	svc := ingest.NewService(ctx, client, importer, r.logger)
	if err := svc.Start(); err != nil {
		client.Close()
		embedded.Shutdown()
		return nil, err
	}

	r.bus = client
	r.ingest = svc
	return embedded, nil
}

func (r *Runtime) schedulePrune(ctx context.Context, events *history.Store) {
	if !events.Enabled() {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := events.Prune(ctx); err != nil {
					r.logger.Warn("history prune failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (r *Runtime) serveMetrics(handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", handler)
	r.metricsServer = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.busHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) busHealthy() bool {
	if !r.cfg.Bus.Enabled {
		return true
	}
	return r.bus.Healthy() && r.ingest != nil && r.ingest.Healthy()
}
