// Package runtime runs the ASR daemon: the bus, the transcription service
// behind it, the history store and the HTTP surface.
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
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/asr"
	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/history"
	"github.com/loqalabs/loqa-dictate/internal/natsserver"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	metricsHandler http.Handler
	tracerClose    func(context.Context) error
	natsServer     *natsserver.EmbeddedServer
	busClient      *bus.Client
	history        *history.Store
	asrService     *asr.Service
	ready          atomic.Bool
	addr           atomic.Value
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up and blocks until ctx is cancelled, then
// shuts them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler
	defer r.shutdown()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port)))
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, listener, "http")

	if r.cfg.Telemetry.PrometheusBind != "" && r.metricsHandler != nil {
		ml, err := net.Listen("tcp", r.cfg.Telemetry.PrometheusBind)
		if err != nil {
			r.logger.Warn("metrics listener unavailable", slog.String("bind", r.cfg.Telemetry.PrometheusBind), slog.String("error", err.Error()))
		} else {
			mux := http.NewServeMux()
			mux.Handle("/metrics", r.metricsHandler)
			r.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, ml, "metrics")
		}
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	return nil
}

// Addr returns the bound HTTP address once Start is serving.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Ready reports whether the runtime is serving requests.
func (r *Runtime) Ready() bool {
	return r.ready.Load()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger.With(slog.String("component", "natsserver")))
	if err != nil {
		return err
	}
	r.natsServer = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}

	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.busClient = busClient

	store, err := history.Open(ctx, r.cfg.History, r.logger.With(slog.String("component", "history")))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	r.history = store
	if err := store.Ensure(); err != nil {
		return fmt.Errorf("history: %w", err)
	}

	transcriber, err := asr.NewFromConfig(r.cfg.ASR, r.logger)
	if err != nil {
		return fmt.Errorf("build transcriber: %w", err)
	}
	r.asrService = asr.NewService(ctx, r.cfg.ASR, busClient, transcriber, store, r.logger)
	if err := r.asrService.Start(); err != nil {
		return fmt.Errorf("start asr service: %w", err)
	}
	return nil
}

func (r *Runtime) serve(srv *http.Server, l net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.asrService != nil {
		r.asrService.Close()
	}
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.natsServer.Shutdown()
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/history", r.handleHistory)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.componentsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsHealthy() bool {
	if r.busClient == nil || !r.busClient.Healthy() {
		return false
	}
	return r.asrService == nil || r.asrService.Healthy()
}

type historyResponse struct {
	RetentionMode string          `json:"retention_mode"`
	Entries       []history.Entry `json:"entries"`
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	resp := historyResponse{RetentionMode: r.cfg.History.RetentionMode, Entries: []history.Entry{}}
	if r.history != nil {
		var (
			entries []history.Entry
			err     error
		)
		if session := req.URL.Query().Get("session"); session != "" {
			entries, err = r.history.ListSession(req.Context(), session, limit)
		} else {
			entries, err = r.history.Recent(req.Context(), limit)
		}
		if err != nil {
			r.logger.Error("history query failed", slog.String("error", err.Error()))
			http.Error(w, "history unavailable", http.StatusInternalServerError)
			return
		}
		if entries != nil {
			resp.Entries = entries
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
