package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"fencesync/internal/api"
	"fencesync/internal/backend"
	"fencesync/internal/clock"
	"fencesync/internal/config"
	"fencesync/internal/handler"
	"fencesync/internal/ingest"
	"fencesync/internal/logging"
	"fencesync/internal/metrics"
	"fencesync/internal/notify"
	"fencesync/internal/reconcile"
	"fencesync/internal/store"

	"github.com/nats-io/nats.go"
)

const shutdownTimeout = 10 * time.Second

// closableConnector is a backend connector with an owned lifecycle.
type closableConnector interface {
	backend.Connector
	Close() error
}

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable fence reconciliation service.
type Service struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func()
	clock    clock.Clock

	provider  store.Provider
	stores    []*store.FenceStore
	connector closableConnector
	responder *backend.Responder
	localConn *nats.Conn
	engine    *reconcile.Engine
	metrics   *metrics.Registry
	refresher *metrics.StoreRefresher
	outcomes  *notify.OutcomeListener
	registry  *handler.Registry
	api       *api.Server
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	readyFlag atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return newService(cfg, logger, closeLog, clk)
}

func newService(cfg config.Config, logger *slog.Logger, closeLog func(), clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Service{
		cfg:      cfg,
		logger:   logger.With("service", cfg.Service.Name),
		closeLog: closeLog,
		clock:    clk,
		metrics:  metrics.New(),
	}

	steps := []func() error{
		s.buildStores,
		s.buildConnector,
		s.buildEngine,
		s.buildHTTPServer,
		s.buildNATSSubscriber,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			s.cleanupInitResources()
			return nil, err
		}
	}
	s.refresher = metrics.NewStoreRefresher(s.metrics, cfg.Service.StoreRefresh(), s.logger, sizers(s.stores)...)
	return s, nil
}

// Engine exposes the reconciliation engine.
func (s *Service) Engine() *reconcile.Engine {
	return s.engine
}

// Handler exposes the management HTTP router.
func (s *Service) Handler() http.Handler {
	return s.api
}

// Ready reports whether Run has finished startup.
func (s *Service) Ready() bool {
	return s.readyFlag.Load()
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.API.Listen)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.refresher.Start(runCtx)
	if s.cfg.Service.BootResync() {
		// Resync connects when offline; the connected transition then resyncs again.
		if err := s.engine.Resync(runCtx); err != nil {
			s.logger.Error("boot resync failed", "error", err.Error())
		}
	}
	if interval := s.cfg.Service.ResyncInterval(); interval > 0 {
		go s.resyncLoop(runCtx, interval)
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		cancel()
		return s.shutdown()
	case err := <-errChan:
		cancel()
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
		return s.shutdown()
	}
}

func (s *Service) resyncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.Resync(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("periodic resync failed", "error", err.Error())
			}
		}
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	var firstErr error
	markErr := func(what string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(what+" failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", what, err)
		}
	}

	markErr("http shutdown", s.httpSrv.Shutdown(ctx))
	if s.natsSub != nil {
		markErr("nats ingest close", s.natsSub.Close())
	}
	s.refresher.Stop()
	s.engine.Close()
	markErr("backend connector close", s.connector.Close())
	if s.responder != nil {
		markErr("backend responder close", s.responder.Close())
		s.localConn.Close()
	}
	markErr("outcome listener close", s.outcomes.Close(ctx))
	markErr("store close", s.provider.Close())
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.engine != nil {
		s.engine.Close()
		s.engine = nil
	}
	if s.outcomes != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = s.outcomes.Close(ctx)
		cancel()
		s.outcomes = nil
	}
	if s.responder != nil {
		_ = s.responder.Close()
		s.responder = nil
	}
	if s.localConn != nil {
		s.localConn.Close()
		s.localConn = nil
	}
	if s.connector != nil {
		_ = s.connector.Close()
		s.connector = nil
	}
	if s.provider != nil {
		_ = s.provider.Close()
		s.provider = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildStores opens the three fence namespaces on the configured substrate.
func (s *Service) buildStores() error {
	provider, err := openProvider(s.cfg, s.clock)
	if err != nil {
		return err
	}
	s.provider = provider
	ctx := context.Background()
	for _, namespace := range store.Namespaces() {
		fs, err := store.OpenFenceStore(ctx, provider, namespace, s.logger)
		if err != nil {
			return err
		}
		s.stores = append(s.stores, fs)
	}
	s.logger.Info("fence stores opened", "driver", s.cfg.Store.Driver)
	return nil
}

func openProvider(cfg config.Config, clk clock.Clock) (store.Provider, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		return store.NewMemoryProvider(), nil
	case config.StoreDriverSQLite:
		return store.OpenSQLite(cfg.Store.SQLite.Path, clk)
	case config.StoreDriverNATS:
		return store.NewNATSProvider(cfg.Store.NATS)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// buildConnector selects backend driver and optionally serves a loopback backend over NATS.
func (s *Service) buildConnector() error {
	switch s.cfg.Backend.Driver {
	case config.BackendDriverLocal:
		s.connector = backend.NewLocalConnector(s.logger, backend.LocalOptions{})
		return nil
	case config.BackendDriverNATS:
		s.connector = backend.NewNATSConnector(s.cfg.Backend.NATS, s.logger)
	default:
		return fmt.Errorf("unsupported backend driver %q", s.cfg.Backend.Driver)
	}
	if !s.cfg.Backend.ServeLocal {
		return nil
	}

	nc, err := nats.Connect(strings.Join(s.cfg.Backend.NATS.URL, ","))
	if err != nil {
		return fmt.Errorf("connect local backend responder: %w", err)
	}
	s.localConn = nc
	registry := backend.NewLocalConnector(s.logger, backend.LocalOptions{})
	s.responder = backend.NewResponder(nc, s.cfg.Backend.NATS.SubjectPrefix, "", registry, s.logger)
	if err := s.responder.Start(); err != nil {
		return fmt.Errorf("start local backend responder: %w", err)
	}
	return nil
}

// buildEngine wires engine, listeners, and trigger handler registry.
func (s *Service) buildEngine() error {
	notifyCfg := s.cfg.Notify
	dispatcher := notify.NewDispatcher(notifyCfg, s.logger)
	s.outcomes = notify.NewOutcomeListener(dispatcher, notify.OutcomeListenerOptions{
		Routes:    notifyCfg.Route,
		OnAdd:     notifyCfg.OnAdd,
		OnRemove:  notifyCfg.OnRemove,
		QueueSize: notifyCfg.QueueSize,
		Service:   s.cfg.Service.Name,
		Clock:     s.clock,
	}, s.logger)

	engine, err := reconcile.New(
		reconcile.Stores{ToAdd: s.stores[0], ToRemove: s.stores[1], Synced: s.stores[2]},
		metrics.InstrumentConnector(s.connector, s.metrics),
		s.logger,
		reconcile.Options{
			ResubmitSynced: s.cfg.Service.ResubmitSynced,
			OnResync:       s.metrics.ObserveResync,
		},
		notify.NewLogListener(s.logger),
		s.metrics,
		s.outcomes,
	)
	if err != nil {
		return err
	}
	s.engine = engine

	fallbackRoutes, targetRoutes := s.cfg.SplitHandlerRoutes()
	s.registry = handler.NewRegistry(
		handler.NewDefaultHandler(engine, dispatcher, fallbackRoutes, s.cfg.Service.Name, s.logger),
		s.logger,
	).ResolveTargetsFrom(engine)
	return handler.RegisterRoutes(s.registry, dispatcher, targetRoutes, s.cfg.Service.Name)
}

// buildHTTPServer wires management API with health checks, metrics, and HTTP trigger ingest.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	s.api = api.NewServer(s.engine, api.Options{
		HealthPath:   s.cfg.API.HealthPath,
		ReadyPath:    s.cfg.API.ReadyPath,
		MetricsPath:  s.cfg.API.MetricsPath,
		MaxBodyBytes: s.cfg.API.MaxBodyBytes,
		Metrics:      s.metrics.Handler(),
		Ready:        s.readyFlag.Load,
	}, s.logger)

	if s.cfg.Ingest.HTTP.Enabled {
		sink := ingest.SinkFunc(s.registry.Dispatch)
		s.api.Handle(s.cfg.Ingest.HTTP.Path, ingest.NewHTTPHandler(sink, s.cfg.API.MaxBodyBytes, s.clock, s.logger))
		if s.cfg.Ingest.HTTP.BatchPath != s.cfg.Ingest.HTTP.Path {
			s.api.Handle(s.cfg.Ingest.HTTP.BatchPath, ingest.NewHTTPBatchHandler(sink, s.cfg.API.MaxBodyBytes, s.clock, s.logger))
		}
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts JetStream trigger ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, ingest.SinkFunc(s.registry.Dispatch), s.clock, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

func sizers(stores []*store.FenceStore) []metrics.Sizer {
	out := make([]metrics.Sizer, 0, len(stores))
	for _, fs := range stores {
		out = append(out, fs)
	}
	return out
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
