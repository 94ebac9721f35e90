package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"funding-arb-state/internal/alerts"
	"funding-arb-state/internal/config"
	"funding-arb-state/internal/metrics"
	"funding-arb-state/internal/state"
	"funding-arb-state/internal/state/filestore"
	"funding-arb-state/internal/state/sqlstore"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfg            *config.Config
	log            *zap.Logger
	state          *state.Manager
	metrics        *metrics.Metrics
	metricsHandler http.Handler
	alerts         *alerts.Telegram
	server         *http.Server
	listener       net.Listener
}

// New wires the state manager. Only an unusable fallback directory is fatal;
// an unreachable database starts the app in degraded mode.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m := metrics.NewNoop()
	var handler http.Handler
	if cfg.Metrics.EnabledValue() {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		handler = prom.Handler()
	}
	alertsClient := alerts.NewTelegram(cfg.Telegram, cfg.State.StrategyID, log)

	fallback, err := filestore.New(cfg.State.FallbackDir, log.Named("fallback"))
	if err != nil {
		return nil, err
	}
	connect := func(ctx context.Context) (state.Backend, error) {
		store, err := sqlstore.Connect(ctx, cfg.Database, cfg.Cache, log.Named("primary"))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	var primary state.Backend
	if backend, err := connect(ctx); err != nil {
		log.Warn("primary state backend unavailable, starting in degraded mode",
			zap.String("driver", cfg.Database.Driver),
			zap.Error(err),
		)
	} else {
		primary = backend
		log.Info("primary state backend connected", zap.String("driver", cfg.Database.Driver))
	}

	manager, err := state.NewManager(state.Options{
		StrategyID:       cfg.State.StrategyID,
		Timeout:          cfg.State.OpTimeout,
		Primary:          primary,
		Fallback:         fallback,
		Connect:          connect,
		MirrorToFallback: cfg.State.MirrorValue(),
		Log:              log,
		Metrics:          m,
		Alerts:           alertsClient,
	})
	if err != nil {
		if primary != nil {
			_ = primary.Close()
		}
		_ = fallback.Close()
		return nil, err
	}
	return &App{
		cfg:            cfg,
		log:            log,
		state:          manager,
		metrics:        m,
		metricsHandler: handler,
		alerts:         alertsClient,
	}, nil
}

// State exposes the manager to the strategy running in this process.
func (a *App) State() *state.Manager {
	return a.state
}

// Run recovers the persisted strategy state, serves metrics and health, and
// probes the primary backend until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	a.recover(ctx)
	if a.state.Healthy() {
		a.syncFallback(ctx)
	}
	if err := a.startHTTP(); err != nil {
		return err
	}

	var tick <-chan time.Time
	if a.cfg.State.HealthInterval > 0 {
		ticker := time.NewTicker(a.cfg.State.HealthInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			if a.state.CheckHealth(ctx) {
				a.syncFallback(ctx)
			}
		}
	}
}

func (a *App) recover(ctx context.Context) {
	st, ok, err := a.state.LoadStrategyState(ctx)
	if err != nil {
		a.log.Error("strategy state could not be recovered", zap.Error(err))
		if a.alerts != nil {
			if err := a.alerts.Send(ctx, "stored strategy state is corrupt: "+err.Error()); err != nil {
				a.log.Warn("alert delivery failed", zap.Error(err))
			}
		}
		return
	}
	if !ok {
		a.log.Info("no prior strategy state", zap.String("strategy_id", a.state.StrategyID()))
		return
	}
	fields := []zap.Field{
		zap.String("strategy_id", st.StrategyID),
		zap.Bool("is_active", st.IsActive),
		zap.Int("accounts", len(st.AccountsStatus)),
		zap.Time("last_updated", st.LastUpdated),
	}
	if st.StartedAt != nil {
		fields = append(fields, zap.Time("started_at", *st.StartedAt))
	}
	a.log.Info("recovered strategy state", fields...)
}

func (a *App) syncFallback(ctx context.Context) {
	report, err := a.state.SyncFallback(ctx)
	if err != nil {
		a.log.Warn("fallback sync failed", zap.Error(err))
		return
	}
	a.log.Debug("fallback sync finished",
		zap.Bool("strategy", report.StrategyImported),
		zap.Int("accounts", report.AccountsImported),
		zap.Int("transactions", report.TransactionsReplayed),
	)
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	if a.metricsHandler != nil {
		mux.Handle(a.cfg.Metrics.Path, a.metricsHandler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if !a.state.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("degraded\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func (a *App) startHTTP() error {
	if a.cfg.Metrics.Address == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Metrics.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Metrics.Address, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	a.log.Info("metrics server listening", zap.String("address", ln.Addr().String()))
	return nil
}

func (a *App) close() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("metrics server shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if err := a.state.Close(); err != nil {
		a.log.Warn("state close failed", zap.Error(err))
	}
}
