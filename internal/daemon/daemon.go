// Package daemon hosts the singleton message-processing process: the
// instance lock, the per-workspace tool buses, the ingestion pipeline,
// and the lifecycle that ties the transport watcher to the dispatcher.
package daemon

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msgcode/msgcode/internal/agent"
	"github.com/msgcode/msgcode/internal/commands"
	"github.com/msgcode/msgcode/internal/config"
	"github.com/msgcode/msgcode/internal/observability"
	"github.com/msgcode/msgcode/internal/routes"
	"github.com/msgcode/msgcode/internal/runner"
	"github.com/msgcode/msgcode/internal/session"
	"github.com/msgcode/msgcode/internal/state"
	"github.com/msgcode/msgcode/internal/toolbus"
	"github.com/msgcode/msgcode/internal/transport"
)

// drainTimeout bounds how long shutdown waits for in-flight turns.
const drainTimeout = 30 * time.Second

// Options configure one daemon run. Zero values leave the optional
// surfaces (metrics listener, tracing, stream watch) off.
type Options struct {
	Version string

	// MetricsAddr starts a Prometheus /metrics listener when set.
	MetricsAddr string

	// TraceEndpoint is the OTLP gRPC collector address.
	TraceEndpoint string

	// StreamURL switches the inbound watcher from DB polling to a
	// websocket event stream.
	StreamURL string
}

// OptionsFromEnv reads the optional surfaces from the environment.
func OptionsFromEnv(version string) Options {
	return Options{
		Version:       version,
		MetricsAddr:   os.Getenv("MSGCODE_METRICS_ADDR"),
		TraceEndpoint: os.Getenv("MSGCODE_OTLP_ENDPOINT"),
		StreamURL:     os.Getenv("MSGCODE_STREAM_URL"),
	}
}

// Run starts the daemon and blocks until SIGINT/SIGTERM or ctx
// cancellation, then drains and releases the instance lock. A second
// instance fails fast on the lock with the holder's PID.
func Run(ctx context.Context, opts Options) error {
	settings, err := config.LoadSettings(config.SettingsPath())
	if err != nil {
		settings = &config.Settings{}
	}
	level, _ := config.EffectiveLogLevel(settings)
	logger := observability.NewLogger(observability.LogConfig{Level: level, Format: "json"})
	metrics := observability.NewMetrics()

	lock, err := AcquireLock("msgcode")
	if err != nil {
		return err
	}
	defer lock.Release()

	routeStore := routes.NewStore(config.RoutesPath(), config.WorkspaceRoot())
	if err := routeStore.Load(); err != nil {
		return err
	}
	stateStore := state.NewStore(config.StatePath())
	if err := stateStore.Load(); err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configs := config.NewCache(logger)
	if err := configs.StartWatching(runCtx); err != nil {
		logger.Warn(runCtx, "config watcher unavailable, falling back to mtime checks", "error", err.Error())
	}
	defer configs.Close()

	var tracer *observability.Tracer
	if opts.TraceEndpoint != "" {
		var shutdownTracer func(context.Context) error
		tracer, shutdownTracer = observability.NewTracer(observability.TraceConfig{
			ServiceVersion: opts.Version,
			Endpoint:       opts.TraceEndpoint,
		})
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(flushCtx)
		}()
	}

	buses := NewBusSet(logger, metrics, time.Now())
	steering := agent.NewSteering()
	threads := session.NewThreadStore()
	tmux := runner.NewTmux(logger)
	client := transport.NewClient("", logger, metrics)
	orchestrator := &runner.Orchestrator{
		Tmux:    tmux,
		Threads: threads,
		Configs: configs,
		Logger:  logger,
	}

	pipeline := &Pipeline{
		Routes:   routeStore,
		State:    stateStore,
		Configs:  configs,
		Steering: steering,
		Buses:    buses,
		Threads:  threads,
		Tmux:     tmux,
		Sender:   client,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	}
	pipeline.Registry = commands.NewBuiltinRegistry(commands.Deps{
		Routes:       routeStore,
		State:        stateStore,
		Configs:      configs,
		SettingsPath: config.SettingsPath(),
		Orchestrator: orchestrator,
		Logger:       logger,
		BusFor: func(workspace string) *toolbus.Bus {
			w, err := configs.Get(workspace)
			if err != nil {
				return toolbus.New(logger, metrics)
			}
			return buses.For(workspace, w)
		},
		RunSkill: pipeline.RunSkill,
	})

	watcher, err := newWatcher(opts, stateStore, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(runCtx); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: opts.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error(runCtx, "metrics listener failed", "addr", opts.MetricsAddr, "error", err.Error())
			}
		}()
	}

	logger.Info(runCtx, "daemon started",
		"version", opts.Version, "pid", os.Getpid(),
		"watch", watchKind(opts), "resume_rowid", stateStore.MaxRowid())

	done := make(chan struct{})
	go func() {
		pipeline.Run(runCtx, watcher.Messages())
		close(done)
	}()

	<-runCtx.Done()
	logger.Info(context.Background(), "daemon shutting down")
	watcher.Stop()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		logger.Warn(context.Background(), "drain timeout exceeded, abandoning in-flight turns")
	}

	if metricsSrv != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(stopCtx)
	}

	logger.Info(context.Background(), "daemon stopped")
	return nil
}

func newWatcher(opts Options, st *state.Store, logger *observability.Logger) (transport.Watcher, error) {
	if opts.StreamURL != "" {
		return transport.NewStreamWatcher(opts.StreamURL, logger), nil
	}
	db, err := transport.OpenMessageDB(transport.MessageDBPath())
	if err != nil {
		return nil, err
	}
	return transport.NewDBWatcher(db, st.MaxRowid(), 0, logger), nil
}

func watchKind(opts Options) string {
	if opts.StreamURL != "" {
		return "stream"
	}
	return "db"
}
