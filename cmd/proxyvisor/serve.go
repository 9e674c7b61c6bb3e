package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/proxyvisor/internal/apitls"
	"github.com/loykin/proxyvisor/internal/config"
	"github.com/loykin/proxyvisor/internal/configstore"
	"github.com/loykin/proxyvisor/internal/engine"
	"github.com/loykin/proxyvisor/internal/env"
	"github.com/loykin/proxyvisor/internal/events"
	"github.com/loykin/proxyvisor/internal/history/factory"
	"github.com/loykin/proxyvisor/internal/metrics"
	"github.com/loykin/proxyvisor/internal/probe"
	"github.com/loykin/proxyvisor/internal/server"
	"github.com/loykin/proxyvisor/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [proxyvisor.toml]",
		Short: "Start the proxyvisor daemon",
		Long: `Start the daemon: it owns the engine configuration, supervises the
engine and serves the local control API.

Examples:
  proxyvisor serve                       # Search the default config locations
  proxyvisor serve /etc/proxyvisor.toml
  proxyvisor serve --daemonize --pidfile=/run/proxyvisor.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			serveFlags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			return runServeCommand(serveFlags)
		},
	}

	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServeCommand(flags *ServeFlags) error {
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pidfile: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

// daemon wires the store, supervisor, event hub and API together.
type daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	closers   []namedCloser
	hub       *events.Hub
	store     *configstore.Store
	ctrl      engine.Controller
	sup       *supervisor.Supervisor
	resources *metrics.EngineCollector
	srv       *http.Server
	listener  net.Listener
}

type namedCloser struct {
	name string
	c    io.Closer
}

// newDaemon builds every component and binds the API listener. Nothing runs
// until Run.
func newDaemon(ctx context.Context, cfg *config.Config) (_ *daemon, err error) {
	logger, logCloser := cfg.Log.NewSloggerWithCloser()
	slog.SetDefault(logger)
	d := &daemon{cfg: cfg, logger: logger}
	d.closers = append(d.closers, namedCloser{"log", logCloser})
	defer func() {
		if err != nil {
			_ = d.close()
		}
	}()

	if src := cfg.Source(); src != "" {
		logger.Info("config loaded", "path", src)
	} else {
		logger.Info("no config file found, using defaults")
	}

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metricsHandler = metrics.Handler()
		d.resources = metrics.NewEngineCollector(cfg.Metrics.SampleInterval, cfg.Metrics.HistorySize, logger.With("component", "resources"))
		if err := d.resources.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register engine metrics: %w", err)
		}
	}

	d.hub = events.NewHub(logger.With("component", "events"))
	d.closers = append(d.closers, namedCloser{"events", d.hub})
	if cfg.History.Enabled {
		d.hub.SetSinkTimeout(cfg.History.Timeout)
		for _, dsn := range cfg.History.Sinks {
			sink, err := factory.NewSinkFromDSN(dsn)
			if err != nil {
				return nil, fmt.Errorf("history sink %s: %w", sinkName(dsn), err)
			}
			d.hub.AddSink(sinkName(dsn), sink)
			logger.Info("history sink enabled", "sink", sinkName(dsn))
		}
	}

	d.store = configstore.New(cfg.Engine.ConfigFile, configstore.Options{
		BackupDir:   cfg.Store.BackupDir,
		BackupKeep:  cfg.Store.BackupKeep,
		LockTimeout: cfg.Store.LockTimeout,
		Logger:      logger.With("component", "configstore"),
		Sink:        d.hub,
	})
	if cfg.Store.CreateDefault {
		if _, err := d.store.EnsureDefault(ctx, configstore.DefaultDocument()); err != nil {
			return nil, err
		}
	}
	doc, err := d.store.Read(ctx)
	if err != nil {
		logger.Warn("engine config unreadable, using default controller address", "error", err)
		doc = configstore.DefaultDocument()
	}
	endpoint := engine.NewEndpointRef(doc.ControllerAddr(), doc.ControllerSecret())
	d.hub.Subscribe(followController(d.store, endpoint, logger))
	control := engine.NewClientFor(endpoint, 0)

	if d.ctrl, err = buildController(cfg, d.store.Path(), control, logger); err != nil {
		return nil, err
	}
	p := buildProbe(cfg, endpoint)

	d.sup = supervisor.New(d.ctrl, p, supervisor.Options{
		Interval:     cfg.Supervisor.Interval,
		ProbeTimeout: cfg.Supervisor.ProbeTimeout,
		Window:       cfg.Supervisor.Window,
		MaxAttempts:  cfg.Supervisor.MaxAttempts,
		Grace:        cfg.Supervisor.Grace,
		Sink:         d.hub,
		Logger:       logger.With("component", "supervisor"),
	})
	d.sup.SetAutoRestart(cfg.Supervisor.AutoRestart)

	router := server.NewRouter(server.Deps{
		Store:      d.store,
		Supervisor: d.sup,
		Hub:        d.hub,
		Engine:     control,
		Metrics:    metricsHandler,
		Resources:  d.resources,
		Token:      cfg.Server.Token,
		Logger:     logger,
	}, cfg.Server.BasePath)
	d.srv = server.NewServer(cfg.Server.Listen, router.Handler())
	tlsCfg, err := apitls.ServerConfig(cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	if d.listener, err = net.Listen("tcp", cfg.Server.Listen); err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	if tlsCfg != nil {
		d.listener = tls.NewListener(d.listener, tlsCfg)
		logger.Info("api tls enabled", "ca", apitls.CAPath(cfg.Server.TLS))
	}
	return d, nil
}

// Addr is the bound API address.
func (d *daemon) Addr() string { return d.listener.Addr().String() }

// Run serves until ctx is cancelled, then shuts everything down.
func (d *daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.cfg.Store.Watch {
		w := configstore.NewWatcher(d.store, d.hub, d.cfg.Store.WatchDebounce, d.logger.With("component", "watcher"))
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	if d.cfg.Supervisor.StartOnBoot {
		if _, err := d.sup.StartEngine(ctx); err != nil {
			d.logger.Error("engine start on boot failed", "error", err)
		}
	}
	if d.cfg.Supervisor.Enabled {
		d.sup.StartMonitoring(ctx)
	}
	if d.resources != nil {
		d.resources.Start(ctx, d.enginePID)
		defer d.resources.Stop()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.srv.Serve(d.listener) }()
	d.logger.Info("proxyvisor listening", "addr", d.Addr(), "base_path", d.cfg.Server.BasePath)

	var result *multierror.Error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			result = multierror.Append(result, err)
		}
	}
	d.logger.Info("shutting down")
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := d.srv.Shutdown(sctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
	}
	// a child engine would be orphaned; a systemd unit keeps running
	if _, ok := d.ctrl.(*engine.ProcessController); ok {
		if err := d.sup.StopEngine(sctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop engine: %w", err))
		}
	}
	if err := d.close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// enginePID prefers the supervisor's tracked process and falls back to the
// pidfile for an engine started elsewhere.
func (d *daemon) enginePID() int {
	if pid := d.sup.Status().PID; pid > 0 {
		return pid
	}
	if d.cfg.Engine.PIDFile == "" {
		return 0
	}
	rec, err := engine.ReadPIDFile(d.cfg.Engine.PIDFile)
	if err != nil {
		return 0
	}
	return rec.PID
}

func (d *daemon) close() error {
	var result *multierror.Error
	// close in reverse order so the log outlives everything else
	for i := len(d.closers) - 1; i >= 0; i-- {
		nc := d.closers[i]
		if err := nc.c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", nc.name, err))
		}
	}
	d.closers = nil
	return result.ErrorOrNil()
}

func buildController(cfg *config.Config, configPath string, control *engine.Client, logger *slog.Logger) (engine.Controller, error) {
	switch cfg.Engine.Controller {
	case config.ControllerSystemd:
		return &engine.SystemdController{
			Unit:   cfg.Engine.Unit,
			User:   cfg.Engine.UserUnit,
			Logger: logger.With("component", "engine"),
		}, nil
	default:
		e := env.New().InheritOS(cfg.Engine.UseOSEnv)
		if err := e.LoadFiles(cfg.Engine.EnvFiles...); err != nil {
			return nil, fmt.Errorf("engine env: %w", err)
		}
		e.SetPairs(cfg.Engine.Env)
		return engine.NewProcessController(engine.ProcessOptions{
			Binary:      cfg.Engine.Binary,
			ConfigDir:   cfg.Engine.ConfigDir,
			ConfigPath:  configPath,
			PIDFile:     cfg.Engine.PIDFile,
			Env:         e.Merge(nil),
			Log:         cfg.Log.File,
			StartGrace:  cfg.Engine.StartGrace,
			StopTimeout: cfg.Engine.StopTimeout,
			Control:     control,
			KillStray:   cfg.Engine.KillStray,
			Logger:      logger.With("component", "engine"),
		}), nil
	}
}

func buildProbe(cfg *config.Config, endpoint *engine.EndpointRef) probe.Probe {
	switch cfg.Engine.Probe {
	case config.ProbePIDFile:
		return probe.PIDFileProbe{Path: cfg.Engine.PIDFile}
	case config.ProbeCommand:
		return probe.CommandProbe{Command: cfg.Engine.ProbeCommand}
	}
	hp := probe.NewEndpointProbe(endpoint)
	hp.Timeout = cfg.Supervisor.ProbeTimeout
	if cfg.Engine.Probe == config.ProbeAny {
		return probe.Any{hp, probe.PIDFileProbe{Path: cfg.Engine.PIDFile}}
	}
	return hp
}

// followController re-reads the engine config after every change so the
// control client and the HTTP probe follow external-controller and secret.
func followController(store *configstore.Store, endpoint *engine.EndpointRef, logger *slog.Logger) func(events.Event) {
	return func(e events.Event) {
		if e.Kind != events.KindConfigChanged {
			return
		}
		doc, err := store.Read(context.Background())
		if err != nil {
			logger.Warn("engine config unreadable, keeping controller address", "error", err)
			return
		}
		next := engine.Endpoint{Addr: doc.ControllerAddr(), Secret: doc.ControllerSecret()}
		if endpoint.Set(next) {
			logger.Info("engine controller address changed", "addr", next.Addr)
		}
	}
}

// sinkName identifies a history sink in logs without leaking credentials.
func sinkName(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return strings.ToLower(scheme)
	}
	return "sqlite"
}
