package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/lspkeeper/internal/config"
	"github.com/dshills/lspkeeper/internal/logger"
	"github.com/dshills/lspkeeper/internal/lsp"
	"github.com/dshills/lspkeeper/internal/process"
	"github.com/dshills/lspkeeper/internal/project"
	"github.com/dshills/lspkeeper/internal/provider"
	"github.com/dshills/lspkeeper/internal/service"
	"github.com/dshills/lspkeeper/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

type runOptions struct {
	debug       bool
	logLevel    string
	metricsAddr string
	descriptor  string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [dir]",
		Short: "Supervise the language server for a project",
		Long: `Start the language server for the project containing dir (default: the
current directory) and keep it running until interrupted.

SIGHUP restarts the worker. SIGINT and SIGTERM stop it and exit.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			opts.apply(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, cfg, dir)
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&opts.debug, "debug", "d", false, "attach the worker's stderr and enable GLib debug output")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error or a verbosity number)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&opts.descriptor, "descriptor", "", "project descriptor file name (meson.build, Cargo.toml)")
	return cmd
}

// apply overrides cfg with explicitly set flags.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Server.Debug = o.debug
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if flags.Changed("descriptor") {
		cfg.Watch.Descriptor = o.descriptor
	}
}

func runService(ctx context.Context, cfg config.Config, dir string) error {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log, err := logger.New("lspkeeper", logger.Options{
		Level:  level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Flush() }()

	tp, err := tracing.NewProvider(ctx, tracing.Config{
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(sctx); err != nil {
			log.Error(err, "failed to flush traces")
		}
	}()

	root, found, err := project.ResolveRoot(dir, cfg.Watch.Descriptor)
	if err != nil {
		return err
	}
	if !found {
		log.Info("no project descriptor found, using directory as root", "dir", root, "descriptor", cfg.Watch.Descriptor)
	}

	metrics := process.NewPrometheusMetricsCollector("lspkeeper")
	reg := service.NewRegistry(serviceConfig(cfg),
		service.WithRegistryLogger(log.Logger),
		service.WithConfigResolver(projectResolver(cfg, log.WithName("config"))),
		service.WithServiceOptions(
			service.WithMetrics(metrics),
			service.WithTracer(tp.Tracer()),
		),
	)
	defer reg.Close()

	diags := provider.NewDiagnostics(diagnosticsLogger(log.WithName("diagnostics")),
		provider.WithDiagnosticsLogger(log.WithName("diagnostics")))
	binding, err := reg.BindClient(root, diags)
	if err != nil {
		return err
	}
	defer binding.Unbind()

	svc, err := reg.Get(root)
	if err != nil {
		return err
	}
	log.Info("supervising language server", "root", root, "command", cfg.Server.Command)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsHandler(metrics),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("serving metrics", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				log.Info("SIGHUP received, restarting worker")
				svc.Restart()
			}
		}
	})

	err = g.Wait()
	log.Info("shutting down", "state", svc.State().String())
	return err
}

func metricsHandler(m *process.PrometheusMetricsCollector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// serviceConfig maps user settings onto the worker settings of one project.
func serviceConfig(cfg config.Config) service.Config {
	env := make([]process.EnvVar, 0, len(cfg.Server.Env))
	for _, kv := range cfg.Server.EnvPairs() {
		env = append(env, process.EnvVar{Key: kv[0], Value: kv[1]})
	}

	return service.Config{
		Command:       cfg.Server.Command,
		Args:          cfg.Server.Args,
		Env:           env,
		Languages:     cfg.Server.Languages,
		Descriptor:    cfg.Watch.Descriptor,
		RateLimit:     cfg.Watch.RateLimit.Std(),
		RunOnHost:     cfg.Server.RunOnHost,
		Debug:         cfg.Server.Debug,
		SysrootProbe:  cfg.Server.SysrootProbe,
		Initialize:    cfg.Server.Initialize,
		RespawnPolicy: cfg.Respawn.Policy(),
	}
}

// projectResolver applies each project's .lspkeeper.toml. A broken
// project file is logged and ignored.
func projectResolver(base config.Config, log logr.Logger) service.ConfigResolver {
	return func(root string) service.Config {
		cfg, err := config.LoadProject(root, base)
		if err != nil {
			log.Error(err, "ignoring project configuration", "root", root)
			cfg = base
		}
		return serviceConfig(cfg)
	}
}

func diagnosticsLogger(log logr.Logger) provider.DiagnosticsHandler {
	return func(p lsp.PublishDiagnosticsParams) {
		path := lsp.URIToFilePath(p.URI)
		if len(p.Diagnostics) == 0 {
			log.V(1).Info("diagnostics cleared", "file", path)
			return
		}
		for _, d := range p.Diagnostics {
			log.Info(d.Message,
				"file", path,
				"line", d.Range.Start.Line+1,
				"column", d.Range.Start.Character+1,
				"severity", d.Severity.String(),
				"source", d.Source,
			)
		}
	}
}
