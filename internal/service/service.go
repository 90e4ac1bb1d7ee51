package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"

	"github.com/dshills/lspkeeper/internal/lsp"
	"github.com/dshills/lspkeeper/internal/process"
	"github.com/dshills/lspkeeper/internal/project/watcher"
)

// Default worker settings.
const (
	DefaultCommand    = "vala-language-server"
	DefaultLanguage   = "vala"
	DefaultDescriptor = "meson.build"
)

// Config describes the worker of one project.
type Config struct {
	// Command is the worker executable.
	Command string

	// Args are passed to the worker. Usually empty.
	Args []string

	// Env holds extra environment overrides.
	Env []process.EnvVar

	// Languages are registered on every client.
	Languages []string

	// Descriptor is the project file whose changes restart the worker,
	// relative to the project root. Empty disables watching.
	Descriptor string

	// RateLimit is the descriptor change window.
	RateLimit time.Duration

	// RunOnHost starts the worker outside a Flatpak sandbox.
	RunOnHost bool

	// Debug forwards the worker's stderr to the logger and enables GLib
	// debug messages.
	Debug bool

	// SysrootProbe is a command printing a runtime root. Empty disables probing.
	SysrootProbe []string

	// Initialize runs the initialize handshake on every new client.
	Initialize bool

	// RespawnPolicy builds the policy bounding respawns. It is called once
	// per Service, so services never share retry state. Nil respawns
	// immediately and forever.
	RespawnPolicy func() backoff.BackOff
}

// DefaultConfig returns the default worker settings.
func DefaultConfig() Config {
	return Config{
		Command:    DefaultCommand,
		Languages:  []string{DefaultLanguage},
		Descriptor: DefaultDescriptor,
		RateLimit:  watcher.DefaultRateLimit,
		Initialize: true,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithExecutor replaces the process executor.
func WithExecutor(e process.Executor) Option {
	return func(s *Service) {
		s.executor = e
	}
}

// WithMetrics sets the supervisor metrics collector.
func WithMetrics(m process.MetricsCollector) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for spawn spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// Service keeps one worker running for a project and publishes the
// current Client to every bound Consumer.
//
// The worker is started lazily by the first BindClient or EnsureStarted.
// Supervisor notifications are handled one at a time, so the current
// client changes in a single order that every consumer observes.
//
// Service is safe for concurrent use.
type Service struct {
	root   string
	config Config
	log    logr.Logger

	executor process.Executor
	metrics  process.MetricsCollector
	tracer   trace.Tracer

	sup    *process.Supervisor
	ctx    context.Context
	cancel context.CancelFunc

	// life orders EnsureStarted against Stop so a stopped supervisor is
	// never started again.
	life sync.Mutex

	mu      sync.Mutex
	state   State
	started bool
	client  *lsp.Client
	handle  *process.Handle
	watcher *watcher.DescriptorWatcher

	// fanout serializes publication and the initial delivery of BindClient.
	fanout   sync.Mutex
	bmu      sync.Mutex
	bindings []*Binding
}

// New creates a Service for the project rooted at root. Nothing is started
// until a consumer binds.
func New(root string, config Config, opts ...Option) *Service {
	s := &Service{
		root:   root,
		config: config,
		log:    logr.Discard(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.executor == nil {
		exec := process.OSExecutor{}
		if config.Debug {
			stderr := s.log.WithName("stderr")
			exec.Stderr = process.NewLineWriter(func(line string) {
				stderr.V(1).Info(line)
			})
		}
		s.executor = exec
	}

	supOpts := []process.SupervisorOption{
		process.WithExecutor(s.executor),
		process.WithLogger(s.log.WithName("supervisor")),
	}
	if s.metrics != nil {
		supOpts = append(supOpts, process.WithMetrics(s.metrics))
	}
	if s.tracer != nil {
		supOpts = append(supOpts, process.WithTracer(s.tracer))
	}
	if config.RespawnPolicy != nil {
		if policy := config.RespawnPolicy(); policy != nil {
			supOpts = append(supOpts, process.WithRespawnBackOff(policy))
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.sup = process.NewSupervisor(s.launchConfig, process.Callbacks{
		Spawned:     s.onSpawned,
		SpawnFailed: s.onSpawnFailed,
		Exited:      s.onExited,
	}, supOpts...)

	return s
}

// Root returns the project root.
func (s *Service) Root() string {
	return s.root
}

// State returns the lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Client returns the current client, or nil.
func (s *Service) Client() *lsp.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Subprocess returns the current worker, or nil.
func (s *Service) Subprocess() *process.Handle {
	return s.sup.Subprocess()
}

// EnsureStarted starts the worker on the first call. Later calls, and
// calls after Stop, do nothing.
func (s *Service) EnsureStarted() {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	if s.started || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.state = StateStarting
	s.mu.Unlock()

	s.log.V(1).Info("starting service", "root", s.root)
	s.startWatcher()
	s.sup.Start()
}

// BindClient starts the service if needed and keeps consumer updated with
// the current client. When a client exists it is delivered before
// BindClient returns.
func (s *Service) BindClient(consumer Consumer) *Binding {
	s.EnsureStarted()

	b := &Binding{svc: s, consumer: consumer}

	s.fanout.Lock()
	defer s.fanout.Unlock()

	s.bmu.Lock()
	s.bindings = append(s.bindings, b)
	s.bmu.Unlock()

	if c := s.Client(); c != nil {
		consumer.SetClient(c)
	}
	return b
}

// Subscribe is BindClient for a plain function.
func (s *Service) Subscribe(fn func(client *lsp.Client)) *Binding {
	return s.BindClient(ConsumerFunc(fn))
}

// Restart force-exits the current worker. The supervisor respawns it
// through the normal exit path.
func (s *Service) Restart() {
	h := s.sup.Subprocess()
	if h == nil {
		return
	}
	if err := h.ForceExit(); err != nil && !errors.Is(err, process.ErrProcessExited) {
		s.log.Error(err, "failed to restart worker", "pid", h.PID())
	}
}

// Stop tears the service down: the descriptor watcher is closed, the
// worker is killed and consumers receive a nil client. Stop is idempotent
// and may be called before the service was started.
func (s *Service) Stop() {
	s.life.Lock()
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.life.Unlock()
		return
	}
	s.state = StateStopped
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			s.log.Error(err, "failed to close descriptor watcher")
		}
	}
	s.sup.Stop()
	s.life.Unlock()

	s.fanout.Lock()
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.handle = nil
	s.mu.Unlock()
	if c != nil {
		_ = c.Stop()
		s.publish(nil)
	}
	s.fanout.Unlock()

	s.cancel()
	s.log.V(1).Info("service stopped", "root", s.root)
}

func (s *Service) unbind(b *Binding) {
	s.bmu.Lock()
	defer s.bmu.Unlock()
	s.bindings = slices.DeleteFunc(s.bindings, func(x *Binding) bool { return x == b })
}

// publish delivers client to every binding. Callers hold fanout.
func (s *Service) publish(client *lsp.Client) {
	s.bmu.Lock()
	bindings := slices.Clone(s.bindings)
	s.bmu.Unlock()

	for _, b := range bindings {
		b.consumer.SetClient(client)
	}
}

// launchConfig builds the worker command for one spawn attempt.
func (s *Service) launchConfig(ctx context.Context) process.LaunchConfig {
	cfg := process.LaunchConfig{
		Executable: s.config.Command,
		Args:       slices.Clone(s.config.Args),
		Dir:        s.root,
		Env:        slices.Clone(s.config.Env),
		RunOnHost:  s.config.RunOnHost,
		Stdio:      process.StdinPipe | process.StdoutPipe | process.StderrSilence,
	}

	if s.config.Debug {
		cfg.Stdio = process.StdinPipe | process.StdoutPipe | process.StderrPipe
		cfg = cfg.Setenv("G_MESSAGES_DEBUG", "all")
	}

	if len(s.config.SysrootProbe) > 0 {
		root, err := process.ProbeSysroot(ctx, s.config.SysrootProbe)
		if err != nil {
			s.log.Info("sysroot probe failed, starting without it", "error", err.Error())
		} else {
			cfg = cfg.WithSysroot(root)
		}
	}

	return cfg
}

func (s *Service) startWatcher() {
	if s.config.Descriptor == "" {
		return
	}

	path := filepath.Join(s.root, s.config.Descriptor)
	if _, err := os.Stat(path); err != nil {
		s.log.V(1).Info("no project descriptor, restart on change disabled", "path", path)
		return
	}

	w, err := watcher.NewDescriptorWatcher(path, s.onDescriptorChanged,
		watcher.WithRateLimit(s.config.RateLimit),
		watcher.WithLogger(s.log.WithName("watcher")),
	)
	if err != nil {
		s.log.Error(err, "failed to watch project descriptor", "path", path)
		return
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		_ = w.Close()
		return
	}
	s.watcher = w
	s.mu.Unlock()
}

func (s *Service) onDescriptorChanged(ev watcher.Event) {
	h := s.sup.Subprocess()
	if h == nil {
		return
	}
	s.log.Info("project descriptor changed, restarting worker", "path", ev.Path, "pid", h.PID())
	s.Restart()
}

func (s *Service) newClient(h *process.Handle) *lsp.Client {
	opts := []lsp.ClientOption{
		lsp.WithLogger(s.log.WithName("client").WithValues("pid", h.PID())),
		lsp.WithClientInfo("lspkeeper", ""),
	}
	if s.config.Initialize {
		opts = append(opts, lsp.WithRootURI(lsp.FilePathToURI(s.root)))
	}
	if s.config.Debug {
		opts = append(opts, lsp.WithMessageTrace())
	}

	client := lsp.NewClient(h.Stream(), opts...)
	for _, lang := range s.config.Languages {
		client.AddLanguage(lang)
	}
	return client
}

func (s *Service) onSpawned(h *process.Handle) {
	client := s.newClient(h)
	if err := client.Start(s.ctx); err != nil {
		s.log.Error(err, "failed to start client", "pid", h.PID())
		if s.State() == StateStopped {
			s.sup.Stop()
		}
		_ = client.Stop()
		return
	}

	s.fanout.Lock()
	defer s.fanout.Unlock()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.log.V(1).Info("discarding worker spawned after stop", "pid", h.PID())
		s.sup.Stop()
		_ = client.Stop()
		return
	}
	old := s.client
	s.client = client
	s.handle = h
	s.state = StateRunning
	s.mu.Unlock()

	if old != nil {
		_ = old.Stop()
	}
	s.log.Info("client ready", "pid", h.PID(), "languages", client.Languages())
	s.publish(client)
}

func (s *Service) onSpawnFailed(err error) {
	s.log.Error(err, "worker unavailable, keeping current client", "root", s.root)
}

func (s *Service) onExited(h *process.Handle) {
	s.mu.Lock()
	if s.state == StateStopped || h != s.handle {
		s.mu.Unlock()
		return
	}
	s.state = StateRestarting
	c := s.client
	s.mu.Unlock()

	s.log.Info("worker exited, restarting", "pid", h.PID(), "status", h.Status().String())
	if c != nil {
		_ = c.Stop()
	}
}
