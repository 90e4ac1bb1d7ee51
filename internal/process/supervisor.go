package process

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultResetWindow is how long a worker must run before the respawn
// policy forgets earlier failures.
const DefaultResetWindow = 5 * time.Minute

const tracerName = "github.com/dshills/lspkeeper/internal/process"

// Callbacks receive supervisor lifecycle notifications.
//
// All callbacks of one Supervisor run on the same goroutine, one at a time,
// in the order the events happened. A callback must not block for long.
type Callbacks struct {
	// Spawned is called with every new worker. The receiver owns the
	// handle's streams from then on.
	Spawned func(h *Handle)

	// SpawnFailed is called when a spawn attempt fails or the respawn
	// policy gives up.
	SpawnFailed func(err error)

	// Exited is called once for every worker that terminated.
	Exited func(h *Handle)
}

// Supervisor keeps one worker process alive.
//
// Start and Stop only record the desired state and return; spawning and
// exit handling happen on a drain goroutine fed by an unbounded queue.
//
// Supervisor is safe for concurrent use.
type Supervisor struct {
	factory     LaunchFactory
	executor    Executor
	callbacks   Callbacks
	log         logr.Logger
	metrics     MetricsCollector
	tracer      trace.Tracer
	policy      backoff.BackOff
	resetWindow time.Duration

	mu       sync.Mutex
	running  bool
	current  *Handle
	timer    *time.Timer
	queue    []op
	draining bool
}

type opKind int

const (
	opSpawn opKind = iota
	opExited
)

type op struct {
	kind   opKind
	handle *Handle
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithExecutor replaces the OS executor.
func WithExecutor(e Executor) SupervisorOption {
	return func(s *Supervisor) {
		s.executor = e
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.log = log
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithTracer sets the tracer used for spawn spans.
func WithTracer(t trace.Tracer) SupervisorOption {
	return func(s *Supervisor) {
		s.tracer = t
	}
}

// WithRespawnBackOff bounds respawning. The default respawns immediately
// and forever. When the policy returns backoff.Stop the supervisor gives up
// until the next Start.
func WithRespawnBackOff(b backoff.BackOff) SupervisorOption {
	return func(s *Supervisor) {
		s.policy = b
	}
}

// WithResetWindow sets how long a worker must live before the respawn
// policy is reset.
func WithResetWindow(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.resetWindow = d
	}
}

// NewSupervisor creates a stopped supervisor. factory is called once per
// spawn attempt.
func NewSupervisor(factory LaunchFactory, callbacks Callbacks, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		factory:     factory,
		executor:    OSExecutor{},
		callbacks:   callbacks,
		log:         logr.Discard(),
		metrics:     NewNoopMetricsCollector(),
		tracer:      otel.Tracer(tracerName),
		policy:      &backoff.ZeroBackOff{},
		resetWindow: DefaultResetWindow,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start requests a running worker. It is idempotent; when no worker is
// current a spawn is queued, which also retries after a failed spawn.
func (s *Supervisor) Start() {
	s.mu.Lock()
	s.running = true
	s.stopTimerLocked()
	s.policy.Reset()
	s.mu.Unlock()

	s.post(op{kind: opSpawn})
}

// Stop requests that no worker runs. The current worker is killed and
// later exits are not followed by a respawn.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.running = false
	s.stopTimerLocked()
	h := s.current
	s.mu.Unlock()

	if h != nil {
		if err := h.ForceExit(); err != nil && !errors.Is(err, ErrProcessExited) {
			s.log.Error(err, "failed to kill worker", "worker", h.Name, "pid", h.PID())
		}
	}
}

// Subprocess returns the current worker, or nil.
func (s *Supervisor) Subprocess() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Desired reports whether the supervisor wants a worker running.
func (s *Supervisor) Desired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// post queues o and starts the drain goroutine if it is not running.
func (s *Supervisor) post(o op) {
	s.mu.Lock()
	s.queue = append(s.queue, o)
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	go s.drain()
}

func (s *Supervisor) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		o := s.queue[0]
		s.queue[0] = op{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		switch o.kind {
		case opSpawn:
			s.spawn()
		case opExited:
			s.handleExit(o.handle)
		}
	}
}

func (s *Supervisor) spawn() {
	s.mu.Lock()
	if !s.running || s.current != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, span := s.tracer.Start(context.Background(), "supervisor.spawn")
	defer span.End()

	cfg := s.factory(ctx)
	span.SetAttributes(
		attribute.String("worker.executable", cfg.Executable),
		attribute.String("worker.dir", cfg.Dir),
		attribute.Bool("worker.run_on_host", cfg.RunOnHost),
	)

	h, err := s.executor.Spawn(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn failed")
		s.metrics.WorkerSpawnFailed(cfg.Name())
		s.log.Error(err, "failed to spawn worker", "executable", cfg.Executable, "dir", cfg.Dir)
		if s.callbacks.SpawnFailed != nil {
			s.callbacks.SpawnFailed(err)
		}
		return
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		// Stopped while spawning.
		s.log.V(1).Info("discarding worker spawned after stop", "worker", h.Name, "pid", h.PID())
		_ = h.ForceExit()
		_ = h.Close()
		return
	}
	s.current = h
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("worker.pid", h.PID()), attribute.String("worker.id", h.ID))
	s.metrics.WorkerSpawned(h.Name)
	s.log.Info("spawned worker", "worker", h.Name, "pid", h.PID(), "id", h.ID)

	go func() {
		<-h.Done()
		s.post(op{kind: opExited, handle: h})
	}()

	if s.callbacks.Spawned != nil {
		s.callbacks.Spawned(h)
	}
}

func (s *Supervisor) handleExit(h *Handle) {
	status := h.Status()

	s.mu.Lock()
	if s.current == h {
		s.current = nil
	}
	running := s.running
	s.mu.Unlock()

	s.metrics.WorkerExited(h.Name, status)
	if status.State == StateForceKilled {
		s.metrics.WorkerForceExited(h.Name)
	}
	s.log.Info("worker exited", "worker", h.Name, "pid", h.PID(), "status", status.String(), "runtime", h.Runtime())

	if s.callbacks.Exited != nil {
		s.callbacks.Exited(h)
	}

	if !running {
		return
	}
	s.scheduleRespawn(h)
}

func (s *Supervisor) scheduleRespawn(prev *Handle) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.resetWindow > 0 && prev.Runtime() >= s.resetWindow {
		s.policy.Reset()
	}
	delay := s.policy.NextBackOff()
	if delay == backoff.Stop {
		s.mu.Unlock()
		s.log.Info("respawn policy exhausted, worker stays down", "worker", prev.Name)
		if s.callbacks.SpawnFailed != nil {
			s.callbacks.SpawnFailed(ErrRespawnExhausted)
		}
		return
	}

	s.metrics.WorkerRespawned(prev.Name)
	if delay <= 0 {
		s.mu.Unlock()
		s.post(op{kind: opSpawn})
		return
	}

	s.log.V(1).Info("delaying respawn", "worker", prev.Name, "delay", delay)
	s.stopTimerLocked()
	s.timer = time.AfterFunc(delay, func() {
		s.post(op{kind: opSpawn})
	})
	s.mu.Unlock()
}
