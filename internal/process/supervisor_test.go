package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 5 * time.Second

// recorder collects supervisor callbacks on channels.
type recorder struct {
	spawned chan *Handle
	failed  chan error
	exited  chan *Handle
}

func newRecorder() *recorder {
	return &recorder{
		spawned: make(chan *Handle, 64),
		failed:  make(chan error, 64),
		exited:  make(chan *Handle, 64),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		Spawned:     func(h *Handle) { r.spawned <- h },
		SpawnFailed: func(err error) { r.failed <- err },
		Exited:      func(h *Handle) { r.exited <- h },
	}
}

func (r *recorder) nextSpawn(t *testing.T) *Handle {
	t.Helper()
	select {
	case h := <-r.spawned:
		return h
	case <-time.After(eventTimeout):
		t.Fatal("timeout waiting for spawn")
		return nil
	}
}

func (r *recorder) nextExit(t *testing.T) *Handle {
	t.Helper()
	select {
	case h := <-r.exited:
		return h
	case <-time.After(eventTimeout):
		t.Fatal("timeout waiting for exit")
		return nil
	}
}

func (r *recorder) nextFailure(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.failed:
		return err
	case <-time.After(eventTimeout):
		t.Fatal("timeout waiting for spawn failure")
		return nil
	}
}

func sleeper(_ context.Context) LaunchConfig {
	return LaunchConfig{Executable: "sleep", Args: []string{"30"}, Stdio: StdinPipe | StdoutPipe}
}

// countingExecutor wraps OSExecutor and counts spawns.
type countingExecutor struct {
	spawns atomic.Int32
}

func (c *countingExecutor) Spawn(ctx context.Context, cfg LaunchConfig) (*Handle, error) {
	c.spawns.Add(1)
	return OSExecutor{}.Spawn(ctx, cfg)
}

func TestSupervisor_StartSpawns(t *testing.T) {
	rec := newRecorder()
	sup := NewSupervisor(sleeper, rec.callbacks())
	t.Cleanup(sup.Stop)

	assert.Nil(t, sup.Subprocess())
	assert.False(t, sup.Desired())

	sup.Start()
	h := rec.nextSpawn(t)

	assert.True(t, sup.Desired())
	assert.Same(t, h, sup.Subprocess())
	assert.Equal(t, StateRunning, h.State())
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	rec := newRecorder()
	exec := &countingExecutor{}
	sup := NewSupervisor(sleeper, rec.callbacks(), WithExecutor(exec))
	t.Cleanup(sup.Stop)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Start()
		}()
	}
	wg.Wait()

	rec.nextSpawn(t)
	sup.Start()

	assert.Never(t, func() bool { return len(rec.spawned) > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, int32(1), exec.spawns.Load())
}

func TestSupervisor_RespawnsAfterCrash(t *testing.T) {
	rec := newRecorder()
	sup := NewSupervisor(sleeper, rec.callbacks())
	t.Cleanup(sup.Stop)

	sup.Start()
	first := rec.nextSpawn(t)

	require.NoError(t, first.ForceExit())

	assert.Same(t, first, rec.nextExit(t))
	second := rec.nextSpawn(t)

	assert.NotSame(t, first, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Same(t, second, sup.Subprocess())
	assert.Equal(t, StateForceKilled, first.State())
}

func TestSupervisor_RespawnsAfterCleanExit(t *testing.T) {
	rec := newRecorder()
	var calls atomic.Int32
	factory := func(context.Context) LaunchConfig {
		if calls.Add(1) == 1 {
			return LaunchConfig{Executable: "true"}
		}
		return LaunchConfig{Executable: "sleep", Args: []string{"30"}}
	}
	sup := NewSupervisor(factory, rec.callbacks())
	t.Cleanup(sup.Stop)

	sup.Start()
	first := rec.nextSpawn(t)
	assert.Same(t, first, rec.nextExit(t))
	assert.Equal(t, Status{State: StateExited, ExitCode: 0}, first.Status())

	second := rec.nextSpawn(t)
	assert.Equal(t, StateRunning, second.State())
	assert.Equal(t, int32(2), calls.Load())
}

func TestSupervisor_StopPreventsRespawn(t *testing.T) {
	rec := newRecorder()
	sup := NewSupervisor(sleeper, rec.callbacks())

	sup.Start()
	h := rec.nextSpawn(t)

	sup.Stop()
	assert.Same(t, h, rec.nextExit(t))
	assert.False(t, sup.Desired())
	assert.Nil(t, sup.Subprocess())

	assert.Never(t, func() bool { return len(rec.spawned) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestSupervisor_StopBeforeStart(t *testing.T) {
	rec := newRecorder()
	sup := NewSupervisor(sleeper, rec.callbacks())

	sup.Stop()
	sup.Stop()

	assert.Nil(t, sup.Subprocess())
	assert.Empty(t, rec.spawned)
}

func TestSupervisor_SpawnAfterStopIsDiscarded(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	entered := make(chan struct{})
	var spawned atomic.Pointer[Handle]
	exec := ExecutorFunc(func(ctx context.Context, cfg LaunchConfig) (*Handle, error) {
		close(entered)
		<-release
		h, err := OSExecutor{}.Spawn(ctx, cfg)
		spawned.Store(h)
		return h, err
	})
	sup := NewSupervisor(sleeper, rec.callbacks(), WithExecutor(exec))

	sup.Start()
	<-entered
	sup.Stop()
	close(release)

	assert.Never(t, func() bool { return len(rec.spawned) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
	h := spawned.Load()
	require.NotNil(t, h)
	require.Eventually(t, h.HasExited, eventTimeout, 10*time.Millisecond)
	assert.Equal(t, StateForceKilled, h.State())
	assert.Nil(t, sup.Subprocess())
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	rec := newRecorder()
	factory := func(context.Context) LaunchConfig {
		return LaunchConfig{Executable: "lspkeeper-no-such-binary"}
	}
	exec := &countingExecutor{}
	sup := NewSupervisor(factory, rec.callbacks(), WithExecutor(exec))
	t.Cleanup(sup.Stop)

	sup.Start()
	err := rec.nextFailure(t)

	var spawnErr *SpawnError
	assert.ErrorAs(t, err, &spawnErr)
	assert.Nil(t, sup.Subprocess())

	// No automatic retry.
	assert.Never(t, func() bool { return exec.spawns.Load() > 1 }, 300*time.Millisecond, 20*time.Millisecond)

	// Start retries.
	sup.Start()
	rec.nextFailure(t)
	assert.Equal(t, int32(2), exec.spawns.Load())
}

func TestSupervisor_FactoryCalledPerSpawn(t *testing.T) {
	rec := newRecorder()
	var dirs []string
	var mu sync.Mutex
	factory := func(context.Context) LaunchConfig {
		mu.Lock()
		defer mu.Unlock()
		dir := t.TempDir()
		dirs = append(dirs, dir)
		return LaunchConfig{Executable: "sleep", Args: []string{"30"}, Dir: dir}
	}
	sup := NewSupervisor(factory, rec.callbacks())
	t.Cleanup(sup.Stop)

	sup.Start()
	h := rec.nextSpawn(t)
	require.NoError(t, h.ForceExit())
	rec.nextExit(t)
	rec.nextSpawn(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dirs, 2)
	assert.NotEqual(t, dirs[0], dirs[1])
}

func TestSupervisor_RespawnBackOffExhausted(t *testing.T) {
	rec := newRecorder()
	policy := backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1)
	factory := func(context.Context) LaunchConfig {
		return LaunchConfig{Executable: "true"}
	}
	exec := &countingExecutor{}
	sup := NewSupervisor(factory, rec.callbacks(), WithExecutor(exec), WithRespawnBackOff(policy))
	t.Cleanup(sup.Stop)

	sup.Start()

	rec.nextSpawn(t)
	rec.nextExit(t)
	rec.nextSpawn(t)
	rec.nextExit(t)

	assert.ErrorIs(t, rec.nextFailure(t), ErrRespawnExhausted)
	assert.Equal(t, int32(2), exec.spawns.Load())
	assert.True(t, sup.Desired())
}

func TestSupervisor_DelayedRespawnCancelledByStop(t *testing.T) {
	rec := newRecorder()
	policy := backoff.NewConstantBackOff(300 * time.Millisecond)
	sup := NewSupervisor(sleeper, rec.callbacks(), WithRespawnBackOff(policy))

	sup.Start()
	h := rec.nextSpawn(t)
	require.NoError(t, h.ForceExit())
	rec.nextExit(t)

	sup.Stop()

	assert.Never(t, func() bool { return len(rec.spawned) > 0 }, 600*time.Millisecond, 20*time.Millisecond)
}

func TestSupervisor_DelayedRespawn(t *testing.T) {
	rec := newRecorder()
	policy := backoff.NewConstantBackOff(100 * time.Millisecond)
	sup := NewSupervisor(sleeper, rec.callbacks(), WithRespawnBackOff(policy))
	t.Cleanup(sup.Stop)

	sup.Start()
	h := rec.nextSpawn(t)
	require.NoError(t, h.ForceExit())
	rec.nextExit(t)

	exitedAt := time.Now()
	rec.nextSpawn(t)
	assert.GreaterOrEqual(t, time.Since(exitedAt), 90*time.Millisecond)
}

type sequenceRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *sequenceRecorder) add(e string) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *sequenceRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestSupervisor_CallbacksAreSerialized(t *testing.T) {
	var inCallback atomic.Int32
	var overlap atomic.Bool
	seq := &sequenceRecorder{}
	enter := func(kind string) func() {
		if inCallback.Add(1) > 1 {
			overlap.Store(true)
		}
		seq.add(kind)
		return func() { inCallback.Add(-1) }
	}

	sup := NewSupervisor(func(context.Context) LaunchConfig {
		return LaunchConfig{Executable: "sh", Args: []string{"-c", "sleep 0.05"}}
	}, Callbacks{
		Spawned: func(*Handle) {
			defer enter("spawned")()
			time.Sleep(20 * time.Millisecond)
		},
		Exited: func(*Handle) {
			defer enter("exited")()
		},
	})

	sup.Start()
	require.Eventually(t, func() bool { return len(seq.snapshot()) >= 6 }, eventTimeout, 10*time.Millisecond)
	sup.Stop()

	assert.False(t, overlap.Load())
	events := seq.snapshot()
	for i := 0; i+1 < len(events); i += 2 {
		assert.Equal(t, "spawned", events[i])
		assert.Equal(t, "exited", events[i+1])
	}
}

type fakeMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (f *fakeMetrics) inc(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[name]++
}

func (f *fakeMetrics) get(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

func (f *fakeMetrics) WorkerSpawned(string)        { f.inc("spawned") }
func (f *fakeMetrics) WorkerSpawnFailed(string)    { f.inc("failed") }
func (f *fakeMetrics) WorkerExited(string, Status) { f.inc("exited") }
func (f *fakeMetrics) WorkerRespawned(string)      { f.inc("respawned") }
func (f *fakeMetrics) WorkerForceExited(string)    { f.inc("forced") }

func TestSupervisor_Metrics(t *testing.T) {
	rec := newRecorder()
	m := &fakeMetrics{}
	sup := NewSupervisor(sleeper, rec.callbacks(), WithMetrics(m))

	sup.Start()
	h := rec.nextSpawn(t)
	require.NoError(t, h.ForceExit())
	rec.nextExit(t)
	rec.nextSpawn(t)
	sup.Stop()
	rec.nextExit(t)

	assert.Equal(t, 2, m.get("spawned"))
	assert.Equal(t, 2, m.get("exited"))
	assert.Equal(t, 2, m.get("forced"))
	assert.Equal(t, 1, m.get("respawned"))
	assert.Equal(t, 0, m.get("failed"))
}

func TestSpawnError(t *testing.T) {
	inner := errors.New("boom")
	err := &SpawnError{Executable: "x", Err: inner}

	assert.Equal(t, "spawn x: boom", err.Error())
	assert.ErrorIs(t, err, inner)
}
