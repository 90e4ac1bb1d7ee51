package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWindow = 200 * time.Millisecond

type changeRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *changeRecorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *changeRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func setupDescriptor(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("project('demo', 'vala')\n"), 0o644))
	return path
}

func TestOp_String(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{OpCreate, "CREATE"},
		{OpWrite, "WRITE"},
		{OpRemove, "REMOVE"},
		{OpRename, "RENAME"},
		{OpChmod, "CHMOD"},
		{OpCreate | OpWrite, "CREATE|WRITE"},
		{0, "UNKNOWN"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.op.String())
	}
}

func TestConvertOp(t *testing.T) {
	assert.Equal(t, OpCreate|OpWrite, convertOp(fsnotify.Create|fsnotify.Write))
	assert.Equal(t, OpRemove, convertOp(fsnotify.Remove))
	assert.Equal(t, OpRename|OpChmod, convertOp(fsnotify.Rename|fsnotify.Chmod))
}

func TestNewDescriptorWatcher_MissingFile(t *testing.T) {
	_, err := NewDescriptorWatcher(filepath.Join(t.TempDir(), "meson.build"), nil)
	assert.ErrorIs(t, err, ErrPathNotExist)
}

func TestNewDescriptorWatcher_Directory(t *testing.T) {
	_, err := NewDescriptorWatcher(t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrNotAFile)
}

func TestDescriptorWatcher_BurstIsOneChange(t *testing.T) {
	path := setupDescriptor(t, "meson.build")
	rec := &changeRecorder{}

	w, err := NewDescriptorWatcher(path, rec.record, WithRateLimit(testWindow))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	assert.Equal(t, path, w.Path())

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("project('demo', 'vala')\n# edit\n"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(rec.snapshot()) > 1 }, 2*testWindow, 20*time.Millisecond)

	ev := rec.snapshot()[0]
	assert.Equal(t, path, ev.Path)
	assert.True(t, ev.Op.Has(OpWrite))
	assert.GreaterOrEqual(t, ev.Raw, 1)

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Changes)
	assert.GreaterOrEqual(t, stats.RawEvents, int64(5))
}

func TestDescriptorWatcher_SeparateWindows(t *testing.T) {
	path := setupDescriptor(t, "meson.build")
	rec := &changeRecorder{}

	w, err := NewDescriptorWatcher(path, rec.record, WithRateLimit(testWindow))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	require.NoError(t, os.WriteFile(path, []byte("a\n"), 0o644))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("b\n"), 0o644))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestDescriptorWatcher_ReplaceByRename(t *testing.T) {
	path := setupDescriptor(t, "Cargo.toml")
	rec := &changeRecorder{}

	w, err := NewDescriptorWatcher(path, rec.record, WithRateLimit(testWindow))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	tmp := filepath.Join(filepath.Dir(path), ".Cargo.toml.swp")
	require.NoError(t, os.WriteFile(tmp, []byte("[package]\nname = \"demo\"\n"), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, rec.snapshot()[0].Op.Has(OpCreate))
}

func TestDescriptorWatcher_IgnoresSiblings(t *testing.T) {
	path := setupDescriptor(t, "meson.build")
	rec := &changeRecorder{}

	w, err := NewDescriptorWatcher(path, rec.record, WithRateLimit(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	sibling := filepath.Join(filepath.Dir(path), "main.vala")
	require.NoError(t, os.WriteFile(sibling, []byte("void main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "meson.build.bak"), []byte("x"), 0o644))

	assert.Never(t, func() bool { return len(rec.snapshot()) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, int64(0), w.Stats().RawEvents)
}

func TestDescriptorWatcher_CloseCancelsPending(t *testing.T) {
	path := setupDescriptor(t, "meson.build")
	rec := &changeRecorder{}

	w, err := NewDescriptorWatcher(path, rec.record, WithRateLimit(testWindow))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	require.Eventually(t, func() bool { return w.Stats().RawEvents > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.Never(t, func() bool { return len(rec.snapshot()) > 0 }, 2*testWindow, 20*time.Millisecond)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.RateLimit)
}
