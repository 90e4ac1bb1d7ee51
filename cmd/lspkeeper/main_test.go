package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dshills/lspkeeper/internal/config"
	"github.com/dshills/lspkeeper/internal/process"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "lspkeeper dev")
	assert.Contains(t, out, "Commit: unknown")
}

func TestConfigCmd(t *testing.T) {
	path := writeConfig(t, "server:\n  command: vls\nwatch:\n  rate_limit: 2s\n")

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "vls", cfg.Server.Command)
	assert.Equal(t, 2*time.Second, cfg.Watch.RateLimit.Std())
}

func TestConfigCmd_Project(t *testing.T) {
	path := writeConfig(t, "server:\n  command: vls\n")
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "meson.build"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, config.ProjectFile), []byte("[server]\ndebug = true\n"), 0o644))

	out, err := execute(t, "config", "--config", path, root)
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "vls", cfg.Server.Command)
	assert.True(t, cfg.Server.Debug)
}

func TestConfigCmd_Init(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lspkeeper", "config.yaml")

	out, err := execute(t, "config", "--init="+path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "--config", path)
	assert.NoError(t, err)
}

func TestConfigCmd_Invalid(t *testing.T) {
	path := writeConfig(t, "log:\n  format: xml\n")
	_, err := execute(t, "config", "--config", path)
	assert.True(t, config.IsInvalid(err))
}

func TestRunCmd_FlagOverrides(t *testing.T) {
	cmd := newRunCmd(&rootOptions{})
	require.NoError(t, cmd.ParseFlags([]string{"--debug", "--metrics-addr", ":9100", "--descriptor", "Cargo.toml"}))

	opts := &runOptions{debug: true, metricsAddr: ":9100", descriptor: "Cargo.toml"}
	cfg := config.Default()
	opts.apply(cmd, &cfg)

	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, "Cargo.toml", cfg.Watch.Descriptor)
	assert.Equal(t, "info", cfg.Log.Level, "unset flags keep the config value")
}

func TestServiceConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Env = []string{"A=1", "broken", "A=2"}
	cfg.Server.Args = []string{"--stdio"}
	cfg.Respawn.MaxRetries = 3

	sc := serviceConfig(cfg)
	assert.Equal(t, "vala-language-server", sc.Command)
	assert.Equal(t, []string{"--stdio"}, sc.Args)
	assert.Equal(t, []process.EnvVar{{Key: "A", Value: "1"}, {Key: "A", Value: "2"}}, sc.Env)
	assert.Equal(t, []string{"vala"}, sc.Languages)
	assert.Equal(t, "meson.build", sc.Descriptor)
	assert.Equal(t, 5*time.Second, sc.RateLimit)
	assert.True(t, sc.Initialize)
	require.NotNil(t, sc.RespawnPolicy)
	assert.NotSame(t, sc.RespawnPolicy(), sc.RespawnPolicy())

	assert.Nil(t, serviceConfig(config.Default()).RespawnPolicy)
}

func TestProjectResolver(t *testing.T) {
	base := config.Default()
	resolve := projectResolver(base, logr.Discard())

	good := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(good, config.ProjectFile), []byte("[server]\ncommand = \"vls-dev\"\n"), 0o644))
	assert.Equal(t, "vls-dev", resolve(good).Command)

	broken := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(broken, config.ProjectFile), []byte("[server\n"), 0o644))
	assert.Equal(t, base.Server.Command, resolve(broken).Command)
}

func TestRunService(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "meson.build"), nil, 0o644))

	cfg := config.Default()
	cfg.Server.Command = "cat"
	cfg.Server.Initialize = false
	cfg.Log.Level = "error"

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runService(ctx, cfg, filepath.Join(root, "src", "..")) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runService did not return after cancellation")
	}
}
