package process

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultProbeTimeout bounds a sysroot probe.
const DefaultProbeTimeout = 10 * time.Second

// ProbeSysroot runs argv and returns its trimmed stdout as the runtime root.
// An empty argv is an error; callers treat any error as "no sysroot".
func ProbeSysroot(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 {
		return "", ErrNoProbe
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("probe %s: %w", argv[0], err)
	}

	root := strings.TrimSpace(stdout.String())
	if root == "" {
		return "", fmt.Errorf("probe %s: empty output", argv[0])
	}
	return root, nil
}

// WithSysroot returns a copy of c carrying SYS_ROOT and a matching
// LD_LIBRARY_PATH for root.
func (c LaunchConfig) WithSysroot(root string) LaunchConfig {
	return c.Setenv("SYS_ROOT", root).
		Setenv("LD_LIBRARY_PATH", filepath.Join(root, "lib"))
}
