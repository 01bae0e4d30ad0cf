package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dockyard-paas/dockyard/internal/model"

	"github.com/stretchr/testify/require"
)

func TestInitDockyard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dockyard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: "+filepath.Join(dir, "jobs.db")+"\nlist_limit: 10\n"), 0644))
	t.Setenv("DOCKYARDCONFIG", path)
	t.Setenv("DOCKYARD_RETENTION", "2h")
	t.Setenv("DOCKYARD_HOOKS_TIMEOUT", "1s")

	require.NoError(t, initDockyard(rootCmd, nil))
	require.Equal(t, path, configPath)
	require.Equal(t, 10, config.ListLimit)
	require.Equal(t, 2*time.Hour, config.Retention)
	require.Equal(t, time.Second, config.Hooks.Timeout)
	require.Equal(t, "docker", config.DockerBinary)
}

func TestInitDockyardInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dockyard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("docker_backend: podman\n"), 0644))
	t.Setenv("DOCKYARDCONFIG", path)

	err := initDockyard(rootCmd, nil)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "dockyard.yaml")
	require.NoError(t, writeDefault(path))
	require.True(t, exists(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "@hourly")
	require.Contains(t, string(raw), "facts_ttl: 5s")

	// an existing file is kept
	require.NoError(t, os.WriteFile(path, []byte("verbose: true\n"), 0644))
	require.NoError(t, writeDefault(path))
	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "verbose: true\n", string(raw))

	require.False(t, exists(filepath.Dir(path)))
}

func TestPrintJobs(t *testing.T) {
	msg := "deploy exited with code 1: fatal\nmore"
	jobs := []model.Job{{
		ID:        "j1",
		Type:      model.TypeDeploy,
		Status:    model.StatusFailed,
		Owner:     "alice",
		Meta:      model.Meta{Owner: "alice", App: "blog"},
		Error:     &msg,
		CreatedAt: time.Now(),
	}}
	var buf bytes.Buffer
	require.NoError(t, printJobs(&buf, jobs))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, lines[1], "alice/blog")
	require.Contains(t, lines[1], "deploy exited with code 1: fatal")
	require.NotContains(t, lines[1], "more")
}
