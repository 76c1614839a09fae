package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault()))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval.Std())
	assert.Equal(t, 10, cfg.Scheduler.BatchSize)
	assert.Equal(t, 200, cfg.Stream.QueueCapacity)
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestPartialConfigKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
scheduler:
  interval: 5s
projects:
  payments:
    docs: "Checkout service"
webhooks:
  - url: https://hooks.example.com/foreman
    events: [task.completed, task.failed]
log:
  level: debug
`))
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval.Std())
	assert.Equal(t, 10, cfg.Scheduler.BatchSize)
	assert.Equal(t, 4, cfg.Workers.Count)
	require.Len(t, cfg.Webhooks, 1)
	level, err := ParseLevel(cfg.Log.Level)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":  "scheduler:\n  interval: soon\n",
		"unknown event": "webhooks:\n  - url: https://x.example.com\n    events: [task.exploded]\n",
		"missing url":   "webhooks:\n  - name: nowhere\n",
		"bad level":     "log:\n  level: loud\n",
		"bad format":    "log:\n  format: xml\n",
		"negative":      "workers:\n  count: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestProjectDocsAndRepos(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ARCH.md"), []byte("Services talk over gRPC."), 0o644))
	cfg, err := FromYAML([]byte(`
projects:
  payments:
    docs: "Checkout service"
    docs_file: ARCH.md
    repo_path: src/payments
  empty: {}
`))
	require.NoError(t, err)

	docs, err := cfg.Docs(dir)
	require.NoError(t, err)
	assert.Equal(t, "Checkout service\nServices talk over gRPC.", docs["payments"])
	assert.NotContains(t, docs, "empty")
	assert.Equal(t, map[string]string{"payments": filepath.Join(dir, "src/payments")}, cfg.Repos(dir))
}

func TestLoadOptionalWithoutFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	assert.True(t, cfg.Scheduler.Enabled)
	_, err = Load(t.TempDir())
	assert.Error(t, err)
}
