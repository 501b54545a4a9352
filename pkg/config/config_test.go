package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Workflow.MaxSteps)
	assert.Equal(t, 1, cfg.Workflow.MaxPriorUserMessages)
	assert.Equal(t, 30.0, cfg.Workflow.RecencyHalfLifeDays)
	assert.Equal(t, "./data/troubleshoot.db", cfg.SQLite.Path)
	assert.False(t, cfg.FactGraph.Enabled)
}

func TestLoadReadsYAMLAndEnvironment(t *testing.T) {
	dir := chdirTemp(t)
	yaml := "workflow:\n  maxSteps: 5\nsqlite:\n  path: /tmp/diag.db\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	t.Setenv("TROUBLESHOOT_WORKFLOW_MAXPRIORUSERMESSAGES", "2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Workflow.MaxSteps)
	assert.Equal(t, 2, cfg.Workflow.MaxPriorUserMessages)
	assert.Equal(t, "/tmp/diag.db", cfg.SQLite.Path)
}

func TestValidateRejectsBadPolicy(t *testing.T) {
	cfg := Config{
		SQLite:    SQLiteConfig{Path: "x.db"},
		Workflow:  WorkflowConfig{MaxSteps: 0, RecencyHalfLifeDays: 30, GenerationTimeoutSec: 1},
		FactCache: FactCacheConfig{Size: 1},
	}
	assert.Error(t, cfg.Validate())

	cfg.Workflow.MaxSteps = 8
	assert.NoError(t, cfg.Validate())

	cfg.Workflow.MinRecencyWeight = 1.5
	assert.Error(t, cfg.Validate())
}
