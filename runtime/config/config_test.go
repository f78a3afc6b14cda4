package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Loop, cfg.Loop)
}

func TestLoadParsesYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
loop:
  step_limit: 5
  max_invalid_retries: 1
planner_model:
  id: custom-model
  token_limit: 50000
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Loop.StepLimit)
	require.Equal(t, 1, cfg.Loop.MaxInvalidRetries)
	require.Equal(t, "custom-model", cfg.PlannerModel.ID)
	require.Equal(t, 50000, cfg.PlannerModel.TokenLimit)
	require.Equal(t, Default().Loop.ToolFailureBreaker, cfg.Loop.ToolFailureBreaker)
}

func TestLoadEnvOverridesWinOverFileAndOptions(t *testing.T) {
	t.Setenv("ORCHESTRATOR_LOOP_STEP_LIMIT", "7")
	t.Setenv("ORCHESTRATOR_MONGO_URI", "mongodb://env-wins/db")

	cfg, err := Load("", WithMongoURI("mongodb://option/db"))
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Loop.StepLimit)
	require.Equal(t, "mongodb://env-wins/db", cfg.MongoURI)
}

func TestLoadRejectsInvalidStepLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  step_limit: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
