package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finsight.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  provider: openai
  name: gpt-4o
  temperature: 0.5
pipeline:
  stage_timeout: 90s
  retry_attempts: 5
  failure_policy: abort
exec:
  timeout: 10s
search:
  iterations: 2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ProviderOpenAI, cfg.Model.Provider)
	require.Equal(t, "gpt-4o", cfg.Model.Name)
	require.Equal(t, 0.5, cfg.Model.Temperature)
	require.Equal(t, 90*time.Second, cfg.Pipeline.StageTimeout)
	require.Equal(t, 5, cfg.Pipeline.RetryAttempts)
	require.Equal(t, "abort", cfg.Pipeline.FailurePolicy)
	require.Equal(t, 10*time.Second, cfg.Exec.Timeout)
	require.Equal(t, 2, cfg.Search.Iterations)

	// Untouched values keep their defaults.
	require.Equal(t, 3, cfg.Viz.MaxIterations)
}

func TestLoadEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("FINSIGHT_API_KEY", "from-generic")
	t.Setenv("ANTHROPIC_API_KEY", "from-provider")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "from-generic", cfg.Model.APIKey)
}

func TestLoadProviderAPIKey(t *testing.T) {
	t.Setenv("FINSIGHT_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "claude-key")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "claude-key", cfg.Model.APIKey)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  provider: cohere\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateErrors(t *testing.T) {
	cfg := Default()
	cfg.Model.Name = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Pipeline.RetryAttempts = 0
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Pipeline.FailurePolicy = "sometimes"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Viz.ScoreThreshold = 1.5
	require.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
