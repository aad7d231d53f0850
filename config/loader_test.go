package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 15, cfg.Retrieval.K)
	assert.Equal(t, 60, cfg.Retrieval.RRFConstant)
	assert.Equal(t, 0.5, cfg.Retrieval.MMRLambda)
	assert.Equal(t, 2, cfg.Rewrite.MaxRewrites)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 10*time.Second, cfg.LLM.Timeout)
}

func TestLoader_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corag.yaml")
	content := `
llm:
  model: gpt-4o
  timeout: 30s
retrieval:
  k: 5
  mmr_lambda: 0.7
checkpoint:
  backend: redis
  redis:
    addr: localhost:6379
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 5, cfg.Retrieval.K)
	assert.Equal(t, 0.7, cfg.Retrieval.MMRLambda)
	assert.Equal(t, "redis", cfg.Checkpoint.Backend)
	assert.Equal(t, "localhost:6379", cfg.Checkpoint.Redis.Addr)
	// 未覆盖的保持默认
	assert.Equal(t, 50, cfg.Retrieval.FetchK)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: from-yaml\n"), 0o644))

	t.Setenv("CORAG_TEST_LLM_MODEL", "from-env")
	t.Setenv("CORAG_TEST_REWRITE_MAX_REWRITES", "4")
	t.Setenv("CORAG_TEST_RETRIEVAL_STORE_TIMEOUT", "750ms")
	t.Setenv("CORAG_TEST_TELEMETRY_ENABLED", "true")
	t.Setenv("CORAG_TEST_LOG_OUTPUT_PATHS", "stdout, /var/log/corag.log")

	cfg, err := NewLoader().
		WithConfigPath(path).
		WithEnvPrefix("CORAG_TEST").
		Load()
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, 4, cfg.Rewrite.MaxRewrites)
	assert.Equal(t, 750*time.Millisecond, cfg.Retrieval.StoreTimeout)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, []string{"stdout", "/var/log/corag.log"}, cfg.Log.OutputPaths)
}

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/corag.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [not a map"), 0o644))

	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

func TestLoader_ValidatorRejects(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.LLM.APIKey == "" {
				return errors.New("llm api key required")
			}
			return nil
		}).
		Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key required")
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("CORAG_BADENV_RETRIEVAL_K", "not-a-number")

	_, err := NewLoader().WithEnvPrefix("CORAG_BADENV").Load()
	assert.Error(t, err)
}
