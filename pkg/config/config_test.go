package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilhg/ckpt/pkg/errmodel"
	"github.com/wilhg/ckpt/pkg/policy"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpointd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabaseURL, cfg.DatabaseURL)
	assert.Equal(t, DefaultArtifactsDir, cfg.ArtifactsDir)
	assert.Equal(t, DefaultSweepGrace, cfg.SweepGrace)
	assert.Empty(t, cfg.Path)
}

func TestLoad_FileAndPolicies(t *testing.T) {
	path := writeFile(t, `
database_url: sqlite:file:test.sqlite
artifacts_dir: /var/lib/ckpt
sweep_grace: 15m
logging:
  level: debug
  format: json
tracing:
  exporter: stdout
  sample_ratio: 0.5
checkpointing:
  training:
    checkpoint_interval_seconds: 60
    force_checkpoint_every_n: 10
  backtesting:
    checkpoint_interval_seconds: 5
    force_checkpoint_every_n: 500
    checkpoint_on_cancellation: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite:file:test.sqlite", cfg.DatabaseURL)
	assert.Equal(t, "/var/lib/ckpt", cfg.ArtifactsDir)
	assert.Equal(t, 15*time.Minute, cfg.SweepGrace)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, DefaultAddr, cfg.Addr, "unset fields keep defaults")

	oc := cfg.Otel("1.2.3")
	assert.Equal(t, "stdout", oc.Exporter)
	assert.Equal(t, 0.5, oc.SampleRatio)

	policies, err := cfg.Policies()
	require.NoError(t, err)
	assert.True(t, policies[policy.KindBacktesting].CheckpointOnCancellation)
	assert.Equal(t, time.Minute, policies[policy.KindTraining].CheckpointInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "database_url: sqlite:file:a.sqlite\naddr: :9000\n")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/ckpt")
	t.Setenv("CKPT_ARTIFACTS_DIR", "/tmp/x")
	t.Setenv("CKPT_TRACE_SAMPLE_RATIO", "0.25")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db/ckpt", cfg.DatabaseURL)
	assert.Equal(t, "/tmp/x", cfg.ArtifactsDir)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errmodel.IsCategory(err, errmodel.CategoryConfig))

	_, err = Load(writeFile(t, "database_url: [oops"))
	require.Error(t, err)
	assert.True(t, errmodel.IsCategory(err, errmodel.CategoryParse))

	_, err = Load(writeFile(t, "tracing:\n  exporter: jaeger\n  sample_ratio: 3\nlogging:\n  level: shout\n"))
	require.Error(t, err)
	assert.True(t, errmodel.IsCategory(err, errmodel.CategoryValidation))
	assert.Len(t, errmodel.From(err).Causes, 3)
}

func TestPolicies_RequiresFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	_, err = cfg.Policies()
	assert.True(t, errmodel.IsCategory(err, errmodel.CategoryConfig))
}
