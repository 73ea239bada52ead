package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig().JoinExplosionFactor, cfg.JoinExplosionFactor)
	assert.Equal(t, 0.85, cfg.FuzzyThreshold)
	assert.Empty(t, cfg.Source)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
metadata:
  path: /srv/metadata
engine:
  join_explosion_factor: 25
  allow_missing_sources: true
diff:
  fuzzy_enabled: true
  fuzzy_threshold: 0.9
drilldown:
  infer_contribution_signs: true
server:
  allowed_origins: ["http://localhost:3000"]
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))

	t.Setenv("RECON_ENGINE_JOIN_EXPLOSION_FACTOR", "40")
	t.Setenv("RECON_DATABASE_HOST", "db.internal")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "/srv/metadata", cfg.MetadataPath)
	assert.Equal(t, 40, cfg.JoinExplosionFactor)
	assert.True(t, cfg.AllowMissingSources)
	assert.True(t, cfg.FuzzyEnabled)
	assert.Equal(t, 0.9, cfg.FuzzyThreshold)
	assert.True(t, cfg.InferContributionSigns)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.NotEmpty(t, cfg.Source)
}

func TestLoadRejectsInvalidThreshold(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("diff:\n  fuzzy_threshold: 1.5\n"), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
}
