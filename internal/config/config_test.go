package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := LoadArgs(filepath.Join(t.TempDir(), "missing.json"), []string{"-env-file", "missing.env"})
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "feathers", cfg.FeathersDir)
	assert.Equal(t, 18, cfg.NumericPrecision)
	assert.Equal(t, 8, cfg.NumericScale)
	assert.Equal(t, 500, cfg.BackfillBatch)
	assert.Equal(t, time.Minute, cfg.CatalogTTL())
	assert.False(t, cfg.IsProduction())
	assert.Len(t, cfg.NodeID, 36)
}

func TestLayering(t *testing.T) {
	jsonPath := write(t, "featherdb.json", `{"port":"9000","dbUrl":"postgres://json","backfillBatch":100,"env":"production","nodeId":"from-json"}`)
	envPath := write(t, ".env", "FEATHERDB_NATS_URL=nats://dotenv:4222\n")
	t.Setenv("FEATHERDB_DB_URL", "postgres://env")
	t.Setenv("FEATHERDB_AUTO_MIGRATE", "yes")
	t.Setenv("FEATHERDB_BACKFILL_BATCH", "not a number")
	t.Cleanup(func() { os.Unsetenv("FEATHERDB_NATS_URL") })

	cfg := LoadArgs("featherdb.json", []string{"-config", jsonPath, "-env-file", envPath, "-port", "7000"})
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "postgres://env", cfg.DBURL)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 100, cfg.BackfillBatch)
	assert.Equal(t, "nats://dotenv:4222", cfg.NatsURL)
	assert.Equal(t, "from-json", cfg.NodeID)
	assert.True(t, cfg.IsProduction())
}

func TestFlagBeatsEnv(t *testing.T) {
	t.Setenv("FEATHERDB_AUTO_MIGRATE", "true")
	cfg := LoadArgs("missing.json", []string{"-env-file", "missing.env", "-auto-migrate", "false", "-feathers", " seed "})
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, "seed", cfg.FeathersDir)
}
