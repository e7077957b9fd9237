package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retcon/retcon/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "retcon.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
[server]
address = "tcp://127.0.0.1:60179"

[entities.customer.sources.db1]
driver = "memory"
`

func TestLoadMinimalConfig(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:60179", cfg.ServerAddress)
	assert.Equal(t, "ignoreConflicts", cfg.PolicyName)
	assert.GreaterOrEqual(t, cfg.Workers, 2)

	es, ok := cfg.Entities[model.EntityName("customer")]
	require.True(t, ok)
	assert.Equal(t, "memory", es.Drivers[model.SourceName("db1")])
	assert.Equal(t, int64(defaultSourceTimeoutMS), es.Timeout[model.SourceName("db1")].Milliseconds())
}

func TestLoadMissingServerAddress(t *testing.T) {
	path := writeConfig(t, `
[entities.customer.sources.db1]
driver = "memory"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.IsType(t, &model.ConfigError{}, err)
}

func TestLoadNoEntities(t *testing.T) {
	path := writeConfig(t, `
[server]
address = "tcp://127.0.0.1:60179"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.IsType(t, &model.ConfigError{}, err)
}

func TestLoadSourceRequiresDriver(t *testing.T) {
	path := writeConfig(t, `
[server]
address = "tcp://127.0.0.1:60179"

[entities.customer.sources.db1]
timeout_ms = 5000
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.IsType(t, &model.ConfigError{}, err)
}

func TestLoadCustomTimeoutAndPolicy(t *testing.T) {
	path := writeConfig(t, `
policy = "trustSource"

[server]
address = "tcp://127.0.0.1:60179"

[policy_settings]
source = "db1"

[entities.customer.sources.db1]
driver = "memory"
timeout_ms = 500
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "trustSource", cfg.PolicyName)
	assert.Equal(t, "db1", cfg.PolicySettings["source"])

	timeout := cfg.Entities[model.EntityName("customer")].Timeout[model.SourceName("db1")]
	assert.Equal(t, int64(500), timeout.Milliseconds())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	t.Setenv("RETCON_CONFIG", path)

	cfg, err := Load("/does/not/exist.toml")
	require.NoError(t, err, "Load with RETCON_CONFIG override")
	assert.NotEmpty(t, cfg.ServerAddress)
}

func TestDefaultWorkerCountFloor(t *testing.T) {
	assert.GreaterOrEqual(t, defaultWorkerCount(), 2)
}
