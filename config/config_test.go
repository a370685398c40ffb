package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_page_size: 25\njob_batch_size: 10\ndefault_phone_region: TH\n"), 0o600))

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("API_SECRET", "secret")
	t.Setenv("SYNC_CONFIG_FILE", path)
	t.Setenv("IMPORT_JOB_BATCH_SIZE", "20")
	t.Setenv("REMOTE_RATE_PER_SECOND", "2.5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Sync.PollPageSize)
	assert.Equal(t, 20, cfg.Sync.JobBatchSize)
	assert.Equal(t, "TH", cfg.Sync.DefaultPhoneRegion)
	assert.Equal(t, 2.5, cfg.Sync.RemoteRatePerSecond)
	assert.Equal(t, DefaultSyncConfig().TickMinutes, cfg.Sync.TickMinutes)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CorsOrigins)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Setenv("DB_DRIVER", "oracle")
	t.Setenv("API_SECRET", "secret")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("API_SECRET", "")
	t.Setenv("ALLOW_COMPANY_HEADER", "false")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("API_SECRET", "secret")
	t.Setenv("POLL_PAGE_SIZE", "500")
	_, err = Load()
	assert.Error(t, err)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("FLAG_ON", "Yes")
	t.Setenv("FLAG_OFF", "0")
	t.Setenv("FLAG_JUNK", "maybe")
	assert.True(t, EnvBool("FLAG_ON", false))
	assert.False(t, EnvBool("FLAG_OFF", true))
	assert.True(t, EnvBool("FLAG_JUNK", true))
	assert.False(t, EnvBool("FLAG_UNSET", false))
}
