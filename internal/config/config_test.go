package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
	assert.Equal(t, 5, cfg.RetryCeiling)
	assert.Equal(t, 100, cfg.CacheDetailCap)
	assert.Equal(t, 5000, cfg.CacheBasicCap)
	assert.Equal(t, time.Duration(0), cfg.APITimeout)
	assert.Equal(t, cfg.APIBaseURL, cfg.UpstreamURL)
	assert.True(t, cfg.BackgroundSync)
	assert.Equal(t, DefaultPrecache, cfg.PrecachePaths)
}

func TestLoadClampsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name         string
		interval     string
		ceiling      string
		wantInterval time.Duration
		wantCeiling  int
	}{
		{"below minimum", "5", "0", MinSyncInterval, MinRetryCeiling},
		{"above maximum", "3600", "99", MaxSyncInterval, MaxRetryCeiling},
		{"within range", "120", "7", 2 * time.Minute, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SYNC_INTERVAL_SEC", tt.interval)
			t.Setenv("RETRY_CEILING", tt.ceiling)

			cfg := Load()

			assert.Equal(t, tt.wantInterval, cfg.SyncInterval)
			assert.Equal(t, tt.wantCeiling, cfg.RetryCeiling)
		})
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", " Postgres ")
	t.Setenv("UPSTREAM_URL", "https://monpec.example.com")
	t.Setenv("BACKGROUND_SYNC", "false")
	t.Setenv("API_TIMEOUT_SEC", "15")

	cfg := Load()

	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, "https://monpec.example.com", cfg.UpstreamURL)
	assert.False(t, cfg.BackgroundSync)
	assert.Equal(t, 15*time.Second, cfg.APITimeout)
}

func TestPrecachePathsAreSplitAndTrimmed(t *testing.T) {
	t.Setenv("PRECACHE_PATHS", " /static/a.css , ,/static/b.js")

	cfg := Load()

	assert.Equal(t, []string{"/static/a.css", "/static/b.js"}, cfg.PrecachePaths)
}
