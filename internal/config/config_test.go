package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Addr, cfg.Addr)
	assert.Equal(t, def.DataDir, cfg.DataDir)
	assert.Equal(t, def.BeaconInterval, cfg.BeaconInterval)
	assert.NotEmpty(t, cfg.DeviceID, "device id is generated")
	assert.NotEmpty(t, cfg.DeviceName)
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
addr = "127.0.0.1:8080"
data_dir = " /var/lib/mapeo "
device_id = "tablet-7"
sync_port = 4000
beacon_interval = "500ms"
target_ttl = "3s"
log_json = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Addr)
	assert.Equal(t, "/var/lib/mapeo", cfg.DataDir)
	assert.Equal(t, "tablet-7", cfg.DeviceID)
	assert.Equal(t, 4000, cfg.SyncPort)
	assert.Equal(t, 500*time.Millisecond, cfg.BeaconInterval)
	assert.Equal(t, 3*time.Second, cfg.TargetTTL)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, Default().StaticRoot, cfg.StaticRoot, "keys not in the file keep their default")
	assert.Equal(t, Default().DiscoveryPort, cfg.DiscoveryPort)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
addr = ":7000"
log_level = "warn"
`)
	t.Setenv("MAPEO_ADDR", ":9000")
	t.Setenv("MAPEO_TARGET_TTL", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.TargetTTL)
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax", `addr = `, "load config"},
		{"unknown key", `colour = "blue"`, "unknown key"},
		{"port range", `sync_port = 70000`, "sync_port"},
		{"ttl shorter than interval", "beacon_interval = \"5s\"\ntarget_ttl = \"1s\"", "target_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestParseEnvBadDuration(t *testing.T) {
	t.Setenv("MAPEO_BEACON_INTERVAL", "soon")
	cfg := Default()
	err := ParseEnv(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}
