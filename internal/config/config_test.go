package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, NewDefaultConfig().Motion, cfg.Motion)
	assert.Equal(t, ".gpg", cfg.Shipping.EncryptedSuffix)
	assert.Equal(t, 30*time.Second, cfg.Supervisor.Interval)
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
recording:
  day_run_time: "0800--1800"
  record_duration: 45s
shipping:
  recipients: ["ops@example.com"]
  public_keys_file: /etc/sentinel/keys.asc
  armor: true
storage:
  bucket: footage
  prefix: front-door
ledger:
  driver: sqlite
  dsn: /var/lib/sentinel/ledger.db
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0800--1800", cfg.Recording.DayRunTime)
	assert.Equal(t, 45*time.Second, cfg.Recording.RecordDuration)
	assert.Equal(t, 5*time.Second, cfg.Recording.LaunchDelay, "unset fields keep defaults")
	assert.Equal(t, []string{"ops@example.com"}, cfg.Shipping.Recipients)
	assert.True(t, cfg.Shipping.Armor)
	assert.Equal(t, "front-door", cfg.Storage.Prefix)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
}

func TestLoadEnvSecrets(t *testing.T) {
	t.Setenv("SENTINEL_S3_SECRET_KEY", "from-env")
	t.Setenv("S3_BUCKET", "env-bucket")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Storage.SecretAccessKey)
	assert.Equal(t, "env-bucket", cfg.Storage.Bucket)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("motion: [1, 2"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}
