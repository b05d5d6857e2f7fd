package validate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/sentinel/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	keys := filepath.Join(t.TempDir(), "keys.asc")
	require.NoError(t, os.WriteFile(keys, []byte("placeholder"), 0o600))

	cfg := config.NewDefaultConfig()
	cfg.Shipping.Recipients = []string{"ops@example.com"}
	cfg.Shipping.PublicKeysFile = keys
	cfg.Storage.Bucket = "footage"
	return cfg
}

func TestValidateConfig_Defaults(t *testing.T) {
	assert.NoError(t, ValidateConfig(validConfig(t)))
}

func TestValidateConfig_MissingRecipients(t *testing.T) {
	cfg := validConfig(t)
	cfg.Shipping.Recipients = nil

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shipping.recipients")
}

func TestValidateConfig_TelegramWithoutRecipients(t *testing.T) {
	cfg := validConfig(t)
	cfg.Alerts.Telegram.Enabled = true
	cfg.Alerts.Telegram.BotToken = "123:abc"

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipients")

	cfg.Alerts.Telegram.Recipients = []string{"none"}
	require.Error(t, ValidateConfig(cfg))

	cfg.Alerts.Telegram.Recipients = []string{"4242"}
	assert.NoError(t, ValidateConfig(cfg))
}

func TestValidateConfig_DayRunTime(t *testing.T) {
	cfg := validConfig(t)
	cfg.Recording.DayRunTime = "0800--1800"
	assert.NoError(t, ValidateConfig(cfg))

	cfg.Recording.DayRunTime = "8am-6pm"
	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "day_run_time")
}

func TestValidateConfig_ThresholdRange(t *testing.T) {
	cfg := validConfig(t)
	cfg.Motion.DetectionThreshold = 150
	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detection_threshold")
}

func TestValidateConfig_GmailRequiresCredentials(t *testing.T) {
	cfg := validConfig(t)
	cfg.Alerts.Email = "owner@example.com"
	cfg.Alerts.EmailMethod = "gmail"

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client ID")
	assert.Contains(t, err.Error(), "token key")
}

func TestValidateConfig_MissingKeysFile(t *testing.T) {
	cfg := validConfig(t)
	cfg.Shipping.PublicKeysFile = filepath.Join(t.TempDir(), "absent.asc")

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public keys file")
}

func TestValidateConfig_CollectsAllErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.Recording.ImageSuffix = ".avi"
	cfg.Ledger.Driver = "sqlite"

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image_suffix")
	assert.Contains(t, err.Error(), "ledger.dsn")
}

func TestValidateConfig_StillSuffixes(t *testing.T) {
	for _, suffix := range []string{".png", ".jpg", ".jpeg"} {
		cfg := validConfig(t)
		cfg.Recording.ImageSuffix = suffix
		assert.NoError(t, ValidateConfig(cfg), suffix)
	}
	cfg := validConfig(t)
	cfg.Recording.ImageSuffix = ".gif"
	assert.Error(t, ValidateConfig(cfg))
}

func TestIsValidHostname(t *testing.T) {
	assert.True(t, isValidHostname("mail.example.com"))
	assert.False(t, isValidHostname("-bad.example.com"))
	assert.False(t, isValidHostname(""))
}
