package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/sentinel/internal/config"
	"github.com/mikeyg42/sentinel/internal/crypto"
)

func TestLoadConfigOverridesAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("motion:\n  detection_threshold: 7.5\n"), 0o644))

	configPath, logLevel = path, "debug"
	t.Cleanup(func() { configPath, logLevel = "", "" })

	cfg, err := loadConfig(false)
	require.NoError(t, err)
	assert.Equal(t, 7.5, cfg.Motion.DetectionThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)

	_, err = loadConfig(true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipients")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "ship", "check", "history", "keys", "gmail-auth", "seal-key", "version"} {
		assert.True(t, names[want], want)
	}
}

func writeKeyring(t *testing.T, email string) string {
	t.Helper()
	e, err := openpgp.NewEntity("Owner", "", email, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, e.Serialize(w))
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "recipients.asc")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestPrintKeysChecksRecipientsInEveryFormat(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Shipping.PublicKeysFile = writeKeyring(t, "owner@example.com")

	for _, asJSON := range []bool{false, true} {
		var out bytes.Buffer
		cfg.Shipping.Recipients = []string{"owner@example.com"}
		require.NoError(t, printKeys(&out, cfg, asJSON))
		assert.Contains(t, out.String(), "owner@example.com")

		out.Reset()
		cfg.Shipping.Recipients = []string{"stranger@example.com"}
		err := printKeys(&out, cfg, asJSON)
		require.ErrorIs(t, err, crypto.ErrNoRecipients, "json=%v", asJSON)
		assert.Contains(t, out.String(), "owner@example.com", "keys are still listed")
	}
}

func TestCheckConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer srv.Close()

	cfg := config.NewDefaultConfig()
	cfg.Ledger = config.LedgerConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db")}
	cfg.Storage.Endpoint = strings.TrimPrefix(srv.URL, "http://")
	cfg.Storage.UseSSL = false
	cfg.Storage.Bucket = "footage"
	cfg.Storage.Region = "us-east-1"
	cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey = "test", "testsecret"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, checkConnectivity(ctx, cfg, &out))
	assert.Contains(t, out.String(), "ledger OK (sqlite)")
	assert.Contains(t, out.String(), "bucket OK")
}
