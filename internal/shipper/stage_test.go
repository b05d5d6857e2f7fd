package shipper

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/sentinel/internal/crypto"
	"github.com/mikeyg42/sentinel/internal/dropdir"
	"github.com/mikeyg42/sentinel/internal/storage"
)

type fakeEncryptor struct {
	fail    bool
	partial bool
	calls   int
}

func (f *fakeEncryptor) EncryptFile(_ context.Context, src, dst string) error {
	f.calls++
	if f.fail {
		if f.partial {
			_ = os.WriteFile(dst, []byte("half"), 0o600)
		}
		return errors.New("gpg: no public key")
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, append([]byte("ENC:"), data...), 0o600)
}

type fakeUploader struct {
	mu      sync.Mutex
	fail    bool
	objects map[string][]byte
	bodies  []string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: map[string][]byte{}}
}

func (f *fakeUploader) PutFile(_ context.Context, key, filePath string, _ ...storage.PutOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return &storage.StorageError{Op: "put_file", Key: key, Err: errors.New("connection refused"), StatusCode: 503, Retryable: true}
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	f.objects[key] = data
	f.bodies = append(f.bodies, string(data))
	return nil
}

func (f *fakeUploader) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

type fakeLedger struct {
	mu   sync.Mutex
	recs []storage.ShipmentRecord
}

func (f *fakeLedger) RecordShipment(_ context.Context, rec storage.ShipmentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func newStage(t *testing.T, enc crypto.FileEncryptor, up storage.Uploader, opts Options) *Stage {
	t.Helper()
	s, err := NewStage(enc, up, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestProcessEncryptFailureKeepsPlaintext(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "still.png")
	require.NoError(t, os.WriteFile(src, []byte("png"), 0o644))

	ledger := &fakeLedger{}
	up := newFakeUploader()
	s := newStage(t, &fakeEncryptor{fail: true, partial: true}, up, Options{EncryptedSuffix: ".gpg", Ledger: ledger})

	assert.Equal(t, EncryptFailed, s.Process(context.Background(), src))
	assert.FileExists(t, src)
	assert.NoFileExists(t, src+".gpg")
	assert.Empty(t, up.keys())

	// still discoverable by the next poll
	f, ok, err := dropdir.New(dir, ".png", 1).PollOnce()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, src, f.Path)

	require.Len(t, ledger.recs, 1)
	assert.Equal(t, "encrypt_failed", ledger.recs[0].Outcome)
	assert.Contains(t, ledger.recs[0].Error, "no public key")
	assert.EqualValues(t, 1, s.Metrics().EncryptFailed)
}

func TestProcessUploadFailureKeepsArtifact(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "clip.avi")
	require.NoError(t, os.WriteFile(src, []byte("avi"), 0o644))

	up := newFakeUploader()
	up.fail = true
	s := newStage(t, &fakeEncryptor{}, up, Options{EncryptedSuffix: ".gpg"})

	assert.Equal(t, UploadFailed, s.Process(context.Background(), src))
	assert.NoFileExists(t, src)
	assert.FileExists(t, src+".gpg")

	// the leftover is picked up by the encrypted-suffix monitor and only uploaded
	up.fail = false
	enc := &fakeEncryptor{}
	s2 := newStage(t, enc, up, Options{EncryptedSuffix: ".gpg"})
	f, ok, err := dropdir.New(dir, ".avi.gpg", 1).PollOnce()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Shipped, s2.Process(context.Background(), f.Path))
	assert.Equal(t, 0, enc.calls)
	assert.Equal(t, []byte("ENC:avi"), up.objects["clip.avi.gpg"])
	assert.Empty(t, dirEntries(t, dir))
}

func TestRunDiscardsArtifactOfInterruptedEncryption(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.avi"), []byte("avi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clip.avi.gpg"), []byte("TRUNC"), 0o644))

	ledger := &fakeLedger{}
	up := newFakeUploader()
	s := newStage(t, &fakeEncryptor{}, up, Options{EncryptedSuffix: ".gpg", Ledger: ledger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, 10*time.Millisecond, dropdir.New(dir, ".avi.gpg", 2), dropdir.New(dir, ".avi", 2))
	}()

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	up.mu.Lock()
	assert.Equal(t, []string{"ENC:avi"}, up.bodies, "truncated ciphertext must never be uploaded")
	up.mu.Unlock()

	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	var outcomes []string
	for _, r := range ledger.recs {
		outcomes = append(outcomes, r.Outcome)
	}
	assert.Equal(t, []string{"encrypt_failed", "shipped"}, outcomes)
	assert.Contains(t, ledger.recs[0].Error, "interrupted")
}

func TestProcessRemoteKeyPrefix(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "2026-03-01T101500.000Z.png")
	require.NoError(t, os.WriteFile(src, []byte("png"), 0o644))

	up := newFakeUploader()
	s := newStage(t, &fakeEncryptor{}, up, Options{EncryptedSuffix: ".gpg", Prefix: "/front-door/"})

	assert.Equal(t, "front-door/x.png.gpg", s.RemoteKey("/data/x.png.gpg"))
	assert.Equal(t, Shipped, s.Process(context.Background(), src))
	assert.Equal(t, []string{"front-door/2026-03-01T101500.000Z.png.gpg"}, up.keys())
}

func TestProcessEndToEndWithOpenPGP(t *testing.T) {
	entity, err := openpgp.NewEntity("Owner", "", "owner@example.com", nil)
	require.NoError(t, err)
	enc, err := crypto.NewPGPEncryptor(openpgp.EntityList{entity}, []string{"owner@example.com"})
	require.NoError(t, err)

	dir := t.TempDir()
	src := filepath.Join(dir, "clip001.avi")
	payload := bytes.Repeat([]byte("frame"), 1024)
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	ledger := &fakeLedger{}
	up := newFakeUploader()
	s := newStage(t, enc, up, Options{EncryptedSuffix: ".gpg", Ledger: ledger})

	assert.Equal(t, Shipped, s.Process(context.Background(), src))
	assert.Empty(t, dirEntries(t, dir))
	require.Equal(t, []string{"clip001.avi.gpg"}, up.keys())

	md, err := openpgp.ReadMessage(bytes.NewReader(up.objects["clip001.avi.gpg"]), openpgp.EntityList{entity}, nil, nil)
	require.NoError(t, err)
	var got bytes.Buffer
	_, err = got.ReadFrom(md.UnverifiedBody)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Bytes())

	require.Len(t, ledger.recs, 1)
	assert.Equal(t, "shipped", ledger.recs[0].Outcome)
	assert.Equal(t, "clip001.avi.gpg", ledger.recs[0].RemoteKey)
	assert.EqualValues(t, 1, s.Metrics().Shipped)
}

func TestRunDrainsLeftoversFirstAndStops(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png.gpg"), []byte("ENC:b"), 0o644))

	ledger := &fakeLedger{}
	up := newFakeUploader()
	s := newStage(t, &fakeEncryptor{}, up, Options{EncryptedSuffix: ".gpg", Ledger: ledger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, 10*time.Millisecond, dropdir.New(dir, ".png.gpg", 1), dropdir.New(dir, ".png", 1))
	}()

	require.Eventually(t, func() bool { return len(up.keys()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	assert.Empty(t, dirEntries(t, dir))
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	require.Len(t, ledger.recs, 2)
	assert.Equal(t, "b.png.gpg", ledger.recs[0].RemoteKey, "encrypted leftovers go first")
}

func TestRunRequiresPollers(t *testing.T) {
	s := newStage(t, &fakeEncryptor{}, newFakeUploader(), Options{})
	assert.Error(t, s.Run(context.Background(), time.Millisecond))
}

func TestNewStageValidation(t *testing.T) {
	_, err := NewStage(nil, newFakeUploader(), Options{}, nil)
	assert.Error(t, err)
	s, err := NewStage(&fakeEncryptor{}, newFakeUploader(), Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, ".gpg", s.EncryptedSuffix())
	assert.Equal(t, "upload_failed", UploadFailed.String())
}
