// Package shipper encrypts settled drop-directory files and uploads the
// ciphertext. The drop directory is the queue: nothing is removed until the
// step that replaces it has succeeded, so a failure is retried by the next
// poll, including after a restart.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/sentinel/internal/crypto"
	"github.com/mikeyg42/sentinel/internal/dropdir"
	"github.com/mikeyg42/sentinel/internal/storage"
)

// errInterrupted marks an artifact found next to its plaintext, left by an
// encryption that never completed.
var errInterrupted = errors.New("stale artifact from interrupted encryption")

type Outcome int

const (
	Shipped Outcome = iota
	EncryptFailed
	UploadFailed
)

func (o Outcome) String() string {
	switch o {
	case Shipped:
		return "shipped"
	case EncryptFailed:
		return "encrypt_failed"
	case UploadFailed:
		return "upload_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ShipmentLedger records every Process outcome.
type ShipmentLedger interface {
	RecordShipment(ctx context.Context, rec storage.ShipmentRecord) error
}

// Poller is satisfied by *dropdir.Monitor.
type Poller interface {
	PollOnce() (dropdir.DropFile, bool, error)
}

type Options struct {
	// EncryptedSuffix is appended to the plaintext path, e.g. ".gpg".
	EncryptedSuffix string
	// Prefix is prepended to remote keys, e.g. "cam1".
	Prefix string
	Ledger ShipmentLedger
}

// Metrics counts outcomes.
type Metrics struct {
	Shipped       atomic.Uint64
	EncryptFailed atomic.Uint64
	UploadFailed  atomic.Uint64
	Bytes         atomic.Uint64
}

type MetricsSnapshot struct {
	Shipped, EncryptFailed, UploadFailed, Bytes uint64
}

type Stage struct {
	enc     crypto.FileEncryptor
	up      storage.Uploader
	opts    Options
	logger  *zap.Logger
	metrics Metrics
}

func NewStage(enc crypto.FileEncryptor, up storage.Uploader, opts Options, logger *zap.Logger) (*Stage, error) {
	if enc == nil || up == nil {
		return nil, errors.New("shipper: encryptor and uploader are required")
	}
	if opts.EncryptedSuffix == "" {
		opts.EncryptedSuffix = ".gpg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stage{
		enc:    enc,
		up:     up,
		opts:   opts,
		logger: logger.Named("shipper"),
	}, nil
}

func (s *Stage) EncryptedSuffix() string { return s.opts.EncryptedSuffix }

func (s *Stage) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Shipped:       s.metrics.Shipped.Load(),
		EncryptFailed: s.metrics.EncryptFailed.Load(),
		UploadFailed:  s.metrics.UploadFailed.Load(),
		Bytes:         s.metrics.Bytes.Load(),
	}
}

// RemoteKey is the artifact base name under the configured prefix.
func (s *Stage) RemoteKey(artifact string) string {
	name := filepath.Base(artifact)
	prefix := strings.Trim(s.opts.Prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Process ships one file. A path already ending in the encrypted suffix is
// only uploaded, unless its plaintext still exists: then the artifact is
// discarded and the plaintext is encrypted again by its own poll.
func (s *Stage) Process(ctx context.Context, src string) Outcome {
	log := s.logger.With(zap.String("path", src))
	artifact := src

	if plain, ok := strings.CutSuffix(src, s.opts.EncryptedSuffix); ok {
		if _, err := os.Lstat(plain); err == nil {
			if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("failed to remove stale artifact", zap.Error(err))
			}
			log.Warn("discarded artifact of interrupted encryption", zap.String("plaintext", plain))
			return s.finish(ctx, src, "", EncryptFailed, errInterrupted)
		}
	} else {
		artifact = src + s.opts.EncryptedSuffix
		start := time.Now()
		if err := s.enc.EncryptFile(ctx, src, artifact); err != nil {
			// the encryptor removes its partial output; make sure of it
			if rmErr := os.Remove(artifact); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn("failed to remove partial artifact", zap.Error(rmErr))
			}
			log.Error("encryption failed, plaintext kept for retry", zap.Error(err))
			return s.finish(ctx, src, "", EncryptFailed, err)
		}
		if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
			// a leftover plaintext is shipped again by a later poll
			log.Warn("failed to remove plaintext after encryption", zap.Error(err))
		}
		log.Debug("encrypted", zap.String("artifact", artifact), zap.Duration("took", time.Since(start)))
	}

	key := s.RemoteKey(artifact)
	var size int64
	if info, err := os.Stat(artifact); err == nil {
		size = info.Size()
	}
	source := strings.TrimSuffix(filepath.Base(artifact), s.opts.EncryptedSuffix)
	if err := s.up.PutFile(ctx, key, artifact, storage.WithMetadata(map[string]string{"source-name": source})); err != nil {
		log.Error("upload failed, artifact kept for retry",
			zap.String("artifact", artifact),
			zap.String("key", key),
			zap.Bool("access_denied", storage.IsAccessDenied(err)),
			zap.Error(err))
		return s.finish(ctx, artifact, key, UploadFailed, err)
	}
	if err := os.Remove(artifact); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove shipped artifact", zap.String("artifact", artifact), zap.Error(err))
	}
	s.metrics.Bytes.Add(uint64(size))
	log.Info("shipped", zap.String("key", key), zap.Int64("bytes", size))
	return s.finish(ctx, artifact, key, Shipped, nil)
}

func (s *Stage) finish(ctx context.Context, p, key string, outcome Outcome, cause error) Outcome {
	switch outcome {
	case Shipped:
		s.metrics.Shipped.Add(1)
	case EncryptFailed:
		s.metrics.EncryptFailed.Add(1)
	case UploadFailed:
		s.metrics.UploadFailed.Add(1)
	}
	if s.opts.Ledger == nil {
		return outcome
	}
	rec := storage.ShipmentRecord{
		Path:      p,
		RemoteKey: key,
		Outcome:   outcome.String(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := s.opts.Ledger.RecordShipment(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to record shipment", zap.String("path", p), zap.Error(err))
	}
	return outcome
}

// Run polls each poller in order, processing at most one file from each per
// pass. It sleeps for interval when a pass shipped nothing and returns nil
// once ctx is cancelled.
func (s *Stage) Run(ctx context.Context, interval time.Duration, pollers ...Poller) error {
	if len(pollers) == 0 {
		return errors.New("shipper: no pollers")
	}
	if interval <= 0 {
		interval = time.Second
	}
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			return nil
		}

		idle := true
		for _, p := range pollers {
			f, ok, err := p.PollOnce()
			if err != nil {
				s.logger.Warn("poll failed", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			if s.Process(ctx, f.Path) == Shipped {
				idle = false
			}
		}
		if !idle {
			continue
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}
