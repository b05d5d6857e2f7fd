// Package storage holds the remote side of shipping: the object store the
// encrypted artifacts are uploaded to, and the optional ledger that keeps a
// history of what was shipped and when motion was seen.
package storage

import (
	"context"
	"errors"
)

// Uploader copies one local file to the remote object store.
type Uploader interface {
	PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error
}

// PutOption configures PutFile.
type PutOption interface {
	applyPut(*putOptions)
}

type putOptions struct {
	ContentType string
	Metadata    map[string]string
}

type metadataOption map[string]string

func (o metadataOption) applyPut(opts *putOptions) { opts.Metadata = o }

// WithMetadata attaches user metadata to the stored object.
func WithMetadata(metadata map[string]string) PutOption {
	return metadataOption(metadata)
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	if errors.As(err, &serr) {
		return serr.StatusCode == 403
	}
	return false
}
