package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mikeyg42/sentinel/internal/config"
	"github.com/mikeyg42/sentinel/internal/logging"
)

// MinIOUploader implements Uploader against any S3 compatible endpoint.
// Each PutFile is a single attempt; a failed upload is picked up again by
// the next poll of the ship worker.
type MinIOUploader struct {
	client  *minio.Client
	bucket  string
	logger  *zap.Logger
	config  config.StorageConfig
	metrics UploadMetrics
}

// UploadMetrics tracks upload operations
type UploadMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

// NewMinIOUploader creates the client and makes sure the bucket exists.
func NewMinIOUploader(cfg config.StorageConfig) (*MinIOUploader, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	u := &MinIOUploader{
		client: client,
		bucket: cfg.Bucket,
		logger: logging.L().Named("uploader"),
		config: cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, &StorageError{Op: "bucket_exists", Key: cfg.Bucket, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, &StorageError{Op: "make_bucket", Key: cfg.Bucket, Err: err, StatusCode: getMinioStatusCode(err)}
		}
		u.logger.Info("Created bucket", zap.String("bucket", cfg.Bucket))
	}

	return u, nil
}

// PutFile uploads filePath under key.
func (u *MinIOUploader) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	options := &putOptions{}
	for _, opt := range opts {
		opt.applyPut(options)
	}
	if options.ContentType == "" {
		options.ContentType = detectContentType(filePath)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, u.config.RequestTimeout)
	defer cancel()

	u.metrics.ActiveUploads.Add(1)
	defer u.metrics.ActiveUploads.Add(-1)

	info, err := u.client.PutObject(ctx, u.bucket, key, file, stat.Size(), minio.PutObjectOptions{
		ContentType:  options.ContentType,
		UserMetadata: options.Metadata,
	})
	if err != nil {
		u.metrics.UploadErrors.Add(1)
		code := getMinioStatusCode(err)
		return &StorageError{
			Op:         "put_file",
			Key:        key,
			Err:        err,
			StatusCode: code,
			Retryable:  code >= 500,
		}
	}

	u.metrics.TotalUploads.Add(1)
	u.metrics.UploadBytes.Add(uint64(info.Size))

	u.logger.Debug("Object uploaded",
		zap.String("key", key),
		zap.Int64("size", info.Size),
		zap.String("etag", info.ETag))

	return nil
}

// HealthCheck verifies the bucket is reachable
func (u *MinIOUploader) HealthCheck(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err, StatusCode: getMinioStatusCode(err)}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", u.bucket), StatusCode: 404}
	}
	return nil
}

// GetMetrics returns upload counters
func (u *MinIOUploader) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"total_uploads":  u.metrics.TotalUploads.Load(),
		"upload_bytes":   u.metrics.UploadBytes.Load(),
		"upload_errors":  u.metrics.UploadErrors.Load(),
		"active_uploads": u.metrics.ActiveUploads.Load(),
	}
}

// detectContentType maps the artifact extension to a content type
func detectContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".gpg", ".pgp":
		return "application/pgp-encrypted"
	case ".asc":
		return "application/pgp-signature"
	case ".avi":
		return "video/x-msvideo"
	case ".mp4":
		return "video/mp4"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		if errResp.StatusCode != 0 {
			return errResp.StatusCode
		}
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
