package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/config"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/logging"
	"github.com/therealutkarshpriyadarshi/vodpipeline/internal/metrics"
)

const (
	// Default part size for multipart uploads (10MB)
	DefaultPartSize = 10 * 1024 * 1024

	// Maximum number of concurrent parts
	MaxConcurrentParts = 10
)

// ErrObjectNotFound is returned when a key does not exist
var ErrObjectNotFound = errors.New("object not found")

// Storage provides object storage operations across the video and
// thumbnail buckets
type Storage struct {
	client        *minio.Client
	cfg           config.StorageConfig
	publicBaseURL string
	logger        *logging.Logger
}

// New creates a new storage client and makes sure the buckets exist
func New(ctx context.Context, cfg config.StorageConfig, logger *logging.Logger) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	s := &Storage{
		client:        client,
		cfg:           cfg,
		publicBaseURL: publicBaseURL(cfg),
		logger:        logger.WithComponent("storage"),
	}

	for _, bucket := range []string{cfg.VideoBucket, cfg.ThumbnailBucket} {
		if err := s.ensureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *Storage) ensureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{
			Region: s.cfg.Region,
		})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
	}
	return nil
}

// Put uploads an in-memory object
func (s *Storage) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	start := time.Now()
	if contentType == "" {
		contentType = getContentType(key)
	}

	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	s.observe("put", bucket, key, int64(len(data)), start, err)
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}

	return nil
}

// PutFile uploads a file from the local filesystem. Large files are sent as
// parallel multipart uploads.
func (s *Storage) PutFile(ctx context.Context, bucket, key, filePath string) error {
	start := time.Now()

	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	opts := minio.PutObjectOptions{
		ContentType: getContentType(filePath),
	}
	if info.Size() >= DefaultPartSize {
		opts.PartSize = DefaultPartSize
		opts.NumThreads = MaxConcurrentParts
	}

	_, err = s.client.FPutObject(ctx, bucket, key, filePath, opts)
	s.observe("put_file", bucket, key, info.Size(), start, err)
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}

	return nil
}

// Get reads a whole object into memory
func (s *Storage) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	start := time.Now()

	object, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		s.observe("get", bucket, key, 0, start, err)
		return nil, fmt.Errorf("failed to download object: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	s.observe("get", bucket, key, int64(len(data)), start, err)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}

	return data, nil
}

// GetFile downloads an object to the local filesystem
func (s *Storage) GetFile(ctx context.Context, bucket, key, filePath string) error {
	start := time.Now()

	err := s.client.FGetObject(ctx, bucket, key, filePath, minio.GetObjectOptions{})
	var size int64
	if info, statErr := os.Stat(filePath); statErr == nil {
		size = info.Size()
	}
	s.observe("get_file", bucket, key, size, start, err)
	if err != nil {
		if isNotFound(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("failed to download file: %w", err)
	}

	return nil
}

// Exists reports whether an object exists
func (s *Storage) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object: %w", err)
}

// Delete deletes an object from storage
func (s *Storage) Delete(ctx context.Context, bucket, key string) error {
	start := time.Now()

	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	s.observe("delete", bucket, key, 0, start, err)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

// DeletePrefix deletes every object under prefix
func (s *Storage) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	start := time.Now()
	objectsCh := make(chan minio.ObjectInfo)

	go func() {
		defer close(objectsCh)
		for object := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if object.Err != nil {
				s.logger.WarnWithErr("Failed to list objects for deletion", object.Err)
				return
			}
			objectsCh <- object
		}
	}()

	var firstErr error
	for rErr := range s.client.RemoveObjects(ctx, bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if rErr.Err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to delete object %s: %w", rErr.ObjectName, rErr.Err)
		}
	}
	s.observe("delete_prefix", bucket, prefix, 0, start, firstErr)

	return firstErr
}

// PublicURL returns the address clients use to fetch an object
func (s *Storage) PublicURL(bucket, key string) string {
	return s.publicBaseURL + "/" + bucket + "/" + strings.TrimLeft(key, "/")
}

func (s *Storage) observe(operation, bucket, key string, size int64, start time.Time, err error) {
	duration := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordStorageOperation(operation, status, duration.Seconds(), size)
	s.logger.LogStorageOperation(operation, bucket, key, size, duration, err)
}

func publicBaseURL(cfg config.StorageConfig) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + strings.TrimRight(cfg.Endpoint, "/")
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NoSuchBucket"
}

// getContentType returns the content type based on file extension
func getContentType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
