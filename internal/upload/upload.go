// Package upload stores request attachments in object storage.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/pitabwire/intraflow/internal/config"
	"github.com/pitabwire/intraflow/internal/observability"
	"github.com/pitabwire/intraflow/model"
)

// DefaultTimeout bounds a single upload when none is configured.
const DefaultTimeout = 30 * time.Second

// File is an attachment received from a client.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Stored describes an uploaded object.
type Stored struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// ObjectStore writes objects and returns their public URL.
type ObjectStore interface {
	Put(ctx context.Context, objectName string, f File) (string, error)
}

// --- MinioStore ---

// MinioStore writes objects to an S3-compatible bucket.
type MinioStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// NewMinioStore creates a MinIO client from config.
func NewMinioStore(cfg config.UploadsConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("upload: creating minio client: %w", err)
	}
	baseURL := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = scheme + "://" + cfg.Endpoint
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, baseURL: baseURL}, nil
}

// Put uploads the file under objectName.
func (s *MinioStore) Put(ctx context.Context, objectName string, f File) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(f.Data), int64(len(f.Data)), minio.PutObjectOptions{
		ContentType: f.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", objectName, err)
	}
	return s.baseURL + "/" + s.bucket + "/" + objectName, nil
}

// Ping checks that the bucket exists, for readiness probes.
func (s *MinioStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", s.bucket)
	}
	return nil
}

// --- MemoryStore ---

// MemoryStore keeps objects in memory. Suitable for testing and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]File

	// Delay is applied before each Put; it honours ctx cancellation.
	Delay time.Duration
	// Err, when set, is returned by every Put.
	Err error
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]File)}
}

// Put stores the file.
func (s *MemoryStore) Put(ctx context.Context, objectName string, f File) (string, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.Err != nil {
		return "", s.Err
	}
	s.mu.Lock()
	s.objects[objectName] = f
	s.mu.Unlock()
	return "memory://" + objectName, nil
}

// Len returns the number of stored objects. For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

// --- Uploader ---

// Uploader bounds each upload with a timeout and maps failures onto
// UPLOAD_TIMEOUT and UPLOAD_FAILED errors.
type Uploader struct {
	store   ObjectStore
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewUploader creates an Uploader. metrics may be nil.
func NewUploader(store ObjectStore, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Uploader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Uploader{store: store, timeout: timeout, logger: logger, metrics: metrics}
}

// Upload stores f under a per-request prefix.
func (u *Uploader) Upload(ctx context.Context, requestID string, f File) (stored Stored, err error) {
	objectName := path.Join("requests", requestID, uuid.New().String()[:8]+"-"+sanitize(f.Name))
	ctx, span := observability.StartSpan(ctx, "upload.put",
		observability.AttrRequestID.String(requestID),
		observability.AttrObjectName.String(objectName),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	url, err := u.store.Put(ctx, objectName, f)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			u.record("timeout")
			u.logger.Warn("attachment upload timed out",
				zap.String("request_id", requestID),
				zap.String("file", f.Name),
				zap.Duration("timeout", u.timeout),
			)
			return Stored{}, model.NewUploadTimeoutError(f.Name)
		}
		u.record("failed")
		u.logger.Error("attachment upload failed",
			zap.String("request_id", requestID),
			zap.String("file", f.Name),
			zap.Error(err),
		)
		return Stored{}, model.NewUploadFailedError(f.Name)
	}

	u.record("ok")
	return Stored{Name: f.Name, URL: url, Size: int64(len(f.Data))}, nil
}

func (u *Uploader) record(outcome string) {
	if u.metrics != nil {
		u.metrics.RecordUpload(outcome)
	}
}

func sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return strings.ReplaceAll(name, " ", "_")
}
