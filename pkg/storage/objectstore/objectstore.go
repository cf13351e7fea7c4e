package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	// ErrNotFound reports that the object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrUnavailable reports that the store could not be reached at all, as
	// opposed to a single bucket or key being rejected.
	ErrUnavailable = errors.New("object store unavailable")
)

// Config contains the information required to talk to an object store.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Part identifies one uploaded part of a multipart upload.
type Part struct {
	Number int
	ETag   string
	Size   int64
}

// Client represents the capabilities the archiver expects.
type Client interface {
	Exists(ctx context.Context, key string) (bool, error)
	CreateMultipart(ctx context.Context, key string, opts MultipartOptions) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, number int, reader io.Reader, size int64) (Part, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error
	AbortMultipart(ctx context.Context, key, uploadID string) error
	Close() error
}

// MultipartOptions describe the object produced by a completed multipart upload.
type MultipartOptions struct {
	ContentType string
	Metadata    map[string]string
}

// New creates an object store client based on the given configuration.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "minio", "s3":
		return newMinioClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported object store provider: %s", cfg.Provider)
	}
}

type minioClient struct {
	core   *minio.Core
	bucket string
}

func newMinioClient(cfg Config) (Client, error) {
	endpoint, secure := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}

	return &minioClient{core: core, bucket: cfg.Bucket}, nil
}

// normalizeEndpoint accepts both "host:port" and URL forms.
func normalizeEndpoint(raw string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(raw, "https://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "https://"), "/"), true
	case strings.HasPrefix(raw, "http://"):
		return strings.TrimSuffix(strings.TrimPrefix(raw, "http://"), "/"), false
	default:
		return raw, useSSL
	}
}

func (m *minioClient) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.core.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	err = classify("stat object", key, err)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (m *minioClient) CreateMultipart(ctx context.Context, key string, opts MultipartOptions) (string, error) {
	uploadID, err := m.core.NewMultipartUpload(ctx, m.bucket, key, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return "", classify("create multipart upload", key, err)
	}
	return uploadID, nil
}

func (m *minioClient) UploadPart(ctx context.Context, key, uploadID string, number int, reader io.Reader, size int64) (Part, error) {
	part, err := m.core.PutObjectPart(ctx, m.bucket, key, uploadID, number, reader, size, minio.PutObjectPartOptions{})
	if err != nil {
		return Part{}, classify(fmt.Sprintf("upload part %d", number), key, err)
	}
	return Part{Number: part.PartNumber, ETag: part.ETag, Size: part.Size}, nil
}

func (m *minioClient) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) error {
	completed := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, minio.CompletePart{PartNumber: p.Number, ETag: p.ETag})
	}
	if _, err := m.core.CompleteMultipartUpload(ctx, m.bucket, key, uploadID, completed, minio.PutObjectOptions{}); err != nil {
		return classify("complete multipart upload", key, err)
	}
	return nil
}

func (m *minioClient) AbortMultipart(ctx context.Context, key, uploadID string) error {
	if err := m.core.AbortMultipartUpload(ctx, m.bucket, key, uploadID); err != nil {
		return classify("abort multipart upload", key, err)
	}
	return nil
}

func (m *minioClient) Close() error {
	return nil
}

// classify maps a minio error onto ErrNotFound / ErrUnavailable while keeping
// the original error in the chain.
func classify(op, key string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, key, err)
	}

	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusNotFound && (resp.Code == "NoSuchKey" || resp.Code == "" || resp.Code == "NotFound"):
		return fmt.Errorf("%s %s: %w: %w", op, key, ErrNotFound, err)
	case resp.Code == "" && resp.StatusCode == 0:
		return fmt.Errorf("%s %s: %w: %w", op, key, ErrUnavailable, err)
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%s %s: %w: %w", op, key, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s %s: %w", op, key, err)
	}
}
