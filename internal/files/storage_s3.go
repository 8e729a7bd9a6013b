package files

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"btdrop/internal/logging"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("btdrop-storage")

// S3Object is the subset of *minio.Object that S3Storage reads from.
type S3Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// S3Client is the subset of the minio client that S3Storage uses.
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// minioClient adapts *minio.Client to S3Client. GetObject hands back the
// *minio.Object itself so callers can still seek within it.
type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error) {
	return c.Client.GetObject(ctx, bucket, key, opts)
}

// S3Config holds configuration for S3-compatible storage.
type S3Config struct {
	Endpoint  string // S3_ENDPOINT, host:port without scheme
	AccessKey string // S3_ACCESS_KEY
	SecretKey string // S3_SECRET_KEY
	Bucket    string // S3_BUCKET
	Prefix    string // S3_PREFIX - optional folder prefix for all objects
	UseSSL    bool   // S3_USE_SSL
}

// S3Storage implements Storage on any S3-compatible object store.
type S3Storage struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Storage connects to the endpoint and creates the bucket if missing.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	logging.Storage.Printf("initializing s3 storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		logging.Storage.Printf("creating bucket %s", cfg.Bucket)
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return NewS3StorageWithClient(minioClient{client}, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StorageWithClient builds an S3Storage around an existing client.
func NewS3StorageWithClient(client S3Client, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *S3Storage) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return path.Join(s.prefix, id)
}

func (s *S3Storage) span(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(
			attribute.String("bucket", s.bucket),
			attribute.String("object_key", key),
		),
	)
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *S3Storage) Save(ctx context.Context, id string, data io.Reader) (int64, error) {
	if err := ValidateKey(id); err != nil {
		return 0, err
	}
	key := s.key(id)
	ctx, span := s.span(ctx, "s3.put_object", key)
	defer span.End()

	info, err := s.client.PutObject(ctx, s.bucket, key, data, -1, minio.PutObjectOptions{})
	if err != nil {
		fail(span, err)
		logging.Storage.Printf("upload failed for %s: %v", key, err)
		return 0, err
	}

	span.SetAttributes(attribute.Int64("size", info.Size))
	logging.Storage.Printf("uploaded %s (%d bytes)", key, info.Size)
	return info.Size, nil
}

func (s *S3Storage) Load(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ValidateKey(id); err != nil {
		return nil, err
	}
	key := s.key(id)
	ctx, span := s.span(ctx, "s3.get_object", key)
	defer span.End()

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		fail(span, err)
		return nil, err
	}

	// GetObject is lazy; Stat surfaces a missing key before any bytes are sent.
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		fail(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int64("size", stat.Size))
	return obj, nil
}

func (s *S3Storage) Delete(ctx context.Context, id string) error {
	if err := ValidateKey(id); err != nil {
		return err
	}
	key := s.key(id)
	ctx, span := s.span(ctx, "s3.remove_object", key)
	defer span.End()

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		fail(span, err)
		return err
	}
	return nil
}

func (s *S3Storage) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.Stat(ctx, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *S3Storage) Stat(ctx context.Context, id string) (*ObjectInfo, error) {
	if err := ValidateKey(id); err != nil {
		return nil, err
	}
	key := s.key(id)
	ctx, span := s.span(ctx, "s3.stat_object", key)
	defer span.End()

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		fail(span, err)
		return nil, err
	}
	return &ObjectInfo{Key: id, Size: info.Size, ModTime: info.LastModified}, nil
}
