package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3Store keeps grids and results in one bucket of an S3 compatible server.
type S3Store struct {
	client *minio.Client
	bucket string
	region string

	bucketOnce sync.Once
	bucketErr  error
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	switch {
	case endpoint == "":
		return nil, fmt.Errorf("s3 endpoint is required")
	case bucket == "":
		return nil, fmt.Errorf("s3 bucket is required")
	case access == "" || secret == "":
		return nil, fmt.Errorf("s3 credentials are required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: bucket, region: region}, nil
}

func (s *S3Store) Bucket() string { return s.bucket }

// ready creates the bucket on first use.
func (s *S3Store) ready(ctx context.Context) error {
	s.bucketOnce.Do(func() {
		ok, err := s.client.BucketExists(ctx, s.bucket)
		if err == nil && !ok {
			err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
		}
		if err != nil {
			s.bucketErr = fmt.Errorf("bucket %s: %w", s.bucket, err)
		}
	})
	return s.bucketErr
}

func (s *S3Store) Upload(ctx context.Context, key string, r io.Reader, size int64) (Object, error) {
	key = normalizeKey(key)
	if key == "" {
		return Object{}, fmt.Errorf("key is required")
	}
	if err := s.ready(ctx); err != nil {
		return Object{}, err
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType(key),
	})
	if err != nil {
		return Object{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return Object{Key: key, Size: info.Size, ETag: info.ETag, ModTime: info.LastModified}, nil
}

func (s *S3Store) Download(ctx context.Context, key string, w io.Writer) (Object, error) {
	key = normalizeKey(key)
	if key == "" {
		return Object{}, fmt.Errorf("key is required")
	}
	if err := s.ready(ctx); err != nil {
		return Object{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Object{}, s.mapErr(key, err)
	}
	defer obj.Close()
	// Stat surfaces a missing key before anything is written to w.
	info, err := obj.Stat()
	if err != nil {
		return Object{}, s.mapErr(key, err)
	}
	if _, err := io.Copy(w, obj); err != nil {
		return Object{}, fmt.Errorf("download %s: %w", key, err)
	}
	return objectOf(info), nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (Object, error) {
	key = normalizeKey(key)
	if err := s.ready(ctx); err != nil {
		return Object{}, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Object{}, s.mapErr(key, err)
	}
	return objectOf(info), nil
}

func (s *S3Store) mapErr(key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%s/%s: %w", s.bucket, key, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s/%s: %w", s.bucket, key, err)
}

func objectOf(info minio.ObjectInfo) Object {
	return Object{Key: info.Key, Size: info.Size, ETag: info.ETag, ModTime: info.LastModified}
}
