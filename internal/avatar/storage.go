package avatar

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Storage persists a processed avatar under the identity key. A reader must
// never observe a partially written image.
type Storage interface {
	Put(ctx context.Context, key string, data []byte) error
}

// FileName is the stored object name for key.
func FileName(key string) string {
	return key + ".png"
}

// URLBuilder renders public avatar URLs with a cache-busting version.
type URLBuilder struct {
	Base string // e.g. "/avatars" or "https://cdn.example.com/avatars"
}

// URL returns <base>/<key>.png?v=<ver>.
func (b URLBuilder) URL(key string, ver int64) string {
	q := url.Values{"v": []string{strconv.FormatInt(ver, 10)}}
	return b.Base + "/" + FileName(key) + "?" + q.Encode()
}

// DiskStorage writes avatars into a local directory using write-then-rename.
type DiskStorage struct {
	dir string
}

// NewDiskStorage creates dir if needed.
func NewDiskStorage(dir string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("avatar: create dir %s: %w", dir, err)
	}
	return &DiskStorage{dir: dir}, nil
}

// Dir returns the directory avatars are served from.
func (s *DiskStorage) Dir() string {
	return s.dir
}

// Put writes data to a temporary file in the target directory and renames
// it over <key>.png.
func (s *DiskStorage) Put(_ context.Context, key string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("avatar: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("avatar: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("avatar: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("avatar: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, FileName(key))); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("avatar: rename: %w", err)
	}
	return nil
}

// PutObjectAPI is the subset of the S3 client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Storage writes avatars to an S3-compatible bucket. Object PUTs replace
// the previous object atomically.
type S3Storage struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// S3Options configures NewS3Client.
type S3Options struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds a path-style client with static credentials, suitable
// for S3, R2 or MinIO endpoints.
func NewS3Client(opts S3Options) *s3.Client {
	cfg := aws.Config{
		Credentials: credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Region:      opts.Region,
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = true
	})
}

// NewS3Storage stores objects as <prefix><key>.png in bucket.
func NewS3Storage(client PutObjectAPI, bucket, prefix string) *S3Storage {
	return &S3Storage{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads data with no-store caching so browsers refetch on version bumps.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.prefix + FileName(key)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(MIMEType),
		CacheControl:  aws.String("no-store"),
	})
	if err != nil {
		return fmt.Errorf("avatar: s3 put %s: %w", key, err)
	}
	return nil
}
