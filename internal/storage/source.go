package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned by a Source for an object it does not hold.
var ErrNotFound = errors.New("storage: object not found")

// Source hands out shard files by name.
type Source interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	String() string
}

// DirSource reads shard files from a local directory.
type DirSource struct {
	Dir string
}

func (d DirSource) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(d.Dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d DirSource) String() string {
	if d.Dir == "" {
		return "dir:."
	}
	return "dir:" + d.Dir
}

// MinIOOptions locates a bucket on MinIO or any S3-compatible store.
type MinIOOptions struct {
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	Secure    bool
}

// MinIOSource reads shard files from an S3-compatible bucket.
type MinIOSource struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIOSource creates a source for endpoint ("host:port"). No request
// is made until Open.
func NewMinIOSource(endpoint string, opts MinIOOptions) (*MinIOSource, error) {
	if opts.Bucket == "" {
		return nil, errors.New("storage: minio source needs a bucket")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: minio client for %s: %w", endpoint, err)
	}
	return &MinIOSource{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

func (s *MinIOSource) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *MinIOSource) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key := s.key(name)

	// GetObject is lazy, so a missing key only shows up on the first read
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.bucket, key)
		}
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *MinIOSource) String() string {
	return "s3://" + path.Join(s.bucket, s.prefix)
}
