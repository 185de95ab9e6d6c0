package source

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/chmdznr/oss-study-sync/internal/objstore"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

// S3 serves a bucket prefix as a source. Object ETags are the leaf
// identities; common prefixes are directories.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 returns a source over bucket/prefix.
func NewS3(client *minio.Client, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func s3Client(cfg Config) (*minio.Client, string, error) {
	bucket, err := cfg.Require("bucket")
	if err != nil {
		return nil, "", err
	}
	opts, err := objstore.OptionsFrom(cfg.Options)
	if err != nil {
		return nil, "", fmt.Errorf("source %s: %w", cfg.Name, err)
	}
	client, err := objstore.NewClient(opts)
	if err != nil {
		return nil, "", err
	}
	return client, bucket, nil
}

func newS3(cfg Config) (Source, error) {
	client, bucket, err := s3Client(cfg)
	if err != nil {
		return nil, err
	}
	return NewS3(client, bucket, cfg.Option("prefix", "")), nil
}

// List implements Source.
func (s *S3) List(ctx context.Context, dir string) ([]Item, error) {
	prefix := objstore.JoinKey(s.prefix, dir)
	if prefix != "" {
		prefix += "/"
	}

	var items []Item
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", s.bucket, prefix, errors.Mark(obj.Err, errors.ErrRemoteUnavailable))
		}
		if obj.Key == prefix {
			continue
		}
		items = append(items, s.item(dir, prefix, obj))
	}
	return items, nil
}

func (s *S3) item(dir, prefix string, obj minio.ObjectInfo) Item {
	name := strings.TrimPrefix(obj.Key, prefix)
	if strings.HasSuffix(name, "/") {
		return Item{Path: path.Join(dir, strings.TrimSuffix(name, "/")), IsDir: true}
	}
	return Item{
		Path:         path.Join(dir, name),
		Identity:     obj.ETag,
		IdentityKind: "etag",
		Size:         obj.Size,
		ModTime:      obj.LastModified,
		Ref:          obj.Key,
	}
}

// Fetch implements Source.
func (s *S3) Fetch(ctx context.Context, item Item) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, item.Ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", item.Ref, errors.Mark(err, errors.ErrRemoteUnavailable))
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("fetch %s: %w", item.Ref, errors.Mark(err, errors.ErrRemoteUnavailable))
	}
	return obj, nil
}

// S3Daily serves <prefix>/<subject>/<YYYY-MM-DD><ext> objects.
type S3Daily struct {
	client *minio.Client
	bucket string
	prefix string
	ext    string
}

func newS3Daily(cfg Config) (DatedSource, error) {
	client, bucket, err := s3Client(cfg)
	if err != nil {
		return nil, err
	}
	return &S3Daily{client: client, bucket: bucket, prefix: cfg.Option("prefix", ""), ext: cfg.Option("ext", ".json")}, nil
}

// FetchDate implements DatedSource.
func (s *S3Daily) FetchDate(ctx context.Context, subject string, date time.Time) (Item, io.ReadCloser, error) {
	key := objstore.JoinKey(s.prefix, subject, date.Format(DateLayout)+s.ext)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return Item{}, nil, fmt.Errorf("fetch %s: %w", key, errors.Mark(err, errors.ErrRemoteUnavailable))
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if objstore.IsNotFound(err) {
			return Item{}, nil, fmt.Errorf("partition %s: %w", key, errors.ErrNotFound)
		}
		return Item{}, nil, fmt.Errorf("fetch %s: %w", key, errors.Mark(err, errors.ErrRemoteUnavailable))
	}
	item := Item{
		Path:         path.Join(subject, date.Format(DateLayout)+s.ext),
		Identity:     info.ETag,
		IdentityKind: "etag",
		Size:         info.Size,
		ModTime:      info.LastModified,
		Ref:          key,
	}
	return item, obj, nil
}
