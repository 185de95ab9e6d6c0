package sink

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/chmdznr/oss-study-sync/internal/objstore"
	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

// Minio uploads to a bucket under an optional folder.
type Minio struct {
	client *minio.Client
	bucket string
	folder string
}

// NewMinio returns a sink writing to bucket/folder.
func NewMinio(client *minio.Client, bucket, folder string) *Minio {
	return &Minio{client: client, bucket: bucket, folder: strings.Trim(folder, "/")}
}

func newMinio(cfg Config) (Sink, error) {
	bucket, err := cfg.Require("bucket")
	if err != nil {
		return nil, err
	}
	opts, err := objstore.OptionsFrom(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", cfg.ID, err)
	}
	client, err := objstore.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return NewMinio(client, bucket, cfg.Option("folder", "")), nil
}

// Upload implements Sink.
func (m *Minio) Upload(ctx context.Context, name string, r io.Reader, size int64, metadata map[string]string) (Destination, error) {
	key := m.objectKey(name)
	opts := minio.PutObjectOptions{
		UserMetadata: sanitizeMetadata(metadata),
		ContentType:  contentType(name),
	}

	info, err := m.client.PutObject(ctx, m.bucket, key, r, size, opts)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code != "" {
			err = fmt.Errorf("%s: %s (bucket %s, key %s)", resp.Code, resp.Message, resp.BucketName, resp.Key)
		}
		return Destination{}, fmt.Errorf("upload %s: %w", key, errors.Mark(err, errors.ErrDeliveryFailure))
	}

	if size >= 0 && info.Size != size {
		return Destination{}, fmt.Errorf("upload %s: size mismatch, expected %d bytes, stored %d: %w",
			key, size, info.Size, errors.ErrDeliveryFailure)
	}

	return Destination{
		Bucket:    info.Bucket,
		Key:       info.Key,
		ETag:      info.ETag,
		VersionID: info.VersionID,
		Size:      info.Size,
	}, nil
}

func (m *Minio) objectKey(name string) string {
	key := strings.Map(func(r rune) rune {
		switch r {
		case '\u3000': // full-width space
			return ' '
		case '\u200b', '\ufeff': // zero-width space and BOM
			return -1
		default:
			return r
		}
	}, name)
	key = strings.ReplaceAll(key, "\\", "/")
	return objstore.JoinKey(m.folder, key)
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".zip":
		return "application/zip"
	case ".csv":
		return "text/csv"
	}
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// sanitizeMetadata makes metadata values safe to send as HTTP headers.
func sanitizeMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		var sanitized string
		switch k {
		case "path":
			sanitized = sanitizePath(v)
		case "bucket":
			sanitized = v
		default:
			// First decode if already encoded.
			decoded, err := url.QueryUnescape(v)
			if err == nil {
				v = decoded
			}
			v = strings.ReplaceAll(v, "&", "and")
			v = strings.ReplaceAll(v, "+", "plus")
			sanitized = url.QueryEscape(v)
		}
		out[k] = sanitized
	}
	return out
}

func sanitizePath(path string) string {
	// First, replace any backslashes with forward slashes
	path = strings.ReplaceAll(path, "\\", "/")

	// Split the path into segments
	segments := strings.Split(path, "/")

	// URL encode each segment individually
	for i, segment := range segments {
		// First decode the segment in case it's already encoded
		decoded, err := url.QueryUnescape(segment)
		if err == nil {
			segment = decoded
		}

		// Replace problematic characters
		segment = strings.ReplaceAll(segment, "&", "and")
		segment = strings.ReplaceAll(segment, "+", "plus")

		// Encode the segment
		segments[i] = url.QueryEscape(segment)
	}

	// Join the segments back together
	sanitized := strings.Join(segments, "/")

	// Remove any double slashes
	for strings.Contains(sanitized, "//") {
		sanitized = strings.ReplaceAll(sanitized, "//", "/")
	}

	return sanitized
}
