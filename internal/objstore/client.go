// Package objstore builds MinIO/S3 clients shared by the object-store source
// and sink.
package objstore

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chmdznr/oss-study-sync/pkg/errors"
)

// Options configures a client connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

// OptionsFrom reads connection options from a flat option map, as found in
// source and sink configuration.
func OptionsFrom(opts map[string]string) (Options, error) {
	o := Options{
		Endpoint:  opts["endpoint"],
		AccessKey: opts["access_key"],
		SecretKey: opts["secret_key"],
		Region:    opts["region"],
		Secure:    true,
	}
	if o.Endpoint == "" {
		return o, errors.MissingFieldError{Field: "endpoint"}
	}
	if s, ok := opts["secure"]; ok && s != "" {
		secure, err := strconv.ParseBool(s)
		if err != nil {
			return o, fmt.Errorf("secure %q: %w", s, errors.ErrInvalidArgument)
		}
		o.Secure = secure
	}
	return o, nil
}

// NewClient creates a MinIO client with a tuned transport.
func NewClient(o Options) (*minio.Client, error) {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	region := o.Region
	if region == "" {
		region = "auto"
	}
	client, err := minio.New(o.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(o.AccessKey, o.SecretKey, ""),
		Secure:       o.Secure,
		Transport:    tr,
		Region:       region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return client, nil
}

// IsNotFound reports whether err is a missing bucket or key response.
func IsNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}

// JoinKey joins object key elements with "/", dropping empty ones and
// surrounding slashes.
func JoinKey(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		if e = strings.Trim(e, "/"); e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}
