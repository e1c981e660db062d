package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/codingric/receiptbox/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// S3Store writes objects to a bucket on any S3-compatible service.
type S3Store struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

// NewS3Store builds a path-style client for cfg.S3. Objects resolve to
// cfg.PublicURL when set, otherwise to <scheme>://<endpoint>/<bucket>.
func NewS3Store(cfg config.StorageConfig) (*S3Store, error) {
	return newS3Store(cfg, otelhttp.NewTransport(http.DefaultTransport))
}

func newS3Store(cfg config.StorageConfig, transport http.RoundTripper) (*S3Store, error) {
	s3 := cfg.S3
	client, err := minio.New(s3.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(s3.AccessKey, s3.SecretKey, ""),
		Secure:       s3.UseSSL,
		Region:       s3.Region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    transport,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}

	baseURL := cfg.PublicURL
	if baseURL == "" {
		scheme := "http"
		if s3.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, s3.Endpoint, s3.Bucket)
	}
	return &S3Store{client: client, bucket: s3.Bucket, baseURL: baseURL}, nil
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (string, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", s.bucket, key, err)
	}
	log.Debug().Str("bucket", s.bucket).Str("key", key).Str("etag", info.ETag).Int64("size", info.Size).Msg("Stored object")
	return s.URL(key), nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func (s *S3Store) URL(key string) string {
	return joinURL(s.baseURL, key)
}
