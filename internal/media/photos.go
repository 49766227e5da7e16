// Package media checks uploaded photo references against object storage.
package media

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"meeplemeet/api/internal/config"
)

// MinioPhotos resolves photo references to objects in one bucket. A
// reference is the object key, optionally prefixed with "s3://<bucket>/".
type MinioPhotos struct {
	client *minio.Client
	bucket string
}

func NewMinioPhotos(cfg config.StorageConfig) (*MinioPhotos, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: "us-east-1",
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioPhotos{client: client, bucket: cfg.Bucket}, nil
}

func (p *MinioPhotos) objectKey(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket != p.bucket {
			return "", fmt.Errorf("photo %q is not in bucket %s", ref, p.bucket)
		}
		ref = key
	}
	ref = strings.TrimPrefix(ref, "/")
	if ref == "" {
		return "", fmt.Errorf("photo reference is empty")
	}
	return ref, nil
}

// PhotoExists reports whether ref names an uploaded object. A malformed
// reference is reported as missing.
func (p *MinioPhotos) PhotoExists(ctx context.Context, ref string) (bool, error) {
	key, err := p.objectKey(ref)
	if err != nil {
		return false, nil
	}
	if _, err := p.client.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{}); err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "NoSuchKey", "NoSuchBucket":
			return false, nil
		}
		return false, fmt.Errorf("stat photo %s: %w", key, err)
	}
	return true, nil
}

// PhotoURL returns a time-limited download URL for ref.
func (p *MinioPhotos) PhotoURL(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	key, err := p.objectKey(ref)
	if err != nil {
		return "", err
	}
	u, err := p.client.PresignedGetObject(ctx, p.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign photo %s: %w", key, err)
	}
	return u.String(), nil
}
