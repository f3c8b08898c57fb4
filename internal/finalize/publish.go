package finalize

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"matchstream/internal/session"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config points at an S3-compatible bucket for sealed outputs.
type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Prefix    string
	// PublicURL is prepended to the object key to build vod_path. When empty
	// the URL is s3://<bucket>/<key>.
	PublicURL string
}

// Enabled reports whether enough is configured to upload.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// S3Publisher uploads sealed outputs with minio-go.
type S3Publisher struct {
	client *minio.Client
	cfg    S3Config
}

// NewS3Publisher builds a client for cfg. It does not contact the server.
func NewS3Publisher(cfg S3Config) (*S3Publisher, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &S3Publisher{client: client, cfg: cfg}, nil
}

// ObjectKey is where the output of session id is stored in the bucket.
func (p *S3Publisher) ObjectKey(id session.ID, file string) string {
	parts := []string{}
	if prefix := strings.Trim(p.cfg.Prefix, "/"); prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, string(id), filepath.Base(file))
	return path.Join(parts...)
}

// URL returns the public location of key.
func (p *S3Publisher) URL(key string) string {
	if base := strings.TrimRight(p.cfg.PublicURL, "/"); base != "" {
		return base + "/" + key
	}
	return fmt.Sprintf("s3://%s/%s", p.cfg.Bucket, key)
}

func (p *S3Publisher) Publish(ctx context.Context, id session.ID, file string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	exists, err := p.client.BucketExists(ctx, p.cfg.Bucket)
	if err != nil {
		return "", fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := p.client.MakeBucket(ctx, p.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return "", fmt.Errorf("create bucket: %w", err)
		}
	}

	key := p.ObjectKey(id, file)
	_, err = p.client.FPutObject(ctx, p.cfg.Bucket, key, file, minio.PutObjectOptions{
		ContentType: session.MimeType(strings.TrimPrefix(filepath.Ext(file), ".")),
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return p.URL(key), nil
}
