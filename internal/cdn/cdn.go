// Package cdn uploads media to an S3-compatible bucket.
package cdn

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"foliocache/internal/config"
	"foliocache/internal/faults"
	"foliocache/internal/media"
	"foliocache/internal/upload"
)

// Client implements upload.CDN.
type Client struct {
	mc         *minio.Client
	bucket     string
	prefix     string
	publicBase string
}

// New connects to the endpoint in cfg. It does not contact the server.
func New(cfg config.CDNConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("uploads.cdn.bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("uploads.cdn: %w", err)
	}
	return NewWithClient(mc, cfg), nil
}

// NewWithClient uses an existing minio client.
func NewWithClient(mc *minio.Client, cfg config.CDNConfig) *Client {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + mc.EndpointURL().Host + "/" + cfg.Bucket
	}
	return &Client{
		mc:         mc,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		publicBase: base,
	}
}

// ObjectKey is prefix/<kind dir>/<digest hex>.<ext>. Identical bytes map to
// the same key, so re-uploads overwrite instead of duplicating.
func (c *Client) ObjectKey(h upload.Hints) string {
	name := h.Digest.Encoded()
	if ext := media.Extension(h.Name); ext != "" {
		name += "." + ext
	}
	return path.Join(c.prefix, h.Kind.String(), name)
}

func (c *Client) Upload(ctx context.Context, data []byte, h upload.Hints) (upload.RemoteObject, error) {
	key := c.ObjectKey(h)
	info, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: h.ContentType,
		UserMetadata: map[string]string{
			"digest":        h.Digest.String(),
			"original-name": url.PathEscape(h.Name),
		},
	})
	if err != nil {
		return upload.RemoteObject{}, faults.Wrap(err, faults.UploadFailed, "put "+c.bucket+"/"+key)
	}
	return upload.RemoteObject{
		URL:        c.publicBase + "/" + key,
		SizeBytes:  info.Size,
		Identifier: h.Digest.String(),
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context, region string) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return faults.Wrap(err, faults.UploadFailed, "stat bucket "+c.bucket)
	}
	if exists {
		return nil
	}
	err = c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{Region: region})
	return faults.Wrap(err, faults.UploadFailed, "make bucket "+c.bucket)
}
