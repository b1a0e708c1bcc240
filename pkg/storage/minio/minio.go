// Package minio is a storage.Store for any S3-compatible endpoint, built on
// minio-go.
package minio

import (
	"context"
	"fmt"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/andres-nav/actual-budget-agent/pkg/storage"
	"github.com/andres-nav/actual-budget-agent/pkg/types"
)

// Options configures the endpoint and authentication.
type Options struct {
	Endpoint        string
	Region          string
	Bucket          string
	Insecure        bool
	AccessKeyID     string
	SecretAccessKey string
}

func (o *Options) validate() error {
	if o.Endpoint == "" {
		return fmt.Errorf("minio: endpoint is required")
	}
	if o.Bucket == "" {
		return fmt.Errorf("minio: bucket is required")
	}
	if (o.AccessKeyID == "") != (o.SecretAccessKey == "") {
		return fmt.Errorf("minio: access key and secret key must be set together")
	}
	return nil
}

// credentials returns static keys when configured and falls back to the
// instance role otherwise.
func (o *Options) credentials() *credentials.Credentials {
	if o.AccessKeyID != "" {
		return credentials.NewStaticV4(o.AccessKeyID, o.SecretAccessKey, "")
	}
	return credentials.NewIAM("")
}

// Client wraps a minio client bound to one bucket.
type Client struct {
	mc     *minio.Client
	bucket string
	log    logrus.FieldLogger
}

// New creates a client for opts.Bucket.
func New(opts Options, log logrus.FieldLogger) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  opts.credentials(),
		Secure: !opts.Insecure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	return &Client{mc: mc, bucket: opts.Bucket, log: log}, nil
}

// Upload sends a local file under the given key.
func (c *Client) Upload(ctx context.Context, srcPath, key string) error {
	c.log.Debugf("Uploading %s -> s3://%s/%s", srcPath, c.bucket, key)

	info, err := c.mc.FPutObject(ctx, c.bucket, key, srcPath, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	c.log.Debugf("Uploaded %s (%d bytes)", key, info.Size)
	return nil
}

// Download fetches an object and saves it to destPath. minio writes to a
// temporary part file and renames it, so a failed fetch leaves nothing behind.
func (c *Client) Download(ctx context.Context, key, destPath string) error {
	c.log.Debugf("Downloading s3://%s/%s -> %s", c.bucket, key, destPath)

	if err := c.mc.FGetObject(ctx, c.bucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("downloading %s: %w", key, translate(err))
	}

	c.log.Debugf("Downloaded %s", key)
	return nil
}

// List returns objects whose key starts with prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	c.log.Debugf("Listing objects with prefix %q in bucket %s", prefix, c.bucket)

	var objects []types.ObjectInfo
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("listing objects: %w", obj.Err)
		}
		objects = append(objects, types.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}

	c.log.Debugf("Found %d object(s) with prefix %q", len(objects), prefix)
	return objects, nil
}

// Exists reports whether key is present in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if err := translate(err); err == storage.ErrNotFound {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

func translate(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return storage.ErrNotFound
	}
	return err
}

var _ storage.Store = (*Client)(nil)
