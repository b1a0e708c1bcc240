// Package s3 is a storage.Store backed by the AWS SDK v2. Credentials come
// from the default chain, which resolves to the instance role via IMDS on the
// host.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	s3v2 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"

	"github.com/andres-nav/actual-budget-agent/pkg/storage"
	"github.com/andres-nav/actual-budget-agent/pkg/types"
)

// api is the subset of the S3 client used here.
type api interface {
	s3v2.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3v2.GetObjectInput, optFns ...func(*s3v2.Options)) (*s3v2.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3v2.PutObjectInput, optFns ...func(*s3v2.Options)) (*s3v2.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3v2.HeadObjectInput, optFns ...func(*s3v2.Options)) (*s3v2.HeadObjectOutput, error)
}

// Options selects the bucket and optionally overrides the SDK defaults.
type Options struct {
	Bucket      string
	Region      string
	Profile     string
	Endpoint    string
	MaxAttempts int
}

// Client is bound to a single bucket.
type Client struct {
	api    api
	bucket string
	log    logrus.FieldLogger
}

// New loads the AWS config and builds a client for opts.Bucket.
func New(ctx context.Context, opts Options, log logrus.FieldLogger) (*Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3v2.NewFromConfig(cfg, func(o *s3v2.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = awsv2.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	log.WithField("bucket", opts.Bucket).Debug("s3 client created")

	return newWithAPI(client, opts.Bucket, log), nil
}

func newWithAPI(a api, bucket string, log logrus.FieldLogger) *Client {
	return &Client{api: a, bucket: bucket, log: log}
}

func loadConfig(ctx context.Context, opts Options) (awsv2.Config, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.MaxAttempts > 0 {
		loadOpts = append(loadOpts, config.WithRetryer(func() awsv2.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), opts.MaxAttempts)
		}))
	}
	return config.LoadDefaultConfig(ctx, loadOpts...)
}

// List returns objects whose key starts with prefix, following pagination.
func (c *Client) List(ctx context.Context, prefix string) ([]types.ObjectInfo, error) {
	c.log.Debugf("Listing objects with prefix %q in bucket %s", prefix, c.bucket)

	input := &s3v2.ListObjectsV2Input{Bucket: awsv2.String(c.bucket)}
	if prefix != "" {
		input.Prefix = awsv2.String(prefix)
	}

	var objects []types.ObjectInfo
	paginator := s3v2.NewListObjectsV2Paginator(c.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectInfo{
				Key:          awsv2.ToString(obj.Key),
				Size:         awsv2.ToInt64(obj.Size),
				LastModified: awsv2.ToTime(obj.LastModified),
			})
		}
	}

	c.log.Debugf("Found %d object(s) with prefix %q", len(objects), prefix)
	return objects, nil
}

// Download streams the object into a temporary file next to destPath and
// renames it into place once complete.
func (c *Client) Download(ctx context.Context, key, destPath string) error {
	c.log.Debugf("Downloading s3://%s/%s -> %s", c.bucket, key, destPath)

	out, err := c.api.GetObject(ctx, &s3v2.GetObjectInput{
		Bucket: awsv2.String(c.bucket),
		Key:    awsv2.String(key),
	})
	if err != nil {
		return fmt.Errorf("downloading %s: %w", key, translate(err))
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), "."+filepath.Base(destPath)+".part-*")
	if err != nil {
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	n, err := io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("downloading %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("downloading %s: %w", key, err)
	}

	c.log.Debugf("Downloaded %s (%d bytes)", key, n)
	return nil
}

// Upload sends a local file under key.
func (c *Client) Upload(ctx context.Context, srcPath, key string) error {
	c.log.Debugf("Uploading %s -> s3://%s/%s", srcPath, c.bucket, key)

	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	_, err = c.api.PutObject(ctx, &s3v2.PutObjectInput{
		Bucket:        awsv2.String(c.bucket),
		Key:           awsv2.String(key),
		Body:          f,
		ContentLength: awsv2.Int64(info.Size()),
		ContentType:   awsv2.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}

	c.log.Debugf("Uploaded %s (%d bytes)", key, info.Size())
	return nil
}

// Exists reports whether key is present in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.api.HeadObject(ctx, &s3v2.HeadObjectInput{
		Bucket: awsv2.String(c.bucket),
		Key:    awsv2.String(key),
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(translate(err), storage.ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("head %s: %w", key, err)
}

func translate(err error) error {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", storage.ErrNotFound, err)
	}
	return err
}

var _ storage.Store = (*Client)(nil)
