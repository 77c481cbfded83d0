// Package objstore implements the S3-compatible object-store client used to
// finalize staged uploads. It wraps minio-go with bucket bootstrap, a
// retrying file upload and the post-upload stat used for size verification.
package objstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// putAttempts is the total number of tries for a single PutFile call.
	putAttempts = 3
	// putInitialBackoff is the delay before the first retry. Subsequent
	// delays double, so a full PutFile cycle waits 1s and then 2s.
	putInitialBackoff = time.Second
)

// Config carries the connection parameters for the object store.
type Config struct {
	Endpoint  string
	Port      int
	UseSSL    bool
	AccessKey string
	SecretKey string
	Bucket    string
}

// PutOptions carries the headers attached to an uploaded object. The
// UserMetadata values are sanitized before they reach the wire, keys must be
// plain ASCII to begin with.
type PutOptions struct {
	ContentType  string
	UserMetadata map[string]string
}

// ObjectInfo is the subset of the remote object's metadata the finalization
// pipeline verifies against.
type ObjectInfo struct {
	Size         int64
	ETag         string
	LastModified time.Time
}

// Client talks to a single bucket of an S3-compatible store.
type Client struct {
	mc     *minio.Client
	bucket string
	logger zerolog.Logger
}

// New builds a client for the configured endpoint. No connection is made
// here, use EnsureBucket or Healthy to probe reachability.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	endpoint := fmt.Sprintf("%s:%d", cfg.Endpoint, cfg.Port)

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "objstore: setting up client")
	}

	return &Client{
		mc:     mc,
		bucket: cfg.Bucket,
		logger: logger.With().Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

// Bucket returns the name of the bucket this client writes to.
func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket creates the bucket if it does not exist yet. Losing the
// creation race to another process is treated as success.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return errors.Wrapf(err, "objstore: checking bucket %q", c.bucket)
	}
	if exists {
		return nil
	}

	err = c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{})
	if err != nil {
		switch minio.ToErrorResponse(err).Code {
		case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
			return nil
		}
		return errors.Wrapf(err, "objstore: creating bucket %q", c.bucket)
	}

	c.logger.Info().Msg("BucketCreated")
	return nil
}

// PutFile uploads the file at path under the given key. Transient failures
// are retried up to putAttempts times with exponential backoff, re-reading
// the file from the start on every attempt. Authentication and permission
// errors abort immediately.
func (c *Client) PutFile(ctx context.Context, key, path string, opts PutOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	putOpts := minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: sanitizeMetadata(opts.UserMetadata),
	}

	attempt := 0
	op := func() error {
		attempt++
		_, err := c.mc.FPutObject(ctx, c.bucket, key, path, putOpts)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}

		c.logger.Warn().Str("key", key).Int("attempt", attempt).Err(err).Msg("ObjectPutRetry")
		return err
	}

	if err := backoff.Retry(op, putBackoff(ctx)); err != nil {
		return errors.Wrapf(err, "objstore: storing object %q", key)
	}

	return nil
}

// Stat fetches size, etag and modification time of the remote object. It is
// the verification step after PutFile: a finalization only counts once the
// reported size matches the staged artifact.
func (c *Client) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	stat, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, errors.Wrapf(err, "objstore: statting object %q", key)
	}

	return ObjectInfo{
		Size:         stat.Size,
		ETag:         stat.ETag,
		LastModified: stat.LastModified,
	}, nil
}

// Healthy probes the store with a cheap bucket-existence call.
func (c *Client) Healthy(ctx context.Context) error {
	if _, err := c.mc.BucketExists(ctx, c.bucket); err != nil {
		return errors.Wrap(err, "objstore: store unreachable")
	}
	return nil
}

// putBackoff returns the retry schedule for PutFile: putAttempts tries in
// total, doubling the delay after each failure.
func putBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = putInitialBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, putAttempts-1), ctx)
}

// IsPermanent reports whether the error is an authentication or permission
// class failure for which a retry with the same request cannot succeed.
func IsPermanent(err error) bool {
	switch minio.ToErrorResponse(errors.Cause(err)).Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "NoSuchBucket":
		return true
	}
	return false
}
