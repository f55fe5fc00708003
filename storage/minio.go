package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sparesparrow/lifecycle/errors"
)

// MinIOConfig holds MinIO/S3 backend configuration.
type MinIOConfig struct {
	// Endpoint is the MinIO server address (e.g., "localhost:9000")
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Bucket is used for locations without an explicit bucket
	Bucket string `json:"bucket" yaml:"bucket"`

	// AccessKey is the access key ID for authentication
	AccessKey string `json:"access_key" yaml:"access_key"`

	// SecretKey is the secret access key for authentication
	SecretKey string `json:"secret_key" yaml:"secret_key"`

	// UseSSL enables HTTPS connections
	UseSSL bool `json:"use_ssl" yaml:"use_ssl"`

	// Prefix is prepended to keys of bare locations
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// Client is an optional pre-configured client. When set, the
	// connection fields are ignored.
	Client *minio.Client `json:"-" yaml:"-"`
}

func (c *MinIOConfig) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Client != nil {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when client is not provided")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("access key and secret key are required when client is not provided")
	}
	return nil
}

// MinIO stores artifacts as objects. A location is either
// s3://bucket/key or a bare key in the configured bucket. A key that names a
// "directory" is deleted with everything under it.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinIO creates a MinIO backend.
func NewMinIO(cfg MinIOConfig) (*MinIO, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "invalid minio configuration")
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidConfig, "failed to create minio client")
		}
	}

	return &MinIO{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ParseLocation splits location into bucket and key. Bare keys use
// defaultBucket and are joined under prefix.
func ParseLocation(location, defaultBucket, prefix string) (bucket, key string, err error) {
	if rest, ok := strings.CutPrefix(location, "s3://"); ok {
		bucket, key, _ = strings.Cut(rest, "/")
		key = strings.Trim(key, "/")
		if bucket == "" || key == "" {
			return "", "", errors.Newf(errors.CodeInvalidInput, "malformed s3 location %q", location)
		}
		return bucket, key, nil
	}

	key = strings.Trim(location, "/")
	if key == "" {
		return "", "", errors.New(errors.CodeInvalidInput, "empty storage location")
	}
	if prefix != "" {
		key = prefix + "/" + key
	}
	return defaultBucket, key, nil
}

// Delete removes the object at location and any objects beneath it.
func (m *MinIO) Delete(ctx context.Context, location string) error {
	bucket, key, err := ParseLocation(location, m.bucket, m.prefix)
	if err != nil {
		return err
	}

	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return translate(err, "remove object", location)
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	objectsCh := m.client.ListObjects(listCtx, bucket, minio.ListObjectsOptions{
		Prefix:    key + "/",
		Recursive: true,
	})

	toDelete := make(chan minio.ObjectInfo)
	var listErr error
	go func() {
		defer close(toDelete)
		for obj := range objectsCh {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			select {
			case toDelete <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var removeErr error
	for result := range m.client.RemoveObjects(ctx, bucket, toDelete, minio.RemoveObjectsOptions{}) {
		if result.Err != nil && !isNotFound(result.Err) && removeErr == nil {
			removeErr = result.Err
		}
	}

	if listErr != nil && !isNotFound(listErr) {
		return translate(listErr, "list objects", location)
	}
	if removeErr != nil {
		return translate(removeErr, "remove objects", location)
	}
	return ctx.Err()
}

// Exists reports whether an object or an object prefix exists at location.
func (m *MinIO) Exists(ctx context.Context, location string) (bool, error) {
	bucket, key, err := ParseLocation(location, m.bucket, m.prefix)
	if err != nil {
		return false, err
	}

	_, err = m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if !isNotFound(err) {
		return false, translate(err, "stat object", location)
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range m.client.ListObjects(listCtx, bucket, minio.ListObjectsOptions{
		Prefix:    key + "/",
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			if isNotFound(obj.Err) {
				return false, nil
			}
			return false, translate(obj.Err, "list objects", location)
		}
		return true, nil
	}
	return false, nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return true
	}
	return false
}

func translate(err error, op, location string) error {
	code := errors.CodeIOFailure
	if minio.ToErrorResponse(err).Code == "AccessDenied" {
		code = errors.CodeExecutionFailed
	}
	return errors.WithContext(errors.Wrapf(err, code, "minio %s failed", op), "location", location)
}
