// Package minio provides an S3-compatible audit.ArtifactStore backed by
// github.com/minio/minio-go. Artifact keys map one to one onto object names
// inside a single bucket, optionally under a fixed prefix.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/McKhanster/autoninja-sub001/runtime/audit"
)

const (
	defaultTimeout = 30 * time.Second
	storeName      = "artifact-minio"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the MinIO client. Required.
		Client *minio.Client
		// Bucket holds the artifacts. Required. It is created when missing.
		Bucket string
		// Region is used when creating the bucket.
		Region string
		// Prefix is prepended to every artifact key.
		Prefix string
		// Timeout bounds each object operation.
		Timeout time.Duration
	}

	// ConnOptions describes how to reach the object store.
	ConnOptions struct {
		Endpoint  string
		AccessKey string
		SecretKey string
		Region    string
		Secure    bool
	}

	// Store implements audit.ArtifactStore on a MinIO bucket.
	Store struct {
		api     objectAPI
		bucket  string
		prefix  string
		timeout time.Duration
	}

	// objectAPI is the subset of the MinIO client used by Store.
	objectAPI interface {
		BucketExists(ctx context.Context, bucket string) (bool, error)
		MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
		PutObject(ctx context.Context, bucket, object string, data []byte, contentType string) error
		GetObject(ctx context.Context, bucket, object string) ([]byte, error)
		ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	}

	minioAPI struct {
		c *minio.Client
	}
)

var _ audit.ArtifactStore = (*Store)(nil)

// NewClient returns a MinIO client for the given endpoint. The endpoint must
// not include a scheme.
func NewClient(opts ConnOptions) (*minio.Client, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, errors.New("endpoint is required")
	}
	if strings.Contains(opts.Endpoint, "://") {
		return nil, fmt.Errorf("endpoint must not include scheme: %q", opts.Endpoint)
	}
	return minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:    opts.Secure,
		Region:    opts.Region,
		Transport: newTransport(),
	})
}

// New returns a Store writing to opts.Bucket, creating the bucket if needed.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("minio client is required")
	}
	return newStore(ctx, minioAPI{c: opts.Client}, opts)
}

func newStore(ctx context.Context, api objectAPI, opts Options) (*Store, error) {
	if opts.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	s := &Store{
		api:     api,
		bucket:  opts.Bucket,
		prefix:  strings.Trim(opts.Prefix, "/"),
		timeout: timeout,
	}
	if err := s.ensureBucket(ctx, opts.Region); err != nil {
		return nil, fmt.Errorf("ensure bucket %s: %w", opts.Bucket, err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return storeName
}

// Ping reports whether the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s missing", s.bucket)
	}
	return nil
}

// Put writes data under key, replacing any previous object.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.api.PutObject(ctx, s.bucket, s.object(key), data, contentType); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Get returns the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.api.GetObject(ctx, s.bucket, s.object(key))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", audit.ErrArtifactNotFound, key)
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return data, nil
}

// List returns the artifact keys starting with prefix in lexical order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	names, err := s.api.ListObjects(ctx, s.bucket, s.object(prefix))
	if err != nil {
		return nil, fmt.Errorf("list objects %s: %w", prefix, err)
	}
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, s.key(n))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.api.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.api.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region})
}

func (s *Store) object(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) key(object string) string {
	if s.prefix == "" {
		return object
	}
	return strings.TrimPrefix(object, s.prefix+"/")
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}

func (a minioAPI) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return a.c.BucketExists(ctx, bucket)
}

func (a minioAPI) MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error {
	return a.c.MakeBucket(ctx, bucket, opts)
}

func (a minioAPI) PutObject(ctx context.Context, bucket, object string, data []byte, contentType string) error {
	_, err := a.c.PutObject(ctx, bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	return err
}

// GetObject reads the whole object; MinIO reports missing keys on the first
// read rather than on GetObject.
func (a minioAPI) GetObject(ctx context.Context, bucket, object string) ([]byte, error) {
	obj, err := a.c.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (a minioAPI) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var names []string
	for info := range a.c.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		names = append(names, info.Key)
	}
	return names, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
