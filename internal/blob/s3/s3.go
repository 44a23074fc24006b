// Package s3 implements a read-only blob store on an S3 endpoint. Recovery
// never writes to a repository, so only Open, Stat and List are backed by
// real requests.
package s3

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lodestone-search/lodestone/internal/blob"
	"github.com/lodestone-search/lodestone/internal/debug"
	"github.com/lodestone-search/lodestone/internal/errors"
)

// Config holds the settings for an S3 repository.
type Config struct {
	Endpoint string
	Bucket   string
	Prefix   string
	KeyID    string
	Secret   string
	Region   string
	UseHTTP  bool
}

// Store reads blobs from an S3 bucket.
type Store struct {
	client *minio.Client
	cfg    Config
}

// make sure Store implements blob.Store
var _ blob.Store = &Store{}

// Open opens the S3 repository described by cfg.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	debug.Log("open s3 store, bucket %v, prefix %v", cfg.Bucket, cfg.Prefix)

	if cfg.Endpoint == "" {
		return nil, errors.New("s3: endpoint not set")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket not set")
	}

	// Chains all credential types, in the following order:
	//  - Static credentials provided by user
	//  - AWS env vars (i.e. AWS_ACCESS_KEY_ID)
	//  - Minio env vars (i.e. MINIO_ACCESS_KEY)
	//  - AWS creds file (i.e. ~/.aws/credentials)
	//  - Minio creds file (i.e. ~/.mc/config.json)
	//  - IAM profile based credentials
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     cfg.KeyID,
				SecretAccessKey: cfg.Secret,
			},
		},
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.FileMinioClient{},
		&credentials.IAM{
			Client: &http.Client{
				Transport: http.DefaultTransport,
			},
		},
	})

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: !cfg.UseHTTP,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio.New")
	}

	return &Store{client: client, cfg: cfg}, nil
}

func (be *Store) objName(name string) string {
	return path.Join(be.cfg.Prefix, name)
}

// Open runs fn with a reader for the named blob.
func (be *Store) Open(ctx context.Context, name string, fn func(rd io.Reader) error) error {
	return blob.DefaultOpen(ctx, name, be.openReader, fn)
}

func (be *Store) openReader(ctx context.Context, name string) (io.ReadCloser, error) {
	debug.Log("Open %v", name)

	obj, err := be.client.GetObject(ctx, be.cfg.Bucket, be.objName(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "client.GetObject")
	}

	// GetObject is lazy, stat so a missing key surfaces here
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, err
	}

	return obj, nil
}

// Stat returns information about the named blob.
func (be *Store) Stat(ctx context.Context, name string) (blob.FileInfo, error) {
	debug.Log("Stat %v", name)

	oi, err := be.client.StatObject(ctx, be.cfg.Bucket, be.objName(name), minio.StatObjectOptions{})
	if err != nil {
		return blob.FileInfo{}, err
	}
	return blob.FileInfo{Name: name, Size: oi.Size}, nil
}

// List runs fn for each blob under the configured prefix.
func (be *Store) List(ctx context.Context, fn func(blob.FileInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prefix := be.cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	for obj := range be.client.ListObjects(ctx, be.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return obj.Err
		}

		name := strings.TrimPrefix(obj.Key, prefix)
		if name == "" {
			continue
		}

		if err := fn(blob.FileInfo{Name: name, Size: obj.Size}); err != nil {
			return err
		}
	}

	return ctx.Err()
}

// IsNotExist returns true if the error is caused by a non existing blob.
func (be *Store) IsNotExist(err error) bool {
	var e minio.ErrorResponse
	return errors.As(err, &e) && e.Code == "NoSuchKey"
}

func (be *Store) IsPermanentError(err error) bool {
	if be.IsNotExist(err) {
		return true
	}
	var e minio.ErrorResponse
	return errors.As(err, &e) && (e.Code == "AccessDenied" || e.Code == "InvalidRange")
}

// Close closes the store.
func (be *Store) Close() error {
	return nil
}
