// Package blob stores job artifacts. Keys are deterministic per job so a
// re-dispatched handler overwrites its earlier output instead of duplicating it.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob not found")

// Store persists artifacts and returns a reference string for each.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Options selects and configures a Store implementation.
type Options struct {
	Driver      string
	LocalDir    string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
	GCSBucket   string
}

// Open builds the Store named by opts.Driver: local (default), s3 or gcs.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "local":
		dir := opts.LocalDir
		if dir == "" {
			dir = "./output"
		}
		return NewLocal(dir), nil
	case "s3":
		if opts.S3Bucket == "" {
			return nil, errors.New("blob driver s3 requires S3_BUCKET")
		}
		return NewS3(ctx, opts)
	case "gcs":
		if opts.GCSBucket == "" {
			return nil, errors.New("blob driver gcs requires GCS_BUCKET")
		}
		return NewGCS(ctx, opts.GCSBucket)
	}
	return nil, fmt.Errorf("unknown blob driver %q", opts.Driver)
}

// JobKey builds the artifact key for name under a job.
func JobKey(jobID, name string) string {
	return path.Join("jobs", jobID, name)
}

// cleanKey normalizes key and rejects keys escaping the store root.
func cleanKey(key string) (string, error) {
	key = path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	key = strings.TrimPrefix(key, "/")
	if key == "" || key == "." {
		return "", errors.New("blob key is empty")
	}
	return key, nil
}
