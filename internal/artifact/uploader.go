// Package artifact mirrors processed images to object storage
package artifact

import (
	"context"
	"fmt"
	"mime"
	"path"
	"path/filepath"

	"github.com/cuongbtq/imagejobs/shared/s3"
	"github.com/minio/minio-go/v7"
)

// Uploader copies a finished output file somewhere durable and returns the
// object key. An empty key means nothing was uploaded.
type Uploader interface {
	Upload(ctx context.Context, jobID, localPath string) (string, error)
}

// Noop leaves outputs on the local filesystem only
type Noop struct{}

func (Noop) Upload(ctx context.Context, jobID, localPath string) (string, error) {
	return "", nil
}

// MinIOUploader puts outputs into an S3-compatible bucket under a prefix
type MinIOUploader struct {
	storage *s3.Storage
	prefix  string
}

var _ Uploader = (*MinIOUploader)(nil)

func NewMinIOUploader(storage *s3.Storage, prefix string) *MinIOUploader {
	return &MinIOUploader{storage: storage, prefix: prefix}
}

// ObjectKey is where localPath lands in the bucket
func (u *MinIOUploader) ObjectKey(localPath string) string {
	return path.Join(u.prefix, filepath.Base(localPath))
}

func (u *MinIOUploader) Upload(ctx context.Context, jobID, localPath string) (string, error) {
	if u.storage == nil || u.storage.Client == nil {
		return "", fmt.Errorf("s3 client not initialized")
	}

	key := u.ObjectKey(localPath)
	_, err := u.storage.Client.FPutObject(ctx, u.storage.Bucket, key, localPath, minio.PutObjectOptions{
		ContentType:  contentType(localPath),
		UserMetadata: map[string]string{"job-id": jobID},
	})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return key, nil
}

func contentType(localPath string) string {
	if ct := mime.TypeByExtension(filepath.Ext(localPath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
