package s3

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds S3-compatible object storage configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// Storage bundles a MinIO client with its target bucket
type Storage struct {
	Endpoint string
	Bucket   string
	Client   *minio.Client
}

// NewClient creates the MinIO client. It does not contact the server.
func NewClient(config *Config) (*Storage, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &Storage{
		Endpoint: config.Endpoint,
		Bucket:   config.Bucket,
		Client:   client,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet
func (s *Storage) EnsureBucket(ctx context.Context, region string, logger *slog.Logger) error {
	exists, err := s.Client.BucketExists(ctx, s.Bucket)
	if err != nil {
		return fmt.Errorf("s3 bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.Client.MakeBucket(ctx, s.Bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("s3 make bucket: %w", err)
	}

	logger.Info("Created S3 bucket",
		slog.String("bucket", s.Bucket),
		slog.String("endpoint", s.Endpoint),
	)
	return nil
}
