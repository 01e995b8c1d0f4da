package audit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver persists expired audit entries before retention deletes them.
type Archiver interface {
	Archive(ctx context.Context, key string, data []byte, contentType string) error
}

// S3Config configures the S3 archive target.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string // non-empty for MinIO or other S3-compatible stores
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Prefix       string
}

// S3Archiver writes audit archives to an S3 bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Archiver creates an archiver against the configured bucket.
func NewS3Archiver(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	var awsConfig aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey,
				cfg.SecretKey,
				"",
			)),
		)
	} else {
		awsConfig, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive uploads one archive object.
func (a *S3Archiver) Archive(ctx context.Context, key string, data []byte, contentType string) error {
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload audit archive %s: %w", key, err)
	}

	return nil
}

// ArchiveKey builds the object key for a retention run cutoff.
func ArchiveKey(cutoff time.Time, format ExportFormat) string {
	return fmt.Sprintf("audit-archive-%s.%s", cutoff.UTC().Format("2006-01-02"), format)
}
