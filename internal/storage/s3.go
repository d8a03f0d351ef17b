package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the configuration for S3 storage.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
	// PublicBaseURL overrides the returned object URL prefix, e.g. a CDN domain.
	PublicBaseURL string
}

// objectPutter is the subset of the S3 API used by S3Storage.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Storage spools temporary files through LocalStorage and publishes objects to S3.
type S3Storage struct {
	*LocalStorage
	client    objectPutter
	bucket    string
	publicURL string
}

// Compile-time check that S3Storage implements Storage.
var _ Storage = (*S3Storage)(nil)

// NewS3Storage creates an S3Storage. Temporary files live in local.TempDir.
func NewS3Storage(ctx context.Context, local *LocalStorage, cfg S3Config) (*S3Storage, error) {
	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Storage{
		LocalStorage: local,
		client:       s3.NewFromConfig(awsCfg, clientOpts...),
		bucket:       cfg.Bucket,
		publicURL:    objectURLPrefix(cfg),
	}, nil
}

// objectURLPrefix picks the URL prefix for published objects.
func objectURLPrefix(cfg S3Config) string {
	switch {
	case cfg.PublicBaseURL != "":
		return cfg.PublicBaseURL
	case cfg.Endpoint != "":
		return joinURL(cfg.Endpoint, cfg.Bucket)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
}

// PutObject uploads data to S3 and returns the public URL.
// data should be seekable (an *os.File from LoadTemp) so the SDK can sign the payload.
func (s *S3Storage) PutObject(ctx context.Context, key string, data io.Reader, contentType string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   data,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("upload to S3: %w", err)
	}

	return joinURL(s.publicURL, key), nil
}
