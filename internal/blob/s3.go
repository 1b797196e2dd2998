package blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/FairForge/assetvault/internal/engine"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// S3Config configures an S3-compatible blob backend
type S3Config struct {
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	Bucket       string `yaml:"bucket"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// S3Driver stores blobs in an S3-compatible bucket
type S3Driver struct {
	client *s3.Client
	bucket string
	logger *zap.Logger
}

// NewS3Driver creates a new S3 storage driver
func NewS3Driver(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Driver, error) {
	if cfg.Bucket == "" {
		return nil, engine.ErrConfig("blob.s3.bucket", "required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return NewS3DriverWithClient(client, cfg.Bucket, logger), nil
}

// NewS3DriverWithClient wraps an existing client.
func NewS3DriverWithClient(client *s3.Client, bucket string, logger *zap.Logger) *S3Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Driver{client: client, bucket: bucket, logger: logger}
}

func (d *S3Driver) Name() string { return "s3" }

func (d *S3Driver) Put(ctx context.Context, key string, data io.Reader, opts ...PutOption) error {
	o := applyPutOptions(opts)
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(o.ContentType),
	})
	if err != nil {
		return classifyS3Error(fmt.Errorf("put object %s/%s: %w", d.bucket, key, err))
	}

	d.logger.Debug("stored blob in S3",
		zap.String("key", key),
		zap.String("bucket", d.bucket))
	return nil
}

func (d *S3Driver) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(fmt.Errorf("get object %s/%s: %w", d.bucket, key, err))
	}
	return result.Body, nil
}

func (d *S3Driver) Exists(ctx context.Context, key string) (bool, error) {
	_, err := d.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	err = classifyS3Error(err)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("head object %s/%s: %w", d.bucket, key, err)
}

func (d *S3Driver) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Error(fmt.Errorf("delete object %s/%s: %w", d.bucket, key, err))
	}
	return nil
}

// HealthCheck verifies the bucket is reachable
func (d *S3Driver) HealthCheck(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.bucket)})
	if err != nil {
		return fmt.Errorf("health check failed: %w", classifyS3Error(err))
	}
	return nil
}

// classifyS3Error maps missing objects to ErrNotFound and credential
// problems to engine.ErrUnauthorized so the retry layer stops early.
func classifyS3Error(err error) error {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return fmt.Errorf("%w: %v", engine.ErrUnauthorized, err)
		}
	}
	return err
}
