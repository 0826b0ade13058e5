// Package s3blob stores trade-log archives and reads backtest series from
// S3 or an S3-compatible provider (MinIO, R2, iDrive e2) with AWS SDK v2.
package s3blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientConfig configures the object store connection.
type ClientConfig struct {
	// Endpoint overrides the AWS endpoint for compatible providers.
	Endpoint string
	Region   string
	Bucket   string
	// AccessKey and SecretKey are optional; the default AWS credential
	// chain is used when AccessKey is empty.
	AccessKey string
	SecretKey string
	// UseSSL picks the scheme for an Endpoint given without one.
	UseSSL         bool
	ForcePathStyle bool
	// Prefix is prepended to every object key, e.g. "listarb/".
	Prefix string
}

// Client holds the SDK client, bucket and key prefix.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3blob: region is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(normaliseEndpoint(cfg.Endpoint, cfg.UseSSL))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Client{s3: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Health verifies the bucket is reachable with HeadBucket.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return fmt.Errorf("s3blob: health check bucket %s: %w", c.bucket, err)
	}
	return nil
}

// S3 returns the SDK client.
func (c *Client) S3() *s3.Client { return c.s3 }

// Bucket returns the bucket name.
func (c *Client) Bucket() string { return c.bucket }

// objectKey applies the configured prefix to path.
func (c *Client) objectKey(path string) string {
	return joinPrefix(c.prefix, path)
}

func joinPrefix(prefix, path string) string {
	if prefix == "" {
		return path
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(path, "/")
}

// normaliseEndpoint adds a scheme to an endpoint that lacks one.
func normaliseEndpoint(endpoint string, useSSL bool) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Scheme != "" {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}
