// Package s3blob archives aged execution and opportunity history to
// S3-compatible object storage (AWS S3, MinIO, Cloudflare R2) using AWS SDK
// v2.
package s3blob

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/atalantalabs/atalanta/internal/config"
)

// Client wraps the AWS S3 SDK client with the configured bucket.
type Client struct {
	s3     *s3.Client
	bucket string
}

// New builds the client. A non-empty Endpoint switches to an S3-compatible
// provider; ForcePathStyle is required by most of them.
func New(ctx context.Context, cfg config.S3Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3blob: bucket name is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3blob: region is required")
	}

	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("s3blob: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := normalizeEndpoint(cfg.Endpoint, cfg.UseSSL)
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Client{
		s3:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
	}, nil
}

// Health verifies bucket access with a HeadBucket call.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	if err != nil {
		return fmt.Errorf("s3blob: head bucket %s: %w", c.bucket, err)
	}
	return nil
}

func (c *Client) S3() *s3.Client {
	return c.s3
}

func (c *Client) Bucket() string {
	return c.bucket
}

// normalizeEndpoint prepends a scheme when the configured endpoint lacks one.
func normalizeEndpoint(endpoint string, useSSL bool) string {
	parsed, err := url.Parse(endpoint)
	if err == nil && parsed.Scheme != "" {
		return endpoint
	}
	scheme := "http"
	if useSSL {
		scheme = "https"
	}
	return scheme + "://" + endpoint
}
