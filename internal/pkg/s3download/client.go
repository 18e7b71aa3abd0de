// Package s3download releases downloadable objects as presigned S3 URLs.
package s3download

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

var ErrInvalidKey = errors.New("invalid resource key")

// Link is a time limited download URL.
type Link struct {
	URL       string
	ExpiresAt time.Time
}

// Client wraps the S3 client with download specific helpers.
type Client struct {
	s3Client  *s3.Client
	presigner *s3.PresignClient
	config    *Config
	logger    zerolog.Logger
}

// NewClient builds the S3 client without touching the network.
func NewClient(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("S3 downloads are disabled")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible stores (MinIO, B2) want path-style URLs
			o.UsePathStyle = true
			o.UseAccelerate = false
		}
	})

	return &Client{
		s3Client:  s3Client,
		presigner: s3.NewPresignClient(s3Client),
		config:    cfg,
		logger:    logger.With().Str("component", "s3download").Str("bucket", cfg.BucketName).Logger(),
	}, nil
}

// CleanKey normalizes a resource key and rejects traversal attempts.
func CleanKey(key string) (string, error) {
	k := strings.TrimLeft(strings.TrimSpace(key), "/")
	if k == "" || len(k) > 512 {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(k, "/") {
		if part == ".." || part == "." {
			return "", ErrInvalidKey
		}
	}
	return k, nil
}

// Exists reports whether the object is present in the bucket.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	k, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	_, err = c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.config.BucketName),
		Key:    aws.String(k),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("head object %s: %w", k, err)
	}
	return true, nil
}

// PresignGet returns a GET URL for the object valid for the configured TTL.
func (c *Client) PresignGet(ctx context.Context, key string) (Link, error) {
	k, err := CleanKey(key)
	if err != nil {
		return Link{}, err
	}
	ttl := c.config.presignTTL()
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.BucketName),
		Key:    aws.String(k),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return Link{}, fmt.Errorf("presign %s: %w", k, err)
	}
	c.logger.Debug().Str("key", k).Dur("ttl", ttl).Msg("presigned download url")
	return Link{URL: req.URL, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

// Ping checks that the bucket is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.BucketName),
	})
	return err
}
