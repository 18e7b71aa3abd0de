package s3download

import (
	"errors"
	"time"
)

const DefaultPresignTTL = 15 * time.Minute

// Config holds the bucket the downloadable resources live in.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	PresignTTL      time.Duration
	Enabled         bool
}

// Validate checks required fields when downloads are enabled.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.AccessKeyID == "" {
		return errors.New("S3_ACCESS_KEY_ID is required when S3 downloads are enabled")
	}
	if c.SecretAccessKey == "" {
		return errors.New("S3_SECRET_ACCESS_KEY is required when S3 downloads are enabled")
	}
	if c.BucketName == "" {
		return errors.New("S3_BUCKET_NAME is required when S3 downloads are enabled")
	}
	return nil
}

func (c *Config) presignTTL() time.Duration {
	if c.PresignTTL <= 0 {
		return DefaultPresignTTL
	}
	return c.PresignTTL
}
