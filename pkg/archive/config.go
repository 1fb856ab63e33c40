// Package archive uploads the artifacts of completed stages to S3 or an
// S3-compatible store.
package archive

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultAWSRegion is used for AWS S3 when nothing else resolves a region.
const DefaultAWSRegion = "us-east-1"

// Config configures the S3 destination.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. Endpoint and ForcePathStyle target
// S3-compatible stores such as MinIO or Wasabi.
type Config struct {
	Bucket          string  `mapstructure:"bucket" yaml:"bucket"`
	Prefix          string  `mapstructure:"prefix" yaml:"prefix"`
	Region          string  `mapstructure:"region" yaml:"region"`
	Endpoint        string  `mapstructure:"endpoint" yaml:"endpoint"`
	Profile         string  `mapstructure:"profile" yaml:"profile"`
	AccessKeyID     string  `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string  `mapstructure:"secret_access_key" yaml:"-"`
	ForcePathStyle  bool    `mapstructure:"force_path_style" yaml:"force_path_style"`
	RatePerSecond   float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("archive config: %s: %s", e.Field, e.Message)
}

// Validate checks the required fields.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	if c.RatePerSecond < 0 {
		return &ConfigError{Field: "RatePerSecond", Message: "must not be negative"}
	}
	return nil
}

// ParseURI splits s3://bucket/prefix into bucket and prefix.
func ParseURI(uri string) (bucket, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return "", "", fmt.Errorf("invalid archive uri %q: %w", uri, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid archive uri %q: scheme must be s3", uri)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid archive uri %q: bucket is required", uri)
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

func resolveRegion(cfgRegion, endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if cfgRegion != "" {
		return cfgRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
