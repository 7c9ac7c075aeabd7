package objectstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/wardeploy/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	LinkTTL   time.Duration
}

// ConfigFromEnv reads DEPLOYER_S3_* variables. The AWS_* names used by earlier
// deployments of the service are honoured when the DEPLOYER_S3_* form is unset.
func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("DEPLOYER_S3_USE_SSL", true)
	if err != nil {
		return Config{}, err
	}
	linkTTL, err := env.Duration("DEPLOYER_LOG_LINK_TTL", time.Hour)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("DEPLOYER_S3_ENDPOINT", "s3.amazonaws.com"),
		AccessKey: env.String("DEPLOYER_S3_ACCESS_KEY", env.String("AWS_ACCESS_KEY", "")),
		SecretKey: env.String("DEPLOYER_S3_SECRET_KEY", env.String("AWS_SECRET_ACCESS_KEY", "")),
		Region:    env.String("DEPLOYER_S3_REGION", env.String("AWS_REGION", "us-east-1")),
		UseSSL:    useSSL,
		Bucket:    env.String("DEPLOYER_S3_BUCKET", env.String("AWS_BUCKET_NAME", "")),
		LinkTTL:   linkTTL,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if c.LinkTTL <= 0 || c.LinkTTL > 7*24*time.Hour {
		return fmt.Errorf("log link ttl must be within (0, 168h]: %s", c.LinkTTL)
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
