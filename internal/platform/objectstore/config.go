package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/plansim-labs/plansim-go/internal/platform/env"
)

type Config struct {
	Endpoint        string
	AccessKey       string
	SecretKey       string
	Region          string
	UseSSL          bool
	BucketOutputs   string
	BucketArtifacts string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("PLANSIM_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:        env.String("PLANSIM_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:       env.String("PLANSIM_MINIO_ACCESS_KEY", "plansim"),
		SecretKey:       env.String("PLANSIM_MINIO_SECRET_KEY", "plansimminio"),
		Region:          env.String("PLANSIM_MINIO_REGION", "us-east-1"),
		UseSSL:          useSSL,
		BucketOutputs:   env.String("PLANSIM_MINIO_BUCKET_OUTPUTS", "sim-outputs"),
		BucketArtifacts: env.String("PLANSIM_MINIO_BUCKET_ARTIFACTS", "sim-artifacts"),
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
	if strings.TrimSpace(c.BucketOutputs) == "" {
		return errors.New("outputs bucket is required")
	}
	if strings.TrimSpace(c.BucketArtifacts) == "" {
		return errors.New("artifacts bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
