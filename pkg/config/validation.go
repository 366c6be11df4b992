package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct validation tags
// plus the cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())

	if err := validate.Struct(cfg); err != nil {
		return err
	}

	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if cfg.Blob.Type == "s3" && cfg.Blob.S3.Bucket == "" {
		return fmt.Errorf("blob: s3 bucket is required")
	}
	if cfg.Cache.Type == "badger" && cfg.Cache.Path == "" {
		return fmt.Errorf("cache: badger path is required")
	}
	if cfg.Auth.Issuer != "" && len(cfg.Auth.Audiences) == 0 {
		return fmt.Errorf("auth: at least one audience is required when an issuer is set")
	}

	return nil
}
