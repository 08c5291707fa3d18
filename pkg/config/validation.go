package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags first, then the rules that depend on which
// backend is selected. The first failure is returned.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateBackends(cfg)
}

func validateBackends(cfg *Config) error {
	switch cfg.Blob.Type {
	case "filesystem":
		if path, _ := cfg.Blob.Filesystem["path"].(string); path == "" {
			return fmt.Errorf("blob.filesystem.path: required when blob.type is filesystem")
		}
	case "s3":
		if bucket, _ := cfg.Blob.S3["bucket"].(string); bucket == "" {
			return fmt.Errorf("blob.s3.bucket: required when blob.type is s3")
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		return fmt.Errorf("metrics.port: required when metrics are enabled")
	}

	return nil
}

// formatValidationError reports the first tag failure by its field path.
func formatValidationError(err error) error {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return err
	}

	e := errs[0]
	switch e.Tag() {
	case "ltfield":
		return fmt.Errorf("%s: must be shorter than %s (got %v)", e.Namespace(), e.Param(), e.Value())
	case "required":
		return fmt.Errorf("%s: is required", e.Namespace())
	case "oneof":
		return fmt.Errorf("%s: must be one of [%s] (got %v)", e.Namespace(), e.Param(), e.Value())
	}
	return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
}
