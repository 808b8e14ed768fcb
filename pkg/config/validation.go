package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/voidheim/dbgate/pkg/server"
	"github.com/voidheim/dbgate/pkg/store"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags plus custom
// rules that tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if cfg.Database.Type != "memory" && cfg.Database.DSN == "" {
		return fmt.Errorf("database: dsn is required for the %s driver", cfg.Database.Type)
	}

	if cfg.Pool.MinConnections > cfg.Pool.MaxConnections && cfg.Pool.MaxConnections > 0 {
		return fmt.Errorf("pool: min_connections %d exceeds max_connections %d",
			cfg.Pool.MinConnections, cfg.Pool.MaxConnections)
	}

	known := make(map[string]bool, len(store.EntityTypes()))
	for _, t := range store.EntityTypes() {
		known[string(t)] = true
	}
	for name := range cfg.Cache.Policies {
		if !known[name] {
			return fmt.Errorf("cache: policy for unknown entity type %q", name)
		}
	}

	if len(cfg.Server.AccessKey) > server.CredentialSize ||
		len(cfg.Server.SecretKey) > server.CredentialSize {
		return fmt.Errorf("server: credentials must be at most %d bytes", server.CredentialSize)
	}

	return nil
}

// formatValidationError converts validator errors into readable messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
