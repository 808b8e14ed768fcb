package config

import (
	"fmt"

	"github.com/voidheim/dbgate/pkg/store"
	"github.com/voidheim/dbgate/pkg/store/memory"
	"github.com/voidheim/dbgate/pkg/store/postgres"
	"github.com/voidheim/dbgate/pkg/store/sqlite"
)

// NewDriver builds the store driver selected by the database section.
func NewDriver(cfg DatabaseConfig) (store.Driver, error) {
	switch cfg.Type {
	case "memory":
		return memory.New().Driver(), nil
	case "sqlite":
		return sqlite.New(), nil
	case "postgres":
		return postgres.New(), nil
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
}
