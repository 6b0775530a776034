package core

import (
	"context"
	"fmt"

	"labqc/internal/config"
	"labqc/internal/infra/persistence/memory"
	"labqc/internal/infra/persistence/postgres"
	"labqc/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenPersistentStore selects a backend from the storage configuration.
// An empty driver defaults to sqlite.
func OpenPersistentStore(ctx context.Context, cfg config.Storage, engine *RulesEngine, opts ...memory.Option) (PersistentStore, error) {
	driver := StorageDriver(cfg.Driver)
	if driver == "" {
		driver = StorageSQLite
	}
	switch driver {
	case StorageMemory:
		return memory.NewStore(engine, opts...), nil
	case StorageSQLite:
		return sqlite.NewStore(cfg.SQLitePath, engine, opts...)
	case StoragePostgres:
		return postgres.NewStore(ctx, cfg.PostgresDSN, engine, opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
