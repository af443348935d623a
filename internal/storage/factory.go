package storage

import (
	"fmt"
	"moltmonitor/internal/models"
)

// Factory provides a centralized way to create storage instances based on configuration.
type Factory struct{}

// NewFactory creates a new storage factory
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a storage provider based on the provided configuration.
// Supported providers:
//   - json: single JSON file, rewritten atomically on every save
//   - memory: in-memory storage, lost on restart
//   - postgres: PostgreSQL database storage
//   - sqlite: SQLite database file
func (f *Factory) Create(config models.StorageConfig) (Storage, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	storageConfig := Config{
		Type:             config.Type,
		Path:             config.Path,
		ConnectionString: config.Database.DSN,
		MaxOpenConns:     config.Database.MaxOpenConns,
		MaxIdleConns:     config.Database.MaxIdleConns,
		ConnMaxLifetime:  config.Database.ConnMaxLifetime,
	}

	switch config.Type {
	case models.StorageTypeJSON:
		return asStorage(NewJSONStorage(storageConfig))
	case models.StorageTypeMemory:
		return asStorage(NewMemoryStorage(storageConfig))
	case models.StorageTypePostgres:
		return asStorage(NewPostgresStorage(storageConfig))
	default:
		return asStorage(NewSQLiteStorage(storageConfig))
	}
}

// asStorage keeps a failed constructor from yielding a non-nil interface
// holding a nil pointer.
func asStorage[S Storage](s S, err error) (Storage, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetSupportedProviders returns a list of all supported storage provider types
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.StorageTypeJSON, models.StorageTypeMemory, models.StorageTypePostgres, models.StorageTypeSQLite}
}

// ValidateConfig validates that a storage configuration is valid for its type
func (f *Factory) ValidateConfig(config models.StorageConfig) error {
	switch config.Type {
	case models.StorageTypeJSON:
		if config.Path == "" {
			return fmt.Errorf("path is required for JSON storage")
		}
	case models.StorageTypeMemory:
		// Memory storage requires no additional configuration
	case models.StorageTypePostgres, models.StorageTypeSQLite:
		if config.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", config.Type)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, config.Type)
	}
	return nil
}
