package engine

import (
	"fmt"

	"scenariodb/internal/config"
	"scenariodb/internal/scenario"
)

// NewEngineFromConfig creates an Engine implementation based on the engine config type.
func NewEngineFromConfig(cfg config.EngineConfig) (scenario.Engine, error) {
	switch scenario.Driver(cfg.Type) {
	case scenario.DriverSQLite:
		if cfg.StorageDir == "" {
			return nil, fmt.Errorf("storage_dir required for sqlite engine")
		}
		return NewSQLite(cfg.StorageDir), nil
	case scenario.DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("dsn required for pgsql engine")
		}
		return NewPostgres(cfg.DSN, cfg.PsqlPath, cfg.PgDumpPath)
	default:
		return nil, &scenario.DriverUnsupportedError{Driver: scenario.Driver(cfg.Type), Operation: "engine"}
	}
}
