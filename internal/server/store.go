// ABOUTME: Opens the configured state store backend
// ABOUTME: SQLite (pure Go or cgo) for single nodes, Redis for shared deployments

package server

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/2389/coven-warden/internal/config"
	"github.com/2389/coven-warden/internal/store"
)

// OpenStore opens the backend named by cfg.Driver.
func OpenStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		return openSQLite(store.DriverModernc, cfg.Path)
	case config.DriverSQLiteCgo:
		return openSQLite(store.DriverCGO, cfg.Path)
	case config.DriverRedis:
		rs, err := store.NewRedisStore(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.Timeout,
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		}, cfg.Namespace)
		if err != nil {
			return nil, err
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", config.ErrConfiguration, cfg.Driver)
	}
}

func openSQLite(driverName, path string) (store.Store, error) {
	s, err := store.OpenSQLite(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("opening %s store at %s: %w", driverName, path, err)
	}
	return s, nil
}
