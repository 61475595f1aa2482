package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wenwu/saas-platform/vpnshop-service/internal/config"
	"github.com/wenwu/saas-platform/vpnshop-service/internal/repository"
)

// OpenStore connects to the configured backend and returns a ready Store
func OpenStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		gdb, err := OpenSQLite(cfg.Database.SQLitePath)
		if err != nil {
			return nil, err
		}
		store := repository.NewGormStore(gdb)
		if err := store.InitSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate schema: %w", err)
		}
		return store, nil
	default:
		pool, err := New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return repository.NewPgStore(pool), nil
	}
}

// New opens the PostgreSQL pool and points search_path at the service schema
func New(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5

	schema := cfg.Database.Schema
	if schema != "" {
		// Set on every pooled connection
		poolConfig.ConnConfig.RuntimeParams["search_path"] = schema + ",public"
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	logrus.Infof("[db] Connected to PostgreSQL: %s/%s (schema: %s)",
		cfg.Database.Host, cfg.Database.DBName, schema)

	return pool, nil
}

// OpenSQLite opens a sqlite database file, or an in-memory one for a
// "file:...mode=memory" DSN
func OpenSQLite(path string) (*gorm.DB, error) {
	dsn := path
	if !strings.HasPrefix(path, "file:") {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	}

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite (%s): %w", path, err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB instance: %w", err)
	}
	// Single connection: one sqlite writer, and in-memory databases die with their connection
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	logrus.Infof("[db] Opened SQLite: %s", path)
	return gdb, nil
}
