package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB wraps gorm with the pool and helpers the repositories share.
type DB struct {
	*gorm.DB
}

// Config selects the driver (postgres, mysql or sqlite) and pool sizing.
type Config struct {
	Driver       string
	Host         string
	Port         int
	User         string
	Password     string
	Name         string // file path (or ":memory:") for sqlite
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	LogLevel     logger.LogLevel
}

func dialector(cfg Config) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode)
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// New opens and pings the database.
func New(cfg Config) (*DB, error) {
	dial, err := dialector(cfg)
	if err != nil {
		return nil, err
	}

	logLevel := cfg.LogLevel
	if logLevel == 0 {
		logLevel = logger.Warn
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dial, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// one writer; in-memory databases are per-connection
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate runs gorm auto-migration for models.
func (db *DB) Migrate(models ...interface{}) error {
	return db.AutoMigrate(models...)
}

func (db *DB) WithContext(ctx context.Context) *gorm.DB {
	return db.DB.WithContext(ctx)
}

// Ping checks the connection; used by readiness.
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Pagination helper
type Pagination struct {
	Limit int
	Page  int
	Sort  string
	Total int64
	Pages int
}

// Paginate counts matching rows of model, then loads one page into dest.
func (db *DB) Paginate(ctx context.Context, model, dest interface{}, pagination *Pagination, conditions ...interface{}) error {
	base := func() *gorm.DB {
		q := db.WithContext(ctx).Model(model)
		if len(conditions) > 0 {
			q = q.Where(conditions[0], conditions[1:]...)
		}
		return q
	}

	var total int64
	if err := base().Count(&total).Error; err != nil {
		return err
	}
	pagination.Total = total

	query := base()
	if pagination.Limit > 0 {
		pagination.Pages = int((total + int64(pagination.Limit) - 1) / int64(pagination.Limit))
		query = query.Limit(pagination.Limit)
		if pagination.Page > 0 {
			query = query.Offset((pagination.Page - 1) * pagination.Limit)
		}
	}

	if pagination.Sort != "" {
		query = query.Order(pagination.Sort)
	}

	return query.Find(dest).Error
}
