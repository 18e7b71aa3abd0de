package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ManuelReschke/dlgate/app/models"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	defaultMaxRetries = 5
	defaultRetryDelay = 5 * time.Second
)

// Config describes the database connection.
type Config struct {
	Driver       string `validate:"required,oneof=mysql postgres sqlite"`
	Host         string
	Port         string
	User         string
	Password     string
	Name         string `validate:"required"`
	MaxOpenConns int
	MaxIdleConns int
	MaxRetries   int
	RetryDelay   time.Duration
	LogSQL       bool
	Silent       bool
}

// DSN returns the driver specific data source name.
func (c Config) DSN() string {
	switch c.Driver {
	case DriverPostgres:
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			c.Host, c.User, c.Password, c.Name, c.Port)
	case DriverSQLite:
		return c.Name
	default:
		// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=UTC"
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			c.User, c.Password, c.Host, c.Port, c.Name)
	}
}

func (c Config) dialector() gorm.Dialector {
	switch c.Driver {
	case DriverPostgres:
		return postgres.Open(c.DSN())
	case DriverSQLite:
		return sqlite.Open(c.DSN())
	default:
		return mysql.New(mysql.Config{
			DSN:                       c.DSN(),
			DefaultStringSize:         256,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		})
	}
}

func (c Config) gormLogger() gormlogger.Interface {
	level := gormlogger.Warn
	switch {
	case c.Silent:
		level = gormlogger.Silent
	case c.LogSQL:
		level = gormlogger.Info
	}
	return gormlogger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// Open connects with retries and migrates the entitlement tables.
func Open(cfg Config, logger zerolog.Logger) (*gorm.DB, error) {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(cfg.dialector(), &gorm.Config{
			Logger:         cfg.gormLogger(),
			TranslateError: true,
			NowFunc:        func() time.Time { return time.Now().UTC() },
		})
		if err == nil {
			break
		}

		logger.Warn().Err(err).
			Str("driver", cfg.Driver).
			Int("attempt", i+1).
			Int("max_attempts", maxRetries).
			Msg("failed to connect to database")
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates the tables owned by the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Subscriber{},
		&models.UsageRecord{},
		&models.BillingWebhookEvent{},
	)
}
